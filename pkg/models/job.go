package models

import "time"

// JobType identifies which handler runs a job.
type JobType string

const (
	JobBenchmark    JobType = "benchmark"
	JobToolEval     JobType = "tool_eval"
	JobParamTune    JobType = "param_tune"
	JobPromptTune   JobType = "prompt_tune"
	JobJudge        JobType = "judge"
	JobJudgeCompare JobType = "judge_compare"
	JobSuiteImport  JobType = "suite_import"
	JobScheduled    JobType = "scheduled"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobQueued      JobStatus = "queued"
	JobRunning     JobStatus = "running"
	JobDone        JobStatus = "done"
	JobFailed      JobStatus = "failed"
	JobCancelled   JobStatus = "cancelled"
	JobInterrupted JobStatus = "interrupted"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobDone, JobFailed, JobCancelled, JobInterrupted:
		return true
	}
	return false
}

// allowedTransitions is the legal job status relation. Anything else is an
// integrity violation: it is logged but the write is still accepted.
var allowedTransitions = map[JobStatus][]JobStatus{
	JobPending: {JobQueued, JobRunning, JobCancelled},
	JobQueued:  {JobRunning, JobCancelled},
	JobRunning: {JobDone, JobFailed, JobCancelled, JobInterrupted},
}

// TransitionAllowed reports whether from→to is in the legal relation.
func TransitionAllowed(from, to JobStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is the durable record of a background task.
type Job struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Type           JobType   `json:"job_type"`
	Status         JobStatus `json:"status"`
	ProgressPct    int       `json:"progress_pct"`
	ProgressDetail string    `json:"progress_detail,omitempty"`
	ParamsJSON     string    `json:"params_json,omitempty"`
	// ResultRef is published eagerly: it may be set while the job is still
	// running so reconnecting clients can bind to partial results, and may
	// be empty briefly between creation and the handler's first publish.
	ResultRef      string    `json:"result_ref,omitempty"`
	Error          string    `json:"error,omitempty"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
	TimeoutAt      time.Time `json:"timeout_at,omitempty"`
}

// DefaultJobTimeout bounds handler runtime when the caller does not.
const DefaultJobTimeout = 7200 * time.Second
