package models

// Server→client WS frame types. The vocabulary is closed: clients switch on
// Type and ignore unknown payload fields, never unknown types.
const (
	WSSync = "sync"

	WSJobCreated   = "job_created"
	WSJobStarted   = "job_started"
	WSJobProgress  = "job_progress"
	WSJobCompleted = "job_completed"
	WSJobFailed    = "job_failed"
	WSJobCancelled = "job_cancelled"

	WSBenchmarkInit     = "benchmark_init"
	WSBenchmarkProgress = "benchmark_progress"
	WSBenchmarkResult   = "benchmark_result"

	WSToolEvalInit     = "tool_eval_init"
	WSToolEvalProgress = "tool_eval_progress"
	WSToolEvalResult   = "tool_eval_result"
	WSToolEvalSummary  = "tool_eval_summary"
	WSToolEvalComplete = "tool_eval_complete"

	WSTuneStart    = "tune_start"
	WSComboResult  = "combo_result"
	WSTuneComplete = "tune_complete"
	WSEvalPromoted = "eval_promoted"

	WSGenerationStart    = "generation_start"
	WSPromptGenerated    = "prompt_generated"
	WSPromptEvalStart    = "prompt_eval_start"
	WSPromptEvalResult   = "prompt_eval_result"
	WSGenerationComplete = "generation_complete"

	WSJudgeStart    = "judge_start"
	WSJudgeVerdict  = "judge_verdict"
	WSJudgeReport   = "judge_report"
	WSJudgeComplete = "judge_complete"

	WSCompareStart    = "compare_start"
	WSCompareCase     = "compare_case"
	WSCompareComplete = "compare_complete"

	WSPong      = "pong"
	WSHeartbeat = "heartbeat"
)

// WSFrame is the uniform server→client message shape.
type WSFrame struct {
	Type    string         `json:"type"`
	JobID   string         `json:"job_id,omitempty"`
	Payload map[string]any `json:"-"`
}

// Frame builds a WSFrame with an optional payload map.
func Frame(typ, jobID string, payload map[string]any) WSFrame {
	return WSFrame{Type: typ, JobID: jobID, Payload: payload}
}

// MarshalFields flattens the frame into a single JSON object:
// {type, job_id?, ...payload}.
func (f WSFrame) MarshalFields() map[string]any {
	out := make(map[string]any, len(f.Payload)+2)
	for k, v := range f.Payload {
		out[k] = v
	}
	out["type"] = f.Type
	if f.JobID != "" {
		out["job_id"] = f.JobID
	}
	return out
}
