package models

import "time"

// TuneRunStatus tracks child run tables that can outlive their job's
// in-memory state (ghost cleanup resets running rows to interrupted).
type TuneRunStatus string

const (
	TuneRunning     TuneRunStatus = "running"
	TuneDone        TuneRunStatus = "done"
	TuneFailed      TuneRunStatus = "failed"
	TuneCancelled   TuneRunStatus = "cancelled"
	TuneInterrupted TuneRunStatus = "interrupted"

	// TuneError marks a judge report closed mid-run by cancellation: the
	// verdicts produced so far are kept, the cross-case analysis never ran.
	TuneError TuneRunStatus = "error"
)

// SearchMode selects how a parameter search space is explored.
type SearchMode string

const (
	SearchGrid     SearchMode = "grid"
	SearchRandom   SearchMode = "random"
	SearchBayesian SearchMode = "bayesian"
)

// ParamTuneRun is the header row for a hyperparameter search.
type ParamTuneRun struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	JobID        string        `json:"job_id,omitempty"`
	SuiteID      string        `json:"suite_id"`
	ExperimentID string        `json:"experiment_id,omitempty"`
	Mode         SearchMode    `json:"mode"`
	SpaceJSON    string        `json:"space_json"`
	Status       TuneRunStatus `json:"status"`
	BestIndex    int           `json:"best_index,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ParamTuneCombo is one tried parameter combination for one model.
type ParamTuneCombo struct {
	ID              string  `json:"id"`
	TuneRunID       string  `json:"tune_run_id"`
	ComboIndex      int     `json:"combo_index"`
	ProviderKey     string  `json:"provider_key"`
	ModelID         string  `json:"model_id"`
	ConfigJSON      string  `json:"config_json"`
	AdjustmentsJSON string  `json:"adjustments_json,omitempty"`
	OverallScore    float64 `json:"overall_score"`
	ToolSelection   float64 `json:"tool_selection_score"`
	ParamAccuracy   float64 `json:"param_accuracy"`
	LatencyAvgMs    float64 `json:"latency_avg_ms"`
	EvalRunID       string  `json:"eval_run_id,omitempty"`
}

// PromptStyle labels how a candidate prompt was produced.
type PromptStyle string

const (
	StyleConcise    PromptStyle = "concise"
	StyleDetailed   PromptStyle = "detailed"
	StyleStepByStep PromptStyle = "step_by_step"
	StyleRoleBased  PromptStyle = "role_based"
)

// PromptTuneRun is the header row for prompt optimization.
type PromptTuneRun struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	JobID          string        `json:"job_id,omitempty"`
	SuiteID        string        `json:"suite_id"`
	ExperimentID   string        `json:"experiment_id,omitempty"`
	Mode           string        `json:"mode"` // quick | evolutionary
	BasePrompt     string        `json:"base_prompt,omitempty"`
	Generations    int           `json:"generations"`
	PopulationSize int           `json:"population_size"`
	SelectionRatio float64       `json:"selection_ratio"`
	MetaModel      string        `json:"meta_model"`
	Status         TuneRunStatus `json:"status"`
	BestPrompt     string        `json:"best_prompt,omitempty"`
	BestScore      float64       `json:"best_score,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// PromptTuneGeneration is one evolutionary round.
type PromptTuneGeneration struct {
	ID               string  `json:"id"`
	TuneRunID        string  `json:"tune_run_id"`
	GenerationNumber int     `json:"generation_number"`
	BestScore        float64 `json:"best_score"`
	AvgScore         float64 `json:"avg_score"`
}

// PromptTuneCandidate is one prompt variant within a generation.
type PromptTuneCandidate struct {
	ID                string      `json:"id"`
	GenerationID      string      `json:"generation_id"`
	CandidateIndex    int         `json:"candidate_index"`
	PromptText        string      `json:"prompt_text"`
	Style             PromptStyle `json:"style,omitempty"`
	MutationType      string      `json:"mutation_type,omitempty"`
	ParentCandidateID string      `json:"parent_candidate_id,omitempty"`
	AvgScore          float64     `json:"avg_score"`
	Survived          bool        `json:"survived"`
}
