package models

import "time"

// BestSource labels which run kind produced an experiment's current best.
type BestSource string

const (
	BestFromEval       BestSource = "eval"
	BestFromParamTune  BestSource = "param_tune"
	BestFromPromptTune BestSource = "prompt_tune"
)

// Experiment groups a suite's runs around a pinned baseline and a running
// best configuration.
type Experiment struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	SuiteID        string     `json:"suite_id"`
	Name           string     `json:"name"`
	BaselineEvalID string     `json:"baseline_eval_id,omitempty"`
	BaselineScore  *float64   `json:"baseline_score,omitempty"`
	BestScore      *float64   `json:"best_score,omitempty"`
	BestConfigJSON string     `json:"best_config_json,omitempty"`
	BestSource     BestSource `json:"best_source,omitempty"`
	BestSourceID   string     `json:"best_source_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TimelineEntry is one run on an experiment's history, annotated with its
// delta against the pinned baseline.
type TimelineEntry struct {
	Kind          string    `json:"kind"` // eval | param_tune | prompt_tune | judge
	RunID         string    `json:"run_id"`
	Score         float64   `json:"score"`
	Delta         *float64  `json:"delta,omitempty"`
	ConfigSummary string    `json:"config_summary,omitempty"`
	Promoted      bool      `json:"promoted,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// LeaderboardEntry is a public aggregate over opted-in tool-eval results,
// maintained by weighted-average upsert keyed on the model row.
type LeaderboardEntry struct {
	ModelDBID    string    `json:"model_db_id"`
	ModelName    string    `json:"model_name"`
	ProviderName string    `json:"provider_name"`
	Accuracy     float64   `json:"accuracy"`
	ParamScore   float64   `json:"param_score"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	SampleCount  int       `json:"sample_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}
