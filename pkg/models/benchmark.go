package models

import "time"

// BenchmarkRun is the header row for a throughput benchmark job.
type BenchmarkRun struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	JobID        string    `json:"job_id,omitempty"`
	ExperimentID string    `json:"experiment_id,omitempty"`
	Prompt       string    `json:"prompt"`
	MaxTokens    int       `json:"max_tokens"`
	Runs         int       `json:"runs"`
	ContextTiers []int     `json:"context_tiers,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// BenchmarkResult is one measured completion: a (model, tier, ordinal) cell.
type BenchmarkResult struct {
	ID             string  `json:"id"`
	RunID          string  `json:"run_id"`
	ProviderKey    string  `json:"provider_key"`
	ModelID        string  `json:"model_id"`
	ContextTier    int     `json:"context_tier"`
	RunOrdinal     int     `json:"run_ordinal"`
	TTFTMs         float64 `json:"ttft_ms"`
	TotalTimeS     float64 `json:"total_time_s"`
	OutputTokens   int     `json:"output_tokens"`
	InputTokens    int     `json:"input_tokens"`
	TokensPerSec   float64 `json:"tokens_per_second"`
	InputTokPerSec float64 `json:"input_tokens_per_second"`
	Cost           float64 `json:"cost"`
	Success        bool    `json:"success"`
	Error          string  `json:"error,omitempty"`
}
