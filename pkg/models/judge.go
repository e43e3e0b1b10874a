package models

import "time"

// VerdictLabel is the judge's per-case classification.
type VerdictLabel string

const (
	VerdictPass     VerdictLabel = "pass"
	VerdictMarginal VerdictLabel = "marginal"
	VerdictFail     VerdictLabel = "fail"
	VerdictError    VerdictLabel = "error"
)

// JudgeReport is an LLM-as-judge assessment over an eval run. Re-running a
// judge against the same eval creates a child report pointing at the root:
// the chain is root plus direct children, never deeper.
type JudgeReport struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	JobID          string        `json:"job_id,omitempty"`
	EvalRunID      string        `json:"eval_run_id"`
	EvalRunBID     string        `json:"eval_run_b_id,omitempty"` // judge-compare only
	JudgeModel     string        `json:"judge_model"`
	Instructions   string        `json:"instructions,omitempty"`
	Status         TuneRunStatus `json:"status"`
	Grade          string        `json:"grade,omitempty"`
	Score          float64       `json:"score,omitempty"`
	Winner         string        `json:"winner,omitempty"` // model_a | model_b | tie
	Summary        string        `json:"summary,omitempty"`
	ParentReportID string        `json:"parent_report_id,omitempty"`
	Version        int           `json:"version"`
	CreatedAt      time.Time     `json:"created_at"`
}

// JudgeVerdict is the judge's assessment of a single case result.
type JudgeVerdict struct {
	ID               string       `json:"id"`
	ReportID         string       `json:"report_id"`
	CaseResultID     string       `json:"case_result_id"`
	QualityScore     float64      `json:"quality_score"` // 0-5
	Verdict          VerdictLabel `json:"verdict"`
	Summary          string       `json:"summary,omitempty"`
	Reasoning        string       `json:"reasoning,omitempty"`
	ToolSelectionRev string       `json:"tool_selection_assessment,omitempty"`
	ParamRev         string       `json:"param_assessment,omitempty"`
	OverrideScore    *float64     `json:"judge_override_score,omitempty"`
	OverrideReason   string       `json:"override_reason,omitempty"`
}
