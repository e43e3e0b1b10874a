package models

import "time"

// ParamScoring selects the strategy used to grade tool-call arguments.
type ParamScoring string

const (
	ScoringExact    ParamScoring = "exact"
	ScoringFuzzy    ParamScoring = "fuzzy"
	ScoringContains ParamScoring = "contains"
	ScoringSemantic ParamScoring = "semantic"
)

// ToolSuite groups tool definitions and test cases for evaluation.
type ToolSuite struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	TestCases   []ToolTestCase   `json:"test_cases,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ToolDefinition is one callable tool exposed to the model under test.
type ToolDefinition struct {
	ID          string `json:"id"`
	SuiteID     string `json:"suite_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ParamsJSON  string `json:"params_json,omitempty"`
	SortOrder   int    `json:"sort_order"`
}

// ToolTestCase is one prompt with the expected tool call.
type ToolTestCase struct {
	ID                  string       `json:"id"`
	SuiteID             string       `json:"suite_id"`
	Prompt              string       `json:"prompt"`
	ExpectedTool        string       `json:"expected_tool,omitempty"`
	ExpectedParamsJSON  string       `json:"expected_params_json,omitempty"`
	ParamScoring        ParamScoring `json:"param_scoring"`
	MultiTurnConfigJSON string       `json:"multi_turn_config_json,omitempty"`
	ScoringConfigJSON   string       `json:"scoring_config_json,omitempty"`
	ShouldCallTool      bool         `json:"should_call_tool"`
	Category            string       `json:"category,omitempty"`
	SortOrder           int          `json:"sort_order"`
}

// ToolEvalRun is the header row for a tool-calling evaluation.
type ToolEvalRun struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	JobID        string    `json:"job_id,omitempty"`
	SuiteID      string    `json:"suite_id"`
	ExperimentID string    `json:"experiment_id,omitempty"`
	Synthesized  bool      `json:"synthesized,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CaseResult is the outcome of one (test case, model) evaluation.
type CaseResult struct {
	ID               string   `json:"id"`
	EvalRunID        string   `json:"eval_run_id"`
	TestCaseID       string   `json:"test_case_id"`
	ProviderKey      string   `json:"provider_key"`
	ModelID          string   `json:"model_id"`
	ToolSelection    float64  `json:"tool_selection_score"`
	ParamAccuracy    *float64 `json:"param_accuracy,omitempty"`
	OverallScore     float64  `json:"overall_score"`
	IrrelevanceScore float64  `json:"irrelevance_score,omitempty"`
	ActualTool       string   `json:"actual_tool,omitempty"`
	ActualParamsJSON string   `json:"actual_params_json,omitempty"`
	Success          bool     `json:"success"`
	Error            string   `json:"error,omitempty"`
	LatencyMs        float64  `json:"latency_ms"`
	RawRequest       string   `json:"raw_request,omitempty"`
	RawResponse      string   `json:"raw_response,omitempty"`
}

// MultiTurnConfig shapes a multi-round tool conversation: the chain the model
// is expected to walk and canned outputs for intermediate tools.
type MultiTurnConfig struct {
	MaxRounds     int               `json:"max_rounds,omitempty"`
	ExpectedChain []string          `json:"expected_chain,omitempty"`
	MockResponses map[string]string `json:"mock_responses,omitempty"`
	OptimalHops   int               `json:"optimal_hops,omitempty"`
}
