package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/gauntlet/internal/experiments"
	"github.com/haasonsaas/gauntlet/internal/jobs"
	"github.com/haasonsaas/gauntlet/internal/llm"
	"github.com/haasonsaas/gauntlet/internal/store"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

type runnerFixture struct {
	runner *Runner
	store  *store.Store
	user   *models.User
	suite  *models.ToolSuite
}

// newRunnerFixture seeds a user, one provider pointed at srvURL, one model
// and a two-case weather suite.
func newRunnerFixture(t *testing.T, srvURL string) *runnerFixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	u := &models.User{ID: uuid.NewString(), Email: "e@example.com", Role: models.RoleUser, CreatedAt: time.Now()}
	if err := st.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	p := &models.Provider{ID: uuid.NewString(), UserID: u.ID, Key: "vllm", APIBase: srvURL + "/v1", CreatedAt: time.Now()}
	if err := st.CreateProvider(ctx, p); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	m := &models.Model{ID: uuid.NewString(), ProviderID: p.ID, LiteLLMID: "test-model", ContextWindow: 8192, CreatedAt: time.Now()}
	if err := st.CreateModel(ctx, m); err != nil {
		t.Fatalf("create model: %v", err)
	}

	suite := &models.ToolSuite{
		ID:     uuid.NewString(),
		UserID: u.ID,
		Name:   "weather",
		Tools: []models.ToolDefinition{
			{ID: uuid.NewString(), Name: "get_weather", Description: "current weather",
				ParamsJSON: `{"type":"object","properties":{"city":{"type":"string"}}}`},
		},
		TestCases: []models.ToolTestCase{
			{ID: uuid.NewString(), Prompt: "weather in Paris?", ExpectedTool: "get_weather",
				ExpectedParamsJSON: `{"city": "Paris"}`, ParamScoring: models.ScoringExact, ShouldCallTool: true},
			{ID: uuid.NewString(), Prompt: "tell me a joke", ShouldCallTool: false},
		},
		CreatedAt: time.Now(),
	}
	if err := st.CreateSuite(ctx, suite); err != nil {
		t.Fatalf("create suite: %v", err)
	}

	client := llm.NewClient(logger, nil)
	coord := experiments.New(st, logger)
	keys := KeyringFunc(func(string) string { return "sk-test-key-123456" })
	return &runnerFixture{
		runner: New(st, nil, client, coord, keys, logger),
		store:  st,
		user:   u,
		suite:  suite,
	}
}

func (f *runnerFixture) newJob(t *testing.T, typ models.JobType, params any) *models.Job {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	job := &models.Job{
		ID:             uuid.NewString(),
		UserID:         f.user.ID,
		Type:           typ,
		Status:         models.JobRunning,
		ParamsJSON:     string(raw),
		TimeoutSeconds: 60,
		CreatedAt:      time.Now(),
	}
	if err := f.store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func noProgress(int, string) {}

// toolCallServer answers every chat completion with the same tool call.
func toolCallServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices": [{"message": {"role": "assistant", "content": "",
				"tool_calls": [{"id": "call_1", "type": "function",
					"function": {"name": "get_weather", "arguments": "{\"city\":\"Paris\"}"}}]},
				"finish_reason": "tool_calls"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 7}
		}`)
	}))
}

func TestHandleToolEvalScoresSuite(t *testing.T) {
	srv := toolCallServer(t)
	defer srv.Close()
	f := newRunnerFixture(t, srv.URL)
	ctx := context.Background()

	job := f.newJob(t, models.JobToolEval, ToolEvalParams{
		Selection: Selection{Models: []ModelRef{{ProviderKey: "vllm", ModelID: "test-model"}}},
		SuiteID:   f.suite.ID,
	})
	ref, err := f.runner.HandleToolEval(ctx, job, jobs.NewCancelEvent(), noProgress)
	if err != nil {
		t.Fatalf("HandleToolEval: %v", err)
	}

	run, err := f.store.GetToolEvalRun(ctx, f.user.ID, ref)
	if err != nil {
		t.Fatalf("get eval run: %v", err)
	}
	if run.SuiteID != f.suite.ID {
		t.Errorf("run suite = %q, want %q", run.SuiteID, f.suite.ID)
	}

	results, err := f.store.ListCaseResults(ctx, ref)
	if err != nil {
		t.Fatalf("list case results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("case results = %d, want 2", len(results))
	}
	byCase := map[string]*models.CaseResult{}
	for _, r := range results {
		byCase[r.TestCaseID] = r
	}

	// Case 1 expects get_weather(city=Paris): full marks.
	r1 := byCase[f.suite.TestCases[0].ID]
	if r1 == nil || !r1.Success {
		t.Fatalf("case 1 result = %+v", r1)
	}
	if r1.OverallScore != 1.0 || r1.ActualTool != "get_weather" {
		t.Errorf("case 1 score = %v tool = %q, want 1.0 get_weather", r1.OverallScore, r1.ActualTool)
	}
	if r1.ParamAccuracy == nil || *r1.ParamAccuracy != 1.0 {
		t.Errorf("case 1 param accuracy = %v, want 1.0", r1.ParamAccuracy)
	}

	// Case 2 wanted no call; the canned server calls anyway.
	r2 := byCase[f.suite.TestCases[1].ID]
	if r2 == nil {
		t.Fatal("case 2 result missing")
	}
	if r2.OverallScore != 0.0 {
		t.Errorf("case 2 score = %v, want 0.0", r2.OverallScore)
	}

	// Result ref was published on the job row.
	stored, err := f.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.ResultRef != ref {
		t.Errorf("job result ref = %q, want %q", stored.ResultRef, ref)
	}
}

func TestHandleToolEvalNoTargets(t *testing.T) {
	srv := toolCallServer(t)
	defer srv.Close()
	f := newRunnerFixture(t, srv.URL)

	job := f.newJob(t, models.JobToolEval, ToolEvalParams{
		Selection: Selection{ModelIDs: []string{"no-such-model"}},
		SuiteID:   f.suite.ID,
	})
	if _, err := f.runner.HandleToolEval(context.Background(), job, jobs.NewCancelEvent(), noProgress); err != ErrNoTargets {
		t.Fatalf("error = %v, want ErrNoTargets", err)
	}
}

func TestHandleJudgeCancelClosesReportAsError(t *testing.T) {
	srv := toolCallServer(t)
	defer srv.Close()
	f := newRunnerFixture(t, srv.URL)
	ctx := context.Background()

	run := &models.ToolEvalRun{ID: uuid.NewString(), UserID: f.user.ID, SuiteID: f.suite.ID, CreatedAt: time.Now()}
	if err := f.store.CreateToolEvalRun(ctx, run); err != nil {
		t.Fatalf("create eval run: %v", err)
	}
	results := []*models.CaseResult{
		{ID: uuid.NewString(), EvalRunID: run.ID, TestCaseID: f.suite.TestCases[0].ID,
			ProviderKey: "vllm", ModelID: "test-model", ActualTool: "get_weather",
			ActualParamsJSON: `{"city":"Paris"}`, Success: true, OverallScore: 1.0},
	}
	if err := f.store.AddCaseResults(ctx, results); err != nil {
		t.Fatalf("add case results: %v", err)
	}

	cancel := jobs.NewCancelEvent()
	cancel.Set()
	job := f.newJob(t, models.JobJudge, JudgeParams{
		EvalRunID:  run.ID,
		JudgeModel: ModelRef{ProviderKey: "vllm", ModelID: "test-model"},
	})
	ref, err := f.runner.HandleJudge(ctx, job, cancel, noProgress)
	if err != nil {
		t.Fatalf("HandleJudge: %v", err)
	}

	report, err := f.store.GetJudgeReport(ctx, f.user.ID, ref)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if report.Status != models.TuneError {
		t.Errorf("status = %s, want %s", report.Status, models.TuneError)
	}
	if report.Grade != "" || report.Winner != "" {
		t.Errorf("grade = %q winner = %q, want both empty on a cancelled run", report.Grade, report.Winner)
	}
	if report.Summary != "partial: run cancelled" {
		t.Errorf("summary = %q, want partial marker", report.Summary)
	}
	// Verdicts written before the cancellation stay readable.
	if _, err := f.store.ListJudgeVerdicts(ctx, report.ID); err != nil {
		t.Fatalf("list verdicts: %v", err)
	}
}

// streamServer answers chat completions with a short SSE stream including a
// usage chunk.
func streamServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"content":"Hello"}}]}`,
			`{"choices":[{"delta":{"content":" world"}}]}`,
			`{"choices":[{"delta":{}}],"usage":{"prompt_tokens":12,"completion_tokens":7}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestHandleBenchmarkMeasuresEligibleCells(t *testing.T) {
	srv := streamServer(t)
	defer srv.Close()
	f := newRunnerFixture(t, srv.URL)
	ctx := context.Background()

	// The second tier cannot fit inside the model's 8192 window and must be
	// skipped.
	job := f.newJob(t, models.JobBenchmark, BenchmarkParams{
		Selection:    Selection{Models: []ModelRef{{ProviderKey: "vllm", ModelID: "test-model"}}},
		Prompt:       "say hello",
		Runs:         2,
		MaxTokens:    64,
		ContextTiers: []int{0, 100000},
	})
	ref, err := f.runner.HandleBenchmark(ctx, job, jobs.NewCancelEvent(), noProgress)
	if err != nil {
		t.Fatalf("HandleBenchmark: %v", err)
	}

	results, err := f.store.ListBenchmarkResults(ctx, ref)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (one eligible tier x two runs)", len(results))
	}
	for _, r := range results {
		if !r.Success {
			t.Fatalf("run %d failed: %s", r.RunOrdinal, r.Error)
		}
		if r.ContextTier != 0 {
			t.Errorf("tier = %d, want 0", r.ContextTier)
		}
		if r.OutputTokens != 7 || r.InputTokens != 12 {
			t.Errorf("tokens = %d/%d, want 7/12", r.OutputTokens, r.InputTokens)
		}
		if r.TTFTMs <= 0 {
			t.Errorf("ttft = %v, want > 0", r.TTFTMs)
		}
	}
}

func TestHandleBenchmarkCallFailureBecomesFailedRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"message": "bad key"}}`)
	}))
	defer srv.Close()
	f := newRunnerFixture(t, srv.URL)
	ctx := context.Background()

	job := f.newJob(t, models.JobBenchmark, BenchmarkParams{
		Selection: Selection{ModelIDs: []string{"test-model"}},
		Prompt:    "say hello",
		Runs:      1,
	})
	ref, err := f.runner.HandleBenchmark(ctx, job, jobs.NewCancelEvent(), noProgress)
	if err != nil {
		t.Fatalf("job must not fail on per-run errors, got %v", err)
	}
	results, err := f.store.ListBenchmarkResults(ctx, ref)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 1 || results[0].Success || results[0].Error == "" {
		t.Fatalf("want one failed row with an error, got %+v", results)
	}
}

func TestResolveTargets(t *testing.T) {
	srv := toolCallServer(t)
	defer srv.Close()
	f := newRunnerFixture(t, srv.URL)
	ctx := context.Background()

	t.Run("compound ref", func(t *testing.T) {
		targets, err := f.runner.resolveTargets(ctx, f.user.ID, Selection{
			Models: []ModelRef{{ProviderKey: "vllm", ModelID: "test-model"}},
		})
		if err != nil || len(targets) != 1 {
			t.Fatalf("targets = %v, err = %v", targets, err)
		}
		if targets[0].APIKey != "sk-test-key-123456" {
			t.Errorf("api key not resolved from keyring")
		}
		if targets[0].ContextWindow != 8192 {
			t.Errorf("context window = %d", targets[0].ContextWindow)
		}
	})

	t.Run("legacy flat id", func(t *testing.T) {
		targets, err := f.runner.resolveTargets(ctx, f.user.ID, Selection{ModelIDs: []string{"test-model"}})
		if err != nil || len(targets) != 1 {
			t.Fatalf("targets = %v, err = %v", targets, err)
		}
	})

	t.Run("empty selection matches nothing", func(t *testing.T) {
		if _, err := f.runner.resolveTargets(ctx, f.user.ID, Selection{}); err != ErrNoTargets {
			t.Fatalf("error = %v, want ErrNoTargets", err)
		}
	})

	t.Run("wrong provider in ref", func(t *testing.T) {
		_, err := f.runner.resolveTargets(ctx, f.user.ID, Selection{
			Models: []ModelRef{{ProviderKey: "openai", ModelID: "test-model"}},
		})
		if err != ErrNoTargets {
			t.Fatalf("error = %v, want ErrNoTargets", err)
		}
	})
}

func TestHandlePromptTuneQuick(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			ResponseFormat *struct {
				Type string `json:"type"`
			} `json:"response_format"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		if body.ResponseFormat != nil {
			// Meta-model call: return a candidate prompt.
			fmt.Fprint(w, `{
				"choices": [{"message": {"role": "assistant",
					"content": "{\"prompt\": \"You are a precise tool-calling assistant.\"}"},
					"finish_reason": "stop"}],
				"usage": {"prompt_tokens": 20, "completion_tokens": 10}
			}`)
			return
		}
		fmt.Fprint(w, `{
			"choices": [{"message": {"role": "assistant", "content": "",
				"tool_calls": [{"id": "call_1", "type": "function",
					"function": {"name": "get_weather", "arguments": "{\"city\":\"Paris\"}"}}]},
				"finish_reason": "tool_calls"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 7}
		}`)
	}))
	defer srv.Close()
	f := newRunnerFixture(t, srv.URL)
	ctx := context.Background()

	job := f.newJob(t, models.JobPromptTune, PromptTuneParams{
		Selection:      Selection{ModelIDs: []string{"test-model"}},
		SuiteID:        f.suite.ID,
		Mode:           "quick",
		PopulationSize: 2,
		MetaModel:      ModelRef{ProviderKey: "vllm", ModelID: "test-model"},
	})
	ref, err := f.runner.HandlePromptTune(ctx, job, jobs.NewCancelEvent(), noProgress)
	if err != nil {
		t.Fatalf("HandlePromptTune: %v", err)
	}

	run, err := f.store.GetPromptTuneRun(ctx, f.user.ID, ref)
	if err != nil {
		t.Fatalf("get tune run: %v", err)
	}
	if run.Status != models.TuneDone {
		t.Fatalf("status = %s, want done", run.Status)
	}
	if run.BestPrompt == "" || run.BestScore != 0.5 {
		t.Errorf("best = %q/%v, want prompt text and score 0.5", run.BestPrompt, run.BestScore)
	}

	gens, candidates, err := f.store.ListPromptGenerations(ctx, ref)
	if err != nil {
		t.Fatalf("list generations: %v", err)
	}
	if len(gens) != 1 {
		t.Fatalf("generations = %d, want 1", len(gens))
	}
	if got := len(candidates[gens[0].ID]); got != 2 {
		t.Fatalf("candidates = %d, want 2", got)
	}
}

func TestHandleParamTuneLinksPromotedRun(t *testing.T) {
	srv := toolCallServer(t)
	defer srv.Close()
	f := newRunnerFixture(t, srv.URL)
	ctx := context.Background()

	exp := &models.Experiment{ID: uuid.NewString(), UserID: f.user.ID, SuiteID: f.suite.ID,
		Name: "tuning", CreatedAt: time.Now().UTC()}
	if err := f.store.CreateExperiment(ctx, exp); err != nil {
		t.Fatalf("create experiment: %v", err)
	}

	job := f.newJob(t, models.JobParamTune, ParamTuneParams{
		Selection:    Selection{ModelIDs: []string{"test-model"}},
		SuiteID:      f.suite.ID,
		Mode:         models.SearchGrid,
		Space:        map[string]SpaceDim{"temperature": {Values: []any{0.2, 0.7}}},
		ExperimentID: exp.ID,
	})
	ref, err := f.runner.HandleParamTune(ctx, job, jobs.NewCancelEvent(), noProgress)
	if err != nil {
		t.Fatalf("HandleParamTune: %v", err)
	}

	run, err := f.store.GetParamTuneRun(ctx, f.user.ID, ref)
	if err != nil {
		t.Fatalf("get tune run: %v", err)
	}
	if run.Status != models.TuneDone {
		t.Fatalf("status = %s, want done", run.Status)
	}

	combos, err := f.store.ListParamTuneCombos(ctx, ref)
	if err != nil {
		t.Fatalf("list combos: %v", err)
	}
	var best *models.ParamTuneCombo
	for _, c := range combos {
		if c.ComboIndex == run.BestIndex {
			best = c
		}
	}
	if best == nil {
		t.Fatalf("best combo %d missing from %d combos", run.BestIndex, len(combos))
	}
	if best.EvalRunID == "" {
		t.Fatal("best combo has no linked eval run")
	}

	synth, err := f.store.GetToolEvalRun(ctx, f.user.ID, best.EvalRunID)
	if err != nil {
		t.Fatalf("get promoted run: %v", err)
	}
	if !synth.Synthesized || synth.ExperimentID != exp.ID {
		t.Errorf("promoted run synthesized = %v experiment = %q, want true/%q",
			synth.Synthesized, synth.ExperimentID, exp.ID)
	}
}
