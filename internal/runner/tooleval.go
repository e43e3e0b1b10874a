package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/gauntlet/internal/jobs"
	"github.com/haasonsaas/gauntlet/internal/llm"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

// InlineJudge opts a tool eval into LLM-as-judge verdicts.
type InlineJudge struct {
	Model        ModelRef `json:"model"`
	Mode         string   `json:"mode,omitempty"` // inline | post
	Instructions string   `json:"instructions,omitempty"`
	Workers      int      `json:"workers,omitempty"`
}

// ToolEvalParams is the tool-eval job payload.
type ToolEvalParams struct {
	Selection
	SuiteID      string         `json:"suite_id"`
	ToolChoice   string         `json:"tool_choice,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Passthrough  map[string]any `json:"passthrough,omitempty"`
	ExperimentID string         `json:"experiment_id,omitempty"`
	Judge        *InlineJudge   `json:"judge,omitempty"`
}

const (
	defaultJudgeWorkers  = 4
	defaultMaxRounds     = 5
	defaultMockToolReply = "ok"
)

// HandleToolEval runs every (model, case) pair of a suite, scores the tool
// calls, optionally judges each case, and promotes the result into the
// declared experiment.
func (r *Runner) HandleToolEval(ctx context.Context, job *models.Job, cancel *jobs.CancelEvent, progress jobs.ProgressFunc) (string, error) {
	params, err := decodeParams[ToolEvalParams](job)
	if err != nil {
		return "", err
	}
	suite, err := r.store.GetSuite(ctx, job.UserID, params.SuiteID)
	if err != nil {
		return "", err
	}
	if len(suite.TestCases) == 0 {
		return "", errors.New("suite has no test cases")
	}
	targets, err := r.resolveTargets(ctx, job.UserID, params.Selection)
	if err != nil {
		return "", err
	}

	run := &models.ToolEvalRun{
		ID:           uuid.NewString(),
		UserID:       job.UserID,
		JobID:        job.ID,
		SuiteID:      suite.ID,
		ExperimentID: params.ExperimentID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.store.CreateToolEvalRun(ctx, run); err != nil {
		return "", err
	}
	if err := r.store.SetJobResultRef(ctx, job.ID, run.ID); err != nil {
		r.logger.Warn("result ref publish failed", "job_id", job.ID, "error", err)
	}

	total := len(targets) * len(suite.TestCases)
	r.send(job.UserID, models.Frame(models.WSToolEvalInit, job.ID, map[string]any{
		"eval_run_id": run.ID,
		"suite_id":    suite.ID,
		"model_count": len(targets),
		"case_count":  len(suite.TestCases),
	}))

	judge, err := r.setupJudge(ctx, job, run, params, targets)
	if err != nil {
		return run.ID, err
	}

	tools := suiteTools(suite)
	var done atomic.Int64
	evalErr := runProviderGroups(targets, func(t Target) error {
		for i := range suite.TestCases {
			tc := &suite.TestCases[i]
			if cancel.Fired() || ctx.Err() != nil {
				return ctx.Err()
			}

			result := r.evalCase(ctx, t, suite, tc, tools, params)
			result.EvalRunID = run.ID
			if err := r.store.AddCaseResult(ctx, result); err != nil {
				return err
			}
			n := int(done.Add(1))
			r.send(job.UserID, models.Frame(models.WSToolEvalResult, job.ID, map[string]any{
				"eval_run_id":   run.ID,
				"case_id":       tc.ID,
				"provider_key":  t.ProviderKey,
				"model_id":      t.ModelID,
				"overall_score": result.OverallScore,
				"actual_tool":   result.ActualTool,
				"success":       result.Success,
			}))
			progress(pct(n, total), fmt.Sprintf("%s: case %d/%d", t.ModelID, i+1, len(suite.TestCases)))

			if judge != nil && judge.inline {
				judge.dispatch(ctx, result, tc)
			}
		}
		return nil
	})
	if evalErr != nil {
		return run.ID, evalErr
	}
	if cancel.Fired() || ctx.Err() != nil {
		if judge != nil {
			judge.finish(ctx, true)
		}
		return run.ID, ctx.Err()
	}

	if judge != nil {
		if !judge.inline {
			judge.runPost(ctx, run.ID, suite, cancel)
		}
		judge.finish(ctx, false)
	}

	avg, n, err := r.store.AvgOverallScore(ctx, run.ID)
	if err != nil {
		return run.ID, err
	}
	r.send(job.UserID, models.Frame(models.WSToolEvalSummary, job.ID, map[string]any{
		"eval_run_id": run.ID,
		"avg_score":   avg,
		"case_count":  n,
	}))

	r.publishLeaderboard(ctx, job.UserID, run.ID, targets)
	if params.ExperimentID != "" {
		r.promoteEval(ctx, job.UserID, params.ExperimentID, run.ID, avg, params)
	}

	r.send(job.UserID, models.Frame(models.WSToolEvalComplete, job.ID, map[string]any{
		"eval_run_id": run.ID,
	}))
	return run.ID, nil
}

// evalCase runs one (model, case) pair. Errors become failed rows.
func (r *Runner) evalCase(ctx context.Context, t Target, suite *models.ToolSuite, tc *models.ToolTestCase, tools []llm.Tool, params *ToolEvalParams) *models.CaseResult {
	result := &models.CaseResult{
		ID:          uuid.NewString(),
		TestCaseID:  tc.ID,
		ProviderKey: t.ProviderKey,
		ModelID:     t.ModelID,
	}

	start := time.Now()
	var actualTool, actualArgs string
	var extra map[string]any
	var err error
	if tc.MultiTurnConfigJSON != "" {
		actualTool, actualArgs, extra, err = r.runMultiTurn(ctx, t, tc, tools, params)
	} else {
		actualTool, actualArgs, err = r.runSingleTurn(ctx, t, tc, tools, params)
	}
	result.LatencyMs = float64(time.Since(start).Milliseconds())

	if err != nil {
		result.Error = string(llm.Classify(err)) + ": " + llm.Sanitize(err.Error(), t.APIKey)
		return result
	}

	result.Success = true
	result.ActualTool = actualTool
	result.ActualParamsJSON = actualArgs
	result.ToolSelection = toolSelectionScore(actualTool, tc)
	if !tc.ShouldCallTool {
		result.IrrelevanceScore = result.ToolSelection
	}
	result.ParamAccuracy = paramAccuracy(tc, actualArgs)
	result.OverallScore = overallScore(result.ToolSelection, result.ParamAccuracy)
	if extra != nil {
		raw, _ := json.Marshal(extra)
		result.RawResponse = string(raw)
	}
	return result
}

// runSingleTurn is one call with tools. A provider that rejects
// tool_choice=required gets one more chance with auto.
func (r *Runner) runSingleTurn(ctx context.Context, t Target, tc *models.ToolTestCase, tools []llm.Tool, params *ToolEvalParams) (string, string, error) {
	resolved, _ := llm.Resolve(t.ProviderKey, t.ModelID, params.Params, t.SkipParams, params.Passthrough)
	req := llm.Request{
		Target:     t.Target,
		System:     params.SystemPrompt,
		Messages:   []llm.Message{{Role: "user", Content: tc.Prompt}},
		Tools:      tools,
		ToolChoice: params.ToolChoice,
		Params:     resolved,
	}

	comp, err := r.llm.Complete(ctx, req)
	if errors.Is(err, llm.ErrUnsupportedToolChoice) && req.ToolChoice == "required" {
		req.ToolChoice = "auto"
		comp, err = r.llm.Complete(ctx, req)
	}
	if err != nil {
		return "", "", err
	}
	return parseToolResponse(comp, tc)
}

// parseToolResponse extracts the tool call, falling back to JSON embedded in
// plain content when the model skipped the protocol.
func parseToolResponse(comp *llm.Completion, tc *models.ToolTestCase) (string, string, error) {
	if len(comp.ToolCalls) > 0 {
		return comp.ToolCalls[0].Name, comp.ToolCalls[0].Arguments, nil
	}
	obj, ok := extractJSONObject(comp.Content)
	if !ok {
		return "", "", nil
	}

	var probe map[string]any
	_ = json.Unmarshal([]byte(obj), &probe)
	name := ""
	for _, key := range []string{"tool", "name", "function"} {
		if v, ok := probe[key].(string); ok && v != "" {
			name = v
			break
		}
	}
	if name != "" {
		for _, key := range []string{"arguments", "params", "parameters"} {
			if v, ok := probe[key]; ok {
				raw, _ := json.Marshal(v)
				return name, string(raw), nil
			}
		}
		return name, "{}", nil
	}
	// Bare argument object: credit the expected tool, grade the params.
	if tc.ShouldCallTool && tc.ExpectedTool != "" {
		return strings.ToLower(tc.ExpectedTool), obj, nil
	}
	return "", "", nil
}

// runMultiTurn walks a tool chain with canned intermediate responses. The
// case ends when the model reaches the chain's final tool or runs out of
// rounds.
func (r *Runner) runMultiTurn(ctx context.Context, t Target, tc *models.ToolTestCase, tools []llm.Tool, params *ToolEvalParams) (string, string, map[string]any, error) {
	var cfg models.MultiTurnConfig
	if err := json.Unmarshal([]byte(tc.MultiTurnConfigJSON), &cfg); err != nil {
		return "", "", nil, fmt.Errorf("multi-turn config: %w", err)
	}
	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	finalTool := ""
	if len(cfg.ExpectedChain) > 0 {
		finalTool = strings.ToLower(cfg.ExpectedChain[len(cfg.ExpectedChain)-1])
	}
	inChain := make(map[string]bool, len(cfg.ExpectedChain))
	for _, name := range cfg.ExpectedChain {
		inChain[strings.ToLower(name)] = true
	}

	resolved, _ := llm.Resolve(t.ProviderKey, t.ModelID, params.Params, t.SkipParams, params.Passthrough)
	messages := []llm.Message{{Role: "user", Content: tc.Prompt}}

	var chain []string
	var lastTool, lastArgs string
	reached := false
	seen := make(map[string]int)
	redundant, detours := 0, 0

	rounds := 0
	for rounds < maxRounds {
		if ctx.Err() != nil {
			return "", "", nil, ctx.Err()
		}
		rounds++

		comp, err := r.llm.Complete(ctx, llm.Request{
			Target:     t.Target,
			System:     params.SystemPrompt,
			Messages:   messages,
			Tools:      tools,
			ToolChoice: "auto",
			Params:     resolved,
		})
		if err != nil {
			return "", "", nil, err
		}
		if len(comp.ToolCalls) == 0 {
			break
		}

		call := comp.ToolCalls[0]
		name := strings.ToLower(call.Name)
		chain = append(chain, name)
		lastTool, lastArgs = call.Name, call.Arguments
		seen[name]++
		if seen[name] > 1 {
			redundant++
		}
		if len(inChain) > 0 && !inChain[name] {
			detours++
		}
		if name == finalTool {
			reached = true
			break
		}

		mock := cfg.MockResponses[call.Name]
		if mock == "" {
			mock = cfg.MockResponses[name]
		}
		if mock == "" {
			mock = defaultMockToolReply
		}
		messages = append(messages,
			llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{call}},
			llm.Message{Role: "tool", Content: mock, ToolCallID: call.ID},
		)
	}

	completion := 0.0
	if reached {
		completion = 1.0
	}
	efficiency := 0.0
	if rounds > 0 && cfg.OptimalHops > 0 {
		efficiency = float64(cfg.OptimalHops) / float64(rounds)
		if efficiency > 1 {
			efficiency = 1
		}
	}
	extra := map[string]any{
		"tool_chain":         chain,
		"rounds_used":        rounds,
		"completion_score":   completion,
		"efficiency_score":   efficiency,
		"redundancy_penalty": float64(redundant) / float64(rounds),
		"detour_penalty":     float64(detours) / float64(rounds),
	}
	return lastTool, lastArgs, extra, nil
}

// suiteTools maps suite tool definitions onto the wire shape.
func suiteTools(suite *models.ToolSuite) []llm.Tool {
	out := make([]llm.Tool, 0, len(suite.Tools))
	for _, def := range suite.Tools {
		params := map[string]any{"type": "object"}
		if def.ParamsJSON != "" {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(def.ParamsJSON), &parsed); err == nil {
				params = parsed
			}
		}
		out = append(out, llm.Tool{Name: def.Name, Description: def.Description, Parameters: params})
	}
	return out
}

// publishLeaderboard upserts aggregates for opted-in users only.
func (r *Runner) publishLeaderboard(ctx context.Context, userID, evalRunID string, targets []Target) {
	user, err := r.store.GetUser(ctx, userID)
	if err != nil || !user.LeaderboardOptIn {
		return
	}
	results, err := r.store.ListCaseResults(ctx, evalRunID)
	if err != nil {
		r.logger.Warn("leaderboard read failed", "eval_run_id", evalRunID, "error", err)
		return
	}

	byModel := make(map[string]*models.LeaderboardEntry)
	counts := make(map[string]int)
	for _, res := range results {
		key := res.ProviderKey + "::" + res.ModelID
		e := byModel[key]
		if e == nil {
			e = &models.LeaderboardEntry{ModelName: res.ModelID, ProviderName: res.ProviderKey}
			for _, t := range targets {
				if t.ProviderKey == res.ProviderKey && t.ModelID == res.ModelID {
					e.ModelDBID = t.ModelDBID
				}
			}
			byModel[key] = e
		}
		e.Accuracy += res.ToolSelection
		if res.ParamAccuracy != nil {
			e.ParamScore += *res.ParamAccuracy
		}
		e.AvgLatencyMs += res.LatencyMs
		counts[key]++
	}
	for key, e := range byModel {
		n := counts[key]
		if n == 0 || e.ModelDBID == "" {
			continue
		}
		e.Accuracy /= float64(n)
		e.ParamScore /= float64(n)
		e.AvgLatencyMs /= float64(n)
		e.SampleCount = n
		if err := r.store.UpsertLeaderboard(ctx, e); err != nil {
			r.logger.Warn("leaderboard upsert failed", "model", e.ModelName, "error", err)
		}
	}
}

// promoteEval chains the eval into its experiment: first scored eval pins
// the baseline, better scores update best.
func (r *Runner) promoteEval(ctx context.Context, userID, experimentID, evalRunID string, avg float64, params *ToolEvalParams) {
	if r.coord == nil {
		return
	}
	exp, err := r.store.GetExperiment(ctx, userID, experimentID)
	if err != nil {
		r.logger.Warn("experiment lookup failed", "experiment_id", experimentID, "error", err)
		return
	}
	if exp.BaselineEvalID == "" {
		if err := r.coord.PinBaseline(ctx, userID, experimentID, evalRunID); err != nil {
			r.logger.Warn("baseline pin failed", "experiment_id", experimentID, "error", err)
		}
		return
	}
	config, _ := json.Marshal(map[string]any{
		"tool_choice": params.ToolChoice,
		"params":      params.Params,
	})
	updated, err := r.coord.MaybeUpdateBest(ctx, userID, experimentID, avg, string(config), models.BestFromEval, evalRunID)
	if err != nil {
		r.logger.Warn("best update failed", "experiment_id", experimentID, "error", err)
		return
	}
	if updated {
		r.send(userID, models.Frame(models.WSEvalPromoted, "", map[string]any{
			"experiment_id": experimentID,
			"eval_run_id":   evalRunID,
			"score":         avg,
		}))
	}
}

// evalJudge owns the verdict pool for one eval run.
type evalJudge struct {
	runner  *Runner
	userID  string
	jobID   string
	report  *models.JudgeReport
	target  llm.Target
	inline  bool
	sem     chan struct{}
	wg      sync.WaitGroup
	scoreMu sync.Mutex
	scores  []float64
}

// setupJudge prepares the verdict pool when the request opts in. The report
// row exists immediately with status running so the UI can bind to it.
func (r *Runner) setupJudge(ctx context.Context, job *models.Job, run *models.ToolEvalRun, params *ToolEvalParams, targets []Target) (*evalJudge, error) {
	if params.Judge == nil {
		return nil, nil
	}
	jt, err := r.resolveTargets(ctx, job.UserID, Selection{Models: []ModelRef{params.Judge.Model}})
	if err != nil {
		return nil, fmt.Errorf("judge model: %w", err)
	}

	workers := params.Judge.Workers
	if workers <= 0 {
		workers = defaultJudgeWorkers
	}
	// A judge sharing an endpoint with an eval target would race itself;
	// serialize it.
	if sharesAPIBase(jt[0].Target, targets) {
		workers = 1
	}

	report := &models.JudgeReport{
		ID:           uuid.NewString(),
		UserID:       job.UserID,
		JobID:        job.ID,
		EvalRunID:    run.ID,
		JudgeModel:   jt[0].ProviderKey + "::" + jt[0].ModelID,
		Instructions: params.Judge.Instructions,
		Status:       models.TuneRunning,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.store.CreateVersionedReport(ctx, report); err != nil {
		return nil, err
	}
	r.send(job.UserID, models.Frame(models.WSJudgeStart, job.ID, map[string]any{
		"report_id":   report.ID,
		"eval_run_id": run.ID,
	}))

	return &evalJudge{
		runner: r,
		userID: job.UserID,
		jobID:  job.ID,
		report: report,
		target: jt[0].Target,
		inline: params.Judge.Mode != "post",
		sem:    make(chan struct{}, workers),
	}, nil
}

// dispatch fires one verdict concurrently with the remaining eval calls.
func (j *evalJudge) dispatch(ctx context.Context, result *models.CaseResult, tc *models.ToolTestCase) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.sem <- struct{}{}
		defer func() { <-j.sem }()
		j.judgeCase(ctx, result, tc)
	}()
}

// runPost judges every case after eval completion.
func (j *evalJudge) runPost(ctx context.Context, evalRunID string, suite *models.ToolSuite, cancel *jobs.CancelEvent) {
	results, err := j.runner.store.ListCaseResults(ctx, evalRunID)
	if err != nil {
		j.runner.logger.Warn("post judge read failed", "eval_run_id", evalRunID, "error", err)
		return
	}
	cases := make(map[string]*models.ToolTestCase, len(suite.TestCases))
	for i := range suite.TestCases {
		cases[suite.TestCases[i].ID] = &suite.TestCases[i]
	}
	for _, res := range results {
		if cancel.Fired() || ctx.Err() != nil {
			return
		}
		tc := cases[res.TestCaseID]
		if tc == nil {
			continue
		}
		j.dispatch(ctx, res, tc)
	}
}

// finish drains the pool and closes the report. A cancelled run keeps its
// partial verdicts under status error with no aggregate grade.
func (j *evalJudge) finish(ctx context.Context, cancelled bool) {
	j.wg.Wait()

	if cancelled {
		if err := j.runner.store.FinishJudgeReport(ctx, j.report.ID, models.TuneError, "", 0, "", "partial: run cancelled"); err != nil {
			j.runner.logger.Warn("judge report close failed", "report_id", j.report.ID, "error", err)
		}
		return
	}

	j.scoreMu.Lock()
	var sum float64
	for _, s := range j.scores {
		sum += s
	}
	n := len(j.scores)
	j.scoreMu.Unlock()

	score := 0.0
	if n > 0 {
		score = sum / float64(n)
	}
	grade := scoreToGrade(score)
	if err := j.runner.store.FinishJudgeReport(ctx, j.report.ID, models.TuneDone, grade, score, "", ""); err != nil {
		j.runner.logger.Warn("judge report close failed", "report_id", j.report.ID, "error", err)
	}
	j.runner.send(j.userID, models.Frame(models.WSJudgeComplete, j.jobID, map[string]any{
		"report_id": j.report.ID,
		"grade":     grade,
		"score":     score,
	}))
}

func (j *evalJudge) judgeCase(ctx context.Context, result *models.CaseResult, tc *models.ToolTestCase) {
	verdict, err := j.runner.judgeSingleVerdict(ctx, j.target, j.report, result, tc)
	if err != nil {
		j.runner.logger.Warn("judge verdict failed", "case_result_id", result.ID, "error", err)
		verdict = &models.JudgeVerdict{
			ID:           uuid.NewString(),
			ReportID:     j.report.ID,
			CaseResultID: result.ID,
			Verdict:      models.VerdictError,
			Summary:      llm.Sanitize(err.Error(), j.target.APIKey),
		}
	}
	if err := j.runner.store.AddJudgeVerdict(ctx, verdict); err != nil {
		j.runner.logger.Warn("judge verdict write failed", "case_result_id", result.ID, "error", err)
		return
	}
	if verdict.Verdict != models.VerdictError {
		j.scoreMu.Lock()
		j.scores = append(j.scores, verdict.QualityScore)
		j.scoreMu.Unlock()
	}
	j.runner.send(j.userID, models.Frame(models.WSJudgeVerdict, j.jobID, map[string]any{
		"report_id":      j.report.ID,
		"case_result_id": result.ID,
		"verdict":        verdict.Verdict,
		"quality_score":  verdict.QualityScore,
	}))
}
