package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/gauntlet/internal/jobs"
	"github.com/haasonsaas/gauntlet/internal/llm"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

// Judge prompts are data, not code: tweaking the rubric must not require
// touching control flow.
const (
	judgeVerdictPrompt = `You grade a model's tool call against a test case.

Test prompt: %s
Expected tool: %s
Expected params: %s
Actual tool: %s
Actual params: %s

Respond with a JSON object:
{"quality_score": <0-5>, "verdict": "pass"|"marginal"|"fail", "summary": "...", "reasoning": "...", "tool_selection_assessment": "...", "param_assessment": "..."}`

	judgeModelAnalysisPrompt = `You reviewed %d tool-call cases for model %s. Per-case quality scores: %s.
Assign an overall letter grade A-F and a one-paragraph summary.
Respond with a JSON object: {"grade": "A"|"B"|"C"|"D"|"F", "summary": "..."}`

	judgeComparePrompt = `Two models answered the same tool-call test case.

Test prompt: %s
Expected tool: %s
Model A called: %s with %s
Model B called: %s with %s

Which model handled the case better? Respond with a JSON object:
{"winner": "model_a"|"model_b"|"tie", "reasoning": "..."}`

	judgeCompareSummaryPrompt = `You compared two models over %d shared test cases. Per-case winners: %s.
Respond with a JSON object: {"winner": "model_a"|"model_b"|"tie", "summary": "..."}`
)

// JudgeParams is the judge job payload.
type JudgeParams struct {
	EvalRunID    string   `json:"eval_run_id"`
	JudgeModel   ModelRef `json:"judge_model"`
	Instructions string   `json:"instructions,omitempty"`
	Workers      int      `json:"workers,omitempty"`
}

// JudgeCompareParams is the judge-compare job payload.
type JudgeCompareParams struct {
	EvalRunAID string   `json:"eval_run_a_id"`
	EvalRunBID string   `json:"eval_run_b_id"`
	JudgeModel ModelRef `json:"judge_model"`
	Workers    int      `json:"workers,omitempty"`
}

type verdictPayload struct {
	QualityScore     float64 `json:"quality_score"`
	Verdict          string  `json:"verdict"`
	Summary          string  `json:"summary"`
	Reasoning        string  `json:"reasoning"`
	ToolSelectionRev string  `json:"tool_selection_assessment"`
	ParamRev         string  `json:"param_assessment"`
}

// HandleJudge grades an eval run: per-case verdicts fan out under a
// semaphore, each model gets a cross-case letter grade, and the report
// carries the best per-model result.
func (r *Runner) HandleJudge(ctx context.Context, job *models.Job, cancel *jobs.CancelEvent, progress jobs.ProgressFunc) (string, error) {
	params, err := decodeParams[JudgeParams](job)
	if err != nil {
		return "", err
	}
	run, err := r.store.GetToolEvalRun(ctx, job.UserID, params.EvalRunID)
	if err != nil {
		return "", err
	}
	suite, err := r.store.GetSuite(ctx, job.UserID, run.SuiteID)
	if err != nil {
		return "", err
	}
	results, err := r.store.ListCaseResults(ctx, run.ID)
	if err != nil {
		return "", err
	}
	jt, err := r.resolveTargets(ctx, job.UserID, Selection{Models: []ModelRef{params.JudgeModel}})
	if err != nil {
		return "", fmt.Errorf("judge model: %w", err)
	}
	target := jt[0].Target

	report := &models.JudgeReport{
		ID:           uuid.NewString(),
		UserID:       job.UserID,
		JobID:        job.ID,
		EvalRunID:    run.ID,
		JudgeModel:   jt[0].ProviderKey + "::" + jt[0].ModelID,
		Instructions: params.Instructions,
		Status:       models.TuneRunning,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.store.CreateVersionedReport(ctx, report); err != nil {
		return "", err
	}
	// Bind the UI to the report before any verdicts exist.
	if err := r.store.SetJobResultRef(ctx, job.ID, report.ID); err != nil {
		r.logger.Warn("result ref publish failed", "job_id", job.ID, "error", err)
	}
	r.send(job.UserID, models.Frame(models.WSJudgeStart, job.ID, map[string]any{
		"report_id":   report.ID,
		"eval_run_id": run.ID,
		"case_count":  len(results),
	}))

	cases := casesByID(suite)
	byModel := make(map[string][]*models.CaseResult)
	for _, res := range results {
		byModel[res.ProviderKey+"::"+res.ModelID] = append(byModel[res.ProviderKey+"::"+res.ModelID], res)
	}
	modelKeys := make([]string, 0, len(byModel))
	for k := range byModel {
		modelKeys = append(modelKeys, k)
	}
	sort.Strings(modelKeys)

	workers := params.Workers
	if workers <= 0 {
		workers = defaultJudgeWorkers
	}
	sem := make(chan struct{}, workers)

	total := len(results)
	var mu sync.Mutex
	done := 0

	bestScore := -1.0
	bestGrade := ""
	for _, key := range modelKeys {
		if cancel.Fired() || ctx.Err() != nil {
			r.closePartialReport(ctx, report.ID)
			return report.ID, ctx.Err()
		}

		group := byModel[key]
		scores := make([]float64, 0, len(group))
		var wg sync.WaitGroup
		for _, res := range group {
			tc := cases[res.TestCaseID]
			if tc == nil {
				continue
			}
			wg.Add(1)
			go func(res *models.CaseResult, tc *models.ToolTestCase) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				verdict, err := r.judgeSingleVerdict(ctx, target, report, res, tc)
				if err != nil {
					r.logger.Warn("judge verdict failed", "case_result_id", res.ID, "error", err)
					verdict = &models.JudgeVerdict{
						ID: uuid.NewString(), ReportID: report.ID, CaseResultID: res.ID,
						Verdict: models.VerdictError, Summary: llm.Sanitize(err.Error(), target.APIKey),
					}
				}
				if err := r.store.AddJudgeVerdict(ctx, verdict); err != nil {
					r.logger.Warn("verdict write failed", "case_result_id", res.ID, "error", err)
				}
				mu.Lock()
				if verdict.Verdict != models.VerdictError {
					scores = append(scores, verdict.QualityScore)
				}
				done++
				n := done
				mu.Unlock()
				r.send(job.UserID, models.Frame(models.WSJudgeVerdict, job.ID, map[string]any{
					"report_id":      report.ID,
					"case_result_id": res.ID,
					"verdict":        verdict.Verdict,
					"quality_score":  verdict.QualityScore,
				}))
				progress(pct(n, total), key)
			}(res, tc)
		}
		wg.Wait()

		grade, avg := r.gradeModel(ctx, target, key, scores)
		r.send(job.UserID, models.Frame(models.WSJudgeReport, job.ID, map[string]any{
			"report_id": report.ID,
			"model":     key,
			"grade":     grade,
			"score":     avg,
		}))
		if avg > bestScore {
			bestScore = avg
			bestGrade = grade
		}
	}

	if bestScore < 0 {
		bestScore = 0
		bestGrade = "F"
	}
	if err := r.store.FinishJudgeReport(ctx, report.ID, models.TuneDone, bestGrade, bestScore, "", ""); err != nil {
		return report.ID, err
	}
	r.send(job.UserID, models.Frame(models.WSJudgeComplete, job.ID, map[string]any{
		"report_id": report.ID,
		"grade":     bestGrade,
		"score":     bestScore,
	}))
	return report.ID, nil
}

// judgeSingleVerdict asks the judge model to grade one case result.
func (r *Runner) judgeSingleVerdict(ctx context.Context, target llm.Target, report *models.JudgeReport, res *models.CaseResult, tc *models.ToolTestCase) (*models.JudgeVerdict, error) {
	prompt := fmt.Sprintf(judgeVerdictPrompt,
		tc.Prompt, tc.ExpectedTool, tc.ExpectedParamsJSON, res.ActualTool, res.ActualParamsJSON)
	if report.Instructions != "" {
		prompt += "\n\nAdditional instructions: " + report.Instructions
	}

	comp, err := r.llm.Complete(ctx, llm.Request{
		Target:   target,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
		JSONMode: true,
	})
	if err != nil {
		return nil, err
	}

	var payload verdictPayload
	if err := parseJudgeJSON(comp.Content, &payload); err != nil {
		return nil, fmt.Errorf("verdict parse: %w", err)
	}
	label := models.VerdictLabel(strings.ToLower(payload.Verdict))
	switch label {
	case models.VerdictPass, models.VerdictMarginal, models.VerdictFail:
	default:
		label = models.VerdictMarginal
	}
	return &models.JudgeVerdict{
		ID:               uuid.NewString(),
		ReportID:         report.ID,
		CaseResultID:     res.ID,
		QualityScore:     clampScore(payload.QualityScore, 0, 5),
		Verdict:          label,
		Summary:          payload.Summary,
		Reasoning:        payload.Reasoning,
		ToolSelectionRev: payload.ToolSelectionRev,
		ParamRev:         payload.ParamRev,
	}, nil
}

// gradeModel runs the cross-case analysis prompt. Parser or call failure
// degrades to a grade derived from the mean score.
func (r *Runner) gradeModel(ctx context.Context, target llm.Target, modelKey string, scores []float64) (string, float64) {
	avg := 0.0
	for _, s := range scores {
		avg += s
	}
	if len(scores) > 0 {
		avg /= float64(len(scores))
	}

	raw, _ := json.Marshal(scores)
	comp, err := r.llm.Complete(ctx, llm.Request{
		Target:   target,
		Messages: []llm.Message{{Role: "user", Content: fmt.Sprintf(judgeModelAnalysisPrompt, len(scores), modelKey, raw)}},
		JSONMode: true,
	})
	if err == nil {
		var payload struct {
			Grade string `json:"grade"`
		}
		if parseJudgeJSON(comp.Content, &payload) == nil && validGrade(payload.Grade) {
			return strings.ToUpper(payload.Grade), avg
		}
	}
	return scoreToGrade(avg), avg
}

func (r *Runner) closePartialReport(ctx context.Context, reportID string) {
	if err := r.store.FinishJudgeReport(ctx, reportID, models.TuneError, "", 0, "", "partial: run cancelled"); err != nil {
		r.logger.Warn("report close failed", "report_id", reportID, "error", err)
	}
}

// HandleJudgeCompare pits two eval runs against each other over their shared
// test cases.
func (r *Runner) HandleJudgeCompare(ctx context.Context, job *models.Job, cancel *jobs.CancelEvent, progress jobs.ProgressFunc) (string, error) {
	params, err := decodeParams[JudgeCompareParams](job)
	if err != nil {
		return "", err
	}
	runA, err := r.store.GetToolEvalRun(ctx, job.UserID, params.EvalRunAID)
	if err != nil {
		return "", err
	}
	runB, err := r.store.GetToolEvalRun(ctx, job.UserID, params.EvalRunBID)
	if err != nil {
		return "", err
	}
	suite, err := r.store.GetSuite(ctx, job.UserID, runA.SuiteID)
	if err != nil {
		return "", err
	}
	jt, err := r.resolveTargets(ctx, job.UserID, Selection{Models: []ModelRef{params.JudgeModel}})
	if err != nil {
		return "", fmt.Errorf("judge model: %w", err)
	}
	target := jt[0].Target

	resultsA, err := r.store.ListCaseResults(ctx, runA.ID)
	if err != nil {
		return "", err
	}
	resultsB, err := r.store.ListCaseResults(ctx, runB.ID)
	if err != nil {
		return "", err
	}

	// Only cases both runs answered are comparable.
	byCaseA := firstResultByCase(resultsA)
	byCaseB := firstResultByCase(resultsB)
	var shared []string
	for id := range byCaseA {
		if _, ok := byCaseB[id]; ok {
			shared = append(shared, id)
		}
	}
	sort.Strings(shared)

	report := &models.JudgeReport{
		ID:         uuid.NewString(),
		UserID:     job.UserID,
		JobID:      job.ID,
		EvalRunID:  runA.ID,
		EvalRunBID: runB.ID,
		JudgeModel: jt[0].ProviderKey + "::" + jt[0].ModelID,
		Status:     models.TuneRunning,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.CreateVersionedReport(ctx, report); err != nil {
		return "", err
	}
	if err := r.store.SetJobResultRef(ctx, job.ID, report.ID); err != nil {
		r.logger.Warn("result ref publish failed", "job_id", job.ID, "error", err)
	}
	r.send(job.UserID, models.Frame(models.WSCompareStart, job.ID, map[string]any{
		"report_id":    report.ID,
		"shared_cases": len(shared),
	}))

	workers := params.Workers
	if workers <= 0 {
		workers = defaultJudgeWorkers
	}
	sem := make(chan struct{}, workers)
	cases := casesByID(suite)

	var mu sync.Mutex
	wins := map[string]int{}
	done := 0
	var wg sync.WaitGroup
	for _, caseID := range shared {
		if cancel.Fired() || ctx.Err() != nil {
			break
		}
		tc := cases[caseID]
		if tc == nil {
			continue
		}
		wg.Add(1)
		go func(caseID string, tc *models.ToolTestCase) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			winner := r.compareCase(ctx, target, tc, byCaseA[caseID], byCaseB[caseID])
			mu.Lock()
			wins[winner]++
			done++
			n := done
			mu.Unlock()
			r.send(job.UserID, models.Frame(models.WSCompareCase, job.ID, map[string]any{
				"report_id": report.ID,
				"case_id":   caseID,
				"winner":    winner,
			}))
			progress(pct(n, len(shared)), tc.Prompt)
		}(caseID, tc)
	}
	wg.Wait()

	if cancel.Fired() || ctx.Err() != nil {
		r.closePartialReport(ctx, report.ID)
		return report.ID, ctx.Err()
	}

	winner, summary := r.compareSummary(ctx, target, wins, len(shared))
	if err := r.store.FinishJudgeReport(ctx, report.ID, models.TuneDone, "", 0, winner, summary); err != nil {
		return report.ID, err
	}
	r.send(job.UserID, models.Frame(models.WSCompareComplete, job.ID, map[string]any{
		"report_id": report.ID,
		"winner":    winner,
	}))
	return report.ID, nil
}

func (r *Runner) compareCase(ctx context.Context, target llm.Target, tc *models.ToolTestCase, a, b *models.CaseResult) string {
	comp, err := r.llm.Complete(ctx, llm.Request{
		Target: target,
		Messages: []llm.Message{{Role: "user", Content: fmt.Sprintf(judgeComparePrompt,
			tc.Prompt, tc.ExpectedTool,
			a.ActualTool, a.ActualParamsJSON,
			b.ActualTool, b.ActualParamsJSON)}},
		JSONMode: true,
	})
	if err != nil {
		r.logger.Warn("compare case failed", "case_id", tc.ID, "error", err)
		return "tie"
	}
	var payload struct {
		Winner string `json:"winner"`
	}
	if parseJudgeJSON(comp.Content, &payload) != nil {
		return "tie"
	}
	switch payload.Winner {
	case "model_a", "model_b", "tie":
		return payload.Winner
	}
	return "tie"
}

// compareSummary asks for an overall verdict; a parse failure synthesizes
// one from the per-case tallies.
func (r *Runner) compareSummary(ctx context.Context, target llm.Target, wins map[string]int, total int) (string, string) {
	tally, _ := json.Marshal(wins)
	comp, err := r.llm.Complete(ctx, llm.Request{
		Target:   target,
		Messages: []llm.Message{{Role: "user", Content: fmt.Sprintf(judgeCompareSummaryPrompt, total, tally)}},
		JSONMode: true,
	})
	if err == nil {
		var payload struct {
			Winner  string `json:"winner"`
			Summary string `json:"summary"`
		}
		if parseJudgeJSON(comp.Content, &payload) == nil && payload.Summary != "" {
			switch payload.Winner {
			case "model_a", "model_b", "tie":
				return payload.Winner, payload.Summary
			}
		}
	}

	winner := "tie"
	if wins["model_a"] > wins["model_b"] {
		winner = "model_a"
	} else if wins["model_b"] > wins["model_a"] {
		winner = "model_b"
	}
	return winner, fmt.Sprintf("model_a won %d, model_b won %d, %d ties over %d cases",
		wins["model_a"], wins["model_b"], wins["tie"], total)
}

func firstResultByCase(results []*models.CaseResult) map[string]*models.CaseResult {
	out := make(map[string]*models.CaseResult, len(results))
	for _, res := range results {
		if _, ok := out[res.TestCaseID]; !ok {
			out[res.TestCaseID] = res
		}
	}
	return out
}

func casesByID(suite *models.ToolSuite) map[string]*models.ToolTestCase {
	out := make(map[string]*models.ToolTestCase, len(suite.TestCases))
	for i := range suite.TestCases {
		out[suite.TestCases[i].ID] = &suite.TestCases[i]
	}
	return out
}

// parseJudgeJSON decodes judge output, tolerating prose around the object.
func parseJudgeJSON(content string, v any) error {
	if err := json.Unmarshal([]byte(content), v); err == nil {
		return nil
	}
	obj, ok := extractJSONObject(content)
	if !ok {
		return fmt.Errorf("no JSON object in judge output")
	}
	return json.Unmarshal([]byte(obj), v)
}

func scoreToGrade(score float64) string {
	switch {
	case score >= 4.5:
		return "A"
	case score >= 3.5:
		return "B"
	case score >= 2.5:
		return "C"
	case score >= 1.5:
		return "D"
	default:
		return "F"
	}
}

func validGrade(g string) bool {
	switch strings.ToUpper(g) {
	case "A", "B", "C", "D", "F":
		return true
	}
	return false
}

func clampScore(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
