package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/gauntlet/internal/jobs"
	"github.com/haasonsaas/gauntlet/internal/llm"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

// SpaceDim is one search dimension: a numeric range or a categorical list.
type SpaceDim struct {
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	Step   *float64 `json:"step,omitempty"`
	Values []any    `json:"values,omitempty"`
}

// ParamTuneParams is the param-tune job payload.
type ParamTuneParams struct {
	Selection
	SuiteID      string              `json:"suite_id"`
	Mode         models.SearchMode   `json:"mode"`
	Space        map[string]SpaceDim `json:"space"`
	Trials       int                 `json:"trials,omitempty"`
	ToolChoice   string              `json:"tool_choice,omitempty"`
	Passthrough  map[string]any      `json:"passthrough,omitempty"`
	ExperimentID string              `json:"experiment_id,omitempty"`
}

const defaultTrials = 10

// Optimizer is the black-box search collaborator for bayesian mode: it
// proposes the next combo and learns from reported scores.
type Optimizer interface {
	Suggest() map[string]any
	Report(params map[string]any, score float64)
}

// comboPlan is one deduplicated wire-identical configuration.
type comboPlan struct {
	raw         map[string]any
	resolved    map[string]any
	adjustments []llm.Adjustment
	key         string
}

// HandleParamTune searches a parameter space over a suite. Combos that
// clamp into identical wire calls are merged before any model sees them;
// each surviving combo's row is stored eagerly so reconnecting clients can
// see partial progress.
func (r *Runner) HandleParamTune(ctx context.Context, job *models.Job, cancel *jobs.CancelEvent, progress jobs.ProgressFunc) (string, error) {
	params, err := decodeParams[ParamTuneParams](job)
	if err != nil {
		return "", err
	}
	if len(params.Space) == 0 {
		return "", errors.New("empty search space")
	}
	if params.Mode == "" {
		params.Mode = models.SearchGrid
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

	spaceJSON, _ := json.Marshal(params.Space)
	run := &models.ParamTuneRun{
		ID:           uuid.NewString(),
		UserID:       job.UserID,
		JobID:        job.ID,
		SuiteID:      suite.ID,
		ExperimentID: params.ExperimentID,
		Mode:         params.Mode,
		SpaceJSON:    string(spaceJSON),
		Status:       models.TuneRunning,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.store.CreateParamTuneRun(ctx, run); err != nil {
		return "", err
	}
	if err := r.store.SetJobResultRef(ctx, job.ID, run.ID); err != nil {
		r.logger.Warn("result ref publish failed", "job_id", job.ID, "error", err)
	}

	// Bayesian mode draws trials sequentially from the optimizer; grid and
	// random expand up front and dedup per target.
	perTarget := make(map[string][]comboPlan, len(targets))
	total := 0
	if params.Mode != models.SearchBayesian {
		combos, err := expandSpace(params.Mode, params.Space, params.Trials)
		if err != nil {
			r.finishTune(ctx, run.ID, models.TuneFailed, -1)
			return run.ID, err
		}
		for _, t := range targets {
			plans := dedupCombos(t, params.ToolChoice, params.Passthrough, combos)
			perTarget[t.Key()] = plans
			total += len(plans)
		}
	} else {
		trials := params.Trials
		if trials <= 0 {
			trials = defaultTrials
		}
		total = trials * len(targets)
	}

	r.send(job.UserID, models.Frame(models.WSTuneStart, job.ID, map[string]any{
		"tune_run_id": run.ID,
		"mode":        params.Mode,
		"total":       total,
	}))

	var mu sync.Mutex
	var outcomes []comboOutcome
	var comboIndex atomic.Int64
	var done atomic.Int64

	runCombo := func(t Target, plan comboPlan) (*models.ParamTuneCombo, error) {
		agg, results := r.evalCombo(ctx, t, suite, plan, params)
		agg.ID = uuid.NewString()
		agg.TuneRunID = run.ID
		agg.ComboIndex = int(comboIndex.Add(1)) - 1
		agg.ProviderKey = t.ProviderKey
		agg.ModelID = t.ModelID
		if err := r.store.AddParamTuneCombo(ctx, agg); err != nil {
			return nil, err
		}
		mu.Lock()
		outcomes = append(outcomes, comboOutcome{combo: agg, results: results})
		mu.Unlock()

		n := int(done.Add(1))
		r.send(job.UserID, models.Frame(models.WSComboResult, job.ID, map[string]any{
			"tune_run_id":   run.ID,
			"combo_index":   agg.ComboIndex,
			"provider_key":  agg.ProviderKey,
			"model_id":      agg.ModelID,
			"config":        plan.raw,
			"overall_score": agg.OverallScore,
		}))
		progress(pct(n, total), fmt.Sprintf("combo %d/%d", n, total))
		return agg, nil
	}

	runErr := runProviderGroups(targets, func(t Target) error {
		if params.Mode == models.SearchBayesian {
			return r.runBayesian(ctx, cancel, t, suite, params, runCombo)
		}
		for _, plan := range perTarget[t.Key()] {
			if cancel.Fired() || ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := runCombo(t, plan); err != nil {
				return err
			}
		}
		return nil
	})

	bestIdx := bestCombo(outcomes)
	switch {
	case runErr != nil:
		r.finishTune(ctx, run.ID, models.TuneFailed, bestIdx)
		return run.ID, runErr
	case ctx.Err() != nil:
		r.finishTune(ctx, run.ID, models.TuneInterrupted, bestIdx)
		return run.ID, ctx.Err()
	case cancel.Fired():
		r.finishTune(ctx, run.ID, models.TuneCancelled, bestIdx)
		return run.ID, nil
	}

	r.finishTune(ctx, run.ID, models.TuneDone, bestIdx)
	if params.ExperimentID != "" && bestIdx >= 0 {
		var best comboOutcome
		for _, o := range outcomes {
			if o.combo.ComboIndex == bestIdx {
				best = o
			}
		}
		r.promoteParamTune(ctx, job.UserID, params.ExperimentID, suite.ID, best.combo, best.results)
	}

	r.send(job.UserID, models.Frame(models.WSTuneComplete, job.ID, map[string]any{
		"tune_run_id": run.ID,
		"best_index":  bestIdx,
	}))
	return run.ID, nil
}

func (r *Runner) finishTune(ctx context.Context, runID string, status models.TuneRunStatus, bestIdx int) {
	if bestIdx < 0 {
		bestIdx = 0
	}
	if err := r.store.FinishParamTuneRun(ctx, runID, status, bestIdx); err != nil {
		r.logger.Warn("tune run close failed", "tune_run_id", runID, "error", err)
	}
}

// evalCombo runs every suite case under one configuration and aggregates.
func (r *Runner) evalCombo(ctx context.Context, t Target, suite *models.ToolSuite, plan comboPlan, params *ParamTuneParams) (*models.ParamTuneCombo, []*models.CaseResult) {
	evalParams := &ToolEvalParams{
		ToolChoice:  params.ToolChoice,
		Params:      plan.raw,
		Passthrough: params.Passthrough,
	}
	tools := suiteTools(suite)

	var results []*models.CaseResult
	var selection, accuracy, overall, latency float64
	accuracyN := 0
	for i := range suite.TestCases {
		if ctx.Err() != nil {
			break
		}
		res := r.evalCase(ctx, t, suite, &suite.TestCases[i], tools, evalParams)
		results = append(results, res)
		selection += res.ToolSelection
		overall += res.OverallScore
		latency += res.LatencyMs
		if res.ParamAccuracy != nil {
			accuracy += *res.ParamAccuracy
			accuracyN++
		}
	}

	n := float64(len(results))
	agg := &models.ParamTuneCombo{
		ConfigJSON:      mustJSON(plan.raw),
		AdjustmentsJSON: mustJSON(plan.adjustments),
	}
	if n > 0 {
		agg.ToolSelection = selection / n
		agg.OverallScore = overall / n
		agg.LatencyAvgMs = latency / n
	}
	if accuracyN > 0 {
		agg.ParamAccuracy = accuracy / float64(accuracyN)
	}
	return agg, results
}

// runBayesian draws combos sequentially from the optimizer, reporting each
// score back. Wire-identical suggestions are skipped but still consume a
// trial so a converged optimizer terminates.
func (r *Runner) runBayesian(ctx context.Context, cancel *jobs.CancelEvent, t Target, suite *models.ToolSuite, params *ParamTuneParams, runCombo func(Target, comboPlan) (*models.ParamTuneCombo, error)) error {
	trials := params.Trials
	if trials <= 0 {
		trials = defaultTrials
	}
	opt := newSearchOptimizer(params.Space)

	seen := make(map[string]bool)
	for trial := 0; trial < trials; trial++ {
		if cancel.Fired() || ctx.Err() != nil {
			return ctx.Err()
		}
		raw := opt.Suggest()
		plan := resolvePlan(t, params.ToolChoice, params.Passthrough, raw)
		if seen[plan.key] {
			continue
		}
		seen[plan.key] = true

		agg, err := runCombo(t, plan)
		if err != nil {
			return err
		}
		opt.Report(raw, agg.OverallScore)
	}
	return nil
}

// expandSpace turns the space into concrete combos. Grid mode is the
// cartesian product; random mode samples trials.
func expandSpace(mode models.SearchMode, space map[string]SpaceDim, trials int) ([]map[string]any, error) {
	dims := make([]string, 0, len(space))
	for name := range space {
		dims = append(dims, name)
	}
	sort.Strings(dims)

	values := make([][]any, len(dims))
	for i, name := range dims {
		vals, err := dimValues(name, space[name])
		if err != nil {
			return nil, err
		}
		values[i] = vals
	}

	if mode == models.SearchRandom {
		if trials <= 0 {
			trials = defaultTrials
		}
		out := make([]map[string]any, 0, trials)
		for i := 0; i < trials; i++ {
			combo := make(map[string]any, len(dims))
			for j, name := range dims {
				combo[name] = values[j][rand.Intn(len(values[j]))] // #nosec G404 -- search sampling needs no crypto randomness
			}
			out = append(out, combo)
		}
		return out, nil
	}

	// Grid: cartesian product.
	out := []map[string]any{{}}
	for i, name := range dims {
		next := make([]map[string]any, 0, len(out)*len(values[i]))
		for _, base := range out {
			for _, v := range values[i] {
				combo := make(map[string]any, len(base)+1)
				for k, bv := range base {
					combo[k] = bv
				}
				combo[name] = v
				next = append(next, combo)
			}
		}
		out = next
	}
	return out, nil
}

func dimValues(name string, dim SpaceDim) ([]any, error) {
	if len(dim.Values) > 0 {
		return dim.Values, nil
	}
	if dim.Min == nil || dim.Max == nil {
		return nil, fmt.Errorf("dimension %s needs values or min/max", name)
	}
	step := 1.0
	if dim.Step != nil && *dim.Step > 0 {
		step = *dim.Step
	}
	var out []any
	for v := *dim.Min; v <= *dim.Max+1e-9; v += step {
		out = append(out, round6(v))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("dimension %s expands to nothing", name)
	}
	return out, nil
}

func round6(v float64) float64 {
	return float64(int64(v*1e6+0.5)) / 1e6
}

// dedupCombos resolves every combo for one target and merges the ones that
// collapse into identical wire calls.
func dedupCombos(t Target, toolChoice string, passthrough map[string]any, combos []map[string]any) []comboPlan {
	seen := make(map[string]bool, len(combos))
	out := make([]comboPlan, 0, len(combos))
	for _, raw := range combos {
		plan := resolvePlan(t, toolChoice, passthrough, raw)
		if seen[plan.key] {
			continue
		}
		seen[plan.key] = true
		out = append(out, plan)
	}
	return out
}

func resolvePlan(t Target, toolChoice string, passthrough map[string]any, raw map[string]any) comboPlan {
	resolved, adjustments := llm.Resolve(t.ProviderKey, t.ModelID, raw, t.SkipParams, passthrough)
	return comboPlan{
		raw:         raw,
		resolved:    resolved,
		adjustments: adjustments,
		key:         comboKey(toolChoice, resolved),
	}
}

// comboKey canonicalizes (tool_choice, resolved params) into the dedup key:
// sorted key=value pairs so map order cannot split identical calls.
func comboKey(toolChoice string, resolved map[string]any) string {
	keys := make([]string, 0, len(resolved))
	for k := range resolved {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("tool_choice=")
	b.WriteString(toolChoice)
	for _, k := range keys {
		b.WriteString(";")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(normalizeValue(resolved[k]))
	}
	return b.String()
}

// comboOutcome pairs a persisted combo row with its in-memory case results
// so the best combo can synthesize a promoted eval run.
type comboOutcome struct {
	combo   *models.ParamTuneCombo
	results []*models.CaseResult
}

// bestCombo picks the highest overall score, breaking ties on latency.
func bestCombo(outcomes []comboOutcome) int {
	best := -1
	for i, o := range outcomes {
		if best < 0 {
			best = i
			continue
		}
		b := outcomes[best].combo
		switch {
		case o.combo.OverallScore > b.OverallScore:
			best = i
		case o.combo.OverallScore == b.OverallScore && o.combo.LatencyAvgMs < b.LatencyAvgMs:
			best = i
		}
	}
	if best < 0 {
		return -1
	}
	return outcomes[best].combo.ComboIndex
}

// promoteParamTune synthesizes an eval run from the best combo's case
// results and chains it into the experiment.
func (r *Runner) promoteParamTune(ctx context.Context, userID, experimentID, suiteID string, best *models.ParamTuneCombo, results []*models.CaseResult) {
	if r.coord == nil || best == nil {
		return
	}
	synth := &models.ToolEvalRun{
		ID:           uuid.NewString(),
		UserID:       userID,
		SuiteID:      suiteID,
		ExperimentID: experimentID,
		Synthesized:  true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.store.CreateToolEvalRun(ctx, synth); err != nil {
		r.logger.Warn("synthesized run create failed", "error", err)
		return
	}
	for _, res := range results {
		res.ID = uuid.NewString()
		res.EvalRunID = synth.ID
	}
	if err := r.store.AddCaseResults(ctx, results); err != nil {
		r.logger.Warn("synthesized results write failed", "error", err)
		return
	}
	if err := r.store.LinkComboEvalRun(ctx, best.ID, synth.ID); err != nil {
		r.logger.Warn("combo eval link failed", "combo_id", best.ID, "error", err)
	}

	exp, err := r.store.GetExperiment(ctx, userID, experimentID)
	if err != nil {
		r.logger.Warn("experiment lookup failed", "experiment_id", experimentID, "error", err)
		return
	}
	if exp.BaselineEvalID == "" {
		if err := r.coord.PinBaseline(ctx, userID, experimentID, synth.ID); err != nil {
			r.logger.Warn("baseline pin failed", "experiment_id", experimentID, "error", err)
		}
		return
	}
	if _, err := r.coord.MaybeUpdateBest(ctx, userID, experimentID, best.OverallScore, best.ConfigJSON, models.BestFromParamTune, synth.ID); err != nil {
		r.logger.Warn("best update failed", "experiment_id", experimentID, "error", err)
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
