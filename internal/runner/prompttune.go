package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/gauntlet/internal/jobs"
	"github.com/haasonsaas/gauntlet/internal/llm"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

// Meta-model templates are data. The JSON envelope keeps parsing uniform
// with the judge prompts.
const (
	promptGeneratePrompt = `Write a system prompt that makes a model excel at tool calling for this task:

%s

Style: %s.
Respond with a JSON object: {"prompt": "..."}`

	promptMutatePrompt = `This system prompt scored %.2f on a tool-calling benchmark:

%s

Produce an improved variant (mutation: %s). Keep what works, change what might not.
Respond with a JSON object: {"prompt": "..."}`
)

var candidateStyles = []models.PromptStyle{
	models.StyleConcise, models.StyleDetailed, models.StyleStepByStep, models.StyleRoleBased,
}

var mutationTypes = []string{"rephrase", "tighten", "add_constraints", "add_examples"}

// PromptTuneParams is the prompt-tune job payload.
type PromptTuneParams struct {
	Selection
	SuiteID        string         `json:"suite_id"`
	Mode           string         `json:"mode,omitempty"` // quick | evolutionary
	BasePrompt     string         `json:"base_prompt,omitempty"`
	Generations    int            `json:"generations,omitempty"`
	PopulationSize int            `json:"population_size,omitempty"`
	SelectionRatio float64        `json:"selection_ratio,omitempty"`
	MetaModel      ModelRef       `json:"meta_model"`
	SystemPrompt   string         `json:"system_prompt,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	Passthrough    map[string]any `json:"passthrough,omitempty"`
	ExperimentID   string         `json:"experiment_id,omitempty"`
}

const (
	defaultPopulation     = 4
	defaultGenerations    = 3
	defaultSelectionRatio = 0.5
)

// HandlePromptTune evolves system prompts: a meta model writes candidates,
// every candidate is scored across all targets and cases, and survivors
// seed the next generation.
func (r *Runner) HandlePromptTune(ctx context.Context, job *models.Job, cancel *jobs.CancelEvent, progress jobs.ProgressFunc) (string, error) {
	params, err := decodeParams[PromptTuneParams](job)
	if err != nil {
		return "", err
	}
	if params.PopulationSize <= 0 {
		params.PopulationSize = defaultPopulation
	}
	if params.SelectionRatio <= 0 || params.SelectionRatio > 1 {
		params.SelectionRatio = defaultSelectionRatio
	}
	generations := params.Generations
	if params.Mode != "evolutionary" {
		params.Mode = "quick"
		generations = 1
	} else if generations <= 0 {
		generations = defaultGenerations
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
	mt, err := r.resolveTargets(ctx, job.UserID, Selection{Models: []ModelRef{params.MetaModel}})
	if err != nil {
		return "", fmt.Errorf("meta model: %w", err)
	}
	meta := mt[0].Target

	run := &models.PromptTuneRun{
		ID:             uuid.NewString(),
		UserID:         job.UserID,
		JobID:          job.ID,
		SuiteID:        suite.ID,
		ExperimentID:   params.ExperimentID,
		Mode:           params.Mode,
		BasePrompt:     params.BasePrompt,
		Generations:    generations,
		PopulationSize: params.PopulationSize,
		SelectionRatio: params.SelectionRatio,
		MetaModel:      mt[0].ProviderKey + "::" + mt[0].ModelID,
		Status:         models.TuneRunning,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.CreatePromptTuneRun(ctx, run); err != nil {
		return "", err
	}
	if err := r.store.SetJobResultRef(ctx, job.ID, run.ID); err != nil {
		r.logger.Warn("result ref publish failed", "job_id", job.ID, "error", err)
	}

	totalEvals := generations * params.PopulationSize
	evalsDone := 0
	bestPrompt, bestScore := "", -1.0
	var survivors []*models.PromptTuneCandidate

	for gen := 1; gen <= generations; gen++ {
		if cancel.Fired() || ctx.Err() != nil {
			break
		}
		r.send(job.UserID, models.Frame(models.WSGenerationStart, job.ID, map[string]any{
			"tune_run_id": run.ID,
			"generation":  gen,
		}))

		genID := uuid.NewString()
		candidates, err := r.generateCandidates(ctx, meta, params, gen, genID, survivors)
		if err != nil {
			r.finishPromptTune(ctx, run.ID, models.TuneFailed, bestPrompt, bestScore)
			return run.ID, err
		}
		for _, c := range candidates {
			r.send(job.UserID, models.Frame(models.WSPromptGenerated, job.ID, map[string]any{
				"tune_run_id": run.ID,
				"generation":  gen,
				"index":       c.CandidateIndex,
				"style":       c.Style,
			}))
		}

		for _, c := range candidates {
			if cancel.Fired() || ctx.Err() != nil {
				break
			}
			r.send(job.UserID, models.Frame(models.WSPromptEvalStart, job.ID, map[string]any{
				"tune_run_id": run.ID,
				"index":       c.CandidateIndex,
			}))
			score, err := r.scoreCandidate(ctx, cancel, targets, suite, params, c.PromptText)
			if err != nil {
				r.finishPromptTune(ctx, run.ID, models.TuneFailed, bestPrompt, bestScore)
				return run.ID, err
			}
			c.AvgScore = score
			evalsDone++
			r.send(job.UserID, models.Frame(models.WSPromptEvalResult, job.ID, map[string]any{
				"tune_run_id": run.ID,
				"index":       c.CandidateIndex,
				"avg_score":   score,
			}))
			progress(pct(evalsDone, totalEvals), fmt.Sprintf("generation %d", gen))
		}

		survivors = markSurvivors(candidates, params.SelectionRatio)
		genRow := &models.PromptTuneGeneration{
			ID:               genID,
			TuneRunID:        run.ID,
			GenerationNumber: gen,
		}
		for _, c := range candidates {
			genRow.AvgScore += c.AvgScore
			if c.AvgScore > genRow.BestScore {
				genRow.BestScore = c.AvgScore
			}
			if c.AvgScore > bestScore {
				bestScore = c.AvgScore
				bestPrompt = c.PromptText
			}
		}
		if len(candidates) > 0 {
			genRow.AvgScore /= float64(len(candidates))
		}
		if err := r.store.AddPromptGeneration(ctx, genRow, candidates); err != nil {
			r.finishPromptTune(ctx, run.ID, models.TuneFailed, bestPrompt, bestScore)
			return run.ID, err
		}
		r.send(job.UserID, models.Frame(models.WSGenerationComplete, job.ID, map[string]any{
			"tune_run_id": run.ID,
			"generation":  gen,
			"best_score":  genRow.BestScore,
			"avg_score":   genRow.AvgScore,
		}))

		if params.ExperimentID != "" && bestScore >= 0 {
			config := mustJSON(map[string]any{"system_prompt": bestPrompt})
			if _, err := r.coordUpdateBest(ctx, job.UserID, params.ExperimentID, bestScore, config, run.ID); err != nil {
				r.logger.Warn("best update failed", "experiment_id", params.ExperimentID, "error", err)
			}
		}
	}

	switch {
	case ctx.Err() != nil:
		r.finishPromptTune(ctx, run.ID, models.TuneInterrupted, bestPrompt, bestScore)
		return run.ID, ctx.Err()
	case cancel.Fired():
		r.finishPromptTune(ctx, run.ID, models.TuneCancelled, bestPrompt, bestScore)
		return run.ID, nil
	}
	r.finishPromptTune(ctx, run.ID, models.TuneDone, bestPrompt, bestScore)
	return run.ID, nil
}

func (r *Runner) coordUpdateBest(ctx context.Context, userID, experimentID string, score float64, config, sourceID string) (bool, error) {
	if r.coord == nil {
		return false, nil
	}
	return r.coord.MaybeUpdateBest(ctx, userID, experimentID, score, config, models.BestFromPromptTune, sourceID)
}

func (r *Runner) finishPromptTune(ctx context.Context, runID string, status models.TuneRunStatus, bestPrompt string, bestScore float64) {
	if bestScore < 0 {
		bestScore = 0
	}
	if err := r.store.FinishPromptTuneRun(ctx, runID, status, bestPrompt, bestScore); err != nil {
		r.logger.Warn("prompt tune close failed", "tune_run_id", runID, "error", err)
	}
}

// generateCandidates asks the meta model for the generation's population.
// Generation one grows from the base prompt; later ones mutate survivors.
func (r *Runner) generateCandidates(ctx context.Context, meta llm.Target, params *PromptTuneParams, gen int, genID string, survivors []*models.PromptTuneCandidate) ([]*models.PromptTuneCandidate, error) {
	out := make([]*models.PromptTuneCandidate, 0, params.PopulationSize)
	for i := 0; i < params.PopulationSize; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c := &models.PromptTuneCandidate{
			ID:             uuid.NewString(),
			GenerationID:   genID,
			CandidateIndex: i,
		}

		var prompt string
		if gen == 1 || len(survivors) == 0 {
			c.Style = candidateStyles[i%len(candidateStyles)]
			prompt = fmt.Sprintf(promptGeneratePrompt, baseOrDefault(params.BasePrompt), c.Style)
		} else {
			parent := survivors[i%len(survivors)]
			c.ParentCandidateID = parent.ID
			c.Style = parent.Style
			c.MutationType = mutationTypes[i%len(mutationTypes)]
			prompt = fmt.Sprintf(promptMutatePrompt, parent.AvgScore, parent.PromptText, c.MutationType)
		}

		text, err := r.metaGenerate(ctx, meta, prompt)
		if err != nil {
			return nil, fmt.Errorf("meta model: %w", err)
		}
		c.PromptText = text
		out = append(out, c)
	}
	return out, nil
}

// metaGenerate runs the meta model through the non-streaming path with
// JSON-mode fallback and unwraps the candidate text.
func (r *Runner) metaGenerate(ctx context.Context, meta llm.Target, prompt string) (string, error) {
	comp, err := r.llm.Complete(ctx, llm.Request{
		Target:   meta,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
		JSONMode: true,
	})
	if err != nil {
		return "", err
	}
	var payload struct {
		Prompt string `json:"prompt"`
	}
	if parseJudgeJSON(comp.Content, &payload) == nil && payload.Prompt != "" {
		return payload.Prompt, nil
	}
	// A meta model ignoring the envelope still produced a prompt.
	return comp.Content, nil
}

// scoreCandidate evaluates one candidate across all targets and cases. The
// candidate is injected as the system prompt, prepended to any per-model
// system prompt.
func (r *Runner) scoreCandidate(ctx context.Context, cancel *jobs.CancelEvent, targets []Target, suite *models.ToolSuite, params *PromptTuneParams, candidate string) (float64, error) {
	system := candidate
	if params.SystemPrompt != "" {
		system = candidate + "\n\n" + params.SystemPrompt
	}
	evalParams := &ToolEvalParams{
		SystemPrompt: system,
		Params:       params.Params,
		Passthrough:  params.Passthrough,
	}
	tools := suiteTools(suite)

	var mu sync.Mutex
	var sum float64
	n := 0
	err := runProviderGroups(targets, func(t Target) error {
		for i := range suite.TestCases {
			if cancel.Fired() || ctx.Err() != nil {
				return ctx.Err()
			}
			res := r.evalCase(ctx, t, suite, &suite.TestCases[i], tools, evalParams)
			mu.Lock()
			sum += res.OverallScore
			n++
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

// markSurvivors flags the top fraction and returns them best-first.
func markSurvivors(candidates []*models.PromptTuneCandidate, ratio float64) []*models.PromptTuneCandidate {
	sorted := make([]*models.PromptTuneCandidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].AvgScore > sorted[j].AvgScore })

	k := int(math.Ceil(float64(len(sorted)) * ratio))
	if k < 1 && len(sorted) > 0 {
		k = 1
	}
	for i, c := range sorted {
		c.Survived = i < k
	}
	return sorted[:min(k, len(sorted))]
}

func baseOrDefault(base string) string {
	if base != "" {
		return base
	}
	return "calling the right tool with the right arguments for each user request"
}

