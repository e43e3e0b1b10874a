package runner

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/gauntlet/internal/jobs"
	"github.com/haasonsaas/gauntlet/internal/llm"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

// BenchmarkParams is the benchmark job payload.
type BenchmarkParams struct {
	Selection
	Prompt       string         `json:"prompt"`
	MaxTokens    int            `json:"max_tokens,omitempty"`
	Runs         int            `json:"runs,omitempty"`
	ContextTiers []int          `json:"context_tiers,omitempty"`
	Warmup       bool           `json:"warmup,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Passthrough  map[string]any `json:"passthrough,omitempty"`
	ExperimentID string         `json:"experiment_id,omitempty"`
}

const (
	defaultBenchmarkRuns      = 3
	defaultBenchmarkMaxTokens = 256

	// tierHeadroom keeps the padded context clear of the model's window:
	// tier + max_tokens + headroom must fit.
	tierHeadroom = 100
)

// HandleBenchmark measures throughput: N models x C context tiers x R runs
// of streaming completions, one result row per run. Judge chaining never
// happens here.
func (r *Runner) HandleBenchmark(ctx context.Context, job *models.Job, cancel *jobs.CancelEvent, progress jobs.ProgressFunc) (string, error) {
	params, err := decodeParams[BenchmarkParams](job)
	if err != nil {
		return "", err
	}
	if params.Runs <= 0 {
		params.Runs = defaultBenchmarkRuns
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = defaultBenchmarkMaxTokens
	}
	tiers := params.ContextTiers
	if len(tiers) == 0 {
		tiers = []int{0}
	}

	targets, err := r.resolveTargets(ctx, job.UserID, params.Selection)
	if err != nil {
		return "", err
	}

	run := &models.BenchmarkRun{
		ID:           uuid.NewString(),
		UserID:       job.UserID,
		JobID:        job.ID,
		ExperimentID: params.ExperimentID,
		Prompt:       params.Prompt,
		MaxTokens:    params.MaxTokens,
		Runs:         params.Runs,
		ContextTiers: params.ContextTiers,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.store.CreateBenchmarkRun(ctx, run); err != nil {
		return "", err
	}
	// Publish the ref before any measurement so reconnecting clients can
	// bind to partial results.
	if err := r.store.SetJobResultRef(ctx, job.ID, run.ID); err != nil {
		r.logger.Warn("result ref publish failed", "job_id", job.ID, "error", err)
	}

	// A (target, tier) cell is eligible when the padded context leaves room
	// for the response inside the model's window.
	type cell struct {
		target Target
		tier   int
	}
	eligible := make(map[string][]cell)
	total := 0
	for _, t := range targets {
		for _, tier := range tiers {
			if t.ContextWindow > 0 && tier > t.ContextWindow-params.MaxTokens-tierHeadroom {
				continue
			}
			eligible[t.Key()] = append(eligible[t.Key()], cell{target: t, tier: tier})
			total += params.Runs
		}
	}

	r.send(job.UserID, models.Frame(models.WSBenchmarkInit, job.ID, map[string]any{
		"run_id":      run.ID,
		"total_runs":  total,
		"model_count": len(targets),
	}))

	var completed atomic.Int64
	err = runProviderGroups(targets, func(t Target) error {
		for _, c := range eligible[t.Key()] {
			if cancel.Fired() || ctx.Err() != nil {
				return ctx.Err()
			}
			if params.Warmup {
				// Warmup primes caches and connections; its numbers are
				// discarded.
				_, _ = r.benchmarkCall(ctx, t, params, c.tier)
			}
			for ordinal := 1; ordinal <= params.Runs; ordinal++ {
				if cancel.Fired() || ctx.Err() != nil {
					return ctx.Err()
				}
				result := r.measureRun(ctx, run.ID, t, params, c.tier, ordinal)
				if err := r.store.AddBenchmarkResult(ctx, result); err != nil {
					return err
				}
				done := int(completed.Add(1))
				r.send(job.UserID, models.Frame(models.WSBenchmarkResult, job.ID, map[string]any{
					"run_id":            run.ID,
					"provider_key":      result.ProviderKey,
					"model_id":          result.ModelID,
					"context_tier":      result.ContextTier,
					"run_ordinal":       result.RunOrdinal,
					"ttft_ms":           result.TTFTMs,
					"tokens_per_second": result.TokensPerSec,
					"success":           result.Success,
				}))
				progress(pct(done, total), result.ModelID)
			}
		}
		return nil
	})
	if err != nil {
		return run.ID, err
	}
	return run.ID, nil
}

// measureRun executes one streaming completion and folds it into a result
// row. Call failures become failed rows, not job failures.
func (r *Runner) measureRun(ctx context.Context, runID string, t Target, params *BenchmarkParams, tier, ordinal int) *models.BenchmarkResult {
	result := &models.BenchmarkResult{
		ID:          uuid.NewString(),
		RunID:       runID,
		ProviderKey: t.ProviderKey,
		ModelID:     t.ModelID,
		ContextTier: tier,
		RunOrdinal:  ordinal,
	}

	res, err := r.benchmarkCall(ctx, t, params, tier)
	if err != nil {
		result.Error = string(llm.Classify(err)) + ": " + llm.Sanitize(err.Error(), t.APIKey)
		return result
	}
	result.Success = true
	result.TTFTMs = res.Metrics.TTFTMs
	result.TotalTimeS = res.Metrics.TotalTimeS
	result.OutputTokens = res.Metrics.OutputTokens
	result.InputTokens = res.Metrics.InputTokens
	result.TokensPerSec = res.Metrics.TokensPerSecond
	result.InputTokPerSec = res.Metrics.InputTokensPerSecond
	return result
}

func (r *Runner) benchmarkCall(ctx context.Context, t Target, params *BenchmarkParams, tier int) (*llm.StreamResult, error) {
	resolved, _ := llm.Resolve(t.ProviderKey, t.ModelID, params.Params, t.SkipParams, params.Passthrough)
	return r.llm.StreamCompletion(ctx, llm.Request{
		Target:    t.Target,
		System:    padContext(tier),
		Messages:  []llm.Message{{Role: "user", Content: params.Prompt}},
		Params:    resolved,
		MaxTokens: params.MaxTokens,
	})
}

// padContext builds filler text of roughly tier tokens so each tier
// exercises a known input size. Tier zero means no padding.
func padContext(tier int) string {
	if tier <= 0 {
		return ""
	}
	const filler = "The quick brown fox jumps over the lazy dog. "
	// ~9 words per sentence, ~12 tokens each.
	reps := tier/12 + 1
	var b strings.Builder
	b.Grow(reps * len(filler))
	for i := 0; i < reps; i++ {
		b.WriteString(filler)
	}
	return "Context for this benchmark run, ignore it when answering:\n" + b.String()
}
