// Package experiments aggregates runs around a pinned baseline. The
// coordinator does no background work; handlers call it at completion
// boundaries and the gateway reads the timeline.
package experiments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/gauntlet/internal/store"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

var (
	// ErrSuiteMismatch rejects pinning an eval from a different suite.
	ErrSuiteMismatch = errors.New("eval run belongs to a different suite")

	// ErrNoResults rejects pinning an eval with no case results.
	ErrNoResults = errors.New("eval run has no results")
)

type Coordinator struct {
	store  *store.Store
	logger *slog.Logger
}

func New(st *store.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: st, logger: logger}
}

// PinBaseline marks an eval run as the experiment's reference point. The
// run's average overall score becomes baseline_score.
func (c *Coordinator) PinBaseline(ctx context.Context, userID, experimentID, evalRunID string) error {
	exp, err := c.store.GetExperiment(ctx, userID, experimentID)
	if err != nil {
		return err
	}
	run, err := c.store.GetToolEvalRun(ctx, userID, evalRunID)
	if err != nil {
		return err
	}
	if run.SuiteID != exp.SuiteID {
		return ErrSuiteMismatch
	}

	score, n, err := c.store.AvgOverallScore(ctx, evalRunID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoResults
	}
	if err := c.store.SetExperimentBaseline(ctx, exp.ID, evalRunID, score); err != nil {
		return err
	}
	c.logger.Info("baseline pinned", "experiment_id", exp.ID, "eval_run_id", evalRunID, "score", score)
	return nil
}

// MaybeUpdateBest promotes a score to the experiment's best when it beats
// the current one. A null best is treated as negative infinity, so the first
// candidate always wins. Returns whether the update happened.
func (c *Coordinator) MaybeUpdateBest(ctx context.Context, userID, experimentID string, score float64, configJSON string, source models.BestSource, sourceID string) (bool, error) {
	exp, err := c.store.GetExperiment(ctx, userID, experimentID)
	if err != nil {
		return false, err
	}
	if exp.BestScore != nil && score <= *exp.BestScore {
		return false, nil
	}
	if err := c.store.UpdateExperimentBest(ctx, exp.ID, score, configJSON, source, sourceID); err != nil {
		return false, err
	}
	c.logger.Info("experiment best updated", "experiment_id", exp.ID,
		"score", score, "source", source, "source_id", sourceID)
	return true, nil
}

// Timeline returns every run linked to the experiment in creation order,
// annotated with its delta against the baseline and promotion markers.
func (c *Coordinator) Timeline(ctx context.Context, userID, experimentID string) ([]models.TimelineEntry, error) {
	exp, err := c.store.GetExperiment(ctx, userID, experimentID)
	if err != nil {
		return nil, err
	}
	refs, err := c.store.ListExperimentRuns(ctx, exp.ID)
	if err != nil {
		return nil, err
	}

	entries := make([]models.TimelineEntry, 0, len(refs))
	for _, ref := range refs {
		entry := models.TimelineEntry{
			Kind:      ref.Kind,
			RunID:     ref.RunID,
			CreatedAt: parseRef(ref.CreatedAt),
			Promoted:  exp.BestSourceID == ref.RunID,
		}
		score, summary, scored, err := c.runScore(ctx, userID, ref)
		if err != nil {
			return nil, fmt.Errorf("score %s run %s: %w", ref.Kind, ref.RunID, err)
		}
		entry.Score = score
		entry.ConfigSummary = summary
		if scored && exp.BaselineScore != nil {
			delta := score - *exp.BaselineScore
			entry.Delta = &delta
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// runScore resolves a timeline entry's headline score and a short config
// summary from the run's own tables. Benchmark runs carry no score.
func (c *Coordinator) runScore(ctx context.Context, userID string, ref store.ExperimentRunRef) (float64, string, bool, error) {
	switch ref.Kind {
	case "eval":
		score, n, err := c.store.AvgOverallScore(ctx, ref.RunID)
		if err != nil {
			return 0, "", false, err
		}
		return score, fmt.Sprintf("%d cases", n), n > 0, nil

	case "param_tune":
		combos, err := c.store.ListParamTuneCombos(ctx, ref.RunID)
		if err != nil {
			return 0, "", false, err
		}
		best := -1
		for i, combo := range combos {
			if best < 0 || combo.OverallScore > combos[best].OverallScore {
				best = i
			}
		}
		if best < 0 {
			return 0, "", false, nil
		}
		return combos[best].OverallScore, combos[best].ConfigJSON, true, nil

	case "prompt_tune":
		run, err := c.store.GetPromptTuneRun(ctx, userID, ref.RunID)
		if err != nil {
			return 0, "", false, err
		}
		return run.BestScore, truncateSummary(run.BestPrompt, 80), run.Status == models.TuneDone, nil

	default:
		return 0, "", false, nil
	}
}

func parseRef(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func truncateSummary(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
