package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/haasonsaas/gauntlet/pkg/models"
)

// CreateExperiment inserts an experiment container.
func (s *Store) CreateExperiment(ctx context.Context, e *models.Experiment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO experiments (id, user_id, suite_id, name, baseline_eval_id, baseline_score,
			best_score, best_config_json, best_source, best_source_id, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.UserID, e.SuiteID, e.Name, nullStr(e.BaselineEvalID), nullFloat(e.BaselineScore),
		nullFloat(e.BestScore), e.BestConfigJSON, e.BestSource, nullStr(e.BestSourceID), fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("create experiment: %w", err)
	}
	return nil
}

// GetExperiment returns an experiment owned by the user.
func (s *Store) GetExperiment(ctx context.Context, userID, id string) (*models.Experiment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, suite_id, name, baseline_eval_id, baseline_score,
			best_score, best_config_json, best_source, best_source_id, created_at
		FROM experiments WHERE id = ? AND user_id = ?`, id, userID)
	var e models.Experiment
	var baselineEval, bestSourceID sql.NullString
	var baselineScore, bestScore sql.NullFloat64
	var createdAt string
	if err := row.Scan(&e.ID, &e.UserID, &e.SuiteID, &e.Name, &baselineEval, &baselineScore,
		&bestScore, &e.BestConfigJSON, &e.BestSource, &bestSourceID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get experiment: %w", err)
	}
	e.BaselineEvalID = baselineEval.String
	e.BestSourceID = bestSourceID.String
	if baselineScore.Valid {
		v := baselineScore.Float64
		e.BaselineScore = &v
	}
	if bestScore.Valid {
		v := bestScore.Float64
		e.BestScore = &v
	}
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// SetExperimentBaseline pins the baseline eval. Pinning also seeds best
// tracking when no best exists yet.
func (s *Store) SetExperimentBaseline(ctx context.Context, id, evalRunID string, score float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE experiments SET baseline_eval_id = ?, baseline_score = ?,
			best_score = COALESCE(best_score, ?),
			best_source = CASE WHEN best_source = '' THEN 'eval' ELSE best_source END,
			best_source_id = COALESCE(best_source_id, ?)
		WHERE id = ?`,
		evalRunID, score, score, evalRunID, id)
	if err != nil {
		return fmt.Errorf("set experiment baseline: %w", err)
	}
	return nil
}

// UpdateExperimentBest replaces the best-config tracking fields.
func (s *Store) UpdateExperimentBest(ctx context.Context, id string, score float64, configJSON string, source models.BestSource, sourceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE experiments SET best_score = ?, best_config_json = ?, best_source = ?, best_source_id = ?
		WHERE id = ?`,
		score, configJSON, source, sourceID, id)
	if err != nil {
		return fmt.Errorf("update experiment best: %w", err)
	}
	return nil
}

// ListExperiments returns a user's experiments, newest first.
func (s *Store) ListExperiments(ctx context.Context, userID string) ([]*models.Experiment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM experiments WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*models.Experiment, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetExperiment(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ExperimentRunRef is one row of the cross-table timeline union.
type ExperimentRunRef struct {
	Kind      string
	RunID     string
	CreatedAt string
}

// ListExperimentRuns returns the ids of every run kind linked to the
// experiment, timestamp ascending. Scores are aggregated by the coordinator.
func (s *Store) ListExperimentRuns(ctx context.Context, experimentID string) ([]ExperimentRunRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT 'eval' AS kind, id, created_at FROM tool_eval_runs WHERE experiment_id = ?
		UNION ALL
		SELECT 'param_tune', id, created_at FROM param_tune_runs WHERE experiment_id = ?
		UNION ALL
		SELECT 'prompt_tune', id, created_at FROM prompt_tune_runs WHERE experiment_id = ?
		UNION ALL
		SELECT 'benchmark', id, created_at FROM benchmark_runs WHERE experiment_id = ?
		ORDER BY created_at ASC`,
		experimentID, experimentID, experimentID, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list experiment runs: %w", err)
	}
	defer rows.Close()

	var out []ExperimentRunRef
	for rows.Next() {
		var r ExperimentRunRef
		if err := rows.Scan(&r.Kind, &r.RunID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan experiment run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AvgOverallScore computes the mean overall_score across an eval run's cases.
func (s *Store) AvgOverallScore(ctx context.Context, evalRunID string) (float64, int, error) {
	var avg sql.NullFloat64
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT AVG(overall_score), COUNT(*) FROM case_results WHERE eval_run_id = ?`, evalRunID).
		Scan(&avg, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("avg overall score: %w", err)
	}
	return avg.Float64, n, nil
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
