package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/gauntlet/pkg/models"
)

// CreateBenchmarkRun inserts the header row for a benchmark job.
func (s *Store) CreateBenchmarkRun(ctx context.Context, run *models.BenchmarkRun) error {
	tiers, err := json.Marshal(run.ContextTiers)
	if err != nil {
		return fmt.Errorf("marshal context tiers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO benchmark_runs (id, user_id, job_id, experiment_id, prompt, max_tokens, runs, context_tiers, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.UserID, nullStr(run.JobID), nullStr(run.ExperimentID),
		run.Prompt, run.MaxTokens, run.Runs, string(tiers), fmtTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("create benchmark run: %w", err)
	}
	return nil
}

// AddBenchmarkResult persists one measured completion. Results are written
// eagerly, one per completed run, so reconnecting clients see progress.
func (s *Store) AddBenchmarkResult(ctx context.Context, r *models.BenchmarkResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO benchmark_results (id, run_id, provider_key, model_id, context_tier, run_ordinal,
			ttft_ms, total_time_s, output_tokens, input_tokens, tokens_per_second,
			input_tokens_per_second, cost, success, error)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.RunID, r.ProviderKey, r.ModelID, r.ContextTier, r.RunOrdinal,
		r.TTFTMs, r.TotalTimeS, r.OutputTokens, r.InputTokens, r.TokensPerSec,
		r.InputTokPerSec, r.Cost, boolToInt(r.Success), r.Error)
	if err != nil {
		return fmt.Errorf("add benchmark result: %w", err)
	}
	return nil
}

// GetBenchmarkRun returns a run header owned by the user.
func (s *Store) GetBenchmarkRun(ctx context.Context, userID, id string) (*models.BenchmarkRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, job_id, experiment_id, prompt, max_tokens, runs, context_tiers, created_at
		FROM benchmark_runs WHERE id = ? AND user_id = ?`, id, userID)
	var run models.BenchmarkRun
	var jobID, expID sql.NullString
	var tiers, createdAt string
	if err := row.Scan(&run.ID, &run.UserID, &jobID, &expID, &run.Prompt,
		&run.MaxTokens, &run.Runs, &tiers, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get benchmark run: %w", err)
	}
	run.JobID = jobID.String
	run.ExperimentID = expID.String
	if err := json.Unmarshal([]byte(tiers), &run.ContextTiers); err != nil {
		return nil, fmt.Errorf("unmarshal context tiers: %w", err)
	}
	run.CreatedAt = parseTime(createdAt)
	return &run, nil
}

// ListBenchmarkResults returns every result row for a run.
func (s *Store) ListBenchmarkResults(ctx context.Context, runID string) ([]*models.BenchmarkResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, provider_key, model_id, context_tier, run_ordinal,
			ttft_ms, total_time_s, output_tokens, input_tokens, tokens_per_second,
			input_tokens_per_second, cost, success, error
		FROM benchmark_results WHERE run_id = ?
		ORDER BY provider_key, model_id, context_tier, run_ordinal`, runID)
	if err != nil {
		return nil, fmt.Errorf("list benchmark results: %w", err)
	}
	defer rows.Close()

	var out []*models.BenchmarkResult
	for rows.Next() {
		var r models.BenchmarkResult
		var success int
		if err := rows.Scan(&r.ID, &r.RunID, &r.ProviderKey, &r.ModelID, &r.ContextTier,
			&r.RunOrdinal, &r.TTFTMs, &r.TotalTimeS, &r.OutputTokens, &r.InputTokens,
			&r.TokensPerSec, &r.InputTokPerSec, &r.Cost, &success, &r.Error); err != nil {
			return nil, fmt.Errorf("scan benchmark result: %w", err)
		}
		r.Success = success == 1
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ListBenchmarkRuns returns a user's run headers, newest first.
func (s *Store) ListBenchmarkRuns(ctx context.Context, userID string, limit int) ([]*models.BenchmarkRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM benchmark_runs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list benchmark runs: %w", err)
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

	out := make([]*models.BenchmarkRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetBenchmarkRun(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// DeleteBenchmarkRun removes a run and its cascaded results.
func (s *Store) DeleteBenchmarkRun(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM benchmark_runs WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete benchmark run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
