package store

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/gauntlet/pkg/models"
)

// UpsertLeaderboard folds one batch of eval results into the public
// aggregate for a model. The weighted averaging happens inside the UPDATE
// clause so concurrent callers serialize on the row and the final
// sample_count equals a serial execution.
func (s *Store) UpsertLeaderboard(ctx context.Context, e *models.LeaderboardEntry) error {
	if e.SampleCount <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leaderboard (model_db_id, model_name, provider_name,
			accuracy, param_score, avg_latency_ms, sample_count, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(model_db_id) DO UPDATE SET
			accuracy = (leaderboard.accuracy * leaderboard.sample_count + excluded.accuracy * excluded.sample_count)
				/ (leaderboard.sample_count + excluded.sample_count),
			param_score = (leaderboard.param_score * leaderboard.sample_count + excluded.param_score * excluded.sample_count)
				/ (leaderboard.sample_count + excluded.sample_count),
			avg_latency_ms = (leaderboard.avg_latency_ms * leaderboard.sample_count + excluded.avg_latency_ms * excluded.sample_count)
				/ (leaderboard.sample_count + excluded.sample_count),
			sample_count = leaderboard.sample_count + excluded.sample_count,
			model_name = excluded.model_name,
			provider_name = excluded.provider_name,
			updated_at = excluded.updated_at`,
		e.ModelDBID, e.ModelName, e.ProviderName,
		e.Accuracy, e.ParamScore, e.AvgLatencyMs, e.SampleCount,
		fmtTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("upsert leaderboard: %w", err)
	}
	return nil
}

// Leaderboard returns entries ranked by accuracy descending.
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]*models.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_db_id, model_name, provider_name, accuracy, param_score,
			avg_latency_ms, sample_count, updated_at
		FROM leaderboard ORDER BY accuracy DESC, sample_count DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list leaderboard: %w", err)
	}
	defer rows.Close()

	var out []*models.LeaderboardEntry
	for rows.Next() {
		var e models.LeaderboardEntry
		var updatedAt string
		if err := rows.Scan(&e.ModelDBID, &e.ModelName, &e.ProviderName, &e.Accuracy,
			&e.ParamScore, &e.AvgLatencyMs, &e.SampleCount, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan leaderboard entry: %w", err)
		}
		e.UpdatedAt = parseTime(updatedAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}
