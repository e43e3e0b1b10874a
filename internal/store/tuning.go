package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/haasonsaas/gauntlet/pkg/models"
)

// CreateParamTuneRun inserts a search header with status running.
func (s *Store) CreateParamTuneRun(ctx context.Context, run *models.ParamTuneRun) error {
	if run.Status == "" {
		run.Status = models.TuneRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO param_tune_runs (id, user_id, job_id, suite_id, experiment_id, mode, space_json, status, best_index, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.UserID, nullStr(run.JobID), run.SuiteID, nullStr(run.ExperimentID),
		run.Mode, run.SpaceJSON, run.Status, run.BestIndex, fmtTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("create param tune run: %w", err)
	}
	return nil
}

// GetParamTuneRun returns a run owned by the user.
func (s *Store) GetParamTuneRun(ctx context.Context, userID, id string) (*models.ParamTuneRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, job_id, suite_id, experiment_id, mode, space_json, status, best_index, created_at
		FROM param_tune_runs WHERE id = ? AND user_id = ?`, id, userID)
	var run models.ParamTuneRun
	var jobID, expID sql.NullString
	var createdAt string
	if err := row.Scan(&run.ID, &run.UserID, &jobID, &run.SuiteID, &expID,
		&run.Mode, &run.SpaceJSON, &run.Status, &run.BestIndex, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get param tune run: %w", err)
	}
	run.JobID = jobID.String
	run.ExperimentID = expID.String
	run.CreatedAt = parseTime(createdAt)
	return &run, nil
}

// FinishParamTuneRun records the terminal status and best combo index.
func (s *Store) FinishParamTuneRun(ctx context.Context, id string, status models.TuneRunStatus, bestIndex int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE param_tune_runs SET status = ?, best_index = ? WHERE id = ?`, status, bestIndex, id)
	if err != nil {
		return fmt.Errorf("finish param tune run: %w", err)
	}
	return nil
}

// AddParamTuneCombo persists one combo row eagerly so reconnecting clients
// can see partial progress.
func (s *Store) AddParamTuneCombo(ctx context.Context, c *models.ParamTuneCombo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO param_tune_combos (id, tune_run_id, combo_index, provider_key, model_id,
			config_json, adjustments_json, overall_score, tool_selection_score, param_accuracy,
			latency_avg_ms, eval_run_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.TuneRunID, c.ComboIndex, c.ProviderKey, c.ModelID,
		c.ConfigJSON, c.AdjustmentsJSON, c.OverallScore, c.ToolSelection, c.ParamAccuracy,
		c.LatencyAvgMs, nullStr(c.EvalRunID))
	if err != nil {
		return fmt.Errorf("add param tune combo: %w", err)
	}
	return nil
}

// LinkComboEvalRun points a combo at the eval run synthesized from it, so
// the promoted run stays reachable from the search results.
func (s *Store) LinkComboEvalRun(ctx context.Context, comboID, evalRunID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE param_tune_combos SET eval_run_id = ? WHERE id = ?`, nullStr(evalRunID), comboID)
	if err != nil {
		return fmt.Errorf("link combo eval run: %w", err)
	}
	return nil
}

// ListParamTuneCombos returns combo rows in index order.
func (s *Store) ListParamTuneCombos(ctx context.Context, tuneRunID string) ([]*models.ParamTuneCombo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tune_run_id, combo_index, provider_key, model_id, config_json, adjustments_json,
			overall_score, tool_selection_score, param_accuracy, latency_avg_ms, eval_run_id
		FROM param_tune_combos WHERE tune_run_id = ? ORDER BY combo_index`, tuneRunID)
	if err != nil {
		return nil, fmt.Errorf("list param tune combos: %w", err)
	}
	defer rows.Close()

	var out []*models.ParamTuneCombo
	for rows.Next() {
		var c models.ParamTuneCombo
		var evalRunID sql.NullString
		if err := rows.Scan(&c.ID, &c.TuneRunID, &c.ComboIndex, &c.ProviderKey, &c.ModelID,
			&c.ConfigJSON, &c.AdjustmentsJSON, &c.OverallScore, &c.ToolSelection,
			&c.ParamAccuracy, &c.LatencyAvgMs, &evalRunID); err != nil {
			return nil, fmt.Errorf("scan param tune combo: %w", err)
		}
		c.EvalRunID = evalRunID.String
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ListParamTuneRuns returns a user's search headers, newest first.
func (s *Store) ListParamTuneRuns(ctx context.Context, userID string, limit int) ([]*models.ParamTuneRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM param_tune_runs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list param tune runs: %w", err)
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
	out := make([]*models.ParamTuneRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetParamTuneRun(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// CreatePromptTuneRun inserts an optimization header with status running.
func (s *Store) CreatePromptTuneRun(ctx context.Context, run *models.PromptTuneRun) error {
	if run.Status == "" {
		run.Status = models.TuneRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_tune_runs (id, user_id, job_id, suite_id, experiment_id, mode, base_prompt,
			generations, population_size, selection_ratio, meta_model, status, best_prompt, best_score, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.UserID, nullStr(run.JobID), run.SuiteID, nullStr(run.ExperimentID),
		run.Mode, run.BasePrompt, run.Generations, run.PopulationSize, run.SelectionRatio,
		run.MetaModel, run.Status, run.BestPrompt, run.BestScore, fmtTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("create prompt tune run: %w", err)
	}
	return nil
}

// GetPromptTuneRun returns a run owned by the user.
func (s *Store) GetPromptTuneRun(ctx context.Context, userID, id string) (*models.PromptTuneRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, job_id, suite_id, experiment_id, mode, base_prompt, generations,
			population_size, selection_ratio, meta_model, status, best_prompt, best_score, created_at
		FROM prompt_tune_runs WHERE id = ? AND user_id = ?`, id, userID)
	var run models.PromptTuneRun
	var jobID, expID sql.NullString
	var createdAt string
	if err := row.Scan(&run.ID, &run.UserID, &jobID, &run.SuiteID, &expID, &run.Mode,
		&run.BasePrompt, &run.Generations, &run.PopulationSize, &run.SelectionRatio,
		&run.MetaModel, &run.Status, &run.BestPrompt, &run.BestScore, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get prompt tune run: %w", err)
	}
	run.JobID = jobID.String
	run.ExperimentID = expID.String
	run.CreatedAt = parseTime(createdAt)
	return &run, nil
}

// FinishPromptTuneRun records the terminal status and winning prompt.
func (s *Store) FinishPromptTuneRun(ctx context.Context, id string, status models.TuneRunStatus, bestPrompt string, bestScore float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE prompt_tune_runs SET status = ?, best_prompt = ?, best_score = ? WHERE id = ?`,
		status, bestPrompt, bestScore, id)
	if err != nil {
		return fmt.Errorf("finish prompt tune run: %w", err)
	}
	return nil
}

// AddPromptGeneration persists a generation with its candidates in one
// transaction.
func (s *Store) AddPromptGeneration(ctx context.Context, gen *models.PromptTuneGeneration, candidates []*models.PromptTuneCandidate) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO prompt_tune_generations (id, tune_run_id, generation_number, best_score, avg_score)
			VALUES (?,?,?,?,?)`,
			gen.ID, gen.TuneRunID, gen.GenerationNumber, gen.BestScore, gen.AvgScore); err != nil {
			return fmt.Errorf("create prompt generation: %w", err)
		}
		for _, c := range candidates {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO prompt_tune_candidates (id, generation_id, candidate_index, prompt_text,
					style, mutation_type, parent_candidate_id, avg_score, survived)
				VALUES (?,?,?,?,?,?,?,?,?)`,
				c.ID, gen.ID, c.CandidateIndex, c.PromptText, c.Style, c.MutationType,
				nullStr(c.ParentCandidateID), c.AvgScore, boolToInt(c.Survived)); err != nil {
				return fmt.Errorf("create prompt candidate: %w", err)
			}
		}
		return nil
	})
}

// ListPromptGenerations returns generations with their candidates.
func (s *Store) ListPromptGenerations(ctx context.Context, tuneRunID string) ([]*models.PromptTuneGeneration, map[string][]*models.PromptTuneCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tune_run_id, generation_number, best_score, avg_score
		FROM prompt_tune_generations WHERE tune_run_id = ? ORDER BY generation_number`, tuneRunID)
	if err != nil {
		return nil, nil, fmt.Errorf("list prompt generations: %w", err)
	}
	defer rows.Close()

	var gens []*models.PromptTuneGeneration
	for rows.Next() {
		var g models.PromptTuneGeneration
		if err := rows.Scan(&g.ID, &g.TuneRunID, &g.GenerationNumber, &g.BestScore, &g.AvgScore); err != nil {
			return nil, nil, fmt.Errorf("scan prompt generation: %w", err)
		}
		gens = append(gens, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	byGen := make(map[string][]*models.PromptTuneCandidate)
	for _, g := range gens {
		candRows, err := s.db.QueryContext(ctx, `
			SELECT id, generation_id, candidate_index, prompt_text, style, mutation_type,
				parent_candidate_id, avg_score, survived
			FROM prompt_tune_candidates WHERE generation_id = ? ORDER BY candidate_index`, g.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("list prompt candidates: %w", err)
		}
		for candRows.Next() {
			var c models.PromptTuneCandidate
			var parent sql.NullString
			var survived int
			if err := candRows.Scan(&c.ID, &c.GenerationID, &c.CandidateIndex, &c.PromptText,
				&c.Style, &c.MutationType, &parent, &c.AvgScore, &survived); err != nil {
				candRows.Close()
				return nil, nil, fmt.Errorf("scan prompt candidate: %w", err)
			}
			c.ParentCandidateID = parent.String
			c.Survived = survived == 1
			byGen[g.ID] = append(byGen[g.ID], &c)
		}
		if err := candRows.Err(); err != nil {
			candRows.Close()
			return nil, nil, err
		}
		candRows.Close()
	}
	return gens, byGen, nil
}

// ListPromptTuneRuns returns a user's optimization headers, newest first.
func (s *Store) ListPromptTuneRuns(ctx context.Context, userID string, limit int) ([]*models.PromptTuneRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM prompt_tune_runs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list prompt tune runs: %w", err)
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
	out := make([]*models.PromptTuneRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetPromptTuneRun(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}
