package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/haasonsaas/gauntlet/pkg/models"
)

// CreateToolEvalRun inserts the header row for a tool-calling evaluation.
func (s *Store) CreateToolEvalRun(ctx context.Context, run *models.ToolEvalRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_eval_runs (id, user_id, job_id, suite_id, experiment_id, synthesized, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.UserID, nullStr(run.JobID), run.SuiteID, nullStr(run.ExperimentID),
		boolToInt(run.Synthesized), fmtTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("create tool eval run: %w", err)
	}
	return nil
}

// GetToolEvalRun returns a run header owned by the user.
func (s *Store) GetToolEvalRun(ctx context.Context, userID, id string) (*models.ToolEvalRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, job_id, suite_id, experiment_id, synthesized, created_at
		FROM tool_eval_runs WHERE id = ? AND user_id = ?`, id, userID)
	var run models.ToolEvalRun
	var jobID, expID sql.NullString
	var synth int
	var createdAt string
	if err := row.Scan(&run.ID, &run.UserID, &jobID, &run.SuiteID, &expID, &synth, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tool eval run: %w", err)
	}
	run.JobID = jobID.String
	run.ExperimentID = expID.String
	run.Synthesized = synth == 1
	run.CreatedAt = parseTime(createdAt)
	return &run, nil
}

// AddCaseResult persists one (test case, model) outcome.
func (s *Store) AddCaseResult(ctx context.Context, r *models.CaseResult) error {
	var paramAcc any
	if r.ParamAccuracy != nil {
		paramAcc = *r.ParamAccuracy
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO case_results (id, eval_run_id, test_case_id, provider_key, model_id,
			tool_selection_score, param_accuracy, overall_score, irrelevance_score,
			actual_tool, actual_params_json, success, error, latency_ms, raw_request, raw_response)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.EvalRunID, r.TestCaseID, r.ProviderKey, r.ModelID,
		r.ToolSelection, paramAcc, r.OverallScore, r.IrrelevanceScore,
		r.ActualTool, r.ActualParamsJSON, boolToInt(r.Success), r.Error,
		r.LatencyMs, r.RawRequest, r.RawResponse)
	if err != nil {
		return fmt.Errorf("add case result: %w", err)
	}
	return nil
}

// AddCaseResults persists a batch of case results on a single transactional
// connection. A failure aborts the whole batch.
func (s *Store) AddCaseResults(ctx context.Context, results []*models.CaseResult) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO case_results (id, eval_run_id, test_case_id, provider_key, model_id,
				tool_selection_score, param_accuracy, overall_score, irrelevance_score,
				actual_tool, actual_params_json, success, error, latency_ms, raw_request, raw_response)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			return fmt.Errorf("prepare case result insert: %w", err)
		}
		defer stmt.Close()
		for _, r := range results {
			var paramAcc any
			if r.ParamAccuracy != nil {
				paramAcc = *r.ParamAccuracy
			}
			if _, err := stmt.ExecContext(ctx,
				r.ID, r.EvalRunID, r.TestCaseID, r.ProviderKey, r.ModelID,
				r.ToolSelection, paramAcc, r.OverallScore, r.IrrelevanceScore,
				r.ActualTool, r.ActualParamsJSON, boolToInt(r.Success), r.Error,
				r.LatencyMs, r.RawRequest, r.RawResponse); err != nil {
				return fmt.Errorf("insert case result: %w", err)
			}
		}
		return nil
	})
}

// ListCaseResults returns all case results for an eval run.
func (s *Store) ListCaseResults(ctx context.Context, evalRunID string) ([]*models.CaseResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, eval_run_id, test_case_id, provider_key, model_id,
			tool_selection_score, param_accuracy, overall_score, irrelevance_score,
			actual_tool, actual_params_json, success, error, latency_ms, raw_request, raw_response
		FROM case_results WHERE eval_run_id = ?
		ORDER BY provider_key, model_id, test_case_id`, evalRunID)
	if err != nil {
		return nil, fmt.Errorf("list case results: %w", err)
	}
	defer rows.Close()

	var out []*models.CaseResult
	for rows.Next() {
		var r models.CaseResult
		var paramAcc sql.NullFloat64
		var success int
		if err := rows.Scan(&r.ID, &r.EvalRunID, &r.TestCaseID, &r.ProviderKey, &r.ModelID,
			&r.ToolSelection, &paramAcc, &r.OverallScore, &r.IrrelevanceScore,
			&r.ActualTool, &r.ActualParamsJSON, &success, &r.Error,
			&r.LatencyMs, &r.RawRequest, &r.RawResponse); err != nil {
			return nil, fmt.Errorf("scan case result: %w", err)
		}
		if paramAcc.Valid {
			v := paramAcc.Float64
			r.ParamAccuracy = &v
		}
		r.Success = success == 1
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ListToolEvalRuns returns a user's eval run headers, newest first.
func (s *Store) ListToolEvalRuns(ctx context.Context, userID string, limit int) ([]*models.ToolEvalRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, job_id, suite_id, experiment_id, synthesized, created_at
		FROM tool_eval_runs WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tool eval runs: %w", err)
	}
	defer rows.Close()

	var out []*models.ToolEvalRun
	for rows.Next() {
		var run models.ToolEvalRun
		var jobID, expID sql.NullString
		var synth int
		var createdAt string
		if err := rows.Scan(&run.ID, &run.UserID, &jobID, &run.SuiteID, &expID, &synth, &createdAt); err != nil {
			return nil, fmt.Errorf("scan tool eval run: %w", err)
		}
		run.JobID = jobID.String
		run.ExperimentID = expID.String
		run.Synthesized = synth == 1
		run.CreatedAt = parseTime(createdAt)
		out = append(out, &run)
	}
	return out, rows.Err()
}

// DeleteToolEvalRun removes a run and its cascaded case results.
func (s *Store) DeleteToolEvalRun(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_eval_runs WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete tool eval run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
