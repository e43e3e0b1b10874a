package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/haasonsaas/gauntlet/pkg/models"
)

// CreateJudgeReport inserts a report with status running. When the same eval
// has already been judged, the caller sets ParentReportID to the chain root
// and Version to root's child count + 1; versioning never nests deeper than
// root plus direct children.
func (s *Store) CreateJudgeReport(ctx context.Context, r *models.JudgeReport) error {
	if r.Status == "" {
		r.Status = models.TuneRunning
	}
	if r.Version == 0 {
		r.Version = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO judge_reports (id, user_id, job_id, eval_run_id, eval_run_b_id, judge_model,
			instructions, status, grade, score, winner, summary, parent_report_id, version, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.UserID, nullStr(r.JobID), r.EvalRunID, nullStr(r.EvalRunBID), r.JudgeModel,
		r.Instructions, r.Status, r.Grade, r.Score, r.Winner, r.Summary,
		nullStr(r.ParentReportID), r.Version, fmtTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("create judge report: %w", err)
	}
	return nil
}

// GetJudgeReport returns a report owned by the user.
func (s *Store) GetJudgeReport(ctx context.Context, userID, id string) (*models.JudgeReport, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, job_id, eval_run_id, eval_run_b_id, judge_model, instructions,
			status, grade, score, winner, summary, parent_report_id, version, created_at
		FROM judge_reports WHERE id = ? AND user_id = ?`, id, userID)
	return scanJudgeReport(row)
}

func scanJudgeReport(row interface{ Scan(...any) error }) (*models.JudgeReport, error) {
	var r models.JudgeReport
	var jobID, evalB, parent sql.NullString
	var createdAt string
	if err := row.Scan(&r.ID, &r.UserID, &jobID, &r.EvalRunID, &evalB, &r.JudgeModel,
		&r.Instructions, &r.Status, &r.Grade, &r.Score, &r.Winner, &r.Summary,
		&parent, &r.Version, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan judge report: %w", err)
	}
	r.JobID = jobID.String
	r.EvalRunBID = evalB.String
	r.ParentReportID = parent.String
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

// FinishJudgeReport records the terminal outcome of a judge run.
func (s *Store) FinishJudgeReport(ctx context.Context, id string, status models.TuneRunStatus, grade string, score float64, winner, summary string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE judge_reports SET status = ?, grade = ?, score = ?, winner = ?, summary = ? WHERE id = ?`,
		status, grade, score, winner, summary, id)
	if err != nil {
		return fmt.Errorf("finish judge report: %w", err)
	}
	return nil
}

// NextReportVersion allocates the version for a re-run against the same
// eval: the root report id plus one past the highest existing version. The
// count-then-insert pattern runs on one transaction via CreateVersionedReport.
// Plain reports and compare reports chain separately: the root must match the
// new report's eval_run_b_id shape, so judging run A never re-versions a
// comparison of A against B.
func (s *Store) CreateVersionedReport(ctx context.Context, r *models.JudgeReport) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var rootID sql.NullString
		var maxVersion sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(parent_report_id, id), MAX(version)
			FROM judge_reports
			WHERE eval_run_id = ? AND user_id = ? AND COALESCE(eval_run_b_id, '') = ?
			GROUP BY COALESCE(parent_report_id, id)
			ORDER BY MIN(created_at) LIMIT 1`, r.EvalRunID, r.UserID, r.EvalRunBID).Scan(&rootID, &maxVersion)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("find report root: %w", err)
		}
		if rootID.Valid {
			r.ParentReportID = rootID.String
			r.Version = int(maxVersion.Int64) + 1
		} else {
			r.ParentReportID = ""
			r.Version = 1
		}
		if r.Status == "" {
			r.Status = models.TuneRunning
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO judge_reports (id, user_id, job_id, eval_run_id, eval_run_b_id, judge_model,
				instructions, status, grade, score, winner, summary, parent_report_id, version, created_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			r.ID, r.UserID, nullStr(r.JobID), r.EvalRunID, nullStr(r.EvalRunBID), r.JudgeModel,
			r.Instructions, r.Status, r.Grade, r.Score, r.Winner, r.Summary,
			nullStr(r.ParentReportID), r.Version, fmtTime(r.CreatedAt))
		if err != nil {
			return fmt.Errorf("create versioned report: %w", err)
		}
		return nil
	})
}

// ReportVersionChain returns the root and every direct child of the chain
// containing the given report, version ascending. A root whose parent is
// itself (or null) with no children is returned alone.
func (s *Store) ReportVersionChain(ctx context.Context, userID, reportID string) ([]*models.JudgeReport, error) {
	report, err := s.GetJudgeReport(ctx, userID, reportID)
	if err != nil {
		return nil, err
	}
	rootID := report.ParentReportID
	if rootID == "" || rootID == report.ID {
		rootID = report.ID
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, job_id, eval_run_id, eval_run_b_id, judge_model, instructions,
			status, grade, score, winner, summary, parent_report_id, version, created_at
		FROM judge_reports
		WHERE user_id = ? AND (id = ? OR parent_report_id = ?)
		ORDER BY version ASC`, userID, rootID, rootID)
	if err != nil {
		return nil, fmt.Errorf("report version chain: %w", err)
	}
	defer rows.Close()

	var out []*models.JudgeReport
	for rows.Next() {
		r, err := scanJudgeReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddJudgeVerdict persists one per-case verdict.
func (s *Store) AddJudgeVerdict(ctx context.Context, v *models.JudgeVerdict) error {
	var override any
	if v.OverrideScore != nil {
		override = *v.OverrideScore
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO judge_verdicts (id, report_id, case_result_id, quality_score, verdict,
			summary, reasoning, tool_selection_assessment, param_assessment, judge_override_score, override_reason)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.ReportID, v.CaseResultID, v.QualityScore, v.Verdict,
		v.Summary, v.Reasoning, v.ToolSelectionRev, v.ParamRev, override, v.OverrideReason)
	if err != nil {
		return fmt.Errorf("add judge verdict: %w", err)
	}
	return nil
}

// ListJudgeVerdicts returns a report's verdicts.
func (s *Store) ListJudgeVerdicts(ctx context.Context, reportID string) ([]*models.JudgeVerdict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, report_id, case_result_id, quality_score, verdict, summary, reasoning,
			tool_selection_assessment, param_assessment, judge_override_score, override_reason
		FROM judge_verdicts WHERE report_id = ?`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list judge verdicts: %w", err)
	}
	defer rows.Close()

	var out []*models.JudgeVerdict
	for rows.Next() {
		var v models.JudgeVerdict
		var override sql.NullFloat64
		if err := rows.Scan(&v.ID, &v.ReportID, &v.CaseResultID, &v.QualityScore, &v.Verdict,
			&v.Summary, &v.Reasoning, &v.ToolSelectionRev, &v.ParamRev, &override, &v.OverrideReason); err != nil {
			return nil, fmt.Errorf("scan judge verdict: %w", err)
		}
		if override.Valid {
			val := override.Float64
			v.OverrideScore = &val
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// ListJudgeReports returns a user's reports, newest first.
func (s *Store) ListJudgeReports(ctx context.Context, userID string, limit int) ([]*models.JudgeReport, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, job_id, eval_run_id, eval_run_b_id, judge_model, instructions,
			status, grade, score, winner, summary, parent_report_id, version, created_at
		FROM judge_reports WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list judge reports: %w", err)
	}
	defer rows.Close()

	var out []*models.JudgeReport
	for rows.Next() {
		r, err := scanJudgeReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
