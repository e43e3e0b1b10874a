package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/gauntlet/pkg/models"
)

// CreateSuite persists a suite with its tools and test cases in one
// transaction, preserving sort order. Exporting and re-importing a suite
// yields identical tool definitions and cases.
func (s *Store) CreateSuite(ctx context.Context, suite *models.ToolSuite) error {
	if suite == nil || suite.ID == "" {
		return fmt.Errorf("suite is required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tool_suites (id, user_id, name, description, created_at)
			VALUES (?,?,?,?,?)`,
			suite.ID, suite.UserID, suite.Name, suite.Description, fmtTime(suite.CreatedAt)); err != nil {
			return fmt.Errorf("create suite: %w", err)
		}
		for i := range suite.Tools {
			tool := &suite.Tools[i]
			if tool.ID == "" {
				tool.ID = newID()
			}
			tool.SuiteID = suite.ID
			tool.SortOrder = i
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tool_definitions (id, suite_id, name, description, params_json, sort_order)
				VALUES (?,?,?,?,?,?)`,
				tool.ID, suite.ID, tool.Name, tool.Description, tool.ParamsJSON, i); err != nil {
				return fmt.Errorf("create tool definition: %w", err)
			}
		}
		for i := range suite.TestCases {
			tc := &suite.TestCases[i]
			if tc.ID == "" {
				tc.ID = newID()
			}
			tc.SuiteID = suite.ID
			tc.SortOrder = i
			if tc.ParamScoring == "" {
				tc.ParamScoring = models.ScoringExact
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tool_test_cases (id, suite_id, prompt, expected_tool, expected_params_json,
					param_scoring, multi_turn_config_json, scoring_config_json, should_call_tool, category, sort_order)
				VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
				tc.ID, suite.ID, tc.Prompt, tc.ExpectedTool, tc.ExpectedParamsJSON,
				tc.ParamScoring, tc.MultiTurnConfigJSON, tc.ScoringConfigJSON,
				boolToInt(tc.ShouldCallTool), tc.Category, i); err != nil {
				return fmt.Errorf("create test case: %w", err)
			}
		}
		return nil
	})
}

// GetSuite returns a suite owned by the user, with tools and cases in their
// stored order.
func (s *Store) GetSuite(ctx context.Context, userID, id string) (*models.ToolSuite, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, description, created_at
		FROM tool_suites WHERE id = ? AND user_id = ?`, id, userID)
	var suite models.ToolSuite
	var createdAt string
	if err := row.Scan(&suite.ID, &suite.UserID, &suite.Name, &suite.Description, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get suite: %w", err)
	}
	suite.CreatedAt = parseTime(createdAt)

	toolRows, err := s.db.QueryContext(ctx, `
		SELECT id, suite_id, name, description, params_json, sort_order
		FROM tool_definitions WHERE suite_id = ? ORDER BY sort_order`, id)
	if err != nil {
		return nil, fmt.Errorf("list tool definitions: %w", err)
	}
	defer toolRows.Close()
	for toolRows.Next() {
		var t models.ToolDefinition
		if err := toolRows.Scan(&t.ID, &t.SuiteID, &t.Name, &t.Description, &t.ParamsJSON, &t.SortOrder); err != nil {
			return nil, fmt.Errorf("scan tool definition: %w", err)
		}
		suite.Tools = append(suite.Tools, t)
	}
	if err := toolRows.Err(); err != nil {
		return nil, err
	}

	caseRows, err := s.db.QueryContext(ctx, `
		SELECT id, suite_id, prompt, expected_tool, expected_params_json, param_scoring,
			multi_turn_config_json, scoring_config_json, should_call_tool, category, sort_order
		FROM tool_test_cases WHERE suite_id = ? ORDER BY sort_order`, id)
	if err != nil {
		return nil, fmt.Errorf("list test cases: %w", err)
	}
	defer caseRows.Close()
	for caseRows.Next() {
		var tc models.ToolTestCase
		var shouldCall int
		if err := caseRows.Scan(&tc.ID, &tc.SuiteID, &tc.Prompt, &tc.ExpectedTool,
			&tc.ExpectedParamsJSON, &tc.ParamScoring, &tc.MultiTurnConfigJSON,
			&tc.ScoringConfigJSON, &shouldCall, &tc.Category, &tc.SortOrder); err != nil {
			return nil, fmt.Errorf("scan test case: %w", err)
		}
		tc.ShouldCallTool = shouldCall == 1
		suite.TestCases = append(suite.TestCases, tc)
	}
	return &suite, caseRows.Err()
}

// ListSuites returns a user's suite headers (no children), newest first.
func (s *Store) ListSuites(ctx context.Context, userID string) ([]*models.ToolSuite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, description, created_at
		FROM tool_suites WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list suites: %w", err)
	}
	defer rows.Close()

	var out []*models.ToolSuite
	for rows.Next() {
		var suite models.ToolSuite
		var createdAt string
		if err := rows.Scan(&suite.ID, &suite.UserID, &suite.Name, &suite.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan suite: %w", err)
		}
		suite.CreatedAt = parseTime(createdAt)
		out = append(out, &suite)
	}
	return out, rows.Err()
}

// DeleteSuite removes a suite; tools and cases cascade.
func (s *Store) DeleteSuite(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_suites WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete suite: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func newID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}
