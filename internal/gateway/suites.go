package gateway

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/gauntlet/internal/auth"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

func (s *Server) handleListSuites(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	suites, err := s.store.ListSuites(r.Context(), user.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suites": suites})
}

func (s *Server) handleCreateSuite(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	var suite models.ToolSuite
	if err := decodeBody(r, &suite); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(suite.Name) == "" {
		writeError(w, http.StatusBadRequest, "suite name required")
		return
	}
	rekeySuite(&suite, user.ID)
	if err := s.store.CreateSuite(r.Context(), &suite); err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit.Record(r.Context(), user.ID, "suite.create", "suite:"+suite.ID, suite.Name)
	writeJSON(w, http.StatusCreated, &suite)
}

func (s *Server) handleGetSuite(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	suite, err := s.store.GetSuite(r.Context(), user.ID, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, suite)
}

func (s *Server) handleDeleteSuite(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	if err := s.store.DeleteSuite(r.Context(), user.ID, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit.Record(r.Context(), user.ID, "suite.delete", "suite:"+r.PathValue("id"), "")
	ok(w)
}

// suiteExport is the portable representation: ids are dropped so a re-import
// lands as a fresh suite with the same definitions and cases in order.
type suiteExport struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Tools       []exportTool     `json:"tools"`
	TestCases   []exportTestCase `json:"test_cases"`
}

type exportTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ParamsJSON  string `json:"params_json,omitempty"`
}

type exportTestCase struct {
	Prompt              string              `json:"prompt"`
	ExpectedTool        string              `json:"expected_tool,omitempty"`
	ExpectedParamsJSON  string              `json:"expected_params_json,omitempty"`
	ParamScoring        models.ParamScoring `json:"param_scoring,omitempty"`
	MultiTurnConfigJSON string              `json:"multi_turn_config_json,omitempty"`
	ScoringConfigJSON   string              `json:"scoring_config_json,omitempty"`
	ShouldCallTool      bool                `json:"should_call_tool"`
	Category            string              `json:"category,omitempty"`
}

func (s *Server) handleExportSuite(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	suite, err := s.store.GetSuite(r.Context(), user.ID, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	out := suiteExport{Name: suite.Name, Description: suite.Description}
	for _, t := range suite.Tools {
		out.Tools = append(out.Tools, exportTool{
			Name: t.Name, Description: t.Description, ParamsJSON: t.ParamsJSON,
		})
	}
	for _, tc := range suite.TestCases {
		out.TestCases = append(out.TestCases, exportTestCase{
			Prompt:              tc.Prompt,
			ExpectedTool:        tc.ExpectedTool,
			ExpectedParamsJSON:  tc.ExpectedParamsJSON,
			ParamScoring:        tc.ParamScoring,
			MultiTurnConfigJSON: tc.MultiTurnConfigJSON,
			ScoringConfigJSON:   tc.ScoringConfigJSON,
			ShouldCallTool:      tc.ShouldCallTool,
			Category:            tc.Category,
		})
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", sanitizeFilename(suite.Name)+".json"))
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleImportSuite(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	var in suiteExport
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(in.Name) == "" {
		writeError(w, http.StatusBadRequest, "suite name required")
		return
	}

	suite := models.ToolSuite{Name: in.Name, Description: in.Description}
	for i, t := range in.Tools {
		suite.Tools = append(suite.Tools, models.ToolDefinition{
			Name: t.Name, Description: t.Description, ParamsJSON: t.ParamsJSON, SortOrder: i,
		})
	}
	for i, tc := range in.TestCases {
		suite.TestCases = append(suite.TestCases, models.ToolTestCase{
			Prompt:              tc.Prompt,
			ExpectedTool:        tc.ExpectedTool,
			ExpectedParamsJSON:  tc.ExpectedParamsJSON,
			ParamScoring:        tc.ParamScoring,
			MultiTurnConfigJSON: tc.MultiTurnConfigJSON,
			ScoringConfigJSON:   tc.ScoringConfigJSON,
			ShouldCallTool:      tc.ShouldCallTool,
			Category:            tc.Category,
			SortOrder:           i,
		})
	}
	rekeySuite(&suite, user.ID)
	if err := s.store.CreateSuite(r.Context(), &suite); err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit.Record(r.Context(), user.ID, "suite.import", "suite:"+suite.ID, suite.Name)
	writeJSON(w, http.StatusCreated, &suite)
}

// rekeySuite assigns fresh ids throughout and stamps ownership, so imported
// or client-supplied ids never collide with existing rows.
func rekeySuite(suite *models.ToolSuite, userID string) {
	suite.ID = uuid.NewString()
	suite.UserID = userID
	suite.CreatedAt = time.Now().UTC()
	for i := range suite.Tools {
		suite.Tools[i].ID = uuid.NewString()
		suite.Tools[i].SuiteID = suite.ID
		suite.Tools[i].SortOrder = i
	}
	for i := range suite.TestCases {
		suite.TestCases[i].ID = uuid.NewString()
		suite.TestCases[i].SuiteID = suite.ID
		suite.TestCases[i].SortOrder = i
	}
}

func sanitizeFilename(name string) string {
	out := make([]rune, 0, len(name))
	for _, c := range strings.ToLower(name) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			out = append(out, c)
		case c == ' ', c == '-', c == '_':
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "suite"
	}
	return string(out)
}
