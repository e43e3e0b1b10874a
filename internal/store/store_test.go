package store

import (
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/gauntlet/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, email string) *models.User {
	t.Helper()
	u := &models.User{
		ID:        newID(),
		Email:     email,
		Role:      models.RoleUser,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func TestMigrateIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Open already migrated once; running again must be a no-op.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("third migrate: %v", err)
	}

	var version int
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("schema version = %d, want %d", version, len(migrations))
	}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "a@example.com")

	dup := &models.User{ID: newID(), Email: "A@Example.com", Role: models.RoleUser, CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, dup); err != ErrAlreadyExists {
		t.Fatalf("duplicate email error = %v, want ErrAlreadyExists", err)
	}

	got, err := s.GetUserByEmail(ctx, "a@EXAMPLE.com")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if got.Email != "a@example.com" {
		t.Fatalf("email = %q", got.Email)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "jobs@example.com")

	job := &models.Job{
		ID:             newID(),
		UserID:         u.ID,
		Type:           models.JobToolEval,
		Status:         models.JobPending,
		TimeoutSeconds: 60,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	started := time.Now().UTC()
	if err := s.MarkJobRunning(ctx, job.ID, started, started.Add(60*time.Second)); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.JobRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
	if got.TimeoutAt.IsZero() {
		t.Fatal("running job must carry a timeout_at")
	}

	if err := s.SetJobResultRef(ctx, job.ID, "eval-123"); err != nil {
		t.Fatalf("set result ref: %v", err)
	}
	if err := s.SetJobProgress(ctx, job.ID, 150, "almost"); err != nil {
		t.Fatalf("set progress: %v", err)
	}

	if err := s.UpdateJobStatus(ctx, job.ID, models.JobDone, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err = s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.JobDone {
		t.Fatalf("status = %s, want done", got.Status)
	}
	if got.CompletedAt.IsZero() {
		t.Fatal("terminal job must carry completed_at")
	}
	if !got.TimeoutAt.IsZero() {
		t.Fatal("timeout_at must be cleared once the job leaves running")
	}
	if got.ProgressPct != 100 {
		t.Fatalf("progress clamped to %d, want 100", got.ProgressPct)
	}
	if got.ResultRef != "eval-123" {
		t.Fatalf("result ref = %q", got.ResultRef)
	}
}

func TestIllegalTransitionStillWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "illegal@example.com")

	job := &models.Job{ID: newID(), UserID: u.ID, Type: models.JobBenchmark,
		Status: models.JobDone, CreatedAt: time.Now().UTC(), CompletedAt: time.Now().UTC()}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	// done -> failed is outside the relation; logged, but accepted.
	if err := s.UpdateJobStatus(ctx, job.ID, models.JobFailed, "late failure"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != models.JobFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestTransitionRelation(t *testing.T) {
	tests := []struct {
		from, to models.JobStatus
		ok       bool
	}{
		{models.JobPending, models.JobQueued, true},
		{models.JobPending, models.JobRunning, true},
		{models.JobQueued, models.JobRunning, true},
		{models.JobQueued, models.JobCancelled, true},
		{models.JobRunning, models.JobDone, true},
		{models.JobRunning, models.JobInterrupted, true},
		{models.JobDone, models.JobRunning, false},
		{models.JobCancelled, models.JobQueued, false},
		{models.JobQueued, models.JobDone, false},
	}
	for _, tt := range tests {
		if got := models.TransitionAllowed(tt.from, tt.to); got != tt.ok {
			t.Errorf("TransitionAllowed(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestCountJobsSince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "count@example.com")

	now := time.Now().UTC()
	ages := []time.Duration{10 * time.Minute, 30 * time.Minute, 2 * time.Hour}
	for _, age := range ages {
		job := &models.Job{ID: newID(), UserID: u.ID, Type: models.JobBenchmark,
			Status: models.JobDone, CreatedAt: now.Add(-age), CompletedAt: now}
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}

	n, err := s.CountJobsSince(ctx, u.ID, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}

func TestReconcileInterrupted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "reconcile@example.com")

	now := time.Now().UTC()
	running := &models.Job{ID: newID(), UserID: u.ID, Type: models.JobParamTune,
		Status: models.JobRunning, CreatedAt: now.Add(-time.Hour), StartedAt: now.Add(-time.Hour),
		TimeoutAt: now.Add(time.Hour)}
	queued := &models.Job{ID: newID(), UserID: u.ID, Type: models.JobBenchmark,
		Status: models.JobQueued, CreatedAt: now.Add(-time.Hour)}
	done := &models.Job{ID: newID(), UserID: u.ID, Type: models.JobBenchmark,
		Status: models.JobDone, CreatedAt: now.Add(-time.Hour), CompletedAt: now}
	for _, j := range []*models.Job{running, queued, done} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}

	run := &models.ParamTuneRun{ID: newID(), UserID: u.ID, SuiteID: "suite",
		Mode: models.SearchGrid, Status: models.TuneRunning, CreatedAt: now.Add(-time.Hour)}
	if err := s.CreateParamTuneRun(ctx, run); err != nil {
		t.Fatalf("create tune run: %v", err)
	}
	// Inside the grace window: another process may have just started it.
	fresh := &models.ParamTuneRun{ID: newID(), UserID: u.ID, SuiteID: "suite",
		Mode: models.SearchGrid, Status: models.TuneRunning, CreatedAt: now}
	if err := s.CreateParamTuneRun(ctx, fresh); err != nil {
		t.Fatalf("create fresh tune run: %v", err)
	}

	n, err := s.ReconcileInterrupted(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 2 {
		t.Fatalf("reconciled %d jobs, want 2", n)
	}

	for _, id := range []string{running.ID, queued.ID} {
		j, _ := s.GetJob(ctx, id)
		if j.Status != models.JobInterrupted {
			t.Fatalf("job %s status = %s, want interrupted", id, j.Status)
		}
		if j.CompletedAt.IsZero() {
			t.Fatal("interrupted job must carry completed_at")
		}
	}
	j, _ := s.GetJob(ctx, done.ID)
	if j.Status != models.JobDone {
		t.Fatalf("terminal job flipped to %s", j.Status)
	}

	tr, err := s.GetParamTuneRun(ctx, u.ID, run.ID)
	if err != nil {
		t.Fatalf("get tune run: %v", err)
	}
	if tr.Status != models.TuneInterrupted {
		t.Fatalf("tune run status = %s, want interrupted", tr.Status)
	}

	fr, err := s.GetParamTuneRun(ctx, u.ID, fresh.ID)
	if err != nil {
		t.Fatalf("get fresh tune run: %v", err)
	}
	if fr.Status != models.TuneRunning {
		t.Fatalf("fresh tune run status = %s, want running", fr.Status)
	}
}

func TestForeignKeyCascade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "cascade@example.com")

	suite := &models.ToolSuite{
		ID: newID(), UserID: u.ID, Name: "weather", CreatedAt: time.Now().UTC(),
		Tools: []models.ToolDefinition{
			{Name: "get_weather", ParamsJSON: `{"location":{"type":"string"}}`},
		},
		TestCases: []models.ToolTestCase{
			{Prompt: "weather in Oslo?", ExpectedTool: "get_weather", ShouldCallTool: true},
		},
	}
	if err := s.CreateSuite(ctx, suite); err != nil {
		t.Fatalf("create suite: %v", err)
	}

	run := &models.ToolEvalRun{ID: newID(), UserID: u.ID, SuiteID: suite.ID, CreatedAt: time.Now().UTC()}
	if err := s.CreateToolEvalRun(ctx, run); err != nil {
		t.Fatalf("create eval run: %v", err)
	}
	if err := s.AddCaseResult(ctx, &models.CaseResult{
		ID: newID(), EvalRunID: run.ID, TestCaseID: suite.TestCases[0].ID,
		ProviderKey: "openai", ModelID: "gpt-4o", OverallScore: 0.9, Success: true,
	}); err != nil {
		t.Fatalf("add case result: %v", err)
	}

	if err := s.DeleteUser(ctx, u.ID); err != nil {
		t.Fatalf("delete user: %v", err)
	}

	for _, q := range []string{
		`SELECT COUNT(*) FROM tool_suites`,
		`SELECT COUNT(*) FROM tool_definitions`,
		`SELECT COUNT(*) FROM tool_test_cases`,
		`SELECT COUNT(*) FROM tool_eval_runs`,
		`SELECT COUNT(*) FROM case_results`,
	} {
		var n int
		if err := s.db.QueryRow(q).Scan(&n); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
		if n != 0 {
			t.Fatalf("%s = %d after user delete, want 0", q, n)
		}
	}
}

func TestSuiteRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "roundtrip@example.com")

	orig := &models.ToolSuite{
		ID: newID(), UserID: u.ID, Name: "calc", Description: "arithmetic tools",
		CreatedAt: time.Now().UTC(),
		Tools: []models.ToolDefinition{
			{Name: "add", ParamsJSON: `{"a":1}`},
			{Name: "mul", ParamsJSON: `{"b":2}`},
			{Name: "div", ParamsJSON: `{"c":3}`},
		},
		TestCases: []models.ToolTestCase{
			{Prompt: "2+2", ExpectedTool: "add", ParamScoring: models.ScoringFuzzy, ShouldCallTool: true},
			{Prompt: "hello", ShouldCallTool: false, Category: "irrelevance"},
		},
	}
	if err := s.CreateSuite(ctx, orig); err != nil {
		t.Fatalf("create suite: %v", err)
	}

	exported, err := s.GetSuite(ctx, u.ID, orig.ID)
	if err != nil {
		t.Fatalf("get suite: %v", err)
	}

	// Re-import under a fresh id, as the import endpoint does.
	imported := &models.ToolSuite{
		ID: newID(), UserID: u.ID, Name: exported.Name, Description: exported.Description,
		CreatedAt: time.Now().UTC(),
	}
	for _, tool := range exported.Tools {
		imported.Tools = append(imported.Tools, models.ToolDefinition{
			Name: tool.Name, Description: tool.Description, ParamsJSON: tool.ParamsJSON,
		})
	}
	for _, tc := range exported.TestCases {
		imported.TestCases = append(imported.TestCases, models.ToolTestCase{
			Prompt: tc.Prompt, ExpectedTool: tc.ExpectedTool, ExpectedParamsJSON: tc.ExpectedParamsJSON,
			ParamScoring: tc.ParamScoring, MultiTurnConfigJSON: tc.MultiTurnConfigJSON,
			ScoringConfigJSON: tc.ScoringConfigJSON, ShouldCallTool: tc.ShouldCallTool, Category: tc.Category,
		})
	}
	if err := s.CreateSuite(ctx, imported); err != nil {
		t.Fatalf("re-import suite: %v", err)
	}

	got, err := s.GetSuite(ctx, u.ID, imported.ID)
	if err != nil {
		t.Fatalf("get imported suite: %v", err)
	}
	if len(got.Tools) != len(orig.Tools) || len(got.TestCases) != len(orig.TestCases) {
		t.Fatalf("imported %d tools / %d cases, want %d / %d",
			len(got.Tools), len(got.TestCases), len(orig.Tools), len(orig.TestCases))
	}
	for i, tool := range got.Tools {
		if tool.Name != orig.Tools[i].Name || tool.ParamsJSON != orig.Tools[i].ParamsJSON || tool.SortOrder != i {
			t.Fatalf("tool %d = %+v, want %+v in order", i, tool, orig.Tools[i])
		}
	}
	for i, tc := range got.TestCases {
		if tc.Prompt != orig.TestCases[i].Prompt || tc.ShouldCallTool != orig.TestCases[i].ShouldCallTool {
			t.Fatalf("case %d = %+v, want %+v", i, tc, orig.TestCases[i])
		}
	}
}

func TestLeaderboardWeightedUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &models.LeaderboardEntry{
		ModelDBID: "m1", ModelName: "gpt-4o", ProviderName: "openai",
		Accuracy: 0.8, ParamScore: 0.7, AvgLatencyMs: 100, SampleCount: 10,
	}
	second := &models.LeaderboardEntry{
		ModelDBID: "m1", ModelName: "gpt-4o", ProviderName: "openai",
		Accuracy: 0.6, ParamScore: 0.9, AvgLatencyMs: 200, SampleCount: 30,
	}
	if err := s.UpsertLeaderboard(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertLeaderboard(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	entries, err := s.Leaderboard(ctx, 10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.SampleCount != 40 {
		t.Fatalf("sample count = %d, want 40", e.SampleCount)
	}
	// (0.8*10 + 0.6*30) / 40 = 0.65
	if math.Abs(e.Accuracy-0.65) > 1e-9 {
		t.Fatalf("accuracy = %f, want 0.65", e.Accuracy)
	}
	// (0.7*10 + 0.9*30) / 40 = 0.85
	if math.Abs(e.ParamScore-0.85) > 1e-9 {
		t.Fatalf("param score = %f, want 0.85", e.ParamScore)
	}
	// (100*10 + 200*30) / 40 = 175
	if math.Abs(e.AvgLatencyMs-175) > 1e-9 {
		t.Fatalf("latency = %f, want 175", e.AvgLatencyMs)
	}
}

func TestLeaderboardConcurrentUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.UpsertLeaderboard(ctx, &models.LeaderboardEntry{
				ModelDBID: "m1", Accuracy: 0.5, SampleCount: 5,
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent upsert: %v", err)
		}
	}

	entries, err := s.Leaderboard(ctx, 1)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if entries[0].SampleCount != writers*5 {
		t.Fatalf("sample count = %d, want %d", entries[0].SampleCount, writers*5)
	}
	if math.Abs(entries[0].Accuracy-0.5) > 1e-9 {
		t.Fatalf("accuracy = %f, want 0.5", entries[0].Accuracy)
	}
}

func TestJudgeReportVersionChain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "judge@example.com")

	evalID := newID()
	var ids []string
	for i := 0; i < 3; i++ {
		r := &models.JudgeReport{
			ID: newID(), UserID: u.ID, EvalRunID: evalID,
			JudgeModel: "claude-sonnet-4", CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateVersionedReport(ctx, r); err != nil {
			t.Fatalf("create report %d: %v", i, err)
		}
		ids = append(ids, r.ID)
		if r.Version != i+1 {
			t.Fatalf("report %d version = %d, want %d", i, r.Version, i+1)
		}
		if i == 0 && r.ParentReportID != "" {
			t.Fatalf("root report has parent %q", r.ParentReportID)
		}
		if i > 0 && r.ParentReportID != ids[0] {
			t.Fatalf("report %d parent = %q, want root %q", i, r.ParentReportID, ids[0])
		}
	}

	// The chain is reachable from any member.
	for _, id := range ids {
		chain, err := s.ReportVersionChain(ctx, u.ID, id)
		if err != nil {
			t.Fatalf("chain from %s: %v", id, err)
		}
		if len(chain) != 3 {
			t.Fatalf("chain length = %d, want 3", len(chain))
		}
		for i, r := range chain {
			if r.Version != i+1 {
				t.Fatalf("chain[%d].Version = %d", i, r.Version)
			}
		}
	}

	// A comparison against the same run A starts its own chain: it must not
	// version onto the plain-report chain above.
	cmp := &models.JudgeReport{
		ID: newID(), UserID: u.ID, EvalRunID: evalID, EvalRunBID: newID(),
		JudgeModel: "claude-sonnet-4", CreatedAt: time.Now().UTC().Add(5 * time.Second),
	}
	if err := s.CreateVersionedReport(ctx, cmp); err != nil {
		t.Fatalf("create compare report: %v", err)
	}
	if cmp.Version != 1 || cmp.ParentReportID != "" {
		t.Fatalf("compare report version = %d parent = %q, want fresh chain", cmp.Version, cmp.ParentReportID)
	}
	chain, err := s.ReportVersionChain(ctx, u.ID, ids[0])
	if err != nil {
		t.Fatalf("chain after compare: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("plain chain length = %d after compare report, want 3", len(chain))
	}
}

func TestRateLimitDefaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "limits@example.com")

	rl, err := s.GetRateLimit(ctx, u.ID)
	if err != nil {
		t.Fatalf("get rate limit: %v", err)
	}
	if rl.BenchmarksPerHour != 20 || rl.MaxConcurrent != 1 {
		t.Fatalf("defaults = %d/%d, want 20/1", rl.BenchmarksPerHour, rl.MaxConcurrent)
	}

	if err := s.SetRateLimit(ctx, &models.RateLimit{UserID: u.ID, BenchmarksPerHour: 50, MaxConcurrent: 3}); err != nil {
		t.Fatalf("set rate limit: %v", err)
	}
	rl, _ = s.GetRateLimit(ctx, u.ID)
	if rl.BenchmarksPerHour != 50 || rl.MaxConcurrent != 3 {
		t.Fatalf("override = %d/%d, want 50/3", rl.BenchmarksPerHour, rl.MaxConcurrent)
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "tokens@example.com")

	tok := &models.RefreshToken{
		ID: newID(), UserID: u.ID, TokenHash: "hash-1",
		ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateRefreshToken(ctx, tok); err != nil {
		t.Fatalf("create token: %v", err)
	}
	if _, err := s.GetRefreshToken(ctx, "hash-1"); err != nil {
		t.Fatalf("get live token: %v", err)
	}

	if err := s.RevokeRefreshToken(ctx, "hash-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.GetRefreshToken(ctx, "hash-1"); err != ErrNotFound {
		t.Fatalf("revoked token lookup = %v, want ErrNotFound", err)
	}
}

func TestInterruptChildRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "ghost@example.com")

	run := &models.ParamTuneRun{ID: newID(), UserID: u.ID, SuiteID: "suite",
		Mode: models.SearchGrid, Status: models.TuneRunning, CreatedAt: time.Now().UTC()}
	if err := s.CreateParamTuneRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	flipped, err := s.InterruptChildRun(ctx, models.JobParamTune, run.ID)
	if err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if !flipped {
		t.Fatal("expected running row to flip")
	}
	// Second call is a no-op.
	flipped, err = s.InterruptChildRun(ctx, models.JobParamTune, run.ID)
	if err != nil {
		t.Fatalf("interrupt again: %v", err)
	}
	if flipped {
		t.Fatal("already-interrupted row flipped again")
	}
	// Job types without child tables report false.
	flipped, err = s.InterruptChildRun(ctx, models.JobBenchmark, "whatever")
	if err != nil || flipped {
		t.Fatalf("benchmark interrupt = (%v, %v)", flipped, err)
	}
}
