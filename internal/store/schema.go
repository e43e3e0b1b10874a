package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// migrations are forward-only and idempotent: every statement uses
// IF NOT EXISTS or is guarded, so re-running initialization on a populated
// database is a no-op.
var migrations = []string{
	// v1: full base schema.
	`
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL COLLATE NOCASE UNIQUE,
	password_hash TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('admin','user')),
	leaderboard_opt_in INTEGER NOT NULL DEFAULT 0 CHECK (leaderboard_opt_in IN (0,1)),
	onboarding_completed INTEGER NOT NULL DEFAULT 0 CHECK (onboarding_completed IN (0,1)),
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS providers (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	key TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	api_base TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE (user_id, key)
);

CREATE TABLE IF NOT EXISTS llm_models (
	id TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
	litellm_id TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	context_window INTEGER NOT NULL DEFAULT 0,
	max_output_tokens INTEGER,
	skip_params TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	UNIQUE (provider_id, litellm_id)
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	job_type TEXT NOT NULL CHECK (job_type IN
		('benchmark','tool_eval','param_tune','prompt_tune','judge','judge_compare','suite_import','scheduled')),
	status TEXT NOT NULL CHECK (status IN
		('pending','queued','running','done','failed','cancelled','interrupted')),
	progress_pct INTEGER NOT NULL DEFAULT 0 CHECK (progress_pct BETWEEN 0 AND 100),
	progress_detail TEXT NOT NULL DEFAULT '',
	params_json TEXT NOT NULL DEFAULT '{}',
	result_ref TEXT,
	error TEXT NOT NULL DEFAULT '',
	timeout_seconds INTEGER NOT NULL DEFAULT 7200,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	timeout_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_user_status ON jobs(user_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_user_created ON jobs(user_id, created_at);

CREATE TABLE IF NOT EXISTS benchmark_runs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	job_id TEXT,
	experiment_id TEXT,
	prompt TEXT NOT NULL DEFAULT '',
	max_tokens INTEGER NOT NULL DEFAULT 0,
	runs INTEGER NOT NULL DEFAULT 1,
	context_tiers TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS benchmark_results (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES benchmark_runs(id) ON DELETE CASCADE,
	provider_key TEXT NOT NULL,
	model_id TEXT NOT NULL,
	context_tier INTEGER NOT NULL DEFAULT 0,
	run_ordinal INTEGER NOT NULL DEFAULT 0,
	ttft_ms REAL NOT NULL DEFAULT 0,
	total_time_s REAL NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	tokens_per_second REAL NOT NULL DEFAULT 0,
	input_tokens_per_second REAL NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	success INTEGER NOT NULL DEFAULT 0 CHECK (success IN (0,1)),
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_benchmark_results_run ON benchmark_results(run_id);

CREATE TABLE IF NOT EXISTS tool_suites (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_definitions (
	id TEXT PRIMARY KEY,
	suite_id TEXT NOT NULL REFERENCES tool_suites(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	params_json TEXT NOT NULL DEFAULT '{}',
	sort_order INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tool_definitions_suite ON tool_definitions(suite_id, sort_order);

CREATE TABLE IF NOT EXISTS tool_test_cases (
	id TEXT PRIMARY KEY,
	suite_id TEXT NOT NULL REFERENCES tool_suites(id) ON DELETE CASCADE,
	prompt TEXT NOT NULL,
	expected_tool TEXT NOT NULL DEFAULT '',
	expected_params_json TEXT NOT NULL DEFAULT '',
	param_scoring TEXT NOT NULL DEFAULT 'exact' CHECK (param_scoring IN ('exact','fuzzy','contains','semantic')),
	multi_turn_config_json TEXT NOT NULL DEFAULT '',
	scoring_config_json TEXT NOT NULL DEFAULT '',
	should_call_tool INTEGER NOT NULL DEFAULT 1 CHECK (should_call_tool IN (0,1)),
	category TEXT NOT NULL DEFAULT '',
	sort_order INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tool_test_cases_suite ON tool_test_cases(suite_id, sort_order);

CREATE TABLE IF NOT EXISTS tool_eval_runs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	job_id TEXT,
	suite_id TEXT NOT NULL,
	experiment_id TEXT,
	synthesized INTEGER NOT NULL DEFAULT 0 CHECK (synthesized IN (0,1)),
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS case_results (
	id TEXT PRIMARY KEY,
	eval_run_id TEXT NOT NULL REFERENCES tool_eval_runs(id) ON DELETE CASCADE,
	test_case_id TEXT NOT NULL,
	provider_key TEXT NOT NULL,
	model_id TEXT NOT NULL,
	tool_selection_score REAL NOT NULL DEFAULT 0 CHECK (tool_selection_score BETWEEN 0 AND 1),
	param_accuracy REAL CHECK (param_accuracy IS NULL OR param_accuracy BETWEEN 0 AND 1),
	overall_score REAL NOT NULL DEFAULT 0 CHECK (overall_score BETWEEN 0 AND 1),
	irrelevance_score REAL NOT NULL DEFAULT 0,
	actual_tool TEXT NOT NULL DEFAULT '',
	actual_params_json TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL DEFAULT 0 CHECK (success IN (0,1)),
	error TEXT NOT NULL DEFAULT '',
	latency_ms REAL NOT NULL DEFAULT 0,
	raw_request TEXT NOT NULL DEFAULT '',
	raw_response TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_case_results_run ON case_results(eval_run_id);

CREATE TABLE IF NOT EXISTS param_tune_runs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	job_id TEXT,
	suite_id TEXT NOT NULL,
	experiment_id TEXT,
	mode TEXT NOT NULL DEFAULT 'grid' CHECK (mode IN ('grid','random','bayesian')),
	space_json TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'running' CHECK (status IN ('running','done','failed','cancelled','interrupted')),
	best_index INTEGER NOT NULL DEFAULT -1,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS param_tune_combos (
	id TEXT PRIMARY KEY,
	tune_run_id TEXT NOT NULL REFERENCES param_tune_runs(id) ON DELETE CASCADE,
	combo_index INTEGER NOT NULL,
	provider_key TEXT NOT NULL,
	model_id TEXT NOT NULL,
	config_json TEXT NOT NULL DEFAULT '{}',
	adjustments_json TEXT NOT NULL DEFAULT '[]',
	overall_score REAL NOT NULL DEFAULT 0,
	tool_selection_score REAL NOT NULL DEFAULT 0,
	param_accuracy REAL NOT NULL DEFAULT 0,
	latency_avg_ms REAL NOT NULL DEFAULT 0,
	eval_run_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_param_tune_combos_run ON param_tune_combos(tune_run_id, combo_index);

CREATE TABLE IF NOT EXISTS prompt_tune_runs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	job_id TEXT,
	suite_id TEXT NOT NULL,
	experiment_id TEXT,
	mode TEXT NOT NULL DEFAULT 'quick' CHECK (mode IN ('quick','evolutionary')),
	base_prompt TEXT NOT NULL DEFAULT '',
	generations INTEGER NOT NULL DEFAULT 1,
	population_size INTEGER NOT NULL DEFAULT 4,
	selection_ratio REAL NOT NULL DEFAULT 0.5,
	meta_model TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'running' CHECK (status IN ('running','done','failed','cancelled','interrupted')),
	best_prompt TEXT NOT NULL DEFAULT '',
	best_score REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prompt_tune_generations (
	id TEXT PRIMARY KEY,
	tune_run_id TEXT NOT NULL REFERENCES prompt_tune_runs(id) ON DELETE CASCADE,
	generation_number INTEGER NOT NULL,
	best_score REAL NOT NULL DEFAULT 0,
	avg_score REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS prompt_tune_candidates (
	id TEXT PRIMARY KEY,
	generation_id TEXT NOT NULL REFERENCES prompt_tune_generations(id) ON DELETE CASCADE,
	candidate_index INTEGER NOT NULL,
	prompt_text TEXT NOT NULL,
	style TEXT NOT NULL DEFAULT '',
	mutation_type TEXT NOT NULL DEFAULT '',
	parent_candidate_id TEXT,
	avg_score REAL NOT NULL DEFAULT 0,
	survived INTEGER NOT NULL DEFAULT 0 CHECK (survived IN (0,1))
);

CREATE TABLE IF NOT EXISTS judge_reports (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	job_id TEXT,
	eval_run_id TEXT NOT NULL,
	eval_run_b_id TEXT,
	judge_model TEXT NOT NULL DEFAULT '',
	instructions TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'running' CHECK (status IN ('running','done','failed','cancelled','interrupted','error')),
	grade TEXT NOT NULL DEFAULT '',
	score REAL NOT NULL DEFAULT 0,
	winner TEXT NOT NULL DEFAULT '' CHECK (winner IN ('','model_a','model_b','tie')),
	summary TEXT NOT NULL DEFAULT '',
	parent_report_id TEXT,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_judge_reports_eval ON judge_reports(eval_run_id);

CREATE TABLE IF NOT EXISTS judge_verdicts (
	id TEXT PRIMARY KEY,
	report_id TEXT NOT NULL REFERENCES judge_reports(id) ON DELETE CASCADE,
	case_result_id TEXT NOT NULL,
	quality_score REAL NOT NULL DEFAULT 0 CHECK (quality_score BETWEEN 0 AND 5),
	verdict TEXT NOT NULL CHECK (verdict IN ('pass','marginal','fail','error')),
	summary TEXT NOT NULL DEFAULT '',
	reasoning TEXT NOT NULL DEFAULT '',
	tool_selection_assessment TEXT NOT NULL DEFAULT '',
	param_assessment TEXT NOT NULL DEFAULT '',
	judge_override_score REAL,
	override_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_judge_verdicts_report ON judge_verdicts(report_id);

CREATE TABLE IF NOT EXISTS experiments (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	suite_id TEXT NOT NULL,
	name TEXT NOT NULL,
	baseline_eval_id TEXT,
	baseline_score REAL,
	best_score REAL,
	best_config_json TEXT NOT NULL DEFAULT '',
	best_source TEXT NOT NULL DEFAULT '' CHECK (best_source IN ('','eval','param_tune','prompt_tune')),
	best_source_id TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_limits (
	user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	benchmarks_per_hour INTEGER NOT NULL DEFAULT 20,
	max_concurrent INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	token_hash TEXT NOT NULL UNIQUE,
	expires_at TEXT NOT NULL,
	revoked_at TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	user_id TEXT REFERENCES users(id) ON DELETE SET NULL,
	action TEXT NOT NULL,
	resource TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schedules (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	job_type TEXT NOT NULL,
	cron_expr TEXT NOT NULL,
	params_json TEXT NOT NULL DEFAULT '{}',
	enabled INTEGER NOT NULL DEFAULT 1 CHECK (enabled IN (0,1)),
	last_run_at TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS leaderboard (
	model_db_id TEXT PRIMARY KEY,
	model_name TEXT NOT NULL DEFAULT '',
	provider_name TEXT NOT NULL DEFAULT '',
	accuracy REAL NOT NULL DEFAULT 0,
	param_score REAL NOT NULL DEFAULT 0,
	avg_latency_ms REAL NOT NULL DEFAULT 0,
	sample_count INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);
`,
	// v2: eager result discovery needs the job lookup to be cheap.
	`CREATE INDEX IF NOT EXISTS idx_jobs_result_ref ON jobs(result_ref);`,
}

// additiveColumns are forward-only ALTER TABLE additions, guarded so a
// second run is silent.
var additiveColumns = []struct {
	table, column, decl string
}{
	{"prompt_tune_runs", "style_pool", "style_pool TEXT NOT NULL DEFAULT ''"},
}

// Migrate applies pending migrations. Safe to call repeatedly; version state
// lives in schema_version.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %d: %w", version, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
				return fmt.Errorf("record migration %d: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	for _, add := range additiveColumns {
		if err := s.addColumnIfMissing(ctx, add.table, add.column, add.decl); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) addColumnIfMissing(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	exists := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			exists = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if exists {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s`, table, decl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}
