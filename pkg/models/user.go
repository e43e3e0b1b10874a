package models

import "time"

// UserRole controls access to admin-only endpoints.
type UserRole string

const (
	RoleAdmin UserRole = "admin"
	RoleUser  UserRole = "user"
)

// User is an account that owns providers, jobs, runs and experiments.
// Password hashing and OAuth happen outside this system; PasswordHash is
// opaque here.
type User struct {
	ID                  string    `json:"id"`
	Email               string    `json:"email"`
	PasswordHash        string    `json:"-"`
	Role                UserRole  `json:"role"`
	LeaderboardOptIn    bool      `json:"leaderboard_opt_in"`
	OnboardingCompleted bool      `json:"onboarding_completed"`
	CreatedAt           time.Time `json:"created_at"`
}

// IsAdmin reports whether the user may act on resources owned by others.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// Provider is a user-configured LLM endpoint (a key like "openai" or
// "local-vllm" plus transport settings kept in the vault).
type Provider struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Key         string    `json:"key"`
	DisplayName string    `json:"display_name,omitempty"`
	APIBase     string    `json:"api_base,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Model is a concrete model under a provider. LiteLLMID is the wire
// identifier (e.g. "anthropic/claude-sonnet-4"); SkipParams lists parameters
// the wire call must omit for this model.
type Model struct {
	ID              string    `json:"id"`
	ProviderID      string    `json:"provider_id"`
	LiteLLMID       string    `json:"litellm_id"`
	DisplayName     string    `json:"display_name,omitempty"`
	ContextWindow   int       `json:"context_window"`
	MaxOutputTokens int       `json:"max_output_tokens,omitempty"`
	SkipParams      []string  `json:"skip_params,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// RateLimit is a per-user override row; zero fields fall back to defaults.
type RateLimit struct {
	UserID            string `json:"user_id"`
	BenchmarksPerHour int    `json:"benchmarks_per_hour"`
	MaxConcurrent     int    `json:"max_concurrent"`
}

// RefreshToken is a hashed long-lived token bound to a user.
type RefreshToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	RevokedAt time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Schedule re-submits a stored job payload on a cron expression.
type Schedule struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	JobType    JobType   `json:"job_type"`
	CronExpr   string    `json:"cron_expr"`
	ParamsJSON string    `json:"params_json"`
	Enabled    bool      `json:"enabled"`
	LastRunAt  time.Time `json:"last_run_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
