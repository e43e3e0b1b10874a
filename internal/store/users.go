package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/gauntlet/pkg/models"
)

// CreateUser inserts a user. Email uniqueness is case-insensitive.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, role, leaderboard_opt_in, onboarding_completed, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		user.ID, strings.TrimSpace(user.Email), user.PasswordHash, user.Role,
		boolToInt(user.LeaderboardOptIn), boolToInt(user.OnboardingCompleted), fmtTime(user.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	var optIn, onboarded int
	var createdAt string
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &optIn, &onboarded, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.LeaderboardOptIn = optIn == 1
	u.OnboardingCompleted = onboarded == 1
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, role, leaderboard_opt_in, onboarding_completed, created_at
		FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByEmail returns a user by email, case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, role, leaderboard_opt_in, onboarding_completed, created_at
		FROM users WHERE email = ? COLLATE NOCASE`, strings.TrimSpace(email))
	return scanUser(row)
}

// SetLeaderboardOptIn updates the user's opt-in flag.
func (s *Store) SetLeaderboardOptIn(ctx context.Context, userID string, optIn bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET leaderboard_opt_in = ? WHERE id = ?`, boolToInt(optIn), userID)
	if err != nil {
		return fmt.Errorf("set leaderboard opt-in: %w", err)
	}
	return nil
}

// SetUserRole changes a user's role.
func (s *Store) SetUserRole(ctx context.Context, userID string, role models.UserRole) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET role = ? WHERE id = ?`, role, userID)
	if err != nil {
		return fmt.Errorf("set user role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser removes a user; owned rows cascade, audit entries keep their
// content with user_id set to NULL.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRateLimit returns the user's override row, or defaults when absent.
func (s *Store) GetRateLimit(ctx context.Context, userID string) (*models.RateLimit, error) {
	rl := &models.RateLimit{UserID: userID, BenchmarksPerHour: 20, MaxConcurrent: 1}
	err := s.db.QueryRowContext(ctx,
		`SELECT benchmarks_per_hour, max_concurrent FROM rate_limits WHERE user_id = ?`, userID).
		Scan(&rl.BenchmarksPerHour, &rl.MaxConcurrent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get rate limit: %w", err)
	}
	return rl, nil
}

// SetRateLimit upserts a per-user override row.
func (s *Store) SetRateLimit(ctx context.Context, rl *models.RateLimit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limits (user_id, benchmarks_per_hour, max_concurrent)
		VALUES (?,?,?)
		ON CONFLICT(user_id) DO UPDATE SET
			benchmarks_per_hour = excluded.benchmarks_per_hour,
			max_concurrent = excluded.max_concurrent`,
		rl.UserID, rl.BenchmarksPerHour, rl.MaxConcurrent)
	if err != nil {
		return fmt.Errorf("set rate limit: %w", err)
	}
	return nil
}

// CreateRefreshToken stores a hashed refresh token.
func (s *Store) CreateRefreshToken(ctx context.Context, t *models.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, revoked_at, created_at)
		VALUES (?,?,?,?,?,?)`,
		t.ID, t.UserID, t.TokenHash, fmtTime(t.ExpiresAt), fmtNullTime(t.RevokedAt), fmtTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken looks up a live (unexpired, unrevoked) token by hash.
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, expires_at, revoked_at, created_at
		FROM refresh_tokens
		WHERE token_hash = ? AND revoked_at IS NULL AND expires_at > ?`,
		tokenHash, fmtTime(time.Now()))
	var t models.RefreshToken
	var expiresAt, createdAt string
	var revokedAt sql.NullString
	if err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &expiresAt, &revokedAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	t.ExpiresAt = parseTime(expiresAt)
	t.RevokedAt = parseNullTime(revokedAt)
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// RevokeRefreshToken marks a token revoked; rotation revokes the old token
// in the same call that issues the replacement.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL`,
		fmtTime(time.Now()), tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}
