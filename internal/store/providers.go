package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/gauntlet/pkg/models"
)

// CreateProvider inserts a provider keyed (user_id, key).
func (s *Store) CreateProvider(ctx context.Context, p *models.Provider) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO providers (id, user_id, key, display_name, api_base, created_at)
		VALUES (?,?,?,?,?,?)`,
		p.ID, p.UserID, p.Key, p.DisplayName, p.APIBase, fmtTime(p.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create provider: %w", err)
	}
	return nil
}

// ListProviders returns a user's providers with their models attached.
func (s *Store) ListProviders(ctx context.Context, userID string) ([]*models.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, key, display_name, api_base, created_at
		FROM providers WHERE user_id = ? ORDER BY key`, userID)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []*models.Provider
	for rows.Next() {
		var p models.Provider
		var createdAt string
		if err := rows.Scan(&p.ID, &p.UserID, &p.Key, &p.DisplayName, &p.APIBase, &createdAt); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		p.CreatedAt = parseTime(createdAt)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// GetProviderByKey resolves (user_id, key) to a provider. The filter uses
// the configured key, never the display name.
func (s *Store) GetProviderByKey(ctx context.Context, userID, key string) (*models.Provider, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, key, display_name, api_base, created_at
		FROM providers WHERE user_id = ? AND key = ?`, userID, key)
	var p models.Provider
	var createdAt string
	if err := row.Scan(&p.ID, &p.UserID, &p.Key, &p.DisplayName, &p.APIBase, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get provider: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// DeleteProvider removes a provider owned by the user; models cascade.
func (s *Store) DeleteProvider(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM providers WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateModel inserts a model under a provider.
func (s *Store) CreateModel(ctx context.Context, m *models.Model) error {
	skip, err := json.Marshal(m.SkipParams)
	if err != nil {
		return fmt.Errorf("marshal skip params: %w", err)
	}
	var maxOut any
	if m.MaxOutputTokens > 0 {
		maxOut = m.MaxOutputTokens
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO llm_models (id, provider_id, litellm_id, display_name, context_window, max_output_tokens, skip_params, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.ProviderID, m.LiteLLMID, m.DisplayName, m.ContextWindow, maxOut, string(skip), fmtTime(m.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create model: %w", err)
	}
	return nil
}

// ListModels returns the models under a provider, wire-id ordered.
func (s *Store) ListModels(ctx context.Context, providerID string) ([]*models.Model, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_id, litellm_id, display_name, context_window, max_output_tokens, skip_params, created_at
		FROM llm_models WHERE provider_id = ? ORDER BY litellm_id`, providerID)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []*models.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetModel resolves a (provider, litellm_id) pair. model_id alone is not
// unique across providers, hence the compound key.
func (s *Store) GetModel(ctx context.Context, providerID, litellmID string) (*models.Model, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider_id, litellm_id, display_name, context_window, max_output_tokens, skip_params, created_at
		FROM llm_models WHERE provider_id = ? AND litellm_id = ?`, providerID, litellmID)
	return scanModel(row)
}

func scanModel(row interface{ Scan(...any) error }) (*models.Model, error) {
	var m models.Model
	var maxOut sql.NullInt64
	var skip, createdAt string
	if err := row.Scan(&m.ID, &m.ProviderID, &m.LiteLLMID, &m.DisplayName,
		&m.ContextWindow, &maxOut, &skip, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan model: %w", err)
	}
	m.MaxOutputTokens = int(maxOut.Int64)
	if skip != "" {
		if err := json.Unmarshal([]byte(skip), &m.SkipParams); err != nil {
			return nil, fmt.Errorf("unmarshal skip params: %w", err)
		}
	}
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}
