// Package auth issues and verifies the platform's access and refresh tokens
// and carries the authenticated user through request contexts.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/gauntlet/internal/store"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

// Service backs login, refresh and request authentication. Password hashing
// and OAuth happen upstream; this service only deals in tokens.
type Service struct {
	jwt    *JWTService
	store  *store.Store
	logger *slog.Logger
}

// NewService wires the token service to persistence.
func NewService(secret string, st *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		jwt:    NewJWTService(secret, AccessTokenTTL),
		store:  st,
		logger: logger,
	}
}

// TokenPair is the login and refresh response payload.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Issue creates a fresh access/refresh pair for the user.
func (s *Service) Issue(ctx context.Context, user *models.User) (*TokenPair, error) {
	access, err := s.jwt.Generate(user.ID, user.Email, string(user.Role))
	if err != nil {
		return nil, err
	}
	refresh, err := s.issueRefresh(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(AccessTokenTTL.Seconds()),
	}, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair issued in its place. A revoked or expired token fails closed.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	hash := hashToken(refreshToken)
	stored, err := s.store.GetRefreshToken(ctx, hash)
	if err != nil {
		return nil, ErrInvalidToken
	}
	user, err := s.store.GetUser(ctx, stored.UserID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if err := s.store.RevokeRefreshToken(ctx, hash); err != nil {
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	return s.Issue(ctx, user)
}

// Revoke invalidates a refresh token on logout.
func (s *Service) Revoke(ctx context.Context, refreshToken string) error {
	return s.store.RevokeRefreshToken(ctx, hashToken(refreshToken))
}

// Authenticate resolves a bearer access token to its user row.
func (s *Service) Authenticate(ctx context.Context, token string) (*models.User, error) {
	claims, err := s.jwt.Validate(token)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return user, nil
}

func (s *Service) issueRefresh(ctx context.Context, userID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	token := hex.EncodeToString(raw)
	err := s.store.CreateRefreshToken(ctx, &models.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: hashToken(token),
		ExpiresAt: time.Now().Add(RefreshTokenTTL),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Only the hash is stored; a database leak does not leak usable tokens.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
