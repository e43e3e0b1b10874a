package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for tokens that fail parsing, signature
	// verification, or expiry checks.
	ErrInvalidToken = errors.New("invalid token")

	// ErrAuthDisabled is returned when no signing secret is configured.
	ErrAuthDisabled = errors.New("auth disabled")
)

// AccessTokenTTL bounds access token lifetime; refresh tokens rotate on use
// and live RefreshTokenTTL.
const (
	AccessTokenTTL  = 24 * time.Hour
	RefreshTokenTTL = 7 * 24 * time.Hour
)

// JWTService signs and verifies access tokens.
type JWTService struct {
	secret []byte
	expiry time.Duration
}

// NewJWTService builds a JWT helper with the given secret. A zero expiry
// falls back to AccessTokenTTL.
func NewJWTService(secret string, expiry time.Duration) *JWTService {
	if expiry <= 0 {
		expiry = AccessTokenTTL
	}
	return &JWTService{secret: []byte(secret), expiry: expiry}
}

// Claims carries the identity fields embedded in an access token.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed access token for the user.
func (s *JWTService) Generate(userID, email, role string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}

	claims := Claims{
		Email: strings.TrimSpace(email),
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses a token and returns its claims.
func (s *JWTService) Validate(token string) (*Claims, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
