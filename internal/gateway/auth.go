package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/haasonsaas/gauntlet/internal/auth"
	"github.com/haasonsaas/gauntlet/pkg/models"
)

const refreshCookie = "gauntlet_refresh"

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "valid email required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	user := &models.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         models.RoleUser,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit.Record(r.Context(), user.ID, "auth.register", "user:"+user.ID, req.Email)
	s.issueTokens(w, r, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.logins.allow(ip) {
		writeError(w, http.StatusTooManyRequests, "too many login attempts, try again later")
		return
	}

	var req credentials
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.store.GetUserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil ||
		bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		s.logins.failure(ip)
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	s.logins.success(ip)
	s.issueTokens(w, r, user)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookie)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "missing refresh token")
		return
	}
	pair, err := s.auth.Refresh(r.Context(), cookie.Value)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	s.setRefreshCookie(w, pair.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": pair.AccessToken,
		"expires_in":   pair.ExpiresIn,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(refreshCookie); err == nil && cookie.Value != "" {
		if err := s.auth.Revoke(r.Context(), cookie.Value); err != nil {
			s.logger.Warn("refresh revoke failed", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/api/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	ok(w)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, user)
}

// handleCLIToken issues a fresh access token for command-line use. The
// refresh half of the pair is discarded; CLIs re-authenticate instead.
func (s *Server) handleCLIToken(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	pair, err := s.auth.Issue(r.Context(), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": pair.AccessToken,
		"expires_in":   pair.ExpiresIn,
	})
}

func (s *Server) issueTokens(w http.ResponseWriter, r *http.Request, user *models.User) {
	pair, err := s.auth.Issue(r.Context(), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.setRefreshCookie(w, pair.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": pair.AccessToken,
		"expires_in":   pair.ExpiresIn,
		"user":         user,
	})
}

func (s *Server) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    token,
		Path:     "/api/auth",
		MaxAge:   int((7 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

const (
	loginMaxFailures  = 5
	loginWindow       = 5 * time.Minute
	loginLockout      = 15 * time.Minute
	loginPruneEntries = 1000
)

// loginLimiter locks an IP out after repeated failures. State is in-memory;
// a restart forgives everyone, which is acceptable for a brute-force brake.
type loginLimiter struct {
	mu      sync.Mutex
	entries map[string]*loginEntry
}

type loginEntry struct {
	failures    []time.Time
	lockedUntil time.Time
}

func newLoginLimiter() *loginLimiter {
	return &loginLimiter{entries: make(map[string]*loginEntry)}
}

func (l *loginLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[ip]
	if !ok {
		return true
	}
	return time.Now().After(e.lockedUntil)
}

func (l *loginLimiter) failure(ip string) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) > loginPruneEntries {
		for k, e := range l.entries {
			if now.After(e.lockedUntil) && len(e.recent(now)) == 0 {
				delete(l.entries, k)
			}
		}
	}

	e := l.entries[ip]
	if e == nil {
		e = &loginEntry{}
		l.entries[ip] = e
	}
	e.failures = append(e.recent(now), now)
	if len(e.failures) >= loginMaxFailures {
		e.lockedUntil = now.Add(loginLockout)
		e.failures = nil
	}
}

func (l *loginLimiter) success(ip string) {
	l.mu.Lock()
	delete(l.entries, ip)
	l.mu.Unlock()
}

func (e *loginEntry) recent(now time.Time) []time.Time {
	cutoff := now.Add(-loginWindow)
	out := e.failures[:0]
	for _, t := range e.failures {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
