package auth

import (
	"net/http"
	"strings"
)

// Middleware authenticates requests with a bearer access token and attaches
// the user to the request context. Unauthenticated requests get 401 with the
// standard error envelope written by onError.
func Middleware(service *Service, onError func(w http.ResponseWriter, status int, code, msg string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				// Browsers cannot set headers on WebSocket dials; allow
				// the token as a query parameter there.
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				onError(w, http.StatusUnauthorized, "unauthorized", "missing credentials")
				return
			}
			user, err := service.Authenticate(r.Context(), token)
			if err != nil {
				service.logger.Warn("token validation failed", "error", err, "path", r.URL.Path)
				onError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireAdmin gates admin-only endpoints; it assumes Middleware ran first.
func RequireAdmin(onError func(w http.ResponseWriter, status int, code, msg string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok || !user.IsAdmin() {
				onError(w, http.StatusForbidden, "forbidden", "admin access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	value := r.Header.Get("Authorization")
	if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
		return strings.TrimSpace(value[7:])
	}
	return ""
}
