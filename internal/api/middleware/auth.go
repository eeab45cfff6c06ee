package middleware

import (
	"net/http"
	"strings"

	"github.com/ninjaorg/hyadmin/internal/api/response"
	"github.com/ninjaorg/hyadmin/internal/auth"
)

// TokenVerifier checks an access token and returns its claims.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Auth provides JWT authentication middleware.
type Auth struct {
	tokens TokenVerifier
}

// NewAuth creates a new Auth middleware.
func NewAuth(tokens TokenVerifier) *Auth {
	return &Auth{tokens: tokens}
}

// Authenticate verifies the access token and sets the user id and username
// in the request context. Both "Bearer <token>" and a bare token are accepted.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			response.Error(w, http.StatusUnauthorized,
				"UNAUTHORIZED", "Missing Authorization header", nil)
			return
		}

		claims, err := a.tokens.Verify(token)
		if err != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid or expired token", nil)
			return
		}
		userID, err := claims.UserID()
		if err != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid or expired token", nil)
			return
		}

		ctx := SetUser(r.Context(), userID, claims.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 1 {
		return parts[0]
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
