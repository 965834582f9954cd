package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tollgate/tollgate/internal/auth"
)

type contextKey string

const identityContextKey contextKey = "identity"

type AuthMiddleware struct {
	service *auth.Service
	logger  *zap.Logger
}

func NewAuthMiddleware(service *auth.Service, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{service: service, logger: logger}
}

// Authenticate resolves the presented credential to a tenant identity and
// stores it on the context. The admin key passes here only when
// X-Tenant-Id names the tenant to act as.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.service.Verify(r.Context(), ExtractKey(r), r.Header.Get("X-Tenant-Id"))
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrInvalidKey):
				writeError(w, http.StatusUnauthorized, "Invalid API key")
			case errors.Is(err, auth.ErrTenantInactive):
				writeError(w, http.StatusUnauthorized, "Tenant is deactivated")
			default:
				// Key state unknown, not wrong. Refusing is the only safe
				// answer.
				m.logger.Error("key verification unavailable", zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "Service unavailable")
			}
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin guards the admin surface. Only the configured admin key
// passes; tenant keys never do, whatever they are allowed to proxy.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.service.IsAdminKey(ExtractKey(r)) {
			writeError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractKey pulls the credential from Authorization (bearer or bare) or
// X-API-Key.
func ExtractKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		if len(parts) == 1 {
			return parts[0]
		}
		return ""
	}
	return r.Header.Get("X-API-Key")
}

// GetIdentity returns the authenticated identity stored by Authenticate.
func GetIdentity(ctx context.Context) (*auth.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*auth.Identity)
	return identity, ok
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
