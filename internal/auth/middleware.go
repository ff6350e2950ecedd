package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// ClaimsContextKey is the key for storing validated session claims in context
	ClaimsContextKey contextKey = "claims"
)

// SessionValidator decides whether a bearer token is currently usable
type SessionValidator interface {
	IsValid(ctx context.Context, token string) (*models.TokenClaims, error)
	Touch(ctx context.Context, sessionID string) error
}

// IdentityReader loads the identity behind a set of claims
type IdentityReader interface {
	GetByID(ctx context.Context, id string) (*models.Identity, error)
}

// AuthMiddleware validates bearer session tokens and injects the claims into context.
// Any failure other than an invalid token denies the request with 503, so a
// revocation index outage never lets a revoked token through.
func AuthMiddleware(validator SessionValidator, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				pkghttp.WriteUnauthorized(w, "missing or malformed authorization header")
				return
			}

			claims, err := validator.IsValid(r.Context(), token)
			if err != nil {
				if errors.Is(err, models.ErrTokenInvalid) {
					pkghttp.WriteServiceError(w, err)
					return
				}
				logger.Error("token validation unavailable", slog.String("error", err.Error()))
				pkghttp.WriteServiceUnavailable(w, "unable to verify token status")
				return
			}

			if err := validator.Touch(r.Context(), claims.SessionID); err != nil {
				logger.Warn("failed to touch session",
					slog.String("session_id", claims.SessionID),
					slog.String("error", err.Error()))
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// RequireRole enforces role-based access control using the identity's current role
func RequireRole(identities IdentityReader, role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r)
			if claims == nil {
				pkghttp.WriteUnauthorized(w, "authentication required")
				return
			}

			identity, err := identities.GetByID(r.Context(), claims.IdentityID)
			if err != nil {
				if errors.Is(err, models.ErrNotFound) {
					pkghttp.WriteUnauthorized(w, "authentication required")
					return
				}
				pkghttp.WriteServiceError(w, err)
				return
			}

			if identity.Role != role {
				pkghttp.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetClaims extracts validated claims from request context
func GetClaims(r *http.Request) *models.TokenClaims {
	claims, ok := r.Context().Value(ClaimsContextKey).(*models.TokenClaims)
	if !ok {
		return nil
	}
	return claims
}

// WithClaims returns a copy of ctx carrying claims
func WithClaims(ctx context.Context, claims *models.TokenClaims) context.Context {
	return context.WithValue(ctx, ClaimsContextKey, claims)
}
