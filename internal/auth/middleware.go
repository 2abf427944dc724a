package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

type contextKey string

// OperatorContextKey holds the validated operator claims on the request context
const OperatorContextKey contextKey = "operator"

// OperatorAuthMiddleware validates operator bearer tokens and injects the
// claims into the request context
func OperatorAuthMiddleware(tm *TokenManager) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				pkghttp.WriteUnauthorized(w, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
				pkghttp.WriteUnauthorized(w, "invalid authorization header format")
				return
			}

			claims, err := tm.ValidateToken(parts[1])
			if err != nil {
				pkghttp.WriteUnauthorized(w, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), OperatorContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects requests whose operator token does not carry one of roles.
// Must be mounted after OperatorAuthMiddleware.
func RequireRole(roles ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetOperatorFromContext(r)
			if claims == nil {
				pkghttp.WriteUnauthorized(w, "unauthorized")
				return
			}

			for _, role := range roles {
				if claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}

			pkghttp.WriteForbidden(w, "forbidden: insufficient permissions")
		})
	}
}

// GetOperatorFromContext extracts operator claims from request context
func GetOperatorFromContext(r *http.Request) *models.TokenClaims {
	claims, ok := r.Context().Value(OperatorContextKey).(*models.TokenClaims)
	if !ok {
		return nil
	}
	return claims
}
