package handlers

import (
	"context"
	"net/http"

	"github.com/adi-253/echowire/internal/models"
	"github.com/adi-253/echowire/internal/relay"
)

type ctxKey struct{}

// RequireToken rejects requests whose bearer token is not configured and
// stores the caller's profile in the request context.
func RequireToken(tokens relay.Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized: No authorization header", http.StatusUnauthorized)
				return
			}
			profile, ok := tokens.Lookup(authHeader)
			if !ok {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ctxKey{}, profile)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// caller returns the authenticated profile set by RequireToken.
func caller(r *http.Request) (models.UserProfile, bool) {
	p, ok := r.Context().Value(ctxKey{}).(models.UserProfile)
	return p, ok
}
