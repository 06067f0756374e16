// Package authctx resolves the caller's identity from a bearer token and
// carries it through the request context. Verification goes through an
// injected Verifier; HMACVerifier (jwt.go) is the HMAC implementation and can
// also issue tokens, and another scheme can be plugged in as a Verifier.
package authctx

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID uuid.UUID
}

// Verifier authenticates a raw bearer token and returns the caller's user ID.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (uuid.UUID, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, rawToken string) (uuid.UUID, error)

func (f VerifierFunc) Verify(ctx context.Context, rawToken string) (uuid.UUID, error) {
	return f(ctx, rawToken)
}

type identityKey struct{}

// NewContext returns a context carrying identity.
func NewContext(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// FromContext returns the Identity stored in ctx, or nil if absent.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// Middleware authenticates each request via "Authorization: Bearer <token>"
// using verifier and stores the resulting Identity in the request context.
// Requests without a valid token are rejected with 401.
func Middleware(verifier Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				respondUnauthorized(w, "missing bearer token")
				return
			}

			rawToken := strings.TrimSpace(authHeader[len("Bearer "):])
			if rawToken == "" {
				respondUnauthorized(w, "missing bearer token")
				return
			}

			userID, err := verifier.Verify(r.Context(), rawToken)
			if err != nil {
				logger.Warn("bearer token verification failed", "error", err)
				respondUnauthorized(w, "invalid token")
				return
			}

			ctx := NewContext(r.Context(), &Identity{UserID: userID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects requests that have no authenticated identity. It is
// redundant when Middleware is always mounted ahead of it, but guards
// handlers that might be reachable via a different route tree.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			respondUnauthorized(w, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"detail":"` + message + `"}`))
}
