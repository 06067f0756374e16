package authctx

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMiddleware_NoAuthHeader(t *testing.T) {
	verifier, err := NewHMACVerifier("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewHMACVerifier: %v", err)
	}
	mw := Middleware(verifier, testLogger())

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestMiddleware_ValidToken(t *testing.T) {
	verifier, err := NewHMACVerifier("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewHMACVerifier: %v", err)
	}

	userID := uuid.New()
	token, err := verifier.IssueToken(userID, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	mw := Middleware(verifier, testLogger())

	var got *Identity
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got == nil {
		t.Fatal("expected identity in context")
	}
	if got.UserID != userID {
		t.Errorf("UserID = %v, want %v", got.UserID, userID)
	}
}

func TestMiddleware_ExpiredToken(t *testing.T) {
	verifier, err := NewHMACVerifier("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewHMACVerifier: %v", err)
	}

	token, err := verifier.IssueToken(uuid.New(), -time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	mw := Middleware(verifier, testLogger())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestRequireAuth(t *testing.T) {
	handler := RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
