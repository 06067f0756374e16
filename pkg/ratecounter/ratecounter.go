// Package ratecounter implements the per-user, per-category token bucket
// gateway that guards task enqueue and export endpoints. The get_concepts
// bucket is reported in headers and snapshots; no handler consumes from it.
package ratecounter

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Category names a rate-limited action. Values are the canonical names used
// in API responses and headers.
type Category string

const (
	CategoryGenerateConcept Category = "generate_concept"
	CategoryRefineConcept   Category = "refine_concept"
	CategoryStoreConcept    Category = "store_concept"
	CategoryGetConcepts     Category = "get_concepts"
	CategoryExportAction    Category = "export_action"
	CategoryAuthSessions    Category = "auth_sessions"
)

// Limit is the bucket size and reset window for a category.
type Limit struct {
	Count  int
	Window time.Duration
}

// DefaultLimits is the built-in per-category configuration. A deployment may
// override individual entries via config.
var DefaultLimits = map[Category]Limit{
	CategoryGenerateConcept: {Count: 10, Window: 24 * time.Hour},
	CategoryRefineConcept:   {Count: 10, Window: 24 * time.Hour},
	CategoryStoreConcept:    {Count: 30, Window: 24 * time.Hour},
	CategoryGetConcepts:     {Count: 120, Window: time.Hour},
	CategoryExportAction:    {Count: 30, Window: time.Hour},
	CategoryAuthSessions:    {Count: 20, Window: time.Hour},
}

// Result is the outcome of a check_and_decrement call.
type Result struct {
	Allowed        bool
	Limit          int
	Remaining      int
	ResetAfterSecs int
}

// RateState describes the current bucket state for a category, used by the
// client-visible snapshot endpoint.
type RateState struct {
	Limit          int
	Remaining      int
	ResetAfterSecs int
}

// Gateway is the capability interface consumed by the Dispatcher and the API
// snapshot endpoint. Production code uses Redis; tests use an in-memory fake.
type Gateway interface {
	// CheckAndDecrement atomically tests and, if allowed, consumes cost tokens
	// from the bucket for (userID, category). Must be atomic per key.
	CheckAndDecrement(ctx context.Context, userID uuid.UUID, category Category, cost int) (Result, error)

	// Snapshot returns the current bucket state for every known category.
	Snapshot(ctx context.Context, userID uuid.UUID) (map[Category]RateState, error)

	// Increment restores n tokens to the bucket, compensating an earlier
	// decrement. The Dispatcher does not call it when enqueue fails.
	Increment(ctx context.Context, userID uuid.UUID, category Category, n int) error
}
