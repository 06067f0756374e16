package ratecounter

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// FakeGateway is an in-memory Gateway for use in tests that don't need to
// exercise the Redis script itself (Dispatcher/Worker unit tests).
type FakeGateway struct {
	mu      sync.Mutex
	limits  map[Category]Limit
	buckets map[uuid.UUID]map[Category]int
	// DenyAll forces every check to report denied, for exercising the
	// rate-limited path without depleting real buckets.
	DenyAll bool
	// Err, if set, is returned from every call in place of performing the
	// operation, for exercising RateCounter failure (fail-open) handling.
	Err error
}

// NewFakeGateway creates a FakeGateway seeded with the given limits.
func NewFakeGateway(limits map[Category]Limit) *FakeGateway {
	return &FakeGateway{
		limits:  limits,
		buckets: make(map[uuid.UUID]map[Category]int),
	}
}

func (f *FakeGateway) remaining(userID uuid.UUID, category Category) int {
	perUser, ok := f.buckets[userID]
	if !ok {
		perUser = make(map[Category]int)
		f.buckets[userID] = perUser
	}
	v, ok := perUser[category]
	if !ok {
		v = f.limits[category].Count
		perUser[category] = v
	}
	return v
}

func (f *FakeGateway) CheckAndDecrement(_ context.Context, userID uuid.UUID, category Category, cost int) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return Result{}, f.Err
	}

	limit := f.limits[category]
	remaining := f.remaining(userID, category)

	if f.DenyAll || remaining < cost {
		return Result{Allowed: false, Limit: limit.Count, Remaining: remaining, ResetAfterSecs: int(limit.Window.Seconds())}, nil
	}

	remaining -= cost
	f.buckets[userID][category] = remaining
	return Result{Allowed: true, Limit: limit.Count, Remaining: remaining, ResetAfterSecs: int(limit.Window.Seconds())}, nil
}

func (f *FakeGateway) Snapshot(_ context.Context, userID uuid.UUID) (map[Category]RateState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}

	out := make(map[Category]RateState, len(f.limits))
	for category, limit := range f.limits {
		out[category] = RateState{
			Limit:          limit.Count,
			Remaining:      f.remaining(userID, category),
			ResetAfterSecs: int(limit.Window.Seconds()),
		}
	}
	return out, nil
}

func (f *FakeGateway) Increment(_ context.Context, userID uuid.UUID, category Category, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return f.Err
	}

	remaining := f.remaining(userID, category) + n
	if limit, ok := f.limits[category]; ok && remaining > limit.Count {
		remaining = limit.Count
	}
	f.buckets[userID][category] = remaining
	return nil
}

var _ Gateway = (*FakeGateway)(nil)
