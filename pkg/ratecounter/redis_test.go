package ratecounter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestGateway(t *testing.T) (*RedisGateway, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	limits := map[Category]Limit{
		CategoryGenerateConcept: {Count: 2, Window: time.Hour},
	}
	return NewRedisGateway(rdb, limits), mr
}

func TestRedisGateway_CheckAndDecrement(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()
	userID := uuid.New()

	for i, wantRemaining := range []int{1, 0} {
		res, err := g.CheckAndDecrement(ctx, userID, CategoryGenerateConcept, 1)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("call %d: expected allowed", i)
		}
		if res.Remaining != wantRemaining {
			t.Errorf("call %d: remaining = %d, want %d", i, res.Remaining, wantRemaining)
		}
	}

	res, err := g.CheckAndDecrement(ctx, userID, CategoryGenerateConcept, 1)
	if err != nil {
		t.Fatalf("third call: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected third call to be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}
}

func TestRedisGateway_DifferentUsersIndependent(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	userA, userB := uuid.New(), uuid.New()

	if _, err := g.CheckAndDecrement(ctx, userA, CategoryGenerateConcept, 2); err != nil {
		t.Fatalf("userA: %v", err)
	}

	res, err := g.CheckAndDecrement(ctx, userB, CategoryGenerateConcept, 1)
	if err != nil {
		t.Fatalf("userB: %v", err)
	}
	if !res.Allowed || res.Remaining != 1 {
		t.Errorf("userB bucket affected by userA: allowed=%v remaining=%d", res.Allowed, res.Remaining)
	}
}

func TestRedisGateway_Increment(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := g.CheckAndDecrement(ctx, userID, CategoryGenerateConcept, 2); err != nil {
		t.Fatalf("decrement: %v", err)
	}

	if err := g.Increment(ctx, userID, CategoryGenerateConcept, 1); err != nil {
		t.Fatalf("increment: %v", err)
	}

	snap, err := g.Snapshot(ctx, userID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if got := snap[CategoryGenerateConcept].Remaining; got != 1 {
		t.Errorf("remaining after increment = %d, want 1", got)
	}
}

func TestRedisGateway_UnknownCategory(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	if _, err := g.CheckAndDecrement(ctx, uuid.New(), Category("bogus"), 1); err == nil {
		t.Fatal("expected error for unknown category")
	}
}
