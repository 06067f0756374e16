package reaper

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/palettelab/conceptforge/pkg/blobstore"
	"github.com/palettelab/conceptforge/pkg/concept"
	"github.com/palettelab/conceptforge/pkg/task"
)

func newHarness(t *testing.T, cfg Config) (*Reaper, *task.FakeRegistry, *concept.FakeRegistry, *blobstore.FakeGateway) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tasks := task.NewFakeRegistry()
	concepts := concept.NewFakeRegistry()
	blobs := blobstore.NewFakeGateway()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(tasks, concepts, blobs, rdb, logger, cfg), tasks, concepts, blobs
}

func TestTick_ReapsStalePendingTask(t *testing.T) {
	r, tasks, _, _ := newHarness(t, Config{PendingTimeout: time.Millisecond})
	tk, err := tasks.Create(context.Background(), uuid.New(), task.TypeGenerate, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	r.tick(context.Background())

	final, err := tasks.Get(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != task.StatusFailed {
		t.Errorf("status = %s, want failed", final.Status)
	}
}

func TestTick_LeavesFreshPendingTaskAlone(t *testing.T) {
	r, tasks, _, _ := newHarness(t, Config{PendingTimeout: time.Hour})
	tk, err := tasks.Create(context.Background(), uuid.New(), task.TypeGenerate, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	r.tick(context.Background())

	final, err := tasks.Get(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != task.StatusPending {
		t.Errorf("status = %s, want still pending", final.Status)
	}
}

func TestTick_DeletesExpiredConceptsAndBlobs(t *testing.T) {
	r, _, concepts, blobs := newHarness(t, Config{ConceptRetention: time.Millisecond})
	ctx := context.Background()

	if err := blobs.Put(ctx, "concept/base.png", []byte("x"), "image/png"); err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	if _, err := concepts.CreateWithVariations(ctx, uuid.New(), "fox", "green", "concept/base.png", nil); err != nil {
		t.Fatalf("seed concept: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	r.tick(ctx)

	if _, err := blobs.Get(ctx, "concept/base.png"); err == nil {
		t.Error("expected blob to be deleted after retention sweep")
	}
}

func TestTick_SecondReplicaSkipsWhenLeaseHeld(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tasksA := task.NewFakeRegistry()
	tasksB := task.NewFakeRegistry()
	cfg := Config{Interval: time.Hour, PendingTimeout: time.Millisecond}
	replicaA := New(tasksA, concept.NewFakeRegistry(), blobstore.NewFakeGateway(), rdb, logger, cfg)
	replicaB := New(tasksB, concept.NewFakeRegistry(), blobstore.NewFakeGateway(), rdb, logger, cfg)

	tkA, _ := tasksA.Create(context.Background(), uuid.New(), task.TypeGenerate, json.RawMessage(`{}`))
	tkB, _ := tasksB.Create(context.Background(), uuid.New(), task.TypeGenerate, json.RawMessage(`{}`))
	time.Sleep(5 * time.Millisecond)

	replicaA.tick(context.Background())
	replicaB.tick(context.Background())

	finalA, _ := tasksA.Get(context.Background(), tkA.ID)
	finalB, _ := tasksB.Get(context.Background(), tkB.ID)
	if finalA.Status != task.StatusFailed {
		t.Errorf("replica holding the lease should have reaped its task, status = %s", finalA.Status)
	}
	if finalB.Status != task.StatusPending {
		t.Errorf("replica without the lease should have skipped its tick, status = %s", finalB.Status)
	}
}
