package statuschannel

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

	"github.com/palettelab/conceptforge/pkg/task"
)

func newHarness(t *testing.T) (*Publisher, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(task.NewFakeRegistry(), rdb, logger), rdb
}

func TestPublisher_TransitionPublishesEvent(t *testing.T) {
	p, rdb := newHarness(t)
	ctx := context.Background()

	tk, err := p.Create(ctx, uuid.New(), task.TypeGenerate, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub := rdb.Subscribe(ctx, ChannelFor(tk.ID))
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe confirmation: %v", err)
	}

	done := make(chan Event, 1)
	go func() {
		msg := <-sub.Channel()
		var evt Event
		_ = json.Unmarshal([]byte(msg.Payload), &evt)
		done <- evt
	}()

	if _, err := p.Transition(ctx, tk.ID, task.StatusPending, task.StatusProcessing, task.TransitionPatch{}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	select {
	case evt := <-done:
		if evt.TaskID != tk.ID || evt.NewStatus != task.StatusProcessing || evt.OldStatus != task.StatusPending {
			t.Errorf("unexpected event: %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status event")
	}
}

func TestPublisher_FailedTransitionDoesNotPublish(t *testing.T) {
	p, rdb := newHarness(t)
	ctx := context.Background()

	tk, err := p.Create(ctx, uuid.New(), task.TypeGenerate, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub := rdb.Subscribe(ctx, ChannelFor(tk.ID))
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe confirmation: %v", err)
	}

	// Wrong fromStatus: the CAS loses, Transition returns an error, and no
	// event should be published.
	if _, err := p.Transition(ctx, tk.ID, task.StatusProcessing, task.StatusCompleted, task.TransitionPatch{}); err == nil {
		t.Fatal("expected Transition to fail on status mismatch")
	}

	select {
	case msg := <-sub.Channel():
		t.Fatalf("unexpected event published: %v", msg.Payload)
	case <-time.After(200 * time.Millisecond):
		// expected: nothing published
	}
}
