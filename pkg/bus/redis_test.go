package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestBus builds a RedisBus directly against a miniredis instance,
// bypassing NewRedisBus's consumer-group creation (miniredis's stream
// support covers XADD/XLEN/XRANGE but not the full consumer-group command
// set), so these tests only exercise Publish and decoding.
func newTestBus(t *testing.T) (*RedisBus, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := &RedisBus{
		redis:        rdb,
		logger:       discardLogger(),
		consumerName: "worker-1",
		unackedLimit: 10,
		maxAttempts:  5,
	}
	return b, rdb
}

func TestRedisBus_PublishWritesStreamEntry(t *testing.T) {
	b, rdb := newTestBus(t)
	ctx := context.Background()

	msg := Message{
		TaskID:     uuid.New(),
		UserID:     uuid.New(),
		Type:       TaskTypeGenerate,
		Payload:    json.RawMessage(`{"logo_description":"a fox"}`),
		EnqueuedAt: time.Now().UTC(),
	}

	if err := b.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	length, err := rdb.XLen(ctx, streamKey).Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	if length != 1 {
		t.Errorf("stream length = %d, want 1", length)
	}

	entries, err := rdb.XRange(ctx, streamKey, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}

	decoded, err := decodeEntry(redis.XMessage{ID: entries[0].ID, Values: entries[0].Values})
	if err != nil {
		t.Fatalf("decodeEntry: %v", err)
	}
	if decoded.TaskID != msg.TaskID {
		t.Errorf("decoded TaskID = %v, want %v", decoded.TaskID, msg.TaskID)
	}
	if decoded.Type != TaskTypeGenerate {
		t.Errorf("decoded Type = %v, want %v", decoded.Type, TaskTypeGenerate)
	}
}

func TestDecodeEntry_MissingField(t *testing.T) {
	_, err := decodeEntry(redis.XMessage{ID: "1-1", Values: map[string]any{}})
	if err == nil {
		t.Fatal("expected error for missing data field")
	}
}
