package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// streamKey is the single stream carrying both generate and refine
	// messages; the Worker dispatches on Message.Type after deserializing.
	streamKey = "conceptforge:tasks"
	// groupName is the consumer group shared by all Worker processes.
	groupName = "workers"
	// fieldData holds the JSON-encoded Message in each stream entry.
	fieldData = "data"
)

// RedisBus implements Publisher and Consumer over a Redis stream and
// consumer group, giving at-least-once delivery with a per-subscriber
// unacked-message limit and redelivery of stalled entries via XCLAIM.
type RedisBus struct {
	redis          *redis.Client
	logger         *slog.Logger
	consumerName   string
	unackedLimit   int64
	claimMinIdle   time.Duration
	claimInterval  time.Duration
	blockTimeout   time.Duration
	maxAttempts    int
	onMaxAttempts  func(ctx context.Context, d Delivery, lastErr error)
}

// Option configures a RedisBus.
type Option func(*RedisBus)

// WithUnackedLimit sets the max number of in-flight (unacked) messages a
// single consumer will claim at once. Default 10, per the bus's flow control
// contract.
func WithUnackedLimit(n int64) Option {
	return func(b *RedisBus) { b.unackedLimit = n }
}

// WithMaxAttempts sets how many delivery attempts a message gets before the
// Worker gives up on it (the caller is still responsible for transitioning
// the Task to failed; this only affects the bus's own non-ack accounting).
func WithMaxAttempts(n int) Option {
	return func(b *RedisBus) { b.maxAttempts = n }
}

// NewRedisBus creates a bus bound to streamKey/groupName, creating the
// consumer group if it doesn't already exist.
func NewRedisBus(ctx context.Context, rdb *redis.Client, consumerName string, logger *slog.Logger, opts ...Option) (*RedisBus, error) {
	b := &RedisBus{
		redis:         rdb,
		logger:        logger,
		consumerName:  consumerName,
		unackedLimit:  10,
		claimMinIdle:  30 * time.Second,
		claimInterval: 5 * time.Second,
		blockTimeout:  5 * time.Second,
		maxAttempts:   5,
	}
	for _, opt := range opts {
		opt(b)
	}

	err := rdb.XGroupCreateMkStream(ctx, streamKey, groupName, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		if !isBusyGroupErr(err) {
			return nil, fmt.Errorf("creating consumer group: %w", err)
		}
	}

	return b, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Publish implements Publisher.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	_, err = b.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{fieldData: data},
	}).Result()
	if err != nil {
		return fmt.Errorf("publishing to stream: %w", err)
	}
	return nil
}

// Run implements Consumer. It reads new entries up to the unacked limit,
// periodically reclaims entries abandoned by crashed consumers, and invokes
// handler for each delivery.
func (b *RedisBus) Run(ctx context.Context, handler Handler) error {
	claimTicker := time.NewTicker(b.claimInterval)
	defer claimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-claimTicker.C:
			if err := b.reclaimStalled(ctx, handler); err != nil {
				b.logger.Error("reclaiming stalled bus entries", "error", err)
			}
		default:
		}

		streams, err := b.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    groupName,
			Consumer: b.consumerName,
			Streams:  []string{streamKey, ">"},
			Count:    b.unackedLimit,
			Block:    b.blockTimeout,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Error("reading from bus", "error", err)
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				b.dispatch(ctx, entry, handler)
			}
		}
	}
}

func (b *RedisBus) dispatch(ctx context.Context, entry redis.XMessage, handler Handler) {
	msg, err := decodeEntry(entry)
	if err != nil {
		b.logger.Error("decoding bus entry, acking to drop poison message", "entry_id", entry.ID, "error", err)
		b.ack(ctx, entry.ID)
		return
	}

	attempt := 1
	if pending, err := b.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey, Group: groupName, Start: entry.ID, End: entry.ID, Count: 1,
	}).Result(); err == nil && len(pending) == 1 {
		// XPENDING's delivery count already includes this delivery.
		if n := int(pending[0].RetryCount); n > 0 {
			attempt = n
		}
	}

	d := Delivery{Message: msg, Attempt: attempt, id: entry.ID}

	if attempt > b.maxAttempts {
		if b.onMaxAttempts != nil {
			b.onMaxAttempts(ctx, d, fmt.Errorf("exceeded max delivery attempts (%d)", b.maxAttempts))
		}
		b.ack(ctx, entry.ID)
		return
	}

	if err := handler(ctx, d); err != nil {
		b.logger.Warn("bus handler failed, leaving unacked for redelivery",
			"task_id", msg.TaskID, "attempt", attempt, "error", err)
		return
	}

	b.ack(ctx, entry.ID)
}

func (b *RedisBus) ack(ctx context.Context, id string) {
	if err := b.redis.XAck(ctx, streamKey, groupName, id).Err(); err != nil {
		b.logger.Error("acking bus entry", "entry_id", id, "error", err)
	}
}

// reclaimStalled claims entries that have been pending longer than
// claimMinIdle, handing them back to this consumer so a crashed consumer's
// work is not lost.
func (b *RedisBus) reclaimStalled(ctx context.Context, handler Handler) error {
	claimed, _, err := b.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey,
		Group:    groupName,
		Consumer: b.consumerName,
		MinIdle:  b.claimMinIdle,
		Start:    "0",
		Count:    b.unackedLimit,
	}).Result()
	if err != nil {
		return fmt.Errorf("auto-claiming stalled entries: %w", err)
	}

	for _, entry := range claimed {
		b.dispatch(ctx, entry, handler)
	}
	return nil
}

func decodeEntry(entry redis.XMessage) (Message, error) {
	raw, ok := entry.Values[fieldData].(string)
	if !ok {
		return Message{}, fmt.Errorf("bus entry missing %q field", fieldData)
	}

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshaling message: %w", err)
	}
	return msg, nil
}

var _ Publisher = (*RedisBus)(nil)
var _ Consumer = (*RedisBus)(nil)
