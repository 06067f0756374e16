// Package statuschannel implements the Status Channel (C9): a decorator
// over the Task Registry that publishes a Redis pub/sub notification after
// every successful status change, so polling clients can instead block on a
// push notification without the decorator itself becoming a second writer
// of Task state.
package statuschannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/palettelab/conceptforge/pkg/task"
)

// channelPrefix namespaces the per-task pub/sub channel.
const channelPrefix = "conceptforge:task:"

// ChannelFor returns the pub/sub channel name a client should subscribe to
// for updates on taskID.
func ChannelFor(taskID uuid.UUID) string {
	return channelPrefix + taskID.String()
}

// Event is the payload published after every transition.
type Event struct {
	TaskID       uuid.UUID   `json:"task_id"`
	OldStatus    task.Status `json:"old_status"`
	NewStatus    task.Status `json:"new_status"`
	ResultID     *uuid.UUID  `json:"result_id,omitempty"`
	ErrorMessage *string     `json:"error_message,omitempty"`
}

// Publisher wraps a task.Registrar, publishing an Event on every call that
// changes a Task's status. It implements task.Registrar itself so it can be
// substituted transparently wherever a Registrar is wired, including inside
// the Worker and the HTTP API's cancel handler.
type Publisher struct {
	task.Registrar
	rdb    *redis.Client
	logger *slog.Logger
}

// New wraps registrar with Redis-backed status notifications.
func New(registrar task.Registrar, rdb *redis.Client, logger *slog.Logger) *Publisher {
	return &Publisher{Registrar: registrar, rdb: rdb, logger: logger}
}

func (p *Publisher) publish(ctx context.Context, oldStatus task.Status, t task.Task) {
	evt := Event{TaskID: t.ID, OldStatus: oldStatus, NewStatus: t.Status, ResultID: t.ResultID, ErrorMessage: t.ErrorMessage}
	raw, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("statuschannel: marshaling event", "task_id", t.ID, "error", err)
		return
	}
	if err := p.rdb.Publish(ctx, ChannelFor(t.ID), raw).Err(); err != nil {
		// Best-effort: a missed notification only costs the client a fallback
		// poll, never the correctness of the Task row itself.
		p.logger.Warn("statuschannel: publishing event", "task_id", t.ID, "error", err)
	}
}

// Transition delegates then publishes, only on success.
func (p *Publisher) Transition(ctx context.Context, id uuid.UUID, fromStatus, toStatus task.Status, patch task.TransitionPatch) (task.Task, error) {
	t, err := p.Registrar.Transition(ctx, id, fromStatus, toStatus, patch)
	if err != nil {
		return task.Task{}, err
	}
	p.publish(ctx, fromStatus, t)
	return t, nil
}

// Complete delegates then publishes, only on success.
func (p *Publisher) Complete(ctx context.Context, id uuid.UUID, resultID uuid.UUID) (task.Task, error) {
	t, err := p.Registrar.Complete(ctx, id, resultID)
	if err != nil {
		return task.Task{}, err
	}
	p.publish(ctx, task.StatusProcessing, t)
	return t, nil
}

// Fail delegates then publishes, only on success.
func (p *Publisher) Fail(ctx context.Context, id uuid.UUID, fromStatus task.Status, message string) (task.Task, error) {
	t, err := p.Registrar.Fail(ctx, id, fromStatus, message)
	if err != nil {
		return task.Task{}, err
	}
	p.publish(ctx, fromStatus, t)
	return t, nil
}

// Cancel delegates then publishes, only on success. The pre-cancel status is
// looked up first since Cancel itself decides whether a pending task fails
// immediately or a processing task only has is_cancelled set.
func (p *Publisher) Cancel(ctx context.Context, id uuid.UUID) (task.Task, error) {
	before, err := p.Registrar.Get(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	t, err := p.Registrar.Cancel(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	p.publish(ctx, before.Status, t)
	return t, nil
}

// ReapStale delegates then publishes one event per reaped task.
func (p *Publisher) ReapStale(ctx context.Context, status task.Status, timestampColumn string, maxAge time.Duration, message string) ([]uuid.UUID, error) {
	ids, err := p.Registrar.ReapStale(ctx, status, timestampColumn, maxAge, message)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		t, err := p.Registrar.Get(ctx, id)
		if err != nil {
			p.logger.Warn("statuschannel: loading reaped task", "task_id", id, "error", err)
			continue
		}
		p.publish(ctx, status, t)
	}
	return ids, nil
}

var _ task.Registrar = (*Publisher)(nil)

// Subscriber lets an HTTP handler wait for the next Event on a task's
// channel, for a long-poll or SSE-style status endpoint; a caller that
// prefers to poll uses GET /tasks/{id} instead.
type Subscriber struct {
	rdb *redis.Client
}

// NewSubscriber creates a Subscriber.
func NewSubscriber(rdb *redis.Client) *Subscriber {
	return &Subscriber{rdb: rdb}
}

// Wait blocks until an Event is published for taskID or ctx is cancelled.
func (s *Subscriber) Wait(ctx context.Context, taskID uuid.UUID) (Event, error) {
	pubsub := s.rdb.Subscribe(ctx, ChannelFor(taskID))
	defer func() { _ = pubsub.Close() }()

	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case msg, ok := <-pubsub.Channel():
		if !ok {
			return Event{}, fmt.Errorf("status channel closed for task %s", taskID)
		}
		var evt Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			return Event{}, fmt.Errorf("decoding status event: %w", err)
		}
		return evt, nil
	}
}
