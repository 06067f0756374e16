// Package bus implements the at-least-once message bus between the
// Dispatcher and the Worker. Messages are unordered and may be delivered
// more than once; the Task Registry's conditional transition makes every
// duplicate delivery safe to process.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskType mirrors the Task type enum without importing the task package,
// avoiding an import cycle between bus and task.
type TaskType string

const (
	TaskTypeGenerate TaskType = "generate"
	TaskTypeRefine   TaskType = "refine"
)

// Message is the payload published by the Dispatcher and consumed by the
// Worker. It is duplicative of the Task row's metadata by design: the row
// remains the source of truth, and the Worker re-reads it after claiming.
type Message struct {
	TaskID     uuid.UUID       `json:"task_id"`
	UserID     uuid.UUID       `json:"user_id"`
	Type       TaskType        `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Delivery wraps a Message with the bus-specific handle needed to
// acknowledge or abandon it.
type Delivery struct {
	Message Message
	// Attempt is the 1-indexed delivery count. RedisBus acks a message
	// without calling the handler once Attempt exceeds its max attempts.
	Attempt int
	id      string
}

// Publisher publishes messages onto the bus. Used by the Dispatcher.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler processes a single delivery. Returning an error leaves the message
// unacknowledged so the bus may redeliver it; returning nil acknowledges it.
type Handler func(ctx context.Context, d Delivery) error

// Consumer consumes messages from the bus and dispatches them to a Handler.
// Used by the Worker.
type Consumer interface {
	// Run blocks, invoking handler for each delivery, until ctx is cancelled.
	Run(ctx context.Context, handler Handler) error
}
