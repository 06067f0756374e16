package bus

import (
	"context"
	"sync"
)

// FakeBus is an in-memory Publisher+Consumer for Dispatcher/Worker unit
// tests. Published messages are delivered to the single registered handler
// synchronously on Publish, with Attempt incremented on each delivery of the
// same task ID (Publish or Deliver).
type FakeBus struct {
	mu       sync.Mutex
	handler  Handler
	attempts map[string]int
}

// NewFakeBus creates an empty FakeBus.
func NewFakeBus() *FakeBus {
	return &FakeBus{attempts: make(map[string]int)}
}

// Publish implements Publisher. If a handler is registered (Run has been
// called), the message is delivered immediately and the handler's error is
// returned; there is no redelivery loop, so tests that need to exercise
// retries should call Deliver directly.
func (b *FakeBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()

	if handler == nil {
		return nil
	}
	return b.Deliver(ctx, msg)
}

// Deliver invokes the registered handler for msg, tracking delivery attempts
// per task ID so tests can assert retry/max-attempts behavior.
func (b *FakeBus) Deliver(ctx context.Context, msg Message) error {
	b.mu.Lock()
	b.attempts[msg.TaskID.String()]++
	attempt := b.attempts[msg.TaskID.String()]
	handler := b.handler
	b.mu.Unlock()

	if handler == nil {
		return nil
	}
	return handler(ctx, Delivery{Message: msg, Attempt: attempt, id: msg.TaskID.String()})
}

// Run implements Consumer. It registers handler and blocks until ctx is
// cancelled; Publish/Deliver calls from other goroutines dispatch to it.
func (b *FakeBus) Run(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()

	<-ctx.Done()
	return nil
}

var _ Publisher = (*FakeBus)(nil)
var _ Consumer = (*FakeBus)(nil)
