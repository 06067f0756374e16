package task

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/palettelab/conceptforge/internal/apperr"
)

// Registrar is the subset of Registry's behavior that the Dispatcher, Worker
// and Reaper depend on. Registry and FakeRegistry both implement it, so
// downstream packages can be tested without a real database.
type Registrar interface {
	Create(ctx context.Context, userID uuid.UUID, taskType Type, metadata json.RawMessage) (Task, error)
	Get(ctx context.Context, id uuid.UUID) (Task, error)
	Transition(ctx context.Context, id uuid.UUID, fromStatus, toStatus Status, patch TransitionPatch) (Task, error)
	Complete(ctx context.Context, id uuid.UUID, resultID uuid.UUID) (Task, error)
	Fail(ctx context.Context, id uuid.UUID, fromStatus Status, message string) (Task, error)
	Cancel(ctx context.Context, id uuid.UUID) (Task, error)
	HasActive(ctx context.Context, userID uuid.UUID, taskType Type) (bool, error)
	ListByUser(ctx context.Context, userID uuid.UUID, f ListFilters) ([]Task, error)
	ReapStale(ctx context.Context, status Status, timestampColumn string, maxAge time.Duration, message string) ([]uuid.UUID, error)
}

// FakeRegistry is an in-memory Registrar for unit tests that don't need a
// real database, keyed by task ID with an insertion-order index to keep
// ListByUser deterministic.
type FakeRegistry struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]Task
	order []uuid.UUID
}

// NewFakeRegistry creates an empty FakeRegistry.
func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{tasks: make(map[uuid.UUID]Task)}
}

func (f *FakeRegistry) Create(ctx context.Context, userID uuid.UUID, taskType Type, metadata json.RawMessage) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	t := Task{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      taskType,
		Status:    StatusPending,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.tasks[t.ID] = t
	f.order = append([]uuid.UUID{t.ID}, f.order...)
	return t, nil
}

func (f *FakeRegistry) Get(ctx context.Context, id uuid.UUID) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tasks[id]
	if !ok {
		return Task{}, apperr.NotFound("task %s not found", id)
	}
	return t, nil
}

func (f *FakeRegistry) Transition(ctx context.Context, id uuid.UUID, fromStatus, toStatus Status, patch TransitionPatch) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tasks[id]
	if !ok {
		return Task{}, apperr.NotFound("task %s not found", id)
	}
	if t.Status != fromStatus {
		return Task{}, apperr.Conflict("task %s is not in status %s", id, fromStatus)
	}

	t.Status = toStatus
	if patch.ResultID != nil {
		t.ResultID = patch.ResultID
	}
	if patch.ErrorMessage != nil {
		t.ErrorMessage = patch.ErrorMessage
	}
	if patch.Metadata != nil {
		t.Metadata = patch.Metadata
	}
	if patch.IsCancelled != nil {
		t.IsCancelled = *patch.IsCancelled
	}
	t.UpdatedAt = time.Now().UTC()
	f.tasks[id] = t
	return t, nil
}

func (f *FakeRegistry) Complete(ctx context.Context, id uuid.UUID, resultID uuid.UUID) (Task, error) {
	return f.Transition(ctx, id, StatusProcessing, StatusCompleted, TransitionPatch{ResultID: &resultID})
}

func (f *FakeRegistry) Fail(ctx context.Context, id uuid.UUID, fromStatus Status, message string) (Task, error) {
	return f.Transition(ctx, id, fromStatus, StatusFailed, TransitionPatch{ErrorMessage: &message})
}

func (f *FakeRegistry) Cancel(ctx context.Context, id uuid.UUID) (Task, error) {
	f.mu.Lock()
	t, ok := f.tasks[id]
	f.mu.Unlock()
	if !ok {
		return Task{}, apperr.NotFound("task %s not found", id)
	}
	if t.Status.IsTerminal() {
		return Task{}, apperr.Conflict("task %s is already %s", id, t.Status)
	}

	if t.Status == StatusPending {
		msg := "cancelled"
		return f.Transition(ctx, id, StatusPending, StatusFailed, TransitionPatch{ErrorMessage: &msg})
	}
	cancelled := true
	return f.Transition(ctx, id, StatusProcessing, StatusProcessing, TransitionPatch{IsCancelled: &cancelled})
}

func (f *FakeRegistry) HasActive(ctx context.Context, userID uuid.UUID, taskType Type) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, t := range f.tasks {
		if t.UserID == userID && t.Type == taskType && !t.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (f *FakeRegistry) ListByUser(ctx context.Context, userID uuid.UUID, filters ListFilters) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}

	var out []Task
	for _, id := range f.order {
		t := f.tasks[id]
		if t.UserID != userID {
			continue
		}
		if filters.Status != "" && t.Status != filters.Status {
			continue
		}
		if filters.Type != "" && t.Type != filters.Type {
			continue
		}
		out = append(out, t)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *FakeRegistry) ReapStale(ctx context.Context, status Status, timestampColumn string, maxAge time.Duration, message string) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var ids []uuid.UUID
	for id, t := range f.tasks {
		if t.Status != status {
			continue
		}
		ts := t.UpdatedAt
		if timestampColumn == "created_at" {
			ts = t.CreatedAt
		}
		if ts.Before(cutoff) {
			t.Status = StatusFailed
			t.ErrorMessage = &message
			t.UpdatedAt = time.Now().UTC()
			f.tasks[id] = t
			ids = append(ids, id)
		}
	}
	return ids, nil
}

var _ Registrar = (*Registry)(nil)
var _ Registrar = (*FakeRegistry)(nil)
