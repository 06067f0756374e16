package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/palettelab/conceptforge/internal/apperr"
	"github.com/palettelab/conceptforge/internal/db"
)

// Registry is the sole entry point other components use to read and mutate
// Task state. It wraps Store with business-meaningful errors so callers
// (Dispatcher, Worker, Reaper, the HTTP API) never see raw SQL failures.
type Registry struct {
	store *Store
}

// NewRegistry creates a Registry backed by dbtx, scoped to the given table.
func NewRegistry(dbtx db.DBTX, table string) *Registry {
	return &Registry{store: NewStore(dbtx, table)}
}

// Create enqueues a new pending task for userID. Callers are responsible for
// checking HasActive and any rate limit before calling Create.
func (r *Registry) Create(ctx context.Context, userID uuid.UUID, taskType Type, metadata json.RawMessage) (Task, error) {
	t, err := r.store.Create(ctx, userID, taskType, metadata)
	if err != nil {
		return Task{}, apperr.Internal(fmt.Errorf("creating task: %w", err))
	}
	return t, nil
}

// Get returns a task by ID, or a NotFound apperr if it doesn't exist.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (Task, error) {
	t, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, apperr.NotFound("task %s not found", id)
		}
		return Task{}, apperr.Internal(fmt.Errorf("getting task: %w", err))
	}
	return t, nil
}

// Transition performs the CAS status update described on Store.Transition.
// A lost race (row no longer in fromStatus) surfaces as a Conflict apperr,
// which callers such as the Worker treat as "someone else already handled
// this delivery" rather than a failure.
func (r *Registry) Transition(ctx context.Context, id uuid.UUID, fromStatus, toStatus Status, patch TransitionPatch) (Task, error) {
	t, err := r.store.Transition(ctx, id, fromStatus, toStatus, patch)
	if err != nil {
		if errors.Is(err, ErrNotTransitioned) {
			return Task{}, apperr.Conflict("task %s is not in status %s", id, fromStatus)
		}
		return Task{}, apperr.Internal(fmt.Errorf("transitioning task: %w", err))
	}
	return t, nil
}

// Complete transitions a processing task to completed with the given result.
func (r *Registry) Complete(ctx context.Context, id uuid.UUID, resultID uuid.UUID) (Task, error) {
	return r.Transition(ctx, id, StatusProcessing, StatusCompleted, TransitionPatch{ResultID: &resultID})
}

// Fail transitions a task to failed from any non-terminal status, recording
// message. The Worker uses this for permanent errors; the Reaper uses
// ReapStale for timeouts instead, since it has no single task ID to target.
func (r *Registry) Fail(ctx context.Context, id uuid.UUID, fromStatus Status, message string) (Task, error) {
	return r.Transition(ctx, id, fromStatus, StatusFailed, TransitionPatch{ErrorMessage: &message})
}

// Cancel marks a pending or processing task cancelled on the caller's
// behalf. A pending task has nothing running to interrupt, so it is failed
// immediately. A processing task only gets is_cancelled set: the Worker
// already owns the row and is the one that transitions it to failed (with
// error_message "cancelled") the next time it checks between workflow
// stages, since an in-flight AI call is not interruptible.
func (r *Registry) Cancel(ctx context.Context, id uuid.UUID) (Task, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if current.Status.IsTerminal() {
		return Task{}, apperr.Conflict("task %s is already %s", id, current.Status)
	}

	var t Task
	if current.Status == StatusPending {
		msg := "cancelled"
		t, err = r.store.Transition(ctx, id, StatusPending, StatusFailed, TransitionPatch{ErrorMessage: &msg})
	} else {
		cancelled := true
		t, err = r.store.Transition(ctx, id, StatusProcessing, StatusProcessing, TransitionPatch{IsCancelled: &cancelled})
	}
	if err != nil {
		if errors.Is(err, ErrNotTransitioned) {
			return Task{}, apperr.Conflict("task %s changed state concurrently", id)
		}
		return Task{}, apperr.Internal(fmt.Errorf("cancelling task: %w", err))
	}
	return t, nil
}

// HasActive reports whether userID already has a non-terminal task of
// taskType, enforcing the one-active-task-per-(user,type) rule at enqueue
// time.
func (r *Registry) HasActive(ctx context.Context, userID uuid.UUID, taskType Type) (bool, error) {
	active, err := r.store.ListActive(ctx, userID, taskType)
	if err != nil {
		return false, apperr.Internal(fmt.Errorf("checking active tasks: %w", err))
	}
	return len(active) > 0, nil
}

// ListByUser returns a page of the caller's tasks.
func (r *Registry) ListByUser(ctx context.Context, userID uuid.UUID, f ListFilters) ([]Task, error) {
	tasks, err := r.store.ListByUser(ctx, userID, f)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("listing tasks: %w", err))
	}
	return tasks, nil
}

// ReapStale fails tasks stuck in status for longer than maxAge, measured
// against timestampColumn ("created_at" for pending, "updated_at" for
// processing). Returns the IDs transitioned, for logging/metrics.
func (r *Registry) ReapStale(ctx context.Context, status Status, timestampColumn string, maxAge time.Duration, message string) ([]uuid.UUID, error) {
	cutoff := time.Now().Add(-maxAge)
	ids, err := r.store.MarkFailedIfStale(ctx, status, timestampColumn, cutoff, message)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("reaping stale tasks: %w", err))
	}
	return ids, nil
}
