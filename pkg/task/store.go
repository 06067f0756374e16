package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/palettelab/conceptforge/internal/db"
)

// Store provides database operations over the tasks table. table is the
// environment-scoped name resolved once at config load (e.g. "tasks_dev").
type Store struct {
	dbtx  db.DBTX
	table string
}

// NewStore creates a Store bound to table.
func NewStore(dbtx db.DBTX, table string) *Store {
	return &Store{dbtx: dbtx, table: table}
}

const taskColumns = `id, user_id, type, status, result_id, error_message, metadata, is_cancelled, created_at, updated_at`

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	var metadata []byte
	err := row.Scan(
		&t.ID, &t.UserID, &t.Type, &t.Status, &t.ResultID, &t.ErrorMessage,
		&metadata, &t.IsCancelled, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	t.Metadata = json.RawMessage(metadata)
	return t, nil
}

func scanTasks(rows pgx.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return out, nil
}

// Create inserts a new pending Task.
func (s *Store) Create(ctx context.Context, userID uuid.UUID, taskType Type, metadata json.RawMessage) (Task, error) {
	query := fmt.Sprintf(`INSERT INTO %s (id, user_id, type, status, metadata, is_cancelled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, false, now(), now())
		RETURNING %s`, s.table, taskColumns)

	row := s.dbtx.QueryRow(ctx, query, uuid.New(), userID, taskType, StatusPending, metadata)
	t, err := scanTask(row)
	if err != nil {
		return Task{}, fmt.Errorf("creating task: %w", err)
	}
	return t, nil
}

// Get returns a single task by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, taskColumns, s.table)
	row := s.dbtx.QueryRow(ctx, query, id)
	t, err := scanTask(row)
	if err != nil {
		return Task{}, fmt.Errorf("getting task %s: %w", id, err)
	}
	return t, nil
}

// ErrNotTransitioned is returned by Transition when the current status did
// not match fromStatus (i.e. the caller lost the race, or a duplicate
// delivery is being skipped).
var ErrNotTransitioned = fmt.Errorf("task was not in the expected status")

// TransitionPatch holds the optional field updates applied alongside a status
// transition.
type TransitionPatch struct {
	ResultID     *uuid.UUID
	ErrorMessage *string
	Metadata     json.RawMessage
	IsCancelled  *bool
}

// Transition conditionally moves a task from fromStatus to toStatus,
// applying patch. It is the fundamental concurrency primitive: the UPDATE's
// WHERE clause on the current status makes the operation a compare-and-swap,
// so exactly one concurrent caller succeeds even under at-least-once message
// delivery. Returns an error wrapping ErrNotTransitioned if no row with this
// id has status fromStatus.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, fromStatus, toStatus Status, patch TransitionPatch) (Task, error) {
	query := fmt.Sprintf(`UPDATE %s
		SET status = $3,
		    result_id = COALESCE($4, result_id),
		    error_message = COALESCE($5, error_message),
		    metadata = COALESCE($6, metadata),
		    is_cancelled = COALESCE($7, is_cancelled),
		    updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING %s`, s.table, taskColumns)

	row := s.dbtx.QueryRow(ctx, query, id, fromStatus, toStatus, patch.ResultID, patch.ErrorMessage, patch.Metadata, patch.IsCancelled)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, fmt.Errorf("transitioning task %s %s->%s: %w", id, fromStatus, toStatus, ErrNotTransitioned)
		}
		return Task{}, fmt.Errorf("transitioning task %s: %w", id, err)
	}
	return t, nil
}

// ListActive returns the caller's non-terminal tasks of the given type, used
// to enforce the at-most-one-active-task rule at enqueue time.
func (s *Store) ListActive(ctx context.Context, userID uuid.UUID, taskType Type) ([]Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE user_id = $1 AND type = $2 AND status IN ($3, $4)`, taskColumns, s.table)
	rows, err := s.dbtx.Query(ctx, query, userID, taskType, StatusPending, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("listing active tasks: %w", err)
	}
	return scanTasks(rows)
}

// ListFilters narrows the result of ListByUser.
type ListFilters struct {
	Status Status // empty means any
	Type   Type   // empty means any
	Limit  int
}

// ListByUser returns a caller's tasks ordered newest-first.
func (s *Store) ListByUser(ctx context.Context, userID uuid.UUID, f ListFilters) ([]Task, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}
	argN := 2

	if f.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", argN))
		args = append(args, f.Status)
		argN++
	}
	if f.Type != "" {
		where = append(where, fmt.Sprintf("type = $%d", argN))
		args = append(args, f.Type)
		argN++
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		taskColumns, s.table, whereClause(where), argN)

	rows, err := s.dbtx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks for user: %w", err)
	}
	return scanTasks(rows)
}

func whereClause(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}

// MarkFailedIfStale transitions every row in status whose timestampColumn
// timestamp is older than the given cutoff to failed with
// errMessage. Used by the Reaper's two sweeps (processing-stall keys off
// updated_at, pending-stall off created_at). Returns the IDs transitioned.
func (s *Store) MarkFailedIfStale(ctx context.Context, status Status, timestampColumn string, cutoff time.Time, errMessage string) ([]uuid.UUID, error) {
	query := fmt.Sprintf(`UPDATE %s
		SET status = $1, error_message = $2, updated_at = now()
		WHERE status = $3 AND %s < $4
		RETURNING id`, s.table, timestampColumn)

	rows, err := s.dbtx.Query(ctx, query, StatusFailed, errMessage, status, cutoff)
	if err != nil {
		return nil, fmt.Errorf("marking stale tasks failed: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning reaped task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
