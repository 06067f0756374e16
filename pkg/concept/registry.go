package concept

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/palettelab/conceptforge/internal/apperr"
	"github.com/palettelab/conceptforge/internal/db"
)

// Registrar is the subset of Registry's behavior that the Worker and the
// HTTP API depend on, so both can be exercised against FakeRegistry in
// tests.
type Registrar interface {
	CreateWithVariations(ctx context.Context, userID uuid.UUID, logoDescription, themeDescription, imagePath string, variations []NewVariation) (Concept, error)
	Get(ctx context.Context, userID, id uuid.UUID) (Concept, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Concept, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Registry wraps Store with business-meaningful errors and ownership checks.
type Registry struct {
	store *Store
}

// NewRegistry creates a Registry backed by dbtx, scoped to the given tables.
func NewRegistry(dbtx db.Transactor, conceptsTable, variationsTable string) *Registry {
	return &Registry{store: NewStore(dbtx, conceptsTable, variationsTable)}
}

// CreateWithVariations records a successful generation.
func (r *Registry) CreateWithVariations(ctx context.Context, userID uuid.UUID, logoDescription, themeDescription, imagePath string, variations []NewVariation) (Concept, error) {
	c, err := r.store.CreateWithVariations(ctx, userID, logoDescription, themeDescription, imagePath, variations)
	if err != nil {
		return Concept{}, apperr.Internal(fmt.Errorf("creating concept: %w", err))
	}
	return c, nil
}

// Get returns a Concept by ID, scoped to userID: a Concept owned by another
// user is reported as NotFound rather than a distinct "forbidden" kind, so
// callers can't distinguish "not mine" from "doesn't exist".
func (r *Registry) Get(ctx context.Context, userID, id uuid.UUID) (Concept, error) {
	c, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Concept{}, apperr.NotFound("concept %s not found", id)
		}
		return Concept{}, apperr.Internal(fmt.Errorf("getting concept: %w", err))
	}
	if c.UserID != userID {
		return Concept{}, apperr.NotFound("concept %s not found", id)
	}
	return c, nil
}

// ListByUser returns a page of the caller's concepts.
func (r *Registry) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Concept, error) {
	concepts, err := r.store.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("listing concepts: %w", err))
	}
	return concepts, nil
}

// DeleteOlderThan removes concepts past the retention window, for the
// Reaper. Returns the blob paths that must be cleaned up best-effort.
func (r *Registry) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	paths, err := r.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("deleting stale concepts: %w", err))
	}
	return paths, nil
}

var _ Registrar = (*Registry)(nil)
