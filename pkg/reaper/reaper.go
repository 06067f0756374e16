// Package reaper implements the Reaper (C10): a background loop that sweeps
// stale pending/processing tasks into failed, and enforces the Concept
// retention window, cleaning up their blobs.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/palettelab/conceptforge/pkg/blobstore"
	"github.com/palettelab/conceptforge/pkg/concept"
	"github.com/palettelab/conceptforge/pkg/task"
)

const (
	leaseKey = "conceptforge:reaper:lease"

	pendingStallMessage    = "not picked up"
	processingStallMessage = "timed out in processing"
)

// Config tunes a Reaper.
type Config struct {
	Interval          time.Duration // how often the sweep runs (default 1m)
	PendingTimeout    time.Duration // max time a task may sit pending
	ProcessingTimeout time.Duration // max time a task may sit processing
	ConceptRetention  time.Duration // how long a completed Concept's blobs are kept
}

// Reaper periodically reaps stale tasks and expired concepts. Every replica
// runs the same loop; a short Redis lease keeps only one replica's tick
// active at a time so the same stale task isn't raced by two sweeps.
type Reaper struct {
	tasks    task.Registrar
	concepts concept.Registrar
	blobs    blobstore.Gateway
	rdb      *redis.Client
	logger   *slog.Logger
	cfg      Config
}

// New creates a Reaper.
func New(tasks task.Registrar, concepts concept.Registrar, blobs blobstore.Gateway, rdb *redis.Client, logger *slog.Logger, cfg Config) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 30 * time.Minute
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 30 * time.Minute
	}
	if cfg.ConceptRetention <= 0 {
		cfg.ConceptRetention = 3 * 24 * time.Hour
	}
	return &Reaper{tasks: tasks, concepts: concepts, blobs: blobs, rdb: rdb, logger: logger, cfg: cfg}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper started", "interval", r.cfg.Interval)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick runs one sweep if this replica holds the lease for the interval.
func (r *Reaper) tick(ctx context.Context) {
	acquired, err := r.rdb.SetNX(ctx, leaseKey, "1", r.cfg.Interval/2).Result()
	if err != nil {
		r.logger.Error("reaper: acquiring lease", "error", err)
		return
	}
	if !acquired {
		return
	}

	if err := r.reapStalePending(ctx); err != nil {
		r.logger.Error("reaper: reaping stale pending tasks", "error", err)
	}
	if err := r.reapStaleProcessing(ctx); err != nil {
		r.logger.Error("reaper: reaping stale processing tasks", "error", err)
	}
	if err := r.reapExpiredConcepts(ctx); err != nil {
		r.logger.Error("reaper: reaping expired concepts", "error", err)
	}
}

func (r *Reaper) reapStalePending(ctx context.Context) error {
	ids, err := r.tasks.ReapStale(ctx, task.StatusPending, "created_at", r.cfg.PendingTimeout, pendingStallMessage)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		r.logger.Info("reaper: failed stale pending tasks", "count", len(ids))
	}
	return nil
}

func (r *Reaper) reapStaleProcessing(ctx context.Context) error {
	ids, err := r.tasks.ReapStale(ctx, task.StatusProcessing, "updated_at", r.cfg.ProcessingTimeout, processingStallMessage)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		r.logger.Info("reaper: failed stale processing tasks", "count", len(ids))
	}
	return nil
}

// reapExpiredConcepts deletes Concept rows (and their Variations, via the
// store's cascade) past the retention window, then best-effort deletes their
// blobs. Blob cleanup runs after the row delete: an orphaned blob costs
// storage, but a blob deleted before its row would leave a Concept pointing
// at nothing.
func (r *Reaper) reapExpiredConcepts(ctx context.Context) error {
	cutoff := time.Now().Add(-r.cfg.ConceptRetention)
	paths, err := r.concepts.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("deleting expired concepts: %w", err)
	}
	if len(paths) == 0 {
		return nil
	}

	r.logger.Info("reaper: deleted expired concepts", "blob_count", len(paths))
	for _, p := range paths {
		if err := r.blobs.Delete(ctx, p); err != nil {
			r.logger.Warn("reaper: best-effort blob cleanup failed", "path", p, "error", err)
		}
	}
	return nil
}
