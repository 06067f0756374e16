// Package dispatcher implements the Dispatcher (C6): the API-side component
// that enforces rate limits and the one-active-task rule, creates the Task
// row, and publishes the bus message that wakes the Worker.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/palettelab/conceptforge/internal/apperr"
	"github.com/palettelab/conceptforge/pkg/bus"
	"github.com/palettelab/conceptforge/pkg/ratecounter"
	"github.com/palettelab/conceptforge/pkg/task"
)

const (
	maxDescriptionLen = 500
	defaultNumPalettes = 7
	minNumPalettes     = 1
	maxNumPalettes     = 10
)

// GenerateRequest is the input to Generate.
type GenerateRequest struct {
	LogoDescription  string
	ThemeDescription string
	NumPalettes      int // 0 means use the configured default
}

// RefineRequest is the input to Refine.
type RefineRequest struct {
	OriginalImageURL        string
	SourceConceptID         *uuid.UUID
	RefinementPrompt        string
	PreserveAspects         []string
	UpdatedLogoDescription  *string
	UpdatedThemeDescription *string
}

// Dispatcher enqueues generate/refine work.
type Dispatcher struct {
	tasks       task.Registrar
	rateLimiter ratecounter.Gateway
	publisher   bus.Publisher
	logger      *slog.Logger
	numPalettesDefault int
}

// New creates a Dispatcher.
func New(tasks task.Registrar, rateLimiter ratecounter.Gateway, publisher bus.Publisher, logger *slog.Logger, numPalettesDefault int) *Dispatcher {
	if numPalettesDefault <= 0 {
		numPalettesDefault = defaultNumPalettes
	}
	return &Dispatcher{
		tasks:              tasks,
		rateLimiter:        rateLimiter,
		publisher:          publisher,
		logger:             logger,
		numPalettesDefault: numPalettesDefault,
	}
}

// Generate runs the generate enqueue flow (spec §4.6).
func (d *Dispatcher) Generate(ctx context.Context, userID uuid.UUID, req GenerateRequest) (task.Task, error) {
	if req.LogoDescription == "" || req.ThemeDescription == "" {
		return task.Task{}, apperr.Validation("logo_description and theme_description are required")
	}
	if len(req.LogoDescription) > maxDescriptionLen || len(req.ThemeDescription) > maxDescriptionLen {
		return task.Task{}, apperr.Validation("descriptions must be at most %d characters", maxDescriptionLen)
	}

	numPalettes := req.NumPalettes
	if numPalettes == 0 {
		numPalettes = d.numPalettesDefault
	}
	if numPalettes < minNumPalettes || numPalettes > maxNumPalettes {
		return task.Task{}, apperr.Validation("num_palettes must be between %d and %d", minNumPalettes, maxNumPalettes)
	}

	if err := d.checkRateLimit(ctx, userID, ratecounter.CategoryGenerateConcept); err != nil {
		return task.Task{}, err
	}

	if err := d.rejectIfActive(ctx, userID, task.TypeGenerate); err != nil {
		return task.Task{}, err
	}

	metadata := task.GenerateMetadata{
		LogoDescription:  req.LogoDescription,
		ThemeDescription: req.ThemeDescription,
		NumPalettes:      numPalettes,
	}
	return d.createAndPublish(ctx, userID, task.TypeGenerate, metadata)
}

// Refine runs the refine enqueue flow (spec §4.6).
func (d *Dispatcher) Refine(ctx context.Context, userID uuid.UUID, req RefineRequest) (task.Task, error) {
	if req.RefinementPrompt == "" {
		return task.Task{}, apperr.Validation("refinement_prompt is required")
	}
	if len(req.RefinementPrompt) > maxDescriptionLen {
		return task.Task{}, apperr.Validation("refinement_prompt must be at most %d characters", maxDescriptionLen)
	}
	if req.OriginalImageURL == "" && req.SourceConceptID == nil {
		return task.Task{}, apperr.Validation("either original_image_url or concept_id is required")
	}

	if err := d.checkRateLimit(ctx, userID, ratecounter.CategoryRefineConcept); err != nil {
		return task.Task{}, err
	}

	if err := d.rejectIfActive(ctx, userID, task.TypeRefine); err != nil {
		return task.Task{}, err
	}

	var sourceConceptID *string
	if req.SourceConceptID != nil {
		s := req.SourceConceptID.String()
		sourceConceptID = &s
	}

	metadata := task.RefineMetadata{
		OriginalImageURL:        req.OriginalImageURL,
		SourceConceptID:         sourceConceptID,
		RefinementPrompt:        req.RefinementPrompt,
		PreserveAspects:         req.PreserveAspects,
		UpdatedLogoDescription:  req.UpdatedLogoDescription,
		UpdatedThemeDescription: req.UpdatedThemeDescription,
	}
	return d.createAndPublish(ctx, userID, task.TypeRefine, metadata)
}

// checkRateLimit fails open (allows the request) if the RateCounter backend
// itself errors, logging a warning, per the spec's availability tradeoff.
func (d *Dispatcher) checkRateLimit(ctx context.Context, userID uuid.UUID, category ratecounter.Category) error {
	result, err := d.rateLimiter.CheckAndDecrement(ctx, userID, category, 1)
	if err != nil {
		d.logger.Warn("rate counter backend error, failing open", "category", category, "error", err)
		return nil
	}
	if !result.Allowed {
		return apperr.RateLimited("rate limit exceeded", map[string]any{
			"limit":               result.Limit,
			"current":             result.Limit - result.Remaining,
			"period":              string(category),
			"reset_after_seconds": result.ResetAfterSecs,
		})
	}
	return nil
}

func (d *Dispatcher) rejectIfActive(ctx context.Context, userID uuid.UUID, taskType task.Type) error {
	active, err := d.tasks.HasActive(ctx, userID, taskType)
	if err != nil {
		return err
	}
	if active {
		return apperr.Conflict("an active %s task already exists for this user", taskType)
	}
	return nil
}

// createAndPublish inserts the pending Task row and publishes the bus
// message. If publish fails, the Task is deliberately left pending rather
// than rolled back: the Reaper's pending-stall sweep will eventually fail
// it, trading worst-case latency for simpler idempotency (spec §7).
func (d *Dispatcher) createAndPublish(ctx context.Context, userID uuid.UUID, taskType task.Type, metadata any) (task.Task, error) {
	payload, err := json.Marshal(metadata)
	if err != nil {
		return task.Task{}, apperr.Internal(fmt.Errorf("marshaling task metadata: %w", err))
	}

	t, err := d.tasks.Create(ctx, userID, taskType, payload)
	if err != nil {
		return task.Task{}, err
	}

	busType := bus.TaskTypeGenerate
	if taskType == task.TypeRefine {
		busType = bus.TaskTypeRefine
	}

	err = d.publisher.Publish(ctx, bus.Message{
		TaskID:     t.ID,
		UserID:     userID,
		Type:       busType,
		Payload:    payload,
		EnqueuedAt: t.CreatedAt,
	})
	if err != nil {
		d.logger.Error("publishing task message, leaving task pending for the reaper", "task_id", t.ID, "error", err)
	}

	return t, nil
}
