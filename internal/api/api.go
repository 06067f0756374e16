// Package api implements the API surface (C11): the HTTP handlers for
// enqueue, task query, concept read, and export. Every handler here is
// mounted under the authenticated /api/v1 sub-router, so authctx.FromContext
// always has an Identity by the time a handler runs.
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/palettelab/conceptforge/pkg/blobstore"
	"github.com/palettelab/conceptforge/pkg/concept"
	"github.com/palettelab/conceptforge/pkg/dispatcher"
	"github.com/palettelab/conceptforge/pkg/ratecounter"
	"github.com/palettelab/conceptforge/pkg/task"
)

// Handler provides the HTTP handlers for every endpoint in spec §6.
type Handler struct {
	dispatcher  *dispatcher.Dispatcher
	tasks       task.Registrar
	concepts    concept.Registrar
	rateLimiter ratecounter.Gateway
	blobs       blobstore.Gateway
	logger      *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(d *dispatcher.Dispatcher, tasks task.Registrar, concepts concept.Registrar, rateLimiter ratecounter.Gateway, blobs blobstore.Gateway, logger *slog.Logger) *Handler {
	return &Handler{
		dispatcher:  d,
		tasks:       tasks,
		concepts:    concepts,
		rateLimiter: rateLimiter,
		blobs:       blobs,
		logger:      logger,
	}
}

// Routes returns a chi.Router with every endpoint in spec §6 mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/concepts", func(cr chi.Router) {
		cr.Post("/generate-with-palettes", h.handleGenerate)
		cr.Post("/refine", h.handleRefine)
		cr.Get("/list", h.handleListConcepts)
		cr.Get("/{id}", h.handleGetConcept)
	})

	r.Route("/tasks", func(tr chi.Router) {
		tr.Get("/", h.handleListTasks)
		tr.Get("/{id}", h.handleGetTask)
		tr.Post("/{id}/cancel", h.handleCancelTask)
	})

	r.Route("/export", func(er chi.Router) {
		er.Post("/process", h.handleExport)
	})

	r.Route("/health", func(hr chi.Router) {
		hr.Get("/rate-limits", h.handleRateLimitSnapshot)
		hr.Get("/ping", h.handlePing)
	})

	return r
}
