package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/palettelab/conceptforge/internal/authctx"
	"github.com/palettelab/conceptforge/internal/httpserver"
	"github.com/palettelab/conceptforge/pkg/concept"
)

const (
	defaultConceptListLimit = 10
	maxConceptListLimit     = 100
)

func (h *Handler) handleListConcepts(w http.ResponseWriter, r *http.Request) {
	identity := authctx.FromContext(r.Context())

	limit := defaultConceptListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxConceptListLimit {
		limit = maxConceptListLimit
	}

	concepts, err := h.concepts.ListByUser(r.Context(), identity.UserID, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	summaries := make([]concept.Summary, 0, len(concepts))
	for _, c := range concepts {
		summaries = append(summaries, c.ToSummary(h.blobs))
	}
	httpserver.Respond(w, http.StatusOK, summaries)
}

func (h *Handler) handleGetConcept(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid concept id", nil)
		return
	}

	identity := authctx.FromContext(r.Context())
	c, err := h.concepts.Get(r.Context(), identity.UserID, id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, c.ToDetail(h.blobs))
}
