package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/palettelab/conceptforge/internal/apperr"
	"github.com/palettelab/conceptforge/internal/authctx"
	"github.com/palettelab/conceptforge/internal/httpserver"
	"github.com/palettelab/conceptforge/pkg/dispatcher"
	"github.com/palettelab/conceptforge/pkg/task"
)

// generateRequest is the wire shape of POST /concepts/generate-with-palettes.
type generateRequest struct {
	LogoDescription  string `json:"logo_description" validate:"required"`
	ThemeDescription string `json:"theme_description" validate:"required"`
	NumPalettes      int    `json:"num_palettes,omitempty" validate:"omitempty,min=1,max=10"`
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	identity := authctx.FromContext(r.Context())
	t, err := h.dispatcher.Generate(r.Context(), identity.UserID, dispatcher.GenerateRequest{
		LogoDescription:  req.LogoDescription,
		ThemeDescription: req.ThemeDescription,
		NumPalettes:      req.NumPalettes,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusAccepted, t.ToResponse())
}

// refineRequest is the wire shape of POST /concepts/refine.
type refineRequest struct {
	OriginalImageURL        string   `json:"original_image_url,omitempty"`
	ConceptID                string   `json:"concept_id,omitempty" validate:"omitempty,uuid"`
	RefinementPrompt         string   `json:"refinement_prompt" validate:"required"`
	PreserveAspects          []string `json:"preserve_aspects,omitempty"`
	UpdatedLogoDescription   *string  `json:"updated_logo_description,omitempty"`
	UpdatedThemeDescription  *string  `json:"updated_theme_description,omitempty"`
}

func (h *Handler) handleRefine(w http.ResponseWriter, r *http.Request) {
	var req refineRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	var sourceConceptID *uuid.UUID
	if req.ConceptID != "" {
		id, err := uuid.Parse(req.ConceptID)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "concept_id must be a valid UUID", nil)
			return
		}
		sourceConceptID = &id
	}

	identity := authctx.FromContext(r.Context())
	t, err := h.dispatcher.Refine(r.Context(), identity.UserID, dispatcher.RefineRequest{
		OriginalImageURL:        req.OriginalImageURL,
		SourceConceptID:         sourceConceptID,
		RefinementPrompt:        req.RefinementPrompt,
		PreserveAspects:         req.PreserveAspects,
		UpdatedLogoDescription:  req.UpdatedLogoDescription,
		UpdatedThemeDescription: req.UpdatedThemeDescription,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusAccepted, t.ToResponse())
}

// ownedTask fetches id and verifies it belongs to the caller, reporting a
// task owned by someone else the same way as one that doesn't exist at all.
func (h *Handler) ownedTask(w http.ResponseWriter, r *http.Request, id uuid.UUID) (task.Task, bool) {
	t, err := h.tasks.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return task.Task{}, false
	}
	identity := authctx.FromContext(r.Context())
	if t.UserID != identity.UserID {
		h.writeError(w, apperr.NotFound("task %s not found", id))
		return task.Task{}, false
	}
	return t, true
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid task id", nil)
		return
	}

	t, ok := h.ownedTask(w, r, id)
	if !ok {
		return
	}
	httpserver.Respond(w, http.StatusOK, t.ToResponse())
}

func (h *Handler) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid task id", nil)
		return
	}

	current, ok := h.ownedTask(w, r, id)
	if !ok {
		return
	}

	t, err := h.tasks.Cancel(r.Context(), id)
	if err != nil {
		// Cancelling an already-terminal task is not an error from the
		// client's point of view: report the state it settled in instead of
		// the registry's conflict (spec §5, §8 cancel-idempotency law).
		if apperr.KindOf(err) == apperr.KindConflict && current.Status.IsTerminal() {
			httpserver.Respond(w, http.StatusOK, current.ToResponse())
			return
		}
		h.writeError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, t.ToResponse())
}

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	identity := authctx.FromContext(r.Context())

	filters := task.ListFilters{
		Status: task.Status(r.URL.Query().Get("status")),
		Type:   task.Type(r.URL.Query().Get("type")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filters.Limit = n
		}
	}

	tasks, err := h.tasks.ListByUser(r.Context(), identity.UserID, filters)
	if err != nil {
		h.writeError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, task.ToResponses(tasks))
}
