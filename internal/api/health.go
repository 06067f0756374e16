package api

import (
	"net/http"

	"github.com/palettelab/conceptforge/internal/authctx"
	"github.com/palettelab/conceptforge/internal/httpserver"
	"github.com/palettelab/conceptforge/pkg/ratecounter"
)

// rateStateResponse is the wire shape of a single category's bucket state.
type rateStateResponse struct {
	Limit             int `json:"limit"`
	Remaining         int `json:"remaining"`
	ResetAfterSeconds int `json:"reset_after_seconds"`
}

func (h *Handler) handleRateLimitSnapshot(w http.ResponseWriter, r *http.Request) {
	identity := authctx.FromContext(r.Context())

	snapshot, err := h.rateLimiter.Snapshot(r.Context(), identity.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make(map[ratecounter.Category]rateStateResponse, len(snapshot))
	for category, state := range snapshot {
		out[category] = rateStateResponse{
			Limit:             state.Limit,
			Remaining:         state.Remaining,
			ResetAfterSeconds: state.ResetAfterSecs,
		}
	}
	httpserver.Respond(w, http.StatusOK, out)
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
