package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/palettelab/conceptforge/internal/apperr"
	"github.com/palettelab/conceptforge/internal/httpserver"
)

// kindStatus maps an apperr.Kind to its HTTP status code per spec §7. The
// Transient/Permanent kinds are Worker-internal outcomes; they only reach
// this mapping if a handler mistakenly propagates a Worker error, so they
// fall back to 500 like KindInternal.
var kindStatus = map[apperr.Kind]int{
	apperr.KindValidation:  http.StatusBadRequest,
	apperr.KindRateLimited: http.StatusTooManyRequests,
	apperr.KindConflict:    http.StatusConflict,
	apperr.KindNotFound:    http.StatusNotFound,
}

// writeError maps err to its HTTP response. Errors that are not apperr errors,
// or whose kind has no status mapping, are logged at ERROR and answered with
// 500; mapped kinds are not logged.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	e, ok := apperr.As(err)
	if !ok {
		h.logger.Error("api: unmapped error", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}

	status, known := kindStatus[e.Kind]
	if !known {
		h.logger.Error("api: internal invariant violation", "error", e)
		status = http.StatusInternalServerError
	}

	if e.Kind == apperr.KindRateLimited {
		if resetAfter, ok := e.Details["reset_after_seconds"].(int); ok {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", resetAfter))
		}
	}

	httpserver.RespondError(w, status, e.Message, e.Details)
}
