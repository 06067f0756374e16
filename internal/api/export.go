package api

import (
	"net/http"

	"github.com/palettelab/conceptforge/internal/apperr"
	"github.com/palettelab/conceptforge/internal/authctx"
	"github.com/palettelab/conceptforge/internal/httpserver"
	"github.com/palettelab/conceptforge/pkg/imageproc"
	"github.com/palettelab/conceptforge/pkg/ratecounter"
)

// exportRequest is the wire shape of POST /export/process.
type exportRequest struct {
	ImageIdentifier string `json:"image_identifier" validate:"required"`
	TargetFormat    string `json:"target_format,omitempty" validate:"omitempty,oneof=png jpg webp svg"`
	TargetSize      int    `json:"target_size,omitempty" validate:"omitempty,min=1"`
}

// handleExport re-encodes (and optionally thumbnails) a previously generated
// image on demand, via the pure Image Processor functions (C8).
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	identity := authctx.FromContext(r.Context())
	result, err := h.rateLimiter.CheckAndDecrement(r.Context(), identity.UserID, ratecounter.CategoryExportAction, 1)
	if err != nil {
		h.logger.Warn("rate counter backend error, failing open", "category", ratecounter.CategoryExportAction, "error", err)
	} else if !result.Allowed {
		h.writeError(w, apperr.RateLimited("rate limit exceeded", map[string]any{
			"limit":               result.Limit,
			"current":             result.Limit - result.Remaining,
			"period":              string(ratecounter.CategoryExportAction),
			"reset_after_seconds": result.ResetAfterSecs,
		}))
		return
	}

	data, err := h.blobs.Get(r.Context(), req.ImageIdentifier)
	if err != nil {
		h.writeError(w, apperr.NotFound("image %s not found", req.ImageIdentifier))
		return
	}

	if req.TargetSize > 0 {
		data, err = imageproc.Thumbnail(data, req.TargetSize)
		if err != nil {
			h.writeError(w, apperr.Validation("%s", err.Error()))
			return
		}
	}

	targetFormat := imageproc.Format(req.TargetFormat)
	if targetFormat == "" {
		targetFormat = imageproc.FormatPNG
	}

	out, contentType, err := imageproc.Convert(data, targetFormat)
	if err != nil {
		h.writeError(w, apperr.Validation("%s", err.Error()))
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}
