package handlers

import (
	"context"
	"errors"
	"net/http"

	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-relay/internal/preview"
)

// Previewer builds link cards.
type Previewer interface {
	Fetch(ctx context.Context, rawURL string) (*preview.Preview, error)
}

type PreviewHandler struct {
	Previews Previewer
	Log      waLog.Logger
}

// LinkPreview answers GET /api/link-preview?url=.
func (h *PreviewHandler) LinkPreview(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	p, err := h.Previews.Fetch(r.Context(), raw)
	switch {
	case errors.Is(err, preview.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		h.Log.Warnf("Link preview for %s failed: %v", raw, err)
		writeError(w, http.StatusBadGateway, "could not fetch link preview")
	default:
		writeJSON(w, http.StatusOK, p)
	}
}
