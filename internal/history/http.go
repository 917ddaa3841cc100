package history

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/inksync/internal/storage"
	"github.com/example/inksync/internal/types"
)

// HTTPHandler exposes playback via a RESTful endpoint.
type HTTPHandler struct {
	svc    *Service
	logger zerolog.Logger
}

// NewHTTPHandler builds the handler for GET /documents/{id}/state.
func NewHTTPHandler(svc *Service, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "documents" || parts[2] != "state" || parts[1] == "" {
		http.NotFound(w, r)
		return
	}
	docID := parts[1]
	req := Request{Document: types.DocumentID(docID)}

	if raw := r.URL.Query().Get("at_op"); raw != "" {
		opID, err := types.ParseOperationID(raw)
		if err != nil {
			http.Error(w, "invalid at_op", http.StatusBadRequest)
			return
		}
		req.Operation = &opID
	}
	if raw := r.URL.Query().Get("at_time"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			http.Error(w, "invalid at_time", http.StatusBadRequest)
			return
		}
		req.AtTime = &parsed
	}

	resp, err := h.svc.Playback(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrInvalidRequest):
			status = http.StatusBadRequest
		case errors.Is(err, storage.ErrRecordNotFound):
			status = http.StatusNotFound
		}
		h.logger.Error().Err(err).Str("document", docID).Int("status", status).Msg("playback failed")
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "encode response failed", http.StatusInternalServerError)
	}
}
