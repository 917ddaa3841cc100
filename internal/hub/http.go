package hub

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/inksync/internal/types"
)

// PresenceHandler serves GET /documents/{id}/presence.
type PresenceHandler struct {
	hub    *Hub
	logger zerolog.Logger
}

// NewPresenceHandler builds the roster endpoint.
func NewPresenceHandler(h *Hub, logger zerolog.Logger) *PresenceHandler {
	return &PresenceHandler{hub: h, logger: logger}
}

type rosterResponse struct {
	Document     types.DocumentID `json:"document_id"`
	Participants []types.Session  `json:"participants"`
}

// ServeHTTP implements http.Handler.
func (p *PresenceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "documents" || parts[2] != "presence" || parts[1] == "" {
		http.NotFound(w, r)
		return
	}
	docID := types.DocumentID(parts[1])

	replica, err := p.hub.Replica(r.Context(), docID)
	if err != nil {
		p.logger.Error().Err(err).Str("document", string(docID)).Msg("open board failed")
		http.Error(w, "board unavailable", http.StatusServiceUnavailable)
		return
	}
	roster, err := replica.Roster(r.Context())
	if err != nil {
		p.logger.Error().Err(err).Str("document", string(docID)).Msg("load roster failed")
		http.Error(w, "roster unavailable", http.StatusBadGateway)
		return
	}
	if roster == nil {
		roster = []types.Session{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rosterResponse{Document: docID, Participants: roster}); err != nil {
		http.Error(w, "encode response failed", http.StatusInternalServerError)
	}
}
