package playback

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/delta-crdt-engine/internal/types"
)

// HTTPHandler exposes playback via a RESTful endpoint.
type HTTPHandler struct {
	svc    *Service
	logger zerolog.Logger
}

// NewHTTPHandler builds the handler for GET /collections/{id}/state.
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
	if len(parts) != 3 || parts[0] != "collections" || parts[2] != "state" {
		http.NotFound(w, r)
		return
	}
	id := parts[1]

	req := Request{Collection: types.CollectionID(id)}
	if raw := r.URL.Query().Get("at_lsn"); raw != "" {
		lsn, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid at_lsn", http.StatusBadRequest)
			return
		}
		req.LSN = lsn
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
		h.logger.Error().Err(err).Str("collection", id).Msg("playback failed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "encode response failed", http.StatusInternalServerError)
	}
}
