// Package api serves the live contents of the local replica over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/delta-crdt-engine/internal/crdt"
	"github.com/example/delta-crdt-engine/internal/replica"
	"github.com/example/delta-crdt-engine/internal/types"
)

const maxBodyBytes = 1 << 20

// Store is the part of the replica engine the API needs.
type Store interface {
	Put(id types.CollectionID, key, value string) error
	Delete(id types.CollectionID, key string) bool
	Get(id types.CollectionID, key string) ([]string, error)
	Entries(id types.CollectionID) (map[string][]string, error)
	Frontier(id types.CollectionID) types.VectorClock
	LastLSN(id types.CollectionID) int64
	Collections() []types.CollectionID
}

type putRequest struct {
	Value *string `json:"value"`
}

// KeyResponse is the body of a single key read.
type KeyResponse struct {
	Collection types.CollectionID `json:"collection"`
	Key        string             `json:"key"`
	Values     []string           `json:"values"`
	// Conflict is set when concurrent writes have not been resolved.
	Conflict bool `json:"conflict,omitempty"`
}

// CollectionResponse is the body of a collection read.
type CollectionResponse struct {
	Collection types.CollectionID  `json:"collection"`
	LSN        int64               `json:"lsn"`
	Frontier   types.VectorClock   `json:"frontier"`
	Entries    map[string][]string `json:"entries"`
}

// Handler routes:
//
//	GET    /collections
//	GET    /collections/{id}
//	GET    /collections/{id}/keys/{key}
//	PUT    /collections/{id}/keys/{key}   {"value": "..."}
//	DELETE /collections/{id}/keys/{key}
type Handler struct {
	store  Store
	logger zerolog.Logger
}

// NewHandler builds the live collection API.
func NewHandler(store Store, logger zerolog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 0 || parts[0] != "collections" {
		http.NotFound(w, r)
		return
	}

	switch len(parts) {
	case 1:
		h.listCollections(w, r)
	case 2:
		h.getCollection(w, r, types.CollectionID(parts[1]))
	case 4:
		if parts[2] != "keys" || parts[1] == "" || parts[3] == "" {
			http.NotFound(w, r)
			return
		}
		h.key(w, r, types.CollectionID(parts[1]), parts[3])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) listCollections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ids := h.store.Collections()
	if ids == nil {
		ids = []types.CollectionID{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"collections": ids})
}

func (h *Handler) getCollection(w http.ResponseWriter, r *http.Request, id types.CollectionID) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	entries, err := h.store.Entries(id)
	if errors.Is(err, replica.ErrUnknownCollection) {
		http.Error(w, "unknown collection", http.StatusNotFound)
		return
	}
	if err != nil {
		h.fail(w, err, id)
		return
	}
	h.writeJSON(w, http.StatusOK, CollectionResponse{
		Collection: id,
		LSN:        h.store.LastLSN(id),
		Frontier:   h.store.Frontier(id),
		Entries:    entries,
	})
}

func (h *Handler) key(w http.ResponseWriter, r *http.Request, id types.CollectionID, key string) {
	switch r.Method {
	case http.MethodGet:
		values, err := h.store.Get(id, key)
		if errors.Is(err, crdt.ErrMissingKey) || errors.Is(err, replica.ErrUnknownCollection) {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		if err != nil {
			h.fail(w, err, id)
			return
		}
		h.writeJSON(w, http.StatusOK, KeyResponse{Collection: id, Key: key, Values: values, Conflict: len(values) > 1})

	case http.MethodPut:
		var req putRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Value == nil {
			http.Error(w, `body must be {"value": "..."}`, http.StatusBadRequest)
			return
		}
		if err := h.store.Put(id, key, *req.Value); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		if !h.store.Delete(id, key) {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w)
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error, id types.CollectionID) {
	h.logger.Error().Err(err).Str("collection", string(id)).Msg("collection request failed")
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn().Err(err).Msg("encode response failed")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
