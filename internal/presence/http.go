package presence

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
)

type rosterResponse struct {
	Collection string `json:"collection"`
	Peers      []Peer `json:"peers"`
}

// Handler serves GET /collections/{id}/peers. It must be mounted on a
// pattern that binds the id path value.
func (s *Service) Handler(logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			http.Error(w, "missing collection", http.StatusBadRequest)
			return
		}
		peers, err := s.Roster(r.Context(), id)
		if err != nil {
			logger.Error().Err(err).Str("collection", id).Msg("roster lookup failed")
			http.Error(w, "roster unavailable", http.StatusServiceUnavailable)
			return
		}
		if peers == nil {
			peers = []Peer{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rosterResponse{Collection: id, Peers: peers}); err != nil {
			logger.Error().Err(err).Msg("encode roster response")
		}
	})
}
