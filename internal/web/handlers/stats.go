package handlers

import (
	"net/http"
)

// StatsHandler reports store and index counts.
type StatsHandler struct {
	tagger Tagger
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(t Tagger) *StatsHandler {
	return &StatsHandler{tagger: t}
}

// Get returns the current distributor statistics.
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.tagger.Stats())
}
