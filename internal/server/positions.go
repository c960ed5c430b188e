package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
)

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	strategy, venueName, symbol := q.Get("strategy"), q.Get("venue"), q.Get("symbol")

	var out []domain.Position
	for _, pos := range s.tracker.All() {
		if strategy != "" && pos.Strategy != strategy {
			continue
		}
		if venueName != "" && pos.Venue != venueName {
			continue
		}
		if symbol != "" && pos.Symbol != symbol {
			continue
		}
		out = append(out, pos)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions":      out,
		"count":          len(out),
		"total_exposure": s.tracker.TotalExposure(),
	})
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	strategy := chi.URLParam(r, "strategy")
	venueName := chi.URLParam(r, "venue")
	symbol := chi.URLParam(r, "*")

	for _, pos := range s.tracker.All() {
		if pos.Strategy == strategy && pos.Venue == venueName && pos.Symbol == symbol {
			s.writeJSON(w, http.StatusOK, pos)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "position not found")
}

func (s *Server) handleSyncPositions(w http.ResponseWriter, r *http.Request) {
	venueName := chi.URLParam(r, "venue")

	if err := s.tracker.Sync(r.Context(), venueName); err != nil {
		s.writeError(w, http.StatusBadGateway, "sync failed: "+err.Error())
		return
	}

	var out []domain.Position
	for _, pos := range s.tracker.All() {
		if pos.Venue == venueName {
			out = append(out, pos)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"venue":     venueName,
		"positions": out,
		"count":     len(out),
	})
}
