package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/alerts"
)

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	q := r.URL.Query()

	pageSize := queryInt(q.Get("page_size"), 50)
	if pageSize < 1 {
		pageSize = 50
	}
	page := queryInt(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}

	var acknowledged *bool
	if raw := q.Get("acknowledged"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "acknowledged must be a boolean")
			return
		}
		acknowledged = &v
	}

	list, err := s.alerts.List(r.Context(), userID, pageSize, (page-1)*pageSize, acknowledged)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts":    list,
		"count":     len(list),
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	alertID := chi.URLParam(r, "alert_id")

	alert, err := s.alerts.Acknowledge(r.Context(), userID, alertID)
	if err != nil {
		if errors.Is(err, alerts.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAlertCleanup(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	days := queryInt(r.URL.Query().Get("days"), 30)
	if days < 1 {
		s.writeError(w, http.StatusBadRequest, "days must be at least 1")
		return
	}

	deleted, err := s.alerts.Cleanup(r.Context(), userID, days)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted":        deleted,
		"retention_days": days,
	})
}
