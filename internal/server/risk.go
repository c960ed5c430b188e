package server

import (
	"encoding/json"
	"net/http"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
)

func (s *Server) handleValidateOrder(w http.ResponseWriter, r *http.Request) {
	var intent domain.Intent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := intent.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	assessment, err := s.risk.CheckOrder(r.Context(), &intent)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]interface{}{
		"valid":      assessment.Approved,
		"risk_level": assessment.Level,
		"warnings":   assessment.Warnings,
	}
	if len(assessment.Reasons) > 0 {
		resp["rejected_reason"] = assessment.Reasons[0]
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
		Reason string `json:"reason"`
		Force  bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Reason == "" {
		body.Reason = "manual emergency stop"
	}

	// Without force, an already-armed stop is not re-run: the first call
	// already swept the book.
	if !body.Force {
		if stopped, err := s.risk.Stopped(r.Context()); err == nil && stopped {
			s.writeJSON(w, http.StatusOK, map[string]interface{}{
				"success":          true,
				"already_stopped":  true,
				"cancelled_orders": []string{},
				"closed_positions": []string{},
			})
			return
		}
	}

	canceled, closed, err := s.risk.EmergencyStop(r.Context(), body.Reason)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if canceled == nil {
		canceled = []string{}
	}
	if closed == nil {
		closed = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"cancelled_orders": canceled,
		"closed_positions": closed,
	})
}

func (s *Server) handleRiskResume(w http.ResponseWriter, r *http.Request) {
	if err := s.risk.Resume(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleRiskStatus(w http.ResponseWriter, r *http.Request) {
	stopped, err := s.risk.Stopped(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"emergency_stopped": stopped,
		"pnl":               s.tracker.PnL(),
		"total_exposure":    s.tracker.TotalExposure(),
	})
}
