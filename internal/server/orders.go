package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/orders"
)

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var intent domain.Intent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	order, _, err := s.orders.Create(r.Context(), &intent)
	if err != nil {
		var verr *orders.ValidationError
		var rerr *orders.RiskRejectionError
		switch {
		case errors.As(err, &verr):
			s.writeError(w, http.StatusBadRequest, verr.Msg)
		case errors.As(err, &rerr):
			status := http.StatusUnprocessableEntity
			if hasEmergencyStopReason(rerr.Assessment.Reasons) {
				status = http.StatusConflict
			}
			s.writeJSON(w, status, map[string]interface{}{
				"error":      "order rejected by risk checks",
				"assessment": rerr.Assessment,
			})
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.Header().Set("Location", "/v1/orders/"+order.ID)
	s.writeJSON(w, http.StatusCreated, order)
}

func hasEmergencyStopReason(reasons []string) bool {
	for _, reason := range reasons {
		if strings.Contains(reason, "emergency stop") {
			return true
		}
	}
	return false
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	order, changed, err := s.orders.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "order not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if changed && body.Reason != "" {
		s.log.Info().Str("order_id", id).Str("reason", body.Reason).Msg("Order canceled via API")
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := orders.Filter{
		Strategy: q.Get("strategy"),
		Venue:    q.Get("venue"),
		Symbol:   q.Get("symbol"),
		Status:   domain.OrderStatus(q.Get("status")),
		Type:     domain.OrderType(q.Get("type")),
		Limit:    queryInt(q.Get("limit"), 100),
		Offset:   queryInt(q.Get("offset"), 0),
	}

	list := s.orders.Query(filter)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"orders": list,
		"count":  len(list),
	})
}

func (s *Server) handleOrderStatistics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orders.Statistics(r.URL.Query().Get("strategy")))
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Status(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTWAPProgress(w http.ResponseWriter, r *http.Request) {
	plan, ok := s.plans.TWAPProgress(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "no twap plan for order")
		return
	}
	s.writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleIcebergProgress(w http.ResponseWriter, r *http.Request) {
	plan, ok := s.plans.IcebergProgress(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "no iceberg plan for order")
		return
	}
	s.writeJSON(w, http.StatusOK, plan)
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
