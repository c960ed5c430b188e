package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/kv"
)

func (s *Server) handleLatestTicker(w http.ResponseWriter, r *http.Request) {
	s.serveCached(w, r, kv.KeyTicker(chi.URLParam(r, "venue"), chi.URLParam(r, "*")))
}

func (s *Server) handleLatestBook(w http.ResponseWriter, r *http.Request) {
	s.serveCached(w, r, kv.KeyBook(chi.URLParam(r, "venue"), chi.URLParam(r, "*")))
}

// serveCached writes a latest-value cache entry verbatim: the collector
// already stores canonical JSON.
func (s *Server) serveCached(w http.ResponseWriter, r *http.Request, key string) {
	raw, err := s.cache.Get(r.Context(), key)
	if err != nil {
		if kv.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "no fresh data")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(raw))
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	venueName, symbol := chi.URLParam(r, "venue"), chi.URLParam(r, "*")
	q := r.URL.Query()

	interval := q.Get("interval")
	if interval == "" {
		interval = "1m"
	}
	from, to := timeRange(q.Get("from"), q.Get("to"))

	candles, err := s.market.Candles(r.Context(), venueName, symbol, interval, from, to, queryInt(q.Get("limit"), 500))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"candles": candles,
		"count":   len(candles),
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	venueName, symbol := chi.URLParam(r, "venue"), chi.URLParam(r, "*")
	q := r.URL.Query()
	from, to := timeRange(q.Get("from"), q.Get("to"))

	trades, err := s.market.Trades(r.Context(), venueName, symbol, from, to, queryInt(q.Get("limit"), 500))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
	})
}

func (s *Server) handleTickerHistory(w http.ResponseWriter, r *http.Request) {
	venueName, symbol := chi.URLParam(r, "venue"), chi.URLParam(r, "*")
	q := r.URL.Query()
	from, to := timeRange(q.Get("from"), q.Get("to"))

	tickers, err := s.market.TickerHistory(r.Context(), venueName, symbol, from, to, queryInt(q.Get("limit"), 500))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tickers": tickers,
		"count":   len(tickers),
	})
}

func (s *Server) handleCollectorStats(w http.ResponseWriter, r *http.Request) {
	stats := s.collectors.Stats()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"collectors": stats,
		"count":      len(stats),
	})
}

// timeRange parses from/to as unix seconds; the default window is the
// last hour.
func timeRange(fromRaw, toRaw string) (time.Time, time.Time) {
	to := time.Now().UTC()
	if sec, err := strconv.ParseInt(toRaw, 10, 64); err == nil && sec > 0 {
		to = time.Unix(sec, 0).UTC()
	}
	from := to.Add(-time.Hour)
	if sec, err := strconv.ParseInt(fromRaw, 10, 64); err == nil && sec > 0 {
		from = time.Unix(sec, 0).UTC()
	}
	return from, to
}
