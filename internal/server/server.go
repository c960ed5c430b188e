// Package server provides the HTTP server and routing for the terminal.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/alerts"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/collector"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/config"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/database"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/executor"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/kv"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/marketstore"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/orders"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/positions"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/queue"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/risk"
)

// Config holds the server's dependencies.
type Config struct {
	Log        zerolog.Logger
	Cfg        *config.Config
	Orders     *orders.Service
	Queue      *queue.Queue
	Plans      *executor.PlanTracker
	Risk       *risk.Manager
	Tracker    *positions.Tracker
	Alerts     *alerts.Service
	Cache      kv.Store
	Market     *marketstore.Store
	Collectors *collector.Manager
	OrdersDB   *database.DB
	MarketDB   *database.DB
}

// Server represents the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger

	cfg        *config.Config
	orders     *orders.Service
	queue      *queue.Queue
	plans      *executor.PlanTracker
	risk       *risk.Manager
	tracker    *positions.Tracker
	alerts     *alerts.Service
	cache      kv.Store
	market     *marketstore.Store
	collectors *collector.Manager
	ordersDB   *database.DB
	marketDB   *database.DB
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		log:        cfg.Log.With().Str("component", "server").Logger(),
		cfg:        cfg.Cfg,
		orders:     cfg.Orders,
		queue:      cfg.Queue,
		plans:      cfg.Plans,
		risk:       cfg.Risk,
		tracker:    cfg.Tracker,
		alerts:     cfg.Alerts,
		cache:      cfg.Cache,
		market:     cfg.Market,
		collectors: cfg.Collectors,
		ordersDB:   cfg.OrdersDB,
		marketDB:   cfg.MarketDB,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", s.handleCreateOrder)
			r.Get("/", s.handleListOrders)
			r.Get("/statistics", s.handleOrderStatistics)
			r.Get("/queue/status", s.handleQueueStatus)
			r.Post("/{id}/cancel", s.handleCancelOrder)
			r.Get("/{id}", s.handleGetOrder)
			r.Get("/{id}/twap-progress", s.handleTWAPProgress)
			r.Get("/{id}/iceberg-progress", s.handleIcebergProgress)
		})

		r.Route("/positions", func(r chi.Router) {
			r.Get("/", s.handleListPositions)
			r.Post("/sync/{venue}", s.handleSyncPositions)
			// Symbols carry a slash (BTC/USDT), so the tail is a wildcard.
			r.Get("/{strategy}/{venue}/*", s.handleGetPosition)
		})

		r.Route("/risk", func(r chi.Router) {
			r.Post("/validate-order", s.handleValidateOrder)
			r.Post("/emergency-stop", s.handleEmergencyStop)
			r.Post("/resume", s.handleRiskResume)
			r.Get("/status", s.handleRiskStatus)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/{user_id}", s.handleListAlerts)
			r.Post("/{user_id}/{alert_id}/acknowledge", s.handleAcknowledgeAlert)
			r.Delete("/{user_id}/cleanup", s.handleAlertCleanup)
		})

		r.Route("/market", func(r chi.Router) {
			r.Get("/ticker/{venue}/*", s.handleLatestTicker)
			r.Get("/book/{venue}/*", s.handleLatestBook)
			r.Get("/candles/{venue}/*", s.handleCandles)
			r.Get("/trades/{venue}/*", s.handleTrades)
			r.Get("/ticker-history/{venue}/*", s.handleTickerHistory)
			r.Get("/collectors", s.handleCollectorStats)
		})
	})
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
