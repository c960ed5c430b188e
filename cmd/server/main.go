// Package main is the entry point for the delta terminal backend. It
// wires the order executor, risk manager and market-data pipeline
// together and serves the REST API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/alerts"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/collector"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/config"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/database"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/executor"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/kv"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/marketstore"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/objstore"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/orders"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/positions"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/queue"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/risk"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/scheduler"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/server"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue/binance"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue/mock"
	"github.com/VictorVVedtion/delta-terminal-sub000/pkg/logger"
)

func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.Pretty,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting delta terminal")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Two-database layout: the order ledger favours durability, the
	// market-data store favours write throughput.
	ordersDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "orders.db"),
		Profile: database.ProfileLedger,
		Name:    "orders",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open orders database")
	}
	defer ordersDB.Close()

	marketDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "marketdata.db"),
		Profile: database.ProfileCache,
		Name:    "marketdata",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open market-data database")
	}
	defer marketDB.Close()

	// Shared KV store: Redis when configured, in-process otherwise.
	var cache kv.Store
	if cfg.Redis.Addr != "" {
		redisStore, err := kv.NewRedisStore(ctx, kv.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		cache = redisStore
	} else {
		log.Info().Msg("No Redis configured, using in-memory KV store")
		cache = kv.NewMemoryStore()
	}
	defer cache.Close()

	var vault *kv.Vault
	if cfg.Vault.EncryptionKey != "" {
		vault, err = kv.NewVault(cache, cfg.Vault.EncryptionKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize credential vault")
		}
	} else {
		log.Warn().Msg("No vault encryption key set, venues run with public access only")
	}

	registry := venue.NewRegistry(map[string]venue.Factory{
		"binance": binance.New,
		"mock": func(domain.Credentials, zerolog.Logger) (venue.Venue, error) {
			return mock.New("mock"), nil
		},
	}, vault, log)

	repo, err := orders.NewRepository(ordersDB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize order repository")
	}
	store, err := orders.NewStore(ctx, repo, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load order store")
	}

	market, err := marketstore.New(marketDB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize market-data store")
	}

	tracker := positions.NewTracker(cache, registry, cfg.UserID, decimal.NewFromFloat(cfg.Risk.InitialEquity), log)
	alertSvc := alerts.New(cache, log)
	riskMgr := risk.NewManager(cache, tracker, alertSvc, cfg.Risk, cfg.UserID, log)

	ex := executor.New(store, registry, tracker, cache, cfg.Executor, log)
	defer ex.Shutdown()

	q := queue.New(cache, queue.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
		Workers:     cfg.Queue.Workers,
	}, log)

	svc := orders.NewService(store, riskMgr, q, registry, ex, log)
	riskMgr.SetStopper(svc)

	pool := executor.NewWorkerPool(ex, q, cfg.Queue.Workers, log)
	go pool.Run(ctx)
	go riskMgr.RunMonitor(ctx)

	collectors := collector.NewManager(registry, market, cache, cfg.Collector, log)
	collectors.Start(ctx)

	// Chunk archival is optional: without a bucket the closed day
	// partitions simply stay in SQLite.
	var archiver *marketstore.Archiver
	if cfg.Archive.Bucket != "" {
		s3, err := objstore.New(ctx, objstore.Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		}, log)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize object store, chunk archival disabled")
		} else {
			archiver = marketstore.NewArchiver(market, s3, cfg.Archive.Prefix, log)
		}
	}

	sched := scheduler.New(log)
	schedule := []struct {
		spec string
		job  scheduler.Job
	}{
		{"0 * * * * *", &scheduler.ReconcileJob{Ex: ex}},
		{"@every 5m", &scheduler.RequeueJob{Queue: q, StaleFor: 10 * time.Minute, Log: log}},
		{"0 30 0 * * *", &scheduler.AlertCleanupJob{Alerts: alertSvc, UserID: cfg.UserID, RetentionDays: cfg.Alerts.RetentionDays}},
		{"0 0 1 * * *", &scheduler.ArchiveJob{Archiver: archiver, Log: log}},
		{"0 15 * * * *", &scheduler.WALCheckpointJob{DBs: []*database.DB{ordersDB, marketDB}}},
	}
	for _, entry := range schedule {
		if err := sched.AddJob(entry.spec, entry.job); err != nil {
			log.Fatal().Err(err).Str("job", entry.job.Name()).Msg("Failed to register job")
		}
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:        log,
		Cfg:        cfg,
		Orders:     svc,
		Queue:      q,
		Plans:      ex.Plans(),
		Risk:       riskMgr,
		Tracker:    tracker,
		Alerts:     alertSvc,
		Cache:      cache,
		Market:     market,
		Collectors: collectors,
		OrdersDB:   ordersDB,
		MarketDB:   marketDB,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop taking new scheduled work, then the workers and collectors.
	sched.Stop()
	cancel()
	collectors.Wait()

	log.Info().Msg("Server stopped")
}
