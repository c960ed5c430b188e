package collector

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/config"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/kv"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/marketstore"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue"
)

// Manager runs one collector per configured venue.
type Manager struct {
	registry   *venue.Registry
	store      *marketstore.Store
	cache      kv.Store
	cfg        config.CollectorConfig
	log        zerolog.Logger
	collectors []*Collector
	wg         sync.WaitGroup
}

// NewManager builds the manager; collectors start on Start.
func NewManager(registry *venue.Registry, store *marketstore.Store, cache kv.Store, cfg config.CollectorConfig, log zerolog.Logger) *Manager {
	return &Manager{
		registry: registry,
		store:    store,
		cache:    cache,
		cfg:      cfg,
		log:      log.With().Str("component", "collector_manager").Logger(),
	}
}

// Start launches a collector goroutine for each configured venue. Venues
// that fail to connect are skipped with a log line so one bad venue does
// not take the pipeline down.
func (m *Manager) Start(ctx context.Context) {
	for _, name := range m.cfg.Venues {
		v, err := m.registry.Get(ctx, name)
		if err != nil {
			m.log.Error().Err(err).Str("venue", name).Msg("Skipping venue, connect failed")
			continue
		}
		c := New(v, m.store, m.cache, m.cfg, m.log)
		m.collectors = append(m.collectors, c)
		m.wg.Add(1)
		go func(c *Collector, name string) {
			defer m.wg.Done()
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Error().Err(err).Str("venue", name).Msg("Collector stopped")
			}
		}(c, name)
	}
}

// Wait blocks until every collector has drained.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Stats reports per-venue collector counters.
func (m *Manager) Stats() []Stats {
	out := make([]Stats, 0, len(m.collectors))
	for _, c := range m.collectors {
		out = append(out, c.Stats())
	}
	return out
}
