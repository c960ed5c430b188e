// Package collector runs the market-data pipeline: one collector per
// venue fans stream events into bounded in-memory batches, a flusher
// persists them, and every event also lands in the latest-value cache and
// on the pub-sub bus for live consumers.
package collector

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/config"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/kv"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/marketstore"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue"
)

// Stats is one collector's counters for the health endpoint.
type Stats struct {
	Venue     string    `json:"venue"`
	Received  int64     `json:"received"`
	Flushed   int64     `json:"flushed"`
	Dropped   int64     `json:"dropped"`
	Buffered  int       `json:"buffered"`
	LastEvent time.Time `json:"last_event,omitempty"`
	LastFlush time.Time `json:"last_flush,omitempty"`
}

// Collector consumes one venue's stream. Batching and flushing are
// decoupled: the event loop only appends to buffers, the flusher owns the
// database writes.
type Collector struct {
	venue venue.Venue
	store *marketstore.Store
	cache kv.Store
	cfg   config.CollectorConfig
	log   zerolog.Logger

	mu       sync.Mutex
	tickers  []*domain.Ticker
	trades   []*domain.PublicTrade
	candles  []*domain.Candle
	received int64
	flushed  int64
	dropped  int64
	lastEv   time.Time
	lastFl   time.Time

	flushCh chan struct{}
	done    chan struct{}
}

// New creates a collector for one venue.
func New(v venue.Venue, store *marketstore.Store, cache kv.Store, cfg config.CollectorConfig, log zerolog.Logger) *Collector {
	return &Collector{
		venue:   v,
		store:   store,
		cache:   cache,
		cfg:     cfg,
		log:     log.With().Str("component", "collector").Str("venue", v.Name()).Logger(),
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Run opens the stream, subscribes all configured symbols on every
// channel, and pumps events until the context ends. Reconnection is the
// stream's concern; Run only sees a closed event channel when the stream
// is shut down for good.
func (c *Collector) Run(ctx context.Context) error {
	stream, err := c.venue.OpenStream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()
	defer close(c.done)

	for _, ch := range []venue.Channel{venue.ChannelTicker, venue.ChannelBook, venue.ChannelTrade, venue.ChannelCandle} {
		if err := stream.Subscribe(ctx, ch, c.cfg.Symbols); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.flushLoop(ctx)
	}()

	c.log.Info().Strs("symbols", c.cfg.Symbols).Msg("Collector started")
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			c.flush(context.Background())
			return ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				wg.Wait()
				c.flush(context.Background())
				return nil
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Collector) handle(ctx context.Context, ev venue.Event) {
	c.mu.Lock()
	c.received++
	c.lastEv = time.Now()
	full := false
	switch {
	case ev.Ticker != nil:
		c.tickers = appendBounded(c.tickers, ev.Ticker, c.cfg.BatchSize, &c.dropped)
		full = len(c.tickers) >= c.cfg.BatchSize
	case ev.Trade != nil:
		c.trades = appendBounded(c.trades, ev.Trade, c.cfg.BatchSize, &c.dropped)
		full = len(c.trades) >= c.cfg.BatchSize
	case ev.Candle != nil:
		c.candles = appendBounded(c.candles, ev.Candle, c.cfg.BatchSize, &c.dropped)
		full = len(c.candles) >= c.cfg.BatchSize
	}
	c.mu.Unlock()

	c.publish(ctx, ev)
	if full {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// appendBounded keeps the buffer below twice the soft cap by dropping the
// oldest entries. Persistence loses data before the live path does.
func appendBounded[T any](buf []*T, item *T, batchSize int, dropped *int64) []*T {
	buf = append(buf, item)
	if max := 2 * batchSize; len(buf) > max {
		over := len(buf) - max
		buf = append(buf[:0], buf[over:]...)
		*dropped += int64(over)
	}
	return buf
}

// publish updates the latest-value cache and fans the event out on the
// pub-sub bus. Cache errors are logged, never fatal: the stream must keep
// draining.
func (c *Collector) publish(ctx context.Context, ev venue.Event) {
	name := c.venue.Name()
	switch {
	case ev.Ticker != nil:
		if data, err := json.Marshal(ev.Ticker); err == nil {
			if err := c.cache.Set(ctx, kv.KeyTicker(name, ev.Ticker.Symbol), string(data), c.cfg.TickerTTL); err != nil {
				c.log.Warn().Err(err).Msg("Ticker cache write failed")
			}
			_ = c.cache.Publish(ctx, kv.TopicTicker(name), string(data))
		}
	case ev.Book != nil:
		if data, err := json.Marshal(ev.Book); err == nil {
			if err := c.cache.Set(ctx, kv.KeyBook(name, ev.Book.Symbol), string(data), c.cfg.BookTTL); err != nil {
				c.log.Warn().Err(err).Msg("Book cache write failed")
			}
			_ = c.cache.Publish(ctx, kv.TopicBook(name), string(data))
		}
	case ev.Trade != nil:
		if data, err := json.Marshal(ev.Trade); err == nil {
			_ = c.cache.Publish(ctx, kv.TopicTrade(name), string(data))
		}
	case ev.Candle != nil:
		if data, err := json.Marshal(ev.Candle); err == nil {
			_ = c.cache.Publish(ctx, kv.TopicCandle(name), string(data))
		}
	}
}

func (c *Collector) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flush(ctx)
		case <-c.flushCh:
			c.flush(ctx)
		}
	}
}

// flush swaps the buffers out under the lock and persists them outside it.
func (c *Collector) flush(ctx context.Context) {
	c.mu.Lock()
	tickers, trades, candles := c.tickers, c.trades, c.candles
	c.tickers, c.trades, c.candles = nil, nil, nil
	c.mu.Unlock()

	total := len(tickers) + len(trades) + len(candles)
	if total == 0 {
		return
	}

	if err := c.store.InsertTickers(ctx, tickers); err != nil {
		c.log.Error().Err(err).Int("count", len(tickers)).Msg("Ticker flush failed")
	}
	if err := c.store.InsertTrades(ctx, trades); err != nil {
		c.log.Error().Err(err).Int("count", len(trades)).Msg("Trade flush failed")
	}
	if err := c.store.InsertCandles(ctx, candles); err != nil {
		c.log.Error().Err(err).Int("count", len(candles)).Msg("Candle flush failed")
	}

	c.mu.Lock()
	c.flushed += int64(total)
	c.lastFl = time.Now()
	c.mu.Unlock()
}

// Stats reports the collector's counters.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Venue:     c.venue.Name(),
		Received:  c.received,
		Flushed:   c.flushed,
		Dropped:   c.dropped,
		Buffered:  len(c.tickers) + len(c.trades) + len(c.candles),
		LastEvent: c.lastEv,
		LastFlush: c.lastFl,
	}
}

// Done is closed when Run has returned.
func (c *Collector) Done() <-chan struct{} { return c.done }
