package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue"
)

const (
	dialTimeout  = 30 * time.Second
	writeWait    = 10 * time.Second
	pingInterval = 25 * time.Second
	pongTimeout  = 10 * time.Second

	baseReconnectDelay = 1 * time.Second
	maxReconnectDelay  = 60 * time.Second
)

// stream implements venue.Stream over the Binance combined websocket feed.
// The stream owns its reconnect loop: on socket loss it redials with
// exponential backoff and re-issues every subscription held in memory.
type stream struct {
	url string
	log zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[venue.Channel][]string // tracked for resubscription
	msgID   int
	stopped bool

	events   chan venue.Event
	stopChan chan struct{}
}

// OpenStream dials the public feed and starts the read loop.
func (a *Adapter) OpenStream(ctx context.Context) (venue.Stream, error) {
	s := &stream{
		url:      a.wsURL,
		log:      a.log.With().Str("component", "binance_stream").Logger(),
		subs:     make(map[venue.Channel][]string),
		events:   make(chan venue.Event, 256),
		stopChan: make(chan struct{}),
	}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	go s.run()
	return s, nil
}

func (s *stream) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	conn.SetReadLimit(1 << 20)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// Subscribe adds symbols to a channel and sends the subscription frame. The
// subscription list is kept in memory so a reconnect can replay it.
func (s *stream) Subscribe(ctx context.Context, ch venue.Channel, symbols []string) error {
	s.mu.Lock()
	s.subs[ch] = append(s.subs[ch], symbols...)
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		// Not connected right now; the reconnect loop will replay.
		return nil
	}
	return s.sendSubscribe(ctx, conn, ch, symbols)
}

// streamName renders the Binance stream name for a channel+symbol.
func streamName(ch venue.Channel, symbol string) string {
	native := strings.ToLower(venue.NativeSymbol(symbol))
	switch ch {
	case venue.ChannelTicker:
		return native + "@ticker"
	case venue.ChannelBook:
		return native + "@depth20@100ms"
	case venue.ChannelTrade:
		return native + "@trade"
	case venue.ChannelCandle:
		return native + "@kline_1m"
	}
	return native
}

func (s *stream) sendSubscribe(ctx context.Context, conn *websocket.Conn, ch venue.Channel, symbols []string) error {
	params := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		params = append(params, streamName(ch, sym))
	}
	s.mu.Lock()
	s.msgID++
	id := s.msgID
	s.mu.Unlock()

	frame, err := json.Marshal(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     id,
	})
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	s.log.Info().Strs("streams", params).Msg("Subscribed")
	return nil
}

// resubscribe replays every held subscription after a reconnect.
func (s *stream) resubscribe(ctx context.Context, conn *websocket.Conn) error {
	s.mu.Lock()
	held := make(map[venue.Channel][]string, len(s.subs))
	for ch, syms := range s.subs {
		held[ch] = append([]string(nil), syms...)
	}
	s.mu.Unlock()

	for ch, syms := range held {
		if len(syms) == 0 {
			continue
		}
		if err := s.sendSubscribe(ctx, conn, ch, syms); err != nil {
			return err
		}
	}
	return nil
}

// run is the read loop plus reconnect driver.
func (s *stream) run() {
	defer close(s.events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopChan
		cancel()
	}()

	attempt := 0
	for {
		s.mu.Lock()
		conn := s.conn
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}

		if conn == nil {
			// Exponential backoff: 1s, 2s, 4s, ... capped at a minute.
			delay := time.Duration(math.Min(
				float64(baseReconnectDelay)*math.Pow(2, float64(attempt)),
				float64(maxReconnectDelay),
			))
			s.log.Info().Dur("delay", delay).Int("attempt", attempt+1).Msg("Reconnecting")
			select {
			case <-s.stopChan:
				return
			case <-time.After(delay):
			}
			attempt++
			if err := s.connect(ctx); err != nil {
				s.log.Warn().Err(err).Msg("Reconnect failed")
				continue
			}
			s.mu.Lock()
			conn = s.conn
			s.mu.Unlock()
			if err := s.resubscribe(ctx, conn); err != nil {
				s.log.Warn().Err(err).Msg("Resubscribe failed")
				s.dropConn()
				continue
			}
		}

		attempt = 0
		s.readUntilClosed(ctx, conn)
		s.dropConn()
	}
}

func (s *stream) dropConn() {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
		s.conn = nil
	}
	s.mu.Unlock()
}

// readUntilClosed pumps frames until the socket errors or the stream stops.
// A heartbeat goroutine pings every 25s; a missed pong within 10s tears the
// connection down so the reconnect loop takes over.
func (s *stream) readUntilClosed(ctx context.Context, conn *websocket.Conn) {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-readCtx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(readCtx, pongTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()
				if err != nil {
					s.log.Warn().Err(err).Msg("Ping timeout, dropping connection")
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(readCtx)
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if !stopped {
				s.log.Warn().Err(err).Msg("Websocket read failed")
			}
			return
		}
		ev, ok := parseFrame(data)
		if !ok {
			continue // subscription acks, unknown payloads
		}
		select {
		case s.events <- ev:
		case <-readCtx.Done():
			return
		}
	}
}

func (s *stream) Events() <-chan venue.Event { return s.events }

func (s *stream) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopChan)
	s.dropConn()
	return nil
}
