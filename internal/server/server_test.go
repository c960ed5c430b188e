package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/alerts"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/collector"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/config"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/executor"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/kv"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/marketstore"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/orders"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/positions"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/queue"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/risk"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/testutil"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue/mock"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	srv     *Server
	venue   *mock.Venue
	cache   *kv.MemoryStore
	tracker *positions.Tracker
	alerts  *alerts.Service
	market  *marketstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	cache := kv.NewMemoryStore()
	t.Cleanup(func() { cache.Close() })

	ordersDB := testutil.NewTestDB(t, "orders")
	marketDB := testutil.NewTestDB(t, "marketdata")

	repo, err := orders.NewRepository(ordersDB, zerolog.Nop())
	require.NoError(t, err)
	store, err := orders.NewStore(ctx, repo, zerolog.Nop())
	require.NoError(t, err)

	market, err := marketstore.New(marketDB, zerolog.Nop())
	require.NoError(t, err)

	v := mock.New("mock")
	registry := venue.NewRegistry(map[string]venue.Factory{
		"mock": func(domain.Credentials, zerolog.Logger) (venue.Venue, error) { return v, nil },
	}, nil, zerolog.Nop())

	tracker := positions.NewTracker(cache, registry, "default", d("100000"), zerolog.Nop())
	alertSvc := alerts.New(cache, zerolog.Nop())

	riskCfg := config.RiskConfig{
		MaxOrderNotional:    50000,
		MaxPositionNotional: 100000,
		MaxTotalExposure:    250000,
		MaxDailyLoss:        5000,
		MaxDrawdownPct:      15,
		MaxConsecutiveLoss:  5,
		ConcentrationPct:    90,
		EmergencyStopTTL:    time.Hour,
	}
	riskMgr := risk.NewManager(cache, tracker, alertSvc, riskCfg, "default", zerolog.Nop())

	ex := executor.New(store, registry, tracker, cache, config.ExecutorConfig{
		MaxSlippageBps:  50,
		LimitMonitorFor: 2 * time.Second,
		LimitPollEvery:  10 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(ex.Shutdown)

	q := queue.New(cache, queue.Config{MaxAttempts: 2, BackoffBase: 10 * time.Millisecond, Workers: 1}, zerolog.Nop())

	svc := orders.NewService(store, riskMgr, q, registry, ex, zerolog.Nop())
	riskMgr.SetStopper(svc)

	pool := executor.NewWorkerPool(ex, q, 1, zerolog.Nop())
	workerCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go pool.Run(workerCtx)

	collectors := collector.NewManager(registry, market, cache, config.CollectorConfig{
		BatchSize:     1,
		FlushInterval: time.Second,
	}, zerolog.Nop())

	srv := New(Config{
		Log:        zerolog.Nop(),
		Cfg:        &config.Config{Port: 8080, UserID: "default"},
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

	return &fixture{
		srv:     srv,
		venue:   v,
		cache:   cache,
		tracker: tracker,
		alerts:  alertSvc,
		market:  market,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func (f *fixture) cacheTicker(t *testing.T, venueName, symbol string, last decimal.Decimal) {
	t.Helper()
	data, err := json.Marshal(domain.Ticker{Venue: venueName, Symbol: symbol, Last: last, Bid: last, Ask: last})
	require.NoError(t, err)
	require.NoError(t, f.cache.Set(context.Background(), kv.KeyTicker(venueName, symbol), string(data), 0))
}

func marketIntent(qty string) map[string]interface{} {
	return map[string]interface{}{
		"strategy": "s1",
		"venue":    "mock",
		"symbol":   "BTC/USDT",
		"side":     "buy",
		"type":     "market",
		"quantity": qty,
	}
}

func TestCreateOrderFillsEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.cacheTicker(t, "mock", "BTC/USDT", d("50000"))

	rec := f.do(t, http.MethodPost, "/v1/orders", marketIntent("0.1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[domain.Order](t, rec)
	assert.Equal(t, domain.StatusPending, created.Status)
	assert.Equal(t, "/v1/orders/"+created.ID, rec.Header().Get("Location"))

	require.Eventually(t, func() bool {
		var got domain.Order
		if json.Unmarshal(f.do(t, http.MethodGet, "/v1/orders/"+created.ID, nil).Body.Bytes(), &got) != nil {
			return false
		}
		return got.Status == domain.StatusFilled
	}, 5*time.Second, 25*time.Millisecond)

	// The fill opened a position that the positions surface can see.
	rec = f.do(t, http.MethodGet, "/v1/positions/s1/mock/BTC/USDT", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pos := decode[domain.Position](t, rec)
	assert.True(t, pos.Quantity.Equal(d("0.1")))
	assert.Equal(t, domain.PositionLong, pos.Side)
}

func TestCreateOrderRejectsInvalidBody(t *testing.T) {
	f := newFixture(t)

	intent := marketIntent("0")
	rec := f.do(t, http.MethodPost, "/v1/orders", intent)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateOrderRiskRejectionIs422(t *testing.T) {
	f := newFixture(t)
	f.cacheTicker(t, "mock", "BTC/USDT", d("50000"))

	rec := f.do(t, http.MethodPost, "/v1/orders", marketIntent("1.5")) // 75k > 50k cap
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	body := decode[map[string]interface{}](t, rec)
	assert.Contains(t, body, "assessment")
}

func TestOrderNotFoundIs404(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/orders/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/orders/missing/cancel", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/orders/missing/twap-progress", nil).Code)
}

func TestListOrdersAndStatistics(t *testing.T) {
	f := newFixture(t)
	f.cacheTicker(t, "mock", "BTC/USDT", d("50000"))

	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodPost, "/v1/orders", marketIntent("0.01"))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	require.Eventually(t, func() bool {
		var stats orders.Statistics
		if json.Unmarshal(f.do(t, http.MethodGet, "/v1/orders/statistics", nil).Body.Bytes(), &stats) != nil {
			return false
		}
		return stats.ByStatus[domain.StatusFilled] == 3
	}, 5*time.Second, 25*time.Millisecond)

	list := decode[map[string]json.RawMessage](t, f.do(t, http.MethodGet, "/v1/orders?symbol=BTC/USDT&limit=2", nil))
	var page []domain.Order
	require.NoError(t, json.Unmarshal(list["orders"], &page))
	assert.Len(t, page, 2)

	empty := decode[orders.Statistics](t, f.do(t, http.MethodGet, "/v1/orders/statistics?strategy=none", nil))
	assert.Equal(t, 0, empty.Total)

	rec := f.do(t, http.MethodGet, "/v1/orders/queue/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[queue.Stats](t, rec)
	assert.NotEqual(t, queue.Health(""), stats.Health)
}

func TestTWAPProgressEndpoint(t *testing.T) {
	f := newFixture(t)
	f.cacheTicker(t, "mock", "BTC/USDT", d("50000"))

	intent := marketIntent("0.3")
	intent["type"] = "twap"
	intent["twap_slices"] = 3
	intent["twap_interval"] = 1

	rec := f.do(t, http.MethodPost, "/v1/orders", intent)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[domain.Order](t, rec)

	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/v1/orders/"+created.ID+"/twap-progress", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var plan domain.TWAPPlan
		if json.Unmarshal(rec.Body.Bytes(), &plan) != nil {
			return false
		}
		return plan.CompletedSlices == 3
	}, 10*time.Second, 50*time.Millisecond)
}

func TestEmergencyStopCascade(t *testing.T) {
	f := newFixture(t)
	f.cacheTicker(t, "mock", "BTC/USDT", d("50000"))

	// An open position and a resting limit order.
	f.tracker.UpdateFromFill(context.Background(), "s1", "mock", "BTC/USDT", domain.SideBuy, d("0.5"), d("50000"), time.Now().UTC())

	f.venue.RestLimitOrders(true)
	limit := marketIntent("0.1")
	limit["type"] = "limit"
	limit["price"] = "40000"
	rec := f.do(t, http.MethodPost, "/v1/orders", limit)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/risk/emergency-stop", map[string]interface{}{
		"user_id": "default",
		"reason":  "drawdown",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[struct {
		Success         bool     `json:"success"`
		CancelledOrders []string `json:"cancelled_orders"`
		ClosedPositions []string `json:"closed_positions"`
	}](t, rec)
	assert.True(t, body.Success)
	assert.Contains(t, body.ClosedPositions, "s1:mock:BTC/USDT")
	assert.Empty(t, f.tracker.All())

	// New orders now bounce with 409.
	rec = f.do(t, http.MethodPost, "/v1/orders", marketIntent("0.1"))
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	// A repeat without force does not re-run the sweep.
	rec = f.do(t, http.MethodPost, "/v1/risk/emergency-stop", map[string]interface{}{"reason": "again"})
	require.Equal(t, http.StatusOK, rec.Code)
	repeat := decode[map[string]interface{}](t, rec)
	assert.Equal(t, true, repeat["already_stopped"])

	// Resume clears the flag and orders pass again.
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/risk/resume", nil).Code)
	rec = f.do(t, http.MethodPost, "/v1/orders", marketIntent("0.1"))
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestValidateOrderEndpoint(t *testing.T) {
	f := newFixture(t)
	f.cacheTicker(t, "mock", "BTC/USDT", d("50000"))

	rec := f.do(t, http.MethodPost, "/v1/risk/validate-order", marketIntent("0.1"))
	require.Equal(t, http.StatusOK, rec.Code)
	ok := decode[map[string]interface{}](t, rec)
	assert.Equal(t, true, ok["valid"])

	rec = f.do(t, http.MethodPost, "/v1/risk/validate-order", marketIntent("1.5"))
	require.Equal(t, http.StatusOK, rec.Code)
	rejected := decode[map[string]interface{}](t, rec)
	assert.Equal(t, false, rejected["valid"])
	assert.Contains(t, rejected["rejected_reason"], "order notional")

	// Intrinsically broken intents are the caller's fault.
	rec = f.do(t, http.MethodPost, "/v1/risk/validate-order", marketIntent("0"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alert, created, err := f.alerts.Create(ctx, "default", domain.AlertConcentration, domain.SeverityWarning, "BTC/USDT is 45% of equity", nil)
	require.NoError(t, err)
	require.True(t, created)

	rec := f.do(t, http.MethodGet, "/v1/alerts/default", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string]json.RawMessage](t, rec)
	var items []domain.Alert
	require.NoError(t, json.Unmarshal(list["alerts"], &items))
	require.Len(t, items, 1)
	assert.False(t, items[0].Acknowledged)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/v1/alerts/default/%s/acknowledge", alert.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	acked := decode[domain.Alert](t, rec)
	assert.True(t, acked.Acknowledged)

	// The acknowledged filter hides it.
	rec = f.do(t, http.MethodGet, "/v1/alerts/default?acknowledged=false", nil)
	filtered := decode[map[string]json.RawMessage](t, rec)
	items = nil
	require.NoError(t, json.Unmarshal(filtered["alerts"], &items))
	assert.Empty(t, items)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/alerts/default/missing/acknowledge", nil).Code)

	rec = f.do(t, http.MethodDelete, "/v1/alerts/default/cleanup?days=30", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cleanup := decode[map[string]interface{}](t, rec)
	assert.Equal(t, float64(0), cleanup["deleted"]) // nothing older than 30 days
}

func TestMarketDataEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.cacheTicker(t, "mock", "BTC/USDT", d("50000"))
	rec := f.do(t, http.MethodGet, "/v1/market/ticker/mock/BTC/USDT", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ticker := decode[domain.Ticker](t, rec)
	assert.True(t, ticker.Last.Equal(d("50000")))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/market/ticker/mock/DOGE/USDT", nil).Code)

	now := time.Now().UTC().Truncate(time.Minute)
	require.NoError(t, f.market.InsertCandles(ctx, []*domain.Candle{
		{Venue: "mock", Symbol: "BTC/USDT", Interval: "1m", Timestamp: now.Add(-2 * time.Minute), Open: d("49000"), High: d("50500"), Low: d("48900"), Close: d("50000"), Volume: d("12")},
		{Venue: "mock", Symbol: "BTC/USDT", Interval: "1m", Timestamp: now.Add(-time.Minute), Open: d("50000"), High: d("50200"), Low: d("49800"), Close: d("50100"), Volume: d("8")},
	}))

	rec = f.do(t, http.MethodGet, "/v1/market/candles/mock/BTC/USDT?interval=1m", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	candles := decode[map[string]json.RawMessage](t, rec)
	var rows []domain.Candle
	require.NoError(t, json.Unmarshal(candles["candles"], &rows))
	assert.Len(t, rows, 2)

	rec = f.do(t, http.MethodGet, "/v1/market/collectors", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "queue_stats")
	assert.Contains(t, body, "system")
}
