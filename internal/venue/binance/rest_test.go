package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue"
)

func testAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	v, err := New(domain.Credentials{APIKey: "key", APISecret: "secret"}, zerolog.Nop())
	require.NoError(t, err)
	a := v.(*Adapter)
	a.client.
		SetBaseURL(baseURL).
		SetRetryWaitTime(time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Millisecond)
	return a
}

func submitRequest() venue.SubmitRequest {
	return venue.SubmitRequest{
		Symbol:        "BTC/USDT",
		Side:          domain.SideBuy,
		Type:          domain.OrderTypeMarket,
		Quantity:      decimal.RequireFromString("0.5"),
		ClientOrderID: "ord-1",
	}
}

const filledOrderBody = `{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"ord-1",
	"price":"0","origQty":"0.5","executedQty":"0.5","cummulativeQuoteQty":"25000",
	"status":"FILLED","type":"MARKET","side":"BUY",
	"time":1700000000000,"updateTime":1700000000000}`

// A submit whose response never arrives must not be re-posted. The adapter
// resolves it with a client-order-id lookup and adopts whatever the venue
// already has.
func TestSubmitLostResponseAdoptsVenueOrder(t *testing.T) {
	var posts, lookups atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			posts.Add(1)
			// Drop the connection after the order landed.
			conn, _, err := w.(http.Hijacker).Hijack()
			if err != nil {
				return
			}
			conn.Close()
		case http.MethodGet:
			if r.URL.Query().Get("origClientOrderId") != "ord-1" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			lookups.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(filledOrderBody))
		}
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL)
	state, err := a.SubmitOrder(context.Background(), submitRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(1), posts.Load(), "the lost submit must not be re-posted")
	assert.Equal(t, int32(1), lookups.Load())
	assert.Equal(t, "42", state.VenueOrderID)
	assert.Equal(t, domain.StatusFilled, state.Status)
	assert.Equal(t, "50000", state.AvgFillPrice.String())
}

// A duplicate-client-id rejection means an earlier submit already landed;
// the adapter adopts the live order instead of reporting a rejection.
func TestSubmitDuplicateRejectionAdoptsVenueOrder(t *testing.T) {
	var posts, lookups atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodPost:
			posts.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-2010,"msg":"Duplicate order sent."}`))
		case http.MethodGet:
			lookups.Add(1)
			w.Write([]byte(filledOrderBody))
		}
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL)
	state, err := a.SubmitOrder(context.Background(), submitRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(1), posts.Load())
	assert.Equal(t, int32(1), lookups.Load())
	assert.Equal(t, domain.StatusFilled, state.Status)
}

// -2010 also covers genuine refusals like insufficient balance. When the
// lookup finds no order, the rejection stands.
func TestSubmitGenuineRejectionStands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		switch r.Method {
		case http.MethodPost:
			w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`))
		case http.MethodGet:
			w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
		}
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL)
	_, err := a.SubmitOrder(context.Background(), submitRequest())
	require.Error(t, err)
	assert.True(t, venue.IsRejection(err))
	assert.Contains(t, err.Error(), "insufficient balance")
}

// A transport failure on a submit without a client order id cannot be
// reconciled; it surfaces as transient for the queue to handle.
func TestSubmitWithoutClientIDStaysTransient(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL)
	req := submitRequest()
	req.ClientOrderID = ""
	_, err := a.SubmitOrder(context.Background(), req)
	require.Error(t, err)
	assert.True(t, venue.IsTransient(err))
	assert.Equal(t, int32(1), posts.Load())
}

// Idempotent reads still retry through transient server errors.
func TestPublicGetRetriesServerError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"lastPrice":"50000","bidPrice":"49999","askPrice":"50001",
			"highPrice":"51000","lowPrice":"49000","volume":"100","quoteVolume":"5000000",
			"priceChange":"100","priceChangePercent":"0.2","closeTime":1700000000000}`))
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL)
	ticker, err := a.Ticker(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, "50000", ticker.Last.String())
}
