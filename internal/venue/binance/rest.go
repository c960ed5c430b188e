// Package binance adapts the Binance spot API onto the venue facade. Public
// endpoints work without credentials; trading and account endpoints sign
// requests with the stored API key.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue"
)

const (
	VenueName = "binance"

	mainnetBaseURL = "https://api.binance.com"
	testnetBaseURL = "https://testnet.binance.vision"
	mainnetWSURL   = "wss://stream.binance.com:9443/stream"
	testnetWSURL   = "wss://stream.testnet.binance.vision/stream"

	requestTimeout = 30 * time.Second
	retryCount     = 3
	retryBaseWait  = 500 * time.Millisecond
)

// Adapter implements venue.Venue for Binance spot.
type Adapter struct {
	creds   domain.Credentials
	client  *resty.Client
	limiter *rate.Limiter
	wsURL   string
	log     zerolog.Logger
}

// New builds the adapter. Testnet credentials select the testnet base URLs.
func New(creds domain.Credentials, log zerolog.Logger) (venue.Venue, error) {
	baseURL, wsURL := mainnetBaseURL, mainnetWSURL
	if creds.Testnet {
		baseURL, wsURL = testnetBaseURL, testnetWSURL
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(retryBaseWait).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Only idempotent reads retry automatically. A submit whose
			// response was lost must reconcile by client order id, never
			// re-post blind.
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Adapter{
		creds:  creds,
		client: client,
		// Binance allows 1200 request weight/minute; stay well inside it.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		wsURL:   wsURL,
		log:     log.With().Str("component", "binance_adapter").Logger(),
	}, nil
}

func (a *Adapter) Name() string { return VenueName }

// apiError is the Binance error body.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// mapError converts an HTTP outcome into the typed error taxonomy.
func (a *Adapter) mapError(resp *resty.Response, err error) error {
	if err != nil {
		return &venue.TransientError{Venue: VenueName, Err: err}
	}
	if resp.IsSuccess() {
		return nil
	}
	status := resp.StatusCode()
	if status == http.StatusTooManyRequests || status == 418 {
		wait := time.Minute
		if hdr := resp.Header().Get("Retry-After"); hdr != "" {
			if secs, parseErr := strconv.Atoi(hdr); parseErr == nil {
				wait = time.Duration(secs) * time.Second
			}
		}
		return &venue.RateLimitError{Venue: VenueName, RetryAfter: wait}
	}
	if status >= 500 {
		return &venue.TransientError{Venue: VenueName, Err: fmt.Errorf("http %d: %s", status, resp.String())}
	}

	var body apiError
	_ = json.Unmarshal(resp.Body(), &body)
	msg := body.Msg
	if msg == "" {
		msg = resp.String()
	}
	if body.Code == -2013 || body.Code == -2011 {
		// Unknown order.
		return venue.ErrOrderNotFound
	}
	return &venue.RejectionError{
		Venue:   VenueName,
		Code:    strconv.Itoa(body.Code),
		Message: msg,
	}
}

// public performs an unsigned GET.
func (a *Adapter) public(ctx context.Context, path string, query map[string]string, out interface{}) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(out).
		Get(path)
	return a.mapError(resp, err)
}

// signed performs an authenticated request with an HMAC-SHA256 signature
// over the query string, Binance style.
func (a *Adapter) signed(ctx context.Context, method, path string, params map[string]string, out interface{}) error {
	if a.creds.APIKey == "" {
		return &venue.RejectionError{Venue: VenueName, Code: "no_credentials", Message: "no API credentials configured"}
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	values.Set("recvWindow", "5000")

	mac := hmac.New(sha256.New, []byte(a.creds.APISecret))
	mac.Write([]byte(values.Encode()))
	values.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	req := a.client.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", a.creds.APIKey).
		SetQueryParamsFromValues(values)
	if out != nil {
		req.SetResult(out)
	}

	var resp *resty.Response
	var err error
	switch method {
	case http.MethodGet:
		resp, err = req.Get(path)
	case http.MethodPost:
		resp, err = req.Post(path)
	case http.MethodDelete:
		resp, err = req.Delete(path)
	default:
		return fmt.Errorf("unsupported method %s", method)
	}
	return a.mapError(resp, err)
}

func (a *Adapter) Instrument(ctx context.Context, symbol string) (*domain.Instrument, error) {
	var result struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			Status     string `json:"status"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Filters    []struct {
				FilterType  string `json:"filterType"`
				MinQty      string `json:"minQty"`
				StepSize    string `json:"stepSize"`
				TickSize    string `json:"tickSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	err := a.public(ctx, "/api/v3/exchangeInfo", map[string]string{
		"symbol": venue.NativeSymbol(symbol),
	}, &result)
	if err != nil {
		return nil, err
	}
	if len(result.Symbols) == 0 {
		return nil, &venue.RejectionError{Venue: VenueName, Code: "unknown_instrument", Message: "unknown instrument " + symbol}
	}

	s := result.Symbols[0]
	ins := &domain.Instrument{
		Venue:      VenueName,
		Symbol:     symbol,
		BaseAsset:  s.BaseAsset,
		QuoteAsset: s.QuoteAsset,
		Active:     s.Status == "TRADING",
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			ins.MinQuantity = mustDecimal(f.MinQty)
			ins.QuantityStep = mustDecimal(f.StepSize)
		case "PRICE_FILTER":
			ins.PriceStep = mustDecimal(f.TickSize)
		case "NOTIONAL", "MIN_NOTIONAL":
			ins.MinNotional = mustDecimal(f.MinNotional)
		}
	}
	return ins, nil
}

func (a *Adapter) Ticker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	var result struct {
		LastPrice          string `json:"lastPrice"`
		BidPrice           string `json:"bidPrice"`
		AskPrice           string `json:"askPrice"`
		HighPrice          string `json:"highPrice"`
		LowPrice           string `json:"lowPrice"`
		Volume             string `json:"volume"`
		QuoteVolume        string `json:"quoteVolume"`
		PriceChange        string `json:"priceChange"`
		PriceChangePercent string `json:"priceChangePercent"`
		CloseTime          int64  `json:"closeTime"`
	}
	err := a.public(ctx, "/api/v3/ticker/24hr", map[string]string{
		"symbol": venue.NativeSymbol(symbol),
	}, &result)
	if err != nil {
		return nil, err
	}
	return &domain.Ticker{
		Venue:          VenueName,
		Symbol:         symbol,
		Timestamp:      time.UnixMilli(result.CloseTime),
		Last:           mustDecimal(result.LastPrice),
		Bid:            mustDecimal(result.BidPrice),
		Ask:            mustDecimal(result.AskPrice),
		High24h:        mustDecimal(result.HighPrice),
		Low24h:         mustDecimal(result.LowPrice),
		BaseVolume24h:  mustDecimal(result.Volume),
		QuoteVolume24h: mustDecimal(result.QuoteVolume),
		Change24h:      mustDecimal(result.PriceChange),
		ChangePct24h:   mustDecimal(result.PriceChangePercent),
	}, nil
}

func (a *Adapter) OrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	var result struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	err := a.public(ctx, "/api/v3/depth", map[string]string{
		"symbol": venue.NativeSymbol(symbol),
		"limit":  strconv.Itoa(depth),
	}, &result)
	if err != nil {
		return nil, err
	}
	book := &domain.OrderBook{
		Venue:     VenueName,
		Symbol:    symbol,
		Timestamp: time.Now(),
	}
	for _, lvl := range result.Bids {
		if len(lvl) >= 2 {
			book.Bids = append(book.Bids, domain.BookLevel{Price: mustDecimal(lvl[0]), Quantity: mustDecimal(lvl[1])})
		}
	}
	for _, lvl := range result.Asks {
		if len(lvl) >= 2 {
			book.Asks = append(book.Asks, domain.BookLevel{Price: mustDecimal(lvl[0]), Quantity: mustDecimal(lvl[1])})
		}
	}
	return book, nil
}

func (a *Adapter) Trades(ctx context.Context, symbol string, limit int) ([]domain.PublicTrade, error) {
	if limit <= 0 {
		limit = 100
	}
	var result []struct {
		ID           int64  `json:"id"`
		Price        string `json:"price"`
		Qty          string `json:"qty"`
		Time         int64  `json:"time"`
		IsBuyerMaker bool   `json:"isBuyerMaker"`
	}
	err := a.public(ctx, "/api/v3/trades", map[string]string{
		"symbol": venue.NativeSymbol(symbol),
		"limit":  strconv.Itoa(limit),
	}, &result)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PublicTrade, 0, len(result))
	for _, t := range result {
		side := domain.SideBuy
		if t.IsBuyerMaker {
			side = domain.SideSell
		}
		out = append(out, domain.PublicTrade{
			Venue:        VenueName,
			Symbol:       symbol,
			TradeID:      strconv.FormatInt(t.ID, 10),
			Timestamp:    time.UnixMilli(t.Time),
			Price:        mustDecimal(t.Price),
			Quantity:     mustDecimal(t.Qty),
			Side:         side,
			IsBuyerMaker: t.IsBuyerMaker,
		})
	}
	return out, nil
}

func (a *Adapter) Candles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	if limit <= 0 {
		limit = 500
	}
	var result [][]json.RawMessage
	err := a.public(ctx, "/api/v3/klines", map[string]string{
		"symbol":   venue.NativeSymbol(symbol),
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}, &result)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Candle, 0, len(result))
	for _, row := range result {
		c, err := parseKlineRow(symbol, interval, row)
		if err != nil {
			a.log.Warn().Err(err).Msg("Skipping malformed kline row")
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (a *Adapter) Balances(ctx context.Context) ([]domain.Balance, error) {
	var result struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := a.signed(ctx, http.MethodGet, "/api/v3/account", nil, &result); err != nil {
		return nil, err
	}
	out := make([]domain.Balance, 0, len(result.Balances))
	for _, b := range result.Balances {
		free, locked := mustDecimal(b.Free), mustDecimal(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out = append(out, domain.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

// OpenPositions is a derivatives capability; spot has no venue-native
// positions.
func (a *Adapter) OpenPositions(context.Context) ([]domain.Position, error) {
	return nil, venue.ErrNotSupported
}

// binanceOrder is the order payload common to submit/query responses.
type binanceOrder struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	Time                int64  `json:"time"`
	UpdateTime          int64  `json:"updateTime"`
	TransactTime        int64  `json:"transactTime"`
	Fills               []struct {
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
		TradeID         int64  `json:"tradeId"`
	} `json:"fills"`
}

// statusMap maps Binance order statuses onto the canonical lifecycle.
var statusMap = map[string]domain.OrderStatus{
	"NEW":              domain.StatusSubmitted,
	"PARTIALLY_FILLED": domain.StatusPartial,
	"FILLED":           domain.StatusFilled,
	"CANCELED":         domain.StatusCanceled,
	"REJECTED":         domain.StatusRejected,
	"EXPIRED":          domain.StatusExpired,
	"EXPIRED_IN_MATCH": domain.StatusExpired,
}

func (o *binanceOrder) toState(symbol string) *venue.OrderState {
	status, ok := statusMap[o.Status]
	if !ok {
		status = domain.StatusSubmitted
	}
	side := domain.SideBuy
	if o.Side == "SELL" {
		side = domain.SideSell
	}
	otype := domain.OrderTypeLimit
	if o.Type == "MARKET" {
		otype = domain.OrderTypeMarket
	}

	filled := mustDecimal(o.ExecutedQty)
	avg := decimal.Zero
	if filled.IsPositive() {
		avg = mustDecimal(o.CummulativeQuoteQty).Div(filled)
	}

	created := o.Time
	if created == 0 {
		created = o.TransactTime
	}
	updated := o.UpdateTime
	if updated == 0 {
		updated = created
	}

	state := &venue.OrderState{
		VenueOrderID:   strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:  o.ClientOrderID,
		Symbol:         symbol,
		Side:           side,
		Type:           otype,
		Price:          mustDecimal(o.Price),
		Quantity:       mustDecimal(o.OrigQty),
		Status:         status,
		FilledQuantity: filled,
		AvgFillPrice:   avg,
		CreatedAt:      time.UnixMilli(created),
		UpdatedAt:      time.UnixMilli(updated),
	}
	for _, f := range o.Fills {
		state.Executions = append(state.Executions, domain.Execution{
			Timestamp:   state.UpdatedAt,
			Price:       mustDecimal(f.Price),
			Quantity:    mustDecimal(f.Qty),
			Fee:         mustDecimal(f.Commission),
			FeeCurrency: f.CommissionAsset,
			TradeID:     strconv.FormatInt(f.TradeID, 10),
		})
	}
	return state
}

func (a *Adapter) SubmitOrder(ctx context.Context, req venue.SubmitRequest) (*venue.OrderState, error) {
	params := map[string]string{
		"symbol":   venue.NativeSymbol(req.Symbol),
		"side":     map[domain.Side]string{domain.SideBuy: "BUY", domain.SideSell: "SELL"}[req.Side],
		"quantity": req.Quantity.String(),
	}
	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}
	switch req.Type {
	case domain.OrderTypeMarket:
		params["type"] = "MARKET"
	case domain.OrderTypeLimit:
		params["type"] = "LIMIT"
		params["price"] = req.Price.String()
		tif := req.TimeInForce
		if tif == "" || tif == domain.TIFGoodTillDate {
			tif = domain.TIFGoodTillCancel
		}
		params["timeInForce"] = string(tif)
	default:
		return nil, &venue.RejectionError{Venue: VenueName, Code: "bad_type", Message: "unsupported order type " + string(req.Type)}
	}
	params["newOrderRespType"] = "FULL"

	var result binanceOrder
	if err := a.signed(ctx, http.MethodPost, "/api/v3/order", params, &result); err != nil {
		if state, ok := a.adoptExisting(ctx, req, err); ok {
			return state, nil
		}
		return nil, err
	}
	return result.toState(req.Symbol), nil
}

// adoptExisting resolves an indeterminate submit. A lost response or a
// duplicate-client-id rejection both mean the order may already live at
// the venue; the client order id lookup is the tiebreaker. When the venue
// reports the id unknown the original error stands, and a transient one
// tells the caller the submit never landed and may be retried.
func (a *Adapter) adoptExisting(ctx context.Context, req venue.SubmitRequest, submitErr error) (*venue.OrderState, bool) {
	if req.ClientOrderID == "" {
		return nil, false
	}
	var transient *venue.TransientError
	var rejection *venue.RejectionError
	switch {
	case errors.As(submitErr, &transient):
	case errors.As(submitErr, &rejection) && rejection.Code == "-2010":
		// NEW_ORDER_REJECTED covers duplicate ids among genuine refusals;
		// only the lookup can tell them apart.
	default:
		return nil, false
	}

	state, err := a.GetOrderByClientID(ctx, req.Symbol, req.ClientOrderID)
	if err != nil {
		return nil, false
	}
	a.log.Warn().
		Str("client_order_id", req.ClientOrderID).
		Str("venue_order_id", state.VenueOrderID).
		Msg("Adopted existing venue order after indeterminate submit")
	return state, true
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	return a.signed(ctx, http.MethodDelete, "/api/v3/order", map[string]string{
		"symbol":  venue.NativeSymbol(symbol),
		"orderId": venueOrderID,
	}, nil)
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, venueOrderID string) (*venue.OrderState, error) {
	var result binanceOrder
	err := a.signed(ctx, http.MethodGet, "/api/v3/order", map[string]string{
		"symbol":  venue.NativeSymbol(symbol),
		"orderId": venueOrderID,
	}, &result)
	if err != nil {
		return nil, err
	}
	return result.toState(symbol), nil
}

func (a *Adapter) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*venue.OrderState, error) {
	var result binanceOrder
	err := a.signed(ctx, http.MethodGet, "/api/v3/order", map[string]string{
		"symbol":            venue.NativeSymbol(symbol),
		"origClientOrderId": clientOrderID,
	}, &result)
	if err != nil {
		return nil, err
	}
	return result.toState(symbol), nil
}

func (a *Adapter) OpenOrders(ctx context.Context, symbol string) ([]venue.OrderState, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = venue.NativeSymbol(symbol)
	}
	var result []binanceOrder
	if err := a.signed(ctx, http.MethodGet, "/api/v3/openOrders", params, &result); err != nil {
		return nil, err
	}
	out := make([]venue.OrderState, 0, len(result))
	for _, o := range result {
		out = append(out, *o.toState(venue.CanonicalSymbol(o.Symbol)))
	}
	return out, nil
}

// Spot accounts have no leverage, margin mode or funding.

func (a *Adapter) SetLeverage(context.Context, string, int) error {
	return venue.ErrNotSupported
}

func (a *Adapter) SetMarginMode(context.Context, string, string) error {
	return venue.ErrNotSupported
}

func (a *Adapter) FundingRate(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, venue.ErrNotSupported
}

// mustDecimal parses venue-reported numerics, treating blanks as zero.
// Venue payloads are trusted to be well-formed numbers.
func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
