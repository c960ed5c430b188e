package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticker is a 24h rolling snapshot for one instrument on one venue.
type Ticker struct {
	Venue          string          `json:"venue"`
	Symbol         string          `json:"symbol"`
	Timestamp      time.Time       `json:"timestamp"`
	Last           decimal.Decimal `json:"last"`
	Bid            decimal.Decimal `json:"bid"`
	Ask            decimal.Decimal `json:"ask"`
	High24h        decimal.Decimal `json:"high_24h"`
	Low24h         decimal.Decimal `json:"low_24h"`
	BaseVolume24h  decimal.Decimal `json:"base_volume_24h"`
	QuoteVolume24h decimal.Decimal `json:"quote_volume_24h"`
	Change24h      decimal.Decimal `json:"change_24h"`
	ChangePct24h   decimal.Decimal `json:"change_pct_24h"`
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook is a depth snapshot. Bids descend, asks ascend.
type OrderBook struct {
	Venue     string      `json:"venue"`
	Symbol    string      `json:"symbol"`
	Timestamp time.Time   `json:"timestamp"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
}

// BestBid returns the top bid, or zero when the book side is empty.
func (b *OrderBook) BestBid() decimal.Decimal {
	if len(b.Bids) == 0 {
		return decimal.Zero
	}
	return b.Bids[0].Price
}

// BestAsk returns the top ask, or zero when the book side is empty.
func (b *OrderBook) BestAsk() decimal.Decimal {
	if len(b.Asks) == 0 {
		return decimal.Zero
	}
	return b.Asks[0].Price
}

// PublicTrade is one public trade print.
type PublicTrade struct {
	Venue        string          `json:"venue"`
	Symbol       string          `json:"symbol"`
	TradeID      string          `json:"trade_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Side         Side            `json:"side"`
	IsBuyerMaker bool            `json:"is_buyer_maker"`
}

// Candle is one OHLCV bar.
type Candle struct {
	Venue       string          `json:"venue"`
	Symbol      string          `json:"symbol"`
	Interval    string          `json:"interval"`
	Timestamp   time.Time       `json:"timestamp"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	TradeCount  int64           `json:"trade_count"`
}

// Instrument is venue-reported metadata for a tradable symbol.
type Instrument struct {
	Venue       string          `json:"venue"`
	Symbol      string          `json:"symbol"`
	BaseAsset   string          `json:"base_asset"`
	QuoteAsset  string          `json:"quote_asset"`
	MinQuantity decimal.Decimal `json:"min_quantity"`
	MinNotional decimal.Decimal `json:"min_notional"`
	PriceStep   decimal.Decimal `json:"price_step"`
	QuantityStep decimal.Decimal `json:"quantity_step"`
	Active      bool            `json:"active"`
}

// Balance is one asset balance on a venue account.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Credentials is the per-venue API credential set. Persisted encrypted in
// the shared KV under credentials:{venue}.
type Credentials struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
	Testnet    bool   `json:"testnet"`
}

// PnLSnapshot is the per-user profit-and-loss record the risk components
// read from the KV (risk:pnl:{user}). Written by the external P&L feeder.
type PnLSnapshot struct {
	UserID            string          `json:"user_id"`
	RealizedToday     decimal.Decimal `json:"realized_today"`
	Unrealized        decimal.Decimal `json:"unrealized"`
	Equity            decimal.Decimal `json:"equity"`
	InitialEquity     decimal.Decimal `json:"initial_equity"`
	PeakEquity        decimal.Decimal `json:"peak_equity"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Drawdown is (peak - equity) / peak, zero when no peak is recorded.
func (p *PnLSnapshot) Drawdown() decimal.Decimal {
	if !p.PeakEquity.IsPositive() {
		return decimal.Zero
	}
	return p.PeakEquity.Sub(p.Equity).Div(p.PeakEquity)
}
