package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue"
)

// parseFrame converts a raw combined-stream frame into a canonical event.
// Returns false for frames that are not data (subscription acks, pings).
// Parsing is a pure function so the read loop stays trivial.
func parseFrame(data []byte) (venue.Event, bool) {
	var frame struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil || frame.Stream == "" {
		return venue.Event{}, false
	}

	switch {
	case strings.Contains(frame.Stream, "@ticker"):
		return parseTickerFrame(frame.Data)
	case strings.Contains(frame.Stream, "@depth"):
		return parseDepthFrame(frame.Stream, frame.Data)
	case strings.Contains(frame.Stream, "@trade"):
		return parseTradeFrame(frame.Data)
	case strings.Contains(frame.Stream, "@kline"):
		return parseKlineFrame(frame.Data)
	}
	return venue.Event{}, false
}

func parseTickerFrame(data []byte) (venue.Event, bool) {
	var t struct {
		EventTime    int64  `json:"E"`
		Symbol       string `json:"s"`
		Last         string `json:"c"`
		Bid          string `json:"b"`
		Ask          string `json:"a"`
		High         string `json:"h"`
		Low          string `json:"l"`
		Volume       string `json:"v"`
		QuoteVolume  string `json:"q"`
		PriceChange  string `json:"p"`
		PriceChgPct  string `json:"P"`
	}
	if err := json.Unmarshal(data, &t); err != nil || t.Symbol == "" {
		return venue.Event{}, false
	}
	return venue.Event{Ticker: &domain.Ticker{
		Venue:          VenueName,
		Symbol:         venue.CanonicalSymbol(t.Symbol),
		Timestamp:      time.UnixMilli(t.EventTime),
		Last:           mustDecimal(t.Last),
		Bid:            mustDecimal(t.Bid),
		Ask:            mustDecimal(t.Ask),
		High24h:        mustDecimal(t.High),
		Low24h:         mustDecimal(t.Low),
		BaseVolume24h:  mustDecimal(t.Volume),
		QuoteVolume24h: mustDecimal(t.QuoteVolume),
		Change24h:      mustDecimal(t.PriceChange),
		ChangePct24h:   mustDecimal(t.PriceChgPct),
	}}, true
}

func parseDepthFrame(stream string, data []byte) (venue.Event, bool) {
	var d struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return venue.Event{}, false
	}
	// Partial depth frames carry no symbol in the payload; recover it from
	// the stream name (btcusdt@depth20@100ms).
	native := strings.SplitN(stream, "@", 2)[0]
	book := &domain.OrderBook{
		Venue:     VenueName,
		Symbol:    venue.CanonicalSymbol(native),
		Timestamp: time.Now(),
	}
	for _, lvl := range d.Bids {
		if len(lvl) >= 2 {
			book.Bids = append(book.Bids, domain.BookLevel{Price: mustDecimal(lvl[0]), Quantity: mustDecimal(lvl[1])})
		}
	}
	for _, lvl := range d.Asks {
		if len(lvl) >= 2 {
			book.Asks = append(book.Asks, domain.BookLevel{Price: mustDecimal(lvl[0]), Quantity: mustDecimal(lvl[1])})
		}
	}
	return venue.Event{Book: book}, true
}

func parseTradeFrame(data []byte) (venue.Event, bool) {
	var t struct {
		Symbol       string `json:"s"`
		TradeID      int64  `json:"t"`
		Price        string `json:"p"`
		Quantity     string `json:"q"`
		TradeTime    int64  `json:"T"`
		IsBuyerMaker bool   `json:"m"`
	}
	if err := json.Unmarshal(data, &t); err != nil || t.Symbol == "" {
		return venue.Event{}, false
	}
	side := domain.SideBuy
	if t.IsBuyerMaker {
		side = domain.SideSell
	}
	return venue.Event{Trade: &domain.PublicTrade{
		Venue:        VenueName,
		Symbol:       venue.CanonicalSymbol(t.Symbol),
		TradeID:      strconv.FormatInt(t.TradeID, 10),
		Timestamp:    time.UnixMilli(t.TradeTime),
		Price:        mustDecimal(t.Price),
		Quantity:     mustDecimal(t.Quantity),
		Side:         side,
		IsBuyerMaker: t.IsBuyerMaker,
	}}, true
}

func parseKlineFrame(data []byte) (venue.Event, bool) {
	var k struct {
		Symbol string `json:"s"`
		Kline  struct {
			StartTime   int64  `json:"t"`
			Interval    string `json:"i"`
			Open        string `json:"o"`
			High        string `json:"h"`
			Low         string `json:"l"`
			Close       string `json:"c"`
			Volume      string `json:"v"`
			QuoteVolume string `json:"q"`
			TradeCount  int64  `json:"n"`
		} `json:"k"`
	}
	if err := json.Unmarshal(data, &k); err != nil || k.Symbol == "" {
		return venue.Event{}, false
	}
	return venue.Event{Candle: &domain.Candle{
		Venue:       VenueName,
		Symbol:      venue.CanonicalSymbol(k.Symbol),
		Interval:    k.Kline.Interval,
		Timestamp:   time.UnixMilli(k.Kline.StartTime),
		Open:        mustDecimal(k.Kline.Open),
		High:        mustDecimal(k.Kline.High),
		Low:         mustDecimal(k.Kline.Low),
		Close:       mustDecimal(k.Kline.Close),
		Volume:      mustDecimal(k.Kline.Volume),
		QuoteVolume: mustDecimal(k.Kline.QuoteVolume),
		TradeCount:  k.Kline.TradeCount,
	}}, true
}

// parseKlineRow converts one REST klines array row into a candle.
func parseKlineRow(symbol, interval string, row []json.RawMessage) (domain.Candle, error) {
	if len(row) < 9 {
		return domain.Candle{}, fmt.Errorf("kline row too short: %d fields", len(row))
	}
	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return domain.Candle{}, err
	}
	str := func(raw json.RawMessage) string {
		var s string
		_ = json.Unmarshal(raw, &s)
		return s
	}
	var trades int64
	_ = json.Unmarshal(row[8], &trades)

	return domain.Candle{
		Venue:       VenueName,
		Symbol:      symbol,
		Interval:    interval,
		Timestamp:   time.UnixMilli(openTime),
		Open:        mustDecimal(str(row[1])),
		High:        mustDecimal(str(row[2])),
		Low:         mustDecimal(str(row[3])),
		Close:       mustDecimal(str(row[4])),
		Volume:      mustDecimal(str(row[5])),
		QuoteVolume: mustDecimal(str(row[7])),
		TradeCount:  trades,
	}, nil
}
