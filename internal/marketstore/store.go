// Package marketstore persists collector batches into the time-series
// SQLite database and serves range queries over them. All writes go
// through batch inserts in a single transaction; the flusher is the only
// writer, so the cache profile (synchronous off) is safe here.
package marketstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/database"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS tickers (
    venue        TEXT NOT NULL,
    symbol       TEXT NOT NULL,
    ts           INTEGER NOT NULL,
    day          TEXT NOT NULL,
    last         TEXT NOT NULL,
    bid          TEXT NOT NULL,
    ask          TEXT NOT NULL,
    high_24h     TEXT NOT NULL DEFAULT '0',
    low_24h      TEXT NOT NULL DEFAULT '0',
    volume_24h   TEXT NOT NULL DEFAULT '0',
    change_pct   TEXT NOT NULL DEFAULT '0'
);
CREATE INDEX IF NOT EXISTS idx_tickers_lookup ON tickers(venue, symbol, ts);
CREATE INDEX IF NOT EXISTS idx_tickers_day ON tickers(day);

CREATE TABLE IF NOT EXISTS trades (
    venue        TEXT NOT NULL,
    symbol       TEXT NOT NULL,
    trade_id     TEXT NOT NULL,
    ts           INTEGER NOT NULL,
    day          TEXT NOT NULL,
    price        TEXT NOT NULL,
    quantity     TEXT NOT NULL,
    side         TEXT NOT NULL,
    buyer_maker  INTEGER NOT NULL DEFAULT 0,
    UNIQUE(venue, symbol, trade_id)
);
CREATE INDEX IF NOT EXISTS idx_trades_lookup ON trades(venue, symbol, ts);
CREATE INDEX IF NOT EXISTS idx_trades_day ON trades(day);

CREATE TABLE IF NOT EXISTS candles (
    venue        TEXT NOT NULL,
    symbol       TEXT NOT NULL,
    interval     TEXT NOT NULL,
    ts           INTEGER NOT NULL,
    day          TEXT NOT NULL,
    open         TEXT NOT NULL,
    high         TEXT NOT NULL,
    low          TEXT NOT NULL,
    close        TEXT NOT NULL,
    volume       TEXT NOT NULL,
    quote_volume TEXT NOT NULL DEFAULT '0',
    trade_count  INTEGER NOT NULL DEFAULT 0,
    UNIQUE(venue, symbol, interval, ts)
);
CREATE INDEX IF NOT EXISTS idx_candles_day ON candles(day);
`

// dayOf renders the UTC partition key used for pruning and archival.
func dayOf(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}

// Store is the time-series repository.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// New opens the repository over an existing database handle and applies
// the schema.
func New(db *database.DB, log zerolog.Logger) (*Store, error) {
	if err := db.Migrate(schema); err != nil {
		return nil, fmt.Errorf("migrate market store: %w", err)
	}
	return &Store{
		db:  db,
		log: log.With().Str("component", "market_store").Logger(),
	}, nil
}

// InsertTickers writes a batch in one transaction.
func (s *Store) InsertTickers(ctx context.Context, batch []*domain.Ticker) error {
	if len(batch) == 0 {
		return nil
	}
	return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tickers (venue, symbol, ts, day, last, bid, ask, high_24h, low_24h, volume_24h, change_pct)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, t := range batch {
			_, err := stmt.ExecContext(ctx,
				t.Venue, t.Symbol, t.Timestamp.UnixMilli(), dayOf(t.Timestamp),
				t.Last.String(), t.Bid.String(), t.Ask.String(),
				t.High24h.String(), t.Low24h.String(), t.BaseVolume24h.String(), t.ChangePct24h.String())
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertTrades writes a batch in one transaction. Duplicate trade ids from
// a reconnect replay are ignored.
func (s *Store) InsertTrades(ctx context.Context, batch []*domain.PublicTrade) error {
	if len(batch) == 0 {
		return nil
	}
	return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO trades (venue, symbol, trade_id, ts, day, price, quantity, side, buyer_maker)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, t := range batch {
			buyerMaker := 0
			if t.IsBuyerMaker {
				buyerMaker = 1
			}
			_, err := stmt.ExecContext(ctx,
				t.Venue, t.Symbol, t.TradeID, t.Timestamp.UnixMilli(), dayOf(t.Timestamp),
				t.Price.String(), t.Quantity.String(), string(t.Side), buyerMaker)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertCandles upserts a batch in one transaction. The same candle open
// time arrives repeatedly while the candle is forming; the last write wins.
func (s *Store) InsertCandles(ctx context.Context, batch []*domain.Candle) error {
	if len(batch) == 0 {
		return nil
	}
	return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO candles (venue, symbol, interval, ts, day, open, high, low, close, volume, quote_volume, trade_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(venue, symbol, interval, ts) DO UPDATE SET
				high = excluded.high, low = excluded.low, close = excluded.close,
				volume = excluded.volume, quote_volume = excluded.quote_volume,
				trade_count = excluded.trade_count`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, c := range batch {
			_, err := stmt.ExecContext(ctx,
				c.Venue, c.Symbol, c.Interval, c.Timestamp.UnixMilli(), dayOf(c.Timestamp),
				c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(),
				c.Volume.String(), c.QuoteVolume.String(), c.TradeCount)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Candles returns candles for a venue+symbol+interval within [from, to],
// ascending by open time.
func (s *Store) Candles(ctx context.Context, venue, symbol, interval string, from, to time.Time, limit int) ([]domain.Candle, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT venue, symbol, interval, ts, open, high, low, close, volume, quote_volume, trade_count
		FROM candles
		WHERE venue = ? AND symbol = ? AND interval = ? AND ts BETWEEN ? AND ?
		ORDER BY ts ASC LIMIT ?`,
		venue, symbol, interval, from.UnixMilli(), to.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var out []domain.Candle
	for rows.Next() {
		var c domain.Candle
		var ts int64
		var open, high, low, closeStr, vol, qvol string
		if err := rows.Scan(&c.Venue, &c.Symbol, &c.Interval, &ts, &open, &high, &low, &closeStr, &vol, &qvol, &c.TradeCount); err != nil {
			return nil, err
		}
		c.Timestamp = time.UnixMilli(ts).UTC()
		c.Open = mustParse(open)
		c.High = mustParse(high)
		c.Low = mustParse(low)
		c.Close = mustParse(closeStr)
		c.Volume = mustParse(vol)
		c.QuoteVolume = mustParse(qvol)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Trades returns public trades for a venue+symbol within [from, to],
// ascending by time.
func (s *Store) Trades(ctx context.Context, venue, symbol string, from, to time.Time, limit int) ([]domain.PublicTrade, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT venue, symbol, trade_id, ts, price, quantity, side, buyer_maker
		FROM trades
		WHERE venue = ? AND symbol = ? AND ts BETWEEN ? AND ?
		ORDER BY ts ASC LIMIT ?`,
		venue, symbol, from.UnixMilli(), to.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []domain.PublicTrade
	for rows.Next() {
		var t domain.PublicTrade
		var ts int64
		var price, qty, side string
		var buyerMaker int
		if err := rows.Scan(&t.Venue, &t.Symbol, &t.TradeID, &ts, &price, &qty, &side, &buyerMaker); err != nil {
			return nil, err
		}
		t.Timestamp = time.UnixMilli(ts).UTC()
		t.Price = mustParse(price)
		t.Quantity = mustParse(qty)
		t.Side = domain.Side(side)
		t.IsBuyerMaker = buyerMaker == 1
		out = append(out, t)
	}
	return out, rows.Err()
}

// TickerHistory returns ticker snapshots for a venue+symbol within
// [from, to], ascending by time.
func (s *Store) TickerHistory(ctx context.Context, venue, symbol string, from, to time.Time, limit int) ([]domain.Ticker, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT venue, symbol, ts, last, bid, ask, high_24h, low_24h, volume_24h, change_pct
		FROM tickers
		WHERE venue = ? AND symbol = ? AND ts BETWEEN ? AND ?
		ORDER BY ts ASC LIMIT ?`,
		venue, symbol, from.UnixMilli(), to.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query tickers: %w", err)
	}
	defer rows.Close()

	var out []domain.Ticker
	for rows.Next() {
		var t domain.Ticker
		var ts int64
		var last, bid, ask, high, low, vol, chg string
		if err := rows.Scan(&t.Venue, &t.Symbol, &ts, &last, &bid, &ask, &high, &low, &vol, &chg); err != nil {
			return nil, err
		}
		t.Timestamp = time.UnixMilli(ts).UTC()
		t.Last = mustParse(last)
		t.Bid = mustParse(bid)
		t.Ask = mustParse(ask)
		t.High24h = mustParse(high)
		t.Low24h = mustParse(low)
		t.BaseVolume24h = mustParse(vol)
		t.ChangePct24h = mustParse(chg)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Days lists the distinct day partitions present in a table, oldest first.
func (s *Store) Days(ctx context.Context, table string) ([]string, error) {
	if !validTable(table) {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT DISTINCT day FROM %s ORDER BY day ASC", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

// DeleteDay removes one day partition from a table. Called after the
// partition is archived.
func (s *Store) DeleteDay(ctx context.Context, table, day string) (int64, error) {
	if !validTable(table) {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE day = ?", table), day)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Counts reports per-table row counts for the health endpoint.
func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, 3)
	for _, table := range []string{"tickers", "trades", "candles"} {
		var n int64
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// ExportDay streams one day partition of a table as JSON objects keyed by
// column name, calling fn once per row. Used by the chunk archiver.
func (s *Store) ExportDay(ctx context.Context, table, day string, fn func(row map[string]any) error) error {
	if !validTable(table) {
		return fmt.Errorf("unknown table %q", table)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE day = ? ORDER BY ts ASC", table), day)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

func validTable(table string) bool {
	switch table {
	case "tickers", "trades", "candles":
		return true
	}
	return false
}

func mustParse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
