// Package orders owns the order ledger: an in-memory authoritative map
// backed by a SQLite mirror with the ledger profile. Every mutation goes
// through Save so the mirror and the map never diverge for long; boot
// reloads the map from the mirror.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/database"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
)

// ErrNotFound is returned when an order id is unknown.
var ErrNotFound = errors.New("order not found")

const schema = `
CREATE TABLE IF NOT EXISTS orders (
    id               TEXT PRIMARY KEY,
    client_order_id  TEXT NOT NULL DEFAULT '',
    parent_id        TEXT NOT NULL DEFAULT '',
    strategy         TEXT NOT NULL,
    venue            TEXT NOT NULL,
    symbol           TEXT NOT NULL,
    side             TEXT NOT NULL,
    type             TEXT NOT NULL,
    quantity         TEXT NOT NULL,
    price            TEXT NOT NULL DEFAULT '0',
    stop_price       TEXT NOT NULL DEFAULT '0',
    tif              TEXT NOT NULL DEFAULT 'GTC',
    status           TEXT NOT NULL,
    filled_quantity  TEXT NOT NULL DEFAULT '0',
    avg_fill_price   TEXT NOT NULL DEFAULT '0',
    venue_order_id   TEXT NOT NULL DEFAULT '',
    error_message    TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    submitted_at     INTEGER,
    filled_at        INTEGER
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at);
CREATE INDEX IF NOT EXISTS idx_orders_client ON orders(client_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_parent ON orders(parent_id);

CREATE TABLE IF NOT EXISTS executions (
    order_id     TEXT NOT NULL REFERENCES orders(id),
    trade_id     TEXT NOT NULL,
    ts           INTEGER NOT NULL,
    price        TEXT NOT NULL,
    quantity     TEXT NOT NULL,
    fee          TEXT NOT NULL DEFAULT '0',
    fee_currency TEXT NOT NULL DEFAULT '',
    UNIQUE(order_id, trade_id)
);
CREATE INDEX IF NOT EXISTS idx_executions_order ON executions(order_id);
`

// Repository is the SQLite mirror of the order ledger.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository opens the mirror and applies the schema.
func NewRepository(db *database.DB, log zerolog.Logger) (*Repository, error) {
	if err := db.Migrate(schema); err != nil {
		return nil, fmt.Errorf("migrate orders ledger: %w", err)
	}
	return &Repository{
		db:  db,
		log: log.With().Str("component", "order_repo").Logger(),
	}, nil
}

// Save upserts an order and appends any executions not yet mirrored.
func (r *Repository) Save(ctx context.Context, o *domain.Order) error {
	return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, client_order_id, parent_id, strategy, venue, symbol, side, type,
				quantity, price, stop_price, tif, status, filled_quantity, avg_fill_price,
				venue_order_id, error_message, created_at, updated_at, submitted_at, filled_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				filled_quantity = excluded.filled_quantity,
				avg_fill_price = excluded.avg_fill_price,
				venue_order_id = excluded.venue_order_id,
				error_message = excluded.error_message,
				updated_at = excluded.updated_at,
				submitted_at = excluded.submitted_at,
				filled_at = excluded.filled_at`,
			o.ID, o.ClientOrderID, o.ParentID, o.Strategy, o.Venue, o.Symbol, string(o.Side),
			string(o.Type), o.Quantity.String(), o.Price.String(), o.StopPrice.String(),
			string(o.TimeInForce), string(o.Status), o.FilledQuantity.String(),
			o.AvgFillPrice.String(), o.VenueOrderID, o.ErrorMessage,
			o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli(),
			nullableMilli(o.SubmittedAt), nullableMilli(o.FilledAt))
		if err != nil {
			return err
		}

		for _, ex := range o.Executions {
			_, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO executions (order_id, trade_id, ts, price, quantity, fee, fee_currency)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				o.ID, ex.TradeID, ex.Timestamp.UnixMilli(), ex.Price.String(),
				ex.Quantity.String(), ex.Fee.String(), ex.FeeCurrency)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAll reloads every order and its executions, used at boot to rebuild
// the in-memory map.
func (r *Repository) LoadAll(ctx context.Context) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, client_order_id, parent_id, strategy, venue, symbol, side, type, quantity,
			price, stop_price, tif, status, filled_quantity, avg_fill_price, venue_order_id,
			error_message, created_at, updated_at, submitted_at, filled_at
		FROM orders ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	defer rows.Close()

	var out []*domain.Order
	byID := make(map[string]*domain.Order)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
		byID[o.ID] = o
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	exRows, err := r.db.QueryContext(ctx, `
		SELECT order_id, trade_id, ts, price, quantity, fee, fee_currency
		FROM executions ORDER BY ts ASC`)
	if err != nil {
		return nil, fmt.Errorf("load executions: %w", err)
	}
	defer exRows.Close()

	for exRows.Next() {
		var ex domain.Execution
		var orderID string
		var ts int64
		var price, qty, fee string
		if err := exRows.Scan(&orderID, &ex.TradeID, &ts, &price, &qty, &fee, &ex.FeeCurrency); err != nil {
			return nil, err
		}
		ex.Timestamp = time.UnixMilli(ts).UTC()
		ex.Price = mustParse(price)
		ex.Quantity = mustParse(qty)
		ex.Fee = mustParse(fee)
		if o, ok := byID[orderID]; ok {
			o.Executions = append(o.Executions, ex)
		}
	}
	return out, exRows.Err()
}

func scanOrder(rows *sql.Rows) (*domain.Order, error) {
	var o domain.Order
	var side, typ, tif, status string
	var qty, price, stop, filled, avg string
	var createdAt, updatedAt int64
	var submittedAt, filledAt sql.NullInt64
	err := rows.Scan(&o.ID, &o.ClientOrderID, &o.ParentID, &o.Strategy, &o.Venue, &o.Symbol,
		&side, &typ, &qty, &price, &stop, &tif, &status, &filled, &avg, &o.VenueOrderID,
		&o.ErrorMessage, &createdAt, &updatedAt, &submittedAt, &filledAt)
	if err != nil {
		return nil, err
	}
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(typ)
	o.TimeInForce = domain.TimeInForce(tif)
	o.Status = domain.OrderStatus(status)
	o.Quantity = mustParse(qty)
	o.Price = mustParse(price)
	o.StopPrice = mustParse(stop)
	o.FilledQuantity = mustParse(filled)
	o.AvgFillPrice = mustParse(avg)
	o.CreatedAt = time.UnixMilli(createdAt).UTC()
	o.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if submittedAt.Valid {
		ts := time.UnixMilli(submittedAt.Int64).UTC()
		o.SubmittedAt = &ts
	}
	if filledAt.Valid {
		ts := time.UnixMilli(filledAt.Int64).UTC()
		o.FilledAt = &ts
	}
	return &o, nil
}

func nullableMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func mustParse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
