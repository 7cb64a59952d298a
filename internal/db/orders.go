package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

const orderColumns = `
	id, exchange_order_id, symbol, side, type, role, status, price,
	trigger_price, quantity, filled_quantity, avg_fill_price, parent_order_id,
	oco_group_id, signal_key, exec_inst, leverage, note, placed_at, filled_at,
	cancelled_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.ExchangeOrderID, &o.Symbol, &o.Side, &o.Type, &o.Role, &o.Status,
		&o.Price, &o.TriggerPrice, &o.Quantity, &o.FilledQuantity, &o.AvgFillPrice,
		&o.ParentOrderID, &o.OCOGroupID, &o.SignalKey, &o.ExecInst, &o.Leverage,
		&o.Note, &o.PlacedAt, &o.FilledAt, &o.CancelledAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]*Order, error) {
	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

// InsertOrder inserts a new order into the local mirror
func (db *DB) InsertOrder(ctx context.Context, o *Order) error {
	query := `
		INSERT INTO exchange_orders (
			id, exchange_order_id, symbol, side, type, role, status, price,
			trigger_price, quantity, filled_quantity, avg_fill_price,
			parent_order_id, oco_group_id, signal_key, exec_inst, leverage,
			note, placed_at, filled_at, cancelled_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, NOW(), NOW()
		)
	`

	_, err := db.pool.Exec(ctx, query,
		o.ID, o.ExchangeOrderID, o.Symbol, o.Side, o.Type, o.Role, o.Status,
		o.Price, o.TriggerPrice, o.Quantity, o.FilledQuantity, o.AvgFillPrice,
		o.ParentOrderID, o.OCOGroupID, o.SignalKey, o.ExecInst, o.Leverage,
		o.Note, o.PlacedAt, o.FilledAt, o.CancelledAt,
	)
	if err != nil {
		log.Error().
			Err(err).
			Str("exchange_order_id", o.ExchangeOrderID).
			Str("symbol", o.Symbol).
			Msg("Failed to insert order")
		return fmt.Errorf("failed to insert order: %w", err)
	}

	log.Debug().
		Str("exchange_order_id", o.ExchangeOrderID).
		Str("symbol", o.Symbol).
		Str("role", string(o.Role)).
		Str("status", string(o.Status)).
		Msg("Order inserted into database")

	return nil
}

// OrderStatusUpdate carries the mutable fields of a status transition.
type OrderStatusUpdate struct {
	Status         OrderStatus
	FilledQuantity *string
	AvgFillPrice   *string
	FilledAt       *time.Time
	CancelledAt    *time.Time
	Note           *string
}

// UpdateOrderStatus applies a status transition to an order by exchange id.
func (db *DB) UpdateOrderStatus(ctx context.Context, exchangeOrderID string, u OrderStatusUpdate) error {
	query := `
		UPDATE exchange_orders
		SET status = $1,
		    filled_quantity = COALESCE($2, filled_quantity),
		    avg_fill_price = COALESCE($3, avg_fill_price),
		    filled_at = COALESCE($4, filled_at),
		    cancelled_at = COALESCE($5, cancelled_at),
		    note = COALESCE($6, note),
		    updated_at = NOW()
		WHERE exchange_order_id = $7
	`

	result, err := db.pool.Exec(ctx, query,
		u.Status, u.FilledQuantity, u.AvgFillPrice, u.FilledAt, u.CancelledAt, u.Note,
		exchangeOrderID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("order not found: %s", exchangeOrderID)
	}

	log.Debug().
		Str("exchange_order_id", exchangeOrderID).
		Str("status", string(u.Status)).
		Msg("Order status updated")

	return nil
}

// SetOrderNote attaches a note to an order without changing its status.
func (db *DB) SetOrderNote(ctx context.Context, exchangeOrderID, note string) error {
	query := `UPDATE exchange_orders SET note = $1, updated_at = NOW() WHERE exchange_order_id = $2`
	if _, err := db.pool.Exec(ctx, query, note, exchangeOrderID); err != nil {
		return fmt.Errorf("failed to set order note: %w", err)
	}
	return nil
}

// GetOrderByExchangeID retrieves an order by its exchange id, or nil.
func (db *DB) GetOrderByExchangeID(ctx context.Context, exchangeOrderID string) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM exchange_orders WHERE exchange_order_id = $1`

	o, err := scanOrder(db.pool.QueryRow(ctx, query, exchangeOrderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get order %s: %w", exchangeOrderID, err)
	}
	return o, nil
}

// CountOpenTakeProfits counts non-terminal TAKE_PROFIT orders. scope is
// "base" (match base asset across quote pairs) or "symbol" (exact symbol).
// Open TPs stand in for outstanding long exposure.
func (db *DB) CountOpenTakeProfits(ctx context.Context, symbol, base, scope string) (int, error) {
	var query string
	var arg string
	if scope == "symbol" {
		query = `
			SELECT COUNT(*) FROM exchange_orders
			WHERE role = 'TAKE_PROFIT'
			  AND status NOT IN ('FILLED', 'CANCELLED', 'REJECTED', 'FAILED_INCONSISTENT')
			  AND symbol = $1
		`
		arg = symbol
	} else {
		query = `
			SELECT COUNT(*) FROM exchange_orders
			WHERE role = 'TAKE_PROFIT'
			  AND status NOT IN ('FILLED', 'CANCELLED', 'REJECTED', 'FAILED_INCONSISTENT')
			  AND split_part(symbol, '_', 1) = $1
		`
		arg = base
	}

	var count int
	if err := db.pool.QueryRow(ctx, query, arg).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count open take profits: %w", err)
	}
	return count, nil
}

// HasRecentOrderForBase reports whether any order for the base asset was
// placed after the cutoff. Database-scoped so the cooldown survives restarts.
func (db *DB) HasRecentOrderForBase(ctx context.Context, base string, cutoff time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM exchange_orders
			WHERE split_part(symbol, '_', 1) = $1 AND placed_at > $2
		)
	`

	var exists bool
	if err := db.pool.QueryRow(ctx, query, base, cutoff).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check recent orders: %w", err)
	}
	return exists, nil
}

// FindOrderBySignalKey returns the most recent order carrying the signal key
// placed after the cutoff, or nil.
func (db *DB) FindOrderBySignalKey(ctx context.Context, signalKey string, cutoff time.Time) (*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM exchange_orders
		WHERE signal_key = $1 AND placed_at > $2
		ORDER BY placed_at DESC
		LIMIT 1
	`

	o, err := scanOrder(db.pool.QueryRow(ctx, query, signalKey, cutoff))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find order by signal key: %w", err)
	}
	return o, nil
}

// OpenNotional returns the summed price*quantity of non-terminal entry orders
// as a decimal string.
func (db *DB) OpenNotional(ctx context.Context) (string, error) {
	query := `
		SELECT COALESCE(SUM(price::numeric * quantity::numeric), 0)::text
		FROM exchange_orders
		WHERE role = 'ENTRY'
		  AND status NOT IN ('FILLED', 'CANCELLED', 'REJECTED', 'FAILED_INCONSISTENT')
	`

	var total string
	if err := db.pool.QueryRow(ctx, query).Scan(&total); err != nil {
		return "", fmt.Errorf("failed to sum open notional: %w", err)
	}
	return total, nil
}

// GetProtectionOrders returns the protection orders attached to an entry
// order, newest first.
func (db *DB) GetProtectionOrders(ctx context.Context, parentExchangeID string) ([]*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM exchange_orders
		WHERE parent_order_id = $1 AND role IN ('STOP_LOSS', 'TAKE_PROFIT')
		ORDER BY created_at DESC
	`

	rows, err := db.pool.Query(ctx, query, parentExchangeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query protection orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// GetSiblingByOCOGroup returns the other order of an OCO pair, or nil.
func (db *DB) GetSiblingByOCOGroup(ctx context.Context, ocoGroupID, excludeExchangeID string) (*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM exchange_orders
		WHERE oco_group_id = $1 AND exchange_order_id != $2
		LIMIT 1
	`

	o, err := scanOrder(db.pool.QueryRow(ctx, query, ocoGroupID, excludeExchangeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find OCO sibling: %w", err)
	}
	return o, nil
}

// FindProtectionByRole returns the most recent non-terminal protection order
// of the given role for a symbol placed after the cutoff, or nil. Legacy
// sibling-matching fallback for orders without an oco_group_id.
func (db *DB) FindProtectionByRole(ctx context.Context, symbol string, role OrderRole, cutoff time.Time) (*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM exchange_orders
		WHERE symbol = $1 AND role = $2 AND placed_at > $3
		  AND status NOT IN ('FILLED', 'CANCELLED', 'REJECTED', 'FAILED_INCONSISTENT')
		ORDER BY placed_at DESC
		LIMIT 1
	`

	o, err := scanOrder(db.pool.QueryRow(ctx, query, symbol, role, cutoff))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find protection order by role: %w", err)
	}
	return o, nil
}

// GetNonTerminalOrders returns all orders whose local status is not terminal.
func (db *DB) GetNonTerminalOrders(ctx context.Context) ([]*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM exchange_orders
		WHERE status NOT IN ('FILLED', 'CANCELLED', 'REJECTED', 'FAILED_INCONSISTENT')
		ORDER BY placed_at ASC
	`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query non-terminal orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}
