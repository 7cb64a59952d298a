package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetThrottleState returns the throttle state for (symbol, side, strategy),
// or nil when the pair has never emitted.
func (db *DB) GetThrottleState(ctx context.Context, symbol string, side OrderSide, strategyKey string) (*ThrottleState, error) {
	query := `
		SELECT symbol, side, strategy_key, last_emit_time, last_emit_price, force_next
		FROM throttle_states
		WHERE symbol = $1 AND side = $2 AND strategy_key = $3
	`

	var t ThrottleState
	err := db.pool.QueryRow(ctx, query, symbol, side, strategyKey).Scan(
		&t.Symbol, &t.Side, &t.StrategyKey, &t.LastEmitTime, &t.LastEmitPrice, &t.ForceNext,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get throttle state: %w", err)
	}

	return &t, nil
}

// UpsertThrottleState records an emission: inserts on first emit, updates
// after. force_next is cleared on every emit.
func (db *DB) UpsertThrottleState(ctx context.Context, symbol string, side OrderSide, strategyKey, price string, emitTime time.Time) error {
	query := `
		INSERT INTO throttle_states (symbol, side, strategy_key, last_emit_time, last_emit_price, force_next)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		ON CONFLICT (symbol, side, strategy_key)
		DO UPDATE SET last_emit_time = $4, last_emit_price = $5, force_next = FALSE
	`

	if _, err := db.pool.Exec(ctx, query, symbol, side, strategyKey, emitTime, price); err != nil {
		return fmt.Errorf("failed to upsert throttle state: %w", err)
	}
	return nil
}

// ClearForceNext consumes the force_next flag.
func (db *DB) ClearForceNext(ctx context.Context, symbol string, side OrderSide, strategyKey string) error {
	query := `
		UPDATE throttle_states
		SET force_next = FALSE
		WHERE symbol = $1 AND side = $2 AND strategy_key = $3
	`

	if _, err := db.pool.Exec(ctx, query, symbol, side, strategyKey); err != nil {
		return fmt.Errorf("failed to clear force_next: %w", err)
	}
	return nil
}
