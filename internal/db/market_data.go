package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetLatestSnapshot returns the most recent market snapshot for a symbol, or
// nil when none has been recorded yet.
func (db *DB) GetLatestSnapshot(ctx context.Context, symbol string) (*MarketSnapshot, error) {
	query := `
		SELECT symbol, price, rsi, ema10, ma50, ma200, ma10w, atr,
		       volume, avg_volume, observed_at, stale
		FROM market_data
		WHERE symbol = $1
		ORDER BY observed_at DESC
		LIMIT 1
	`

	var m MarketSnapshot
	err := db.pool.QueryRow(ctx, query, symbol).Scan(
		&m.Symbol, &m.Price, &m.RSI, &m.EMA10, &m.MA50, &m.MA200, &m.MA10W, &m.ATR,
		&m.Volume, &m.AvgVolume, &m.Timestamp, &m.Stale,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get snapshot for %s: %w", symbol, err)
	}

	return &m, nil
}

// InsertSnapshot records a new market snapshot.
func (db *DB) InsertSnapshot(ctx context.Context, m *MarketSnapshot) error {
	query := `
		INSERT INTO market_data (
			symbol, price, rsi, ema10, ma50, ma200, ma10w, atr,
			volume, avg_volume, observed_at, stale
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := db.pool.Exec(ctx, query,
		m.Symbol, m.Price, m.RSI, m.EMA10, m.MA50, m.MA200, m.MA10W, m.ATR,
		m.Volume, m.AvgVolume, m.Timestamp, m.Stale,
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot for %s: %w", m.Symbol, err)
	}

	return nil
}
