package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetInstrument returns cached instrument metadata no older than maxAge, or
// nil when the cache entry is missing or expired.
func (db *DB) GetInstrument(ctx context.Context, symbol string, maxAge time.Duration) (*Instrument, error) {
	query := `
		SELECT symbol, base_asset, quote_asset, price_tick, quantity_tick,
		       min_quantity, price_decimals, quantity_decimals, cached_at
		FROM instrument_metadata_cache
		WHERE symbol = $1 AND cached_at > $2
	`

	var i Instrument
	err := db.pool.QueryRow(ctx, query, symbol, time.Now().Add(-maxAge)).Scan(
		&i.Symbol, &i.BaseAsset, &i.QuoteAsset, &i.PriceTick, &i.QuantityTick,
		&i.MinQuantity, &i.PriceDecimals, &i.QuantityDecimals, &i.CachedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get instrument %s: %w", symbol, err)
	}

	return &i, nil
}

// UpsertInstruments writes refreshed exchange metadata through to the cache.
func (db *DB) UpsertInstruments(ctx context.Context, instruments []*Instrument) error {
	query := `
		INSERT INTO instrument_metadata_cache (
			symbol, base_asset, quote_asset, price_tick, quantity_tick,
			min_quantity, price_decimals, quantity_decimals, cached_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (symbol) DO UPDATE SET
			base_asset = EXCLUDED.base_asset,
			quote_asset = EXCLUDED.quote_asset,
			price_tick = EXCLUDED.price_tick,
			quantity_tick = EXCLUDED.quantity_tick,
			min_quantity = EXCLUDED.min_quantity,
			price_decimals = EXCLUDED.price_decimals,
			quantity_decimals = EXCLUDED.quantity_decimals,
			cached_at = NOW()
	`

	for _, i := range instruments {
		_, err := db.pool.Exec(ctx, query,
			i.Symbol, i.BaseAsset, i.QuoteAsset, i.PriceTick, i.QuantityTick,
			i.MinQuantity, i.PriceDecimals, i.QuantityDecimals,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert instrument %s: %w", i.Symbol, err)
		}
	}
	return nil
}
