package db

import (
	"context"
	"fmt"
)

const watchlistColumns = `
	id, symbol, strategy_key, alert_enabled, buy_alert_enabled,
	sell_alert_enabled, trade_enabled, trade_on_margin, trade_amount_usd,
	leverage, signal_buy, signal_sell, deleted_at, created_at, updated_at`

// GetActiveWatchlist returns all non-deleted watchlist entries, stable-ordered
// by symbol so cycles process symbols deterministically.
func (db *DB) GetActiveWatchlist(ctx context.Context) ([]*WatchlistEntry, error) {
	query := `
		SELECT ` + watchlistColumns + `
		FROM watchlist_items
		WHERE deleted_at IS NULL
		ORDER BY symbol ASC
	`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query watchlist: %w", err)
	}
	defer rows.Close()

	var entries []*WatchlistEntry
	for rows.Next() {
		var e WatchlistEntry
		if err := rows.Scan(
			&e.ID, &e.Symbol, &e.StrategyKey, &e.AlertEnabled, &e.BuyAlertEnabled,
			&e.SellAlertEnabled, &e.TradeEnabled, &e.TradeOnMargin, &e.TradeAmountUSD,
			&e.Leverage, &e.SignalBuy, &e.SignalSell, &e.DeletedAt, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan watchlist entry: %w", err)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating watchlist: %w", err)
	}

	return entries, nil
}

// GetWatchlistEntry returns one non-deleted entry by symbol.
func (db *DB) GetWatchlistEntry(ctx context.Context, symbol string) (*WatchlistEntry, error) {
	query := `
		SELECT ` + watchlistColumns + `
		FROM watchlist_items
		WHERE symbol = $1 AND deleted_at IS NULL
	`

	var e WatchlistEntry
	err := db.pool.QueryRow(ctx, query, symbol).Scan(
		&e.ID, &e.Symbol, &e.StrategyKey, &e.AlertEnabled, &e.BuyAlertEnabled,
		&e.SellAlertEnabled, &e.TradeEnabled, &e.TradeOnMargin, &e.TradeAmountUSD,
		&e.Leverage, &e.SignalBuy, &e.SignalSell, &e.DeletedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get watchlist entry %s: %w", symbol, err)
	}

	return &e, nil
}

// ClearManualSignal resets the manual override flags after they are consumed.
func (db *DB) ClearManualSignal(ctx context.Context, symbol string) error {
	query := `
		UPDATE watchlist_items
		SET signal_buy = FALSE, signal_sell = FALSE, updated_at = NOW()
		WHERE symbol = $1 AND deleted_at IS NULL
	`
	if _, err := db.pool.Exec(ctx, query, symbol); err != nil {
		return fmt.Errorf("failed to clear manual signal for %s: %w", symbol, err)
	}
	return nil
}
