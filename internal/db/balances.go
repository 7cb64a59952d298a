package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ReplaceBalances overwrites the local balance mirror with the given set in a
// single transaction. Balances are never mutated locally outside this path.
func (db *DB) ReplaceBalances(ctx context.Context, balances []*Balance) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin balance transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM balances`); err != nil {
		return fmt.Errorf("failed to clear balances: %w", err)
	}

	for _, b := range balances {
		_, err := tx.Exec(ctx, `
			INSERT INTO balances (asset, total, available, reserved, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
		`, b.Asset, b.Total, b.Available, b.Reserved)
		if err != nil {
			return fmt.Errorf("failed to insert balance for %s: %w", b.Asset, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit balances: %w", err)
	}
	return nil
}

// GetBalance returns the mirrored balance for an asset, or nil when unknown.
func (db *DB) GetBalance(ctx context.Context, asset string) (*Balance, error) {
	query := `
		SELECT asset, total, available, reserved, updated_at
		FROM balances
		WHERE asset = $1
	`

	var b Balance
	err := db.pool.QueryRow(ctx, query, asset).Scan(
		&b.Asset, &b.Total, &b.Available, &b.Reserved, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get balance for %s: %w", asset, err)
	}

	return &b, nil
}
