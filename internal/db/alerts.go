package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

const alertColumns = `
	id, symbol, side, price_at_emit, emitted_at, decision_type, reason_code,
	reason_message, context, order_id, run_id, created_at, updated_at`

func scanAlert(row pgx.Row) (*AlertRecord, error) {
	var a AlertRecord
	var contextJSON []byte
	err := row.Scan(
		&a.ID, &a.Symbol, &a.Side, &a.PriceAtEmit, &a.Timestamp, &a.DecisionType,
		&a.ReasonCode, &a.ReasonMessage, &contextJSON, &a.OrderID, &a.RunID,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &a.Context); err != nil {
			log.Warn().Err(err).Str("alert_id", a.ID.String()).Msg("Failed to unmarshal alert context")
		}
	}
	return &a, nil
}

// InsertAlert inserts a new alert record. Callers create alerts in PENDING
// state; the decision trace is stamped before the originating cycle ends.
func (db *DB) InsertAlert(ctx context.Context, a *AlertRecord) error {
	query := `
		INSERT INTO alert_messages (
			id, symbol, side, price_at_emit, emitted_at, decision_type,
			reason_code, reason_message, context, order_id, run_id,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`

	contextJSON, err := marshalContext(a.Context)
	if err != nil {
		return err
	}

	_, err = db.pool.Exec(ctx, query,
		a.ID, a.Symbol, a.Side, a.PriceAtEmit, a.Timestamp, a.DecisionType,
		a.ReasonCode, a.ReasonMessage, contextJSON, a.OrderID, a.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	log.Debug().
		Str("alert_id", a.ID.String()).
		Str("symbol", a.Symbol).
		Str("side", string(a.Side)).
		Msg("Alert inserted")

	return nil
}

// AlertDecisionUpdate carries a decision-trace write.
type AlertDecisionUpdate struct {
	DecisionType  string
	ReasonCode    string
	ReasonMessage string
	Context       map[string]interface{}
	OrderID       *string
}

// UpdateAlertDecision stamps the decision trace onto an alert. Idempotent per
// alert id; last write wins.
func (db *DB) UpdateAlertDecision(ctx context.Context, alertID string, u AlertDecisionUpdate) error {
	query := `
		UPDATE alert_messages
		SET decision_type = $1,
		    reason_code = $2,
		    reason_message = $3,
		    context = $4,
		    order_id = COALESCE($5, order_id),
		    updated_at = NOW()
		WHERE id = $6
	`

	contextJSON, err := marshalContext(u.Context)
	if err != nil {
		return err
	}

	result, err := db.pool.Exec(ctx, query,
		u.DecisionType, u.ReasonCode, u.ReasonMessage, contextJSON, u.OrderID, alertID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert decision: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("alert not found: %s", alertID)
	}

	return nil
}

// FindRecentAlert returns the most recent alert for (symbol, side) emitted
// after the cutoff, or nil.
func (db *DB) FindRecentAlert(ctx context.Context, symbol string, side OrderSide, cutoff time.Time) (*AlertRecord, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alert_messages
		WHERE symbol = $1 AND side = $2 AND emitted_at > $3
		ORDER BY emitted_at DESC
		LIMIT 1
	`

	a, err := scanAlert(db.pool.QueryRow(ctx, query, symbol, side, cutoff))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find recent alert: %w", err)
	}
	return a, nil
}

// StampStalePending is the cycle-end safety net: any alert from this run still
// PENDING is stamped SKIPPED with the given reason. Returns the number of
// alerts stamped. The WHERE clause is the compare-and-set guarding against a
// decision landing concurrently.
func (db *DB) StampStalePending(ctx context.Context, runID, reasonCode, reasonMessage string) (int64, error) {
	query := `
		UPDATE alert_messages
		SET decision_type = 'SKIPPED',
		    reason_code = $1,
		    reason_message = $2,
		    updated_at = NOW()
		WHERE run_id = $3 AND (decision_type IS NULL OR decision_type = 'PENDING')
	`

	result, err := db.pool.Exec(ctx, query, reasonCode, reasonMessage, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to stamp stale pending alerts: %w", err)
	}
	return result.RowsAffected(), nil
}

func marshalContext(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alert context: %w", err)
	}
	return b, nil
}
