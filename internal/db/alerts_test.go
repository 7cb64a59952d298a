package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (pgxmock.PgxPoolIface, *DB) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewWithPool(mock)
}

func strPtr(s string) *string { return &s }

func TestInsertAlert(t *testing.T) {
	mock, database := newMockDB(t)

	a := &AlertRecord{
		ID:           uuid.New(),
		Symbol:       "BTC_USDT",
		Side:         OrderSideBuy,
		PriceAtEmit:  "50000",
		Timestamp:    time.Now().UTC(),
		DecisionType: strPtr("PENDING"),
		Context:      map[string]interface{}{"signal_reasons": []string{"RSI_OVERSOLD"}},
		RunID:        "host-1-1",
	}

	mock.ExpectExec("INSERT INTO alert_messages").
		WithArgs(a.ID, a.Symbol, a.Side, a.PriceAtEmit, a.Timestamp, a.DecisionType,
			a.ReasonCode, a.ReasonMessage, pgxmock.AnyArg(), a.OrderID, a.RunID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, database.InsertAlert(context.Background(), a))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAlertDecision(t *testing.T) {
	mock, database := newMockDB(t)
	id := uuid.New().String()

	mock.ExpectExec("UPDATE alert_messages").
		WithArgs("SKIPPED", "MAX_OPEN_TRADES_REACHED", "max open trades reached",
			pgxmock.AnyArg(), (*string)(nil), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := database.UpdateAlertDecision(context.Background(), id, AlertDecisionUpdate{
		DecisionType:  "SKIPPED",
		ReasonCode:    "MAX_OPEN_TRADES_REACHED",
		ReasonMessage: "max open trades reached",
		Context:       map[string]interface{}{"open_take_profits": 3},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAlertDecisionUnknownAlert(t *testing.T) {
	mock, database := newMockDB(t)

	mock.ExpectExec("UPDATE alert_messages").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := database.UpdateAlertDecision(context.Background(), "missing", AlertDecisionUpdate{
		DecisionType: "SKIPPED",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alert not found")
}

func TestFindRecentAlert(t *testing.T) {
	mock, database := newMockDB(t)

	id := uuid.New()
	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{
		"id", "symbol", "side", "price_at_emit", "emitted_at", "decision_type",
		"reason_code", "reason_message", "context", "order_id", "run_id",
		"created_at", "updated_at",
	}).AddRow(
		id, "BTC_USDT", OrderSideBuy, "50000", now, strPtr("PENDING"),
		(*string)(nil), (*string)(nil), []byte(`{"stale_snapshot":false}`), (*string)(nil), "host-1-1",
		now, now,
	)

	mock.ExpectQuery("FROM alert_messages").
		WithArgs("BTC_USDT", OrderSideBuy, pgxmock.AnyArg()).
		WillReturnRows(rows)

	a, err := database.FindRecentAlert(context.Background(), "BTC_USDT", OrderSideBuy, now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, id, a.ID)
	assert.Equal(t, false, a.Context["stale_snapshot"])
}

func TestFindRecentAlertNone(t *testing.T) {
	mock, database := newMockDB(t)

	mock.ExpectQuery("FROM alert_messages").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	a, err := database.FindRecentAlert(context.Background(), "BTC_USDT", OrderSideBuy, time.Now())
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestStampStalePending(t *testing.T) {
	mock, database := newMockDB(t)

	mock.ExpectExec("UPDATE alert_messages").
		WithArgs("PIPELINE_NOT_CALLED", "pipeline did not reach a decision", "host-1-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := database.StampStalePending(context.Background(), "host-1-1",
		"PIPELINE_NOT_CALLED", "pipeline did not reach a decision")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
