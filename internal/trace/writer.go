package trace

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coinpilot/coinpilot/internal/config"
	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/metrics"
)

// snippetMaxLen caps the raw exchange response fragment stored in context.
const snippetMaxLen = 300

// fallbackWindow bounds how old an alert can be and still receive a decision
// via DecideBySymbolSide.
const fallbackWindow = 5 * time.Minute

// AlertStore is the subset of the database layer the writer needs.
type AlertStore interface {
	InsertAlert(ctx context.Context, a *db.AlertRecord) error
	UpdateAlertDecision(ctx context.Context, alertID string, u db.AlertDecisionUpdate) error
	FindRecentAlert(ctx context.Context, symbol string, side db.OrderSide, cutoff time.Time) (*db.AlertRecord, error)
	StampStalePending(ctx context.Context, runID, reasonCode, reasonMessage string) (int64, error)
}

// Decision is a fully resolved decision-trace entry.
type Decision struct {
	Type    DecisionType
	Reason  ReasonCode
	Message string // defaults to Reason.Message() when empty
	Context map[string]interface{}
	OrderID *string
	// ExchangeErrorSnippet, when set, is truncated and stored under the
	// exchange_error key in context.
	ExchangeErrorSnippet string
}

// Writer stamps decisions onto alert records.
type Writer struct {
	store  AlertStore
	logger zerolog.Logger
}

// NewWriter creates a decision-trace writer.
func NewWriter(store AlertStore) *Writer {
	return &Writer{
		store:  store,
		logger: config.NewLogger("trace"),
	}
}

// Decide stamps a decision onto a known alert record.
func (w *Writer) Decide(ctx context.Context, alertID string, d Decision) error {
	update := w.buildUpdate(d)

	if err := w.store.UpdateAlertDecision(ctx, alertID, update); err != nil {
		return err
	}

	metrics.RecordDecision(string(d.Type), string(d.Reason))

	w.logger.Info().
		Str("alert_id", alertID).
		Str("decision_type", string(d.Type)).
		Str("reason_code", string(d.Reason)).
		Msg("Decision recorded")

	return nil
}

// DecideBySymbolSide stamps a decision onto the most recent alert for
// (symbol, side). When no alert exists within the fallback window, a
// synthetic record is inserted carrying the decision directly, so the
// outcome is never lost.
func (w *Writer) DecideBySymbolSide(ctx context.Context, symbol string, side db.OrderSide, priceAtEmit, runID string, d Decision) error {
	cutoff := time.Now().Add(-fallbackWindow)
	alert, err := w.store.FindRecentAlert(ctx, symbol, side, cutoff)
	if err != nil {
		return err
	}
	if alert != nil {
		return w.Decide(ctx, alert.ID.String(), d)
	}

	update := w.buildUpdate(d)
	record := &db.AlertRecord{
		ID:            uuid.New(),
		Symbol:        symbol,
		Side:          side,
		PriceAtEmit:   priceAtEmit,
		Timestamp:     time.Now().UTC(),
		DecisionType:  &update.DecisionType,
		ReasonCode:    &update.ReasonCode,
		ReasonMessage: &update.ReasonMessage,
		Context:       update.Context,
		OrderID:       update.OrderID,
		RunID:         runID,
	}

	if err := w.store.InsertAlert(ctx, record); err != nil {
		return err
	}

	metrics.RecordDecision(string(d.Type), string(d.Reason))

	w.logger.Info().
		Str("alert_id", record.ID.String()).
		Str("symbol", symbol).
		Str("decision_type", string(d.Type)).
		Str("reason_code", string(d.Reason)).
		Msg("Decision recorded on synthetic alert")

	return nil
}

// CloseStalePending stamps every still-PENDING alert of the run as SKIPPED
// with DECISION_PIPELINE_NOT_CALLED. Called at cycle end as a safety net.
func (w *Writer) CloseStalePending(ctx context.Context, runID string) error {
	n, err := w.store.StampStalePending(ctx, runID,
		string(ReasonPipelineNotCalled), ReasonPipelineNotCalled.Message())
	if err != nil {
		return err
	}
	if n > 0 {
		w.logger.Warn().
			Str("run_id", runID).
			Int64("count", n).
			Msg("Stamped stale pending alerts")
		for i := int64(0); i < n; i++ {
			metrics.RecordDecision(string(DecisionSkipped), string(ReasonPipelineNotCalled))
		}
	}
	return nil
}

func (w *Writer) buildUpdate(d Decision) db.AlertDecisionUpdate {
	if !d.Reason.ValidFor(d.Type) {
		w.logger.Warn().
			Str("decision_type", string(d.Type)).
			Str("reason_code", string(d.Reason)).
			Msg("Reason code outside decision type partition")
	}

	message := d.Message
	if message == "" {
		message = d.Reason.Message()
	}

	ctx := d.Context
	if d.ExchangeErrorSnippet != "" {
		if ctx == nil {
			ctx = map[string]interface{}{}
		}
		ctx["exchange_error"] = truncate(d.ExchangeErrorSnippet, snippetMaxLen)
	}

	return db.AlertDecisionUpdate{
		DecisionType:  string(d.Type),
		ReasonCode:    string(d.Reason),
		ReasonMessage: message,
		Context:       ctx,
		OrderID:       d.OrderID,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
