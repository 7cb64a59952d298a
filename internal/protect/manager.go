// Package protect manages SL/TP protection pairs. After an entry order
// fills, a stop-loss and a take-profit are placed as an OCO pair sharing an
// oco_group_id; both succeed or neither survives.
package protect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coinpilot/coinpilot/internal/config"
	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/metrics"
	"github.com/coinpilot/coinpilot/internal/numfmt"
	"github.com/coinpilot/coinpilot/internal/strategy"
	"github.com/coinpilot/coinpilot/internal/trace"
)

// Store is the database surface the manager needs.
type Store interface {
	InsertOrder(ctx context.Context, o *db.Order) error
	UpdateOrderStatus(ctx context.Context, exchangeOrderID string, u db.OrderStatusUpdate) error
	SetOrderNote(ctx context.Context, exchangeOrderID, note string) error
	GetProtectionOrders(ctx context.Context, parentExchangeID string) ([]*db.Order, error)
	GetSiblingByOCOGroup(ctx context.Context, ocoGroupID, excludeExchangeID string) (*db.Order, error)
	FindProtectionByRole(ctx context.Context, symbol string, role db.OrderRole, cutoff time.Time) (*db.Order, error)
}

// InstrumentResolver resolves instrument metadata; the placer provides it.
type InstrumentResolver interface {
	ResolveInstrument(ctx context.Context, symbol string) (*db.Instrument, error)
}

// Notifier delivers operator notifications.
type Notifier interface {
	Send(ctx context.Context, text, origin string) bool
	SendOperatorAlert(ctx context.Context, key, text string) bool
}

// Manager creates and maintains protection pairs.
type Manager struct {
	ex          exchange.Exchange
	store       Store
	instruments InstrumentResolver
	notifier    Notifier
	cfg         config.TradingConfig
	retry       exchange.RetryConfig
	logger      zerolog.Logger

	// parentLocks serializes protection creation per entry order.
	parentLocks sync.Map
}

// NewManager creates a protection manager.
func NewManager(ex exchange.Exchange, store Store, instruments InstrumentResolver, notifier Notifier, cfg config.TradingConfig) *Manager {
	return &Manager{
		ex:          ex,
		store:       store,
		instruments: instruments,
		notifier:    notifier,
		cfg:         cfg,
		retry:       exchange.DefaultRetryConfig(),
		logger:      config.NewLogger("protect"),
	}
}

// EnsureProtection polls the entry order for a fill and, once filled, places
// the SL/TP pair. Returns without error when the fill window elapses; the
// reconciler picks the fill up later and protection is retried next cycle.
func (m *Manager) EnsureProtection(ctx context.Context, entry *db.Order, rules strategy.Rules, atr *float64) error {
	if _, held := m.parentLocks.LoadOrStore(entry.ExchangeOrderID, struct{}{}); held {
		m.logger.Debug().Str("parent", entry.ExchangeOrderID).Msg("Protection already in flight")
		return nil
	}
	defer m.parentLocks.Delete(entry.ExchangeOrderID)

	fillPrice, filled, err := m.pollFill(ctx, entry)
	if err != nil {
		return err
	}
	if !filled {
		m.logger.Info().
			Str("parent", entry.ExchangeOrderID).
			Dur("window", m.cfg.FillPollWindow).
			Msg("Entry not filled within poll window, deferring protection")
		return nil
	}

	return m.PlacePair(ctx, entry, fillPrice, rules, atr)
}

// pollFill watches the entry order until it fills or the window elapses.
func (m *Manager) pollFill(ctx context.Context, entry *db.Order) (fillPrice string, filled bool, err error) {
	deadline := time.Now().Add(m.cfg.FillPollWindow)
	for {
		detail, err := m.ex.GetOrderDetail(ctx, entry.ExchangeOrderID)
		if err != nil {
			m.logger.Warn().Err(err).Str("parent", entry.ExchangeOrderID).Msg("Fill poll failed")
		} else if detail.Status == string(db.OrderStatusFilled) {
			now := time.Now().UTC()
			price := detail.AvgFillPrice
			if price == "" {
				price = entry.Price
			}
			if uerr := m.store.UpdateOrderStatus(ctx, entry.ExchangeOrderID, db.OrderStatusUpdate{
				Status:         db.OrderStatusFilled,
				FilledQuantity: &detail.FilledQuantity,
				AvgFillPrice:   &price,
				FilledAt:       &now,
			}); uerr != nil {
				return "", false, uerr
			}
			m.logger.Info().
				Str("order_id", entry.ExchangeOrderID).
				Str("fill_price", price).
				Msg("ORDER_FILLED entry fill confirmed")
			return price, true, nil
		}

		if time.Now().After(deadline) {
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(m.cfg.FillPollInterval):
		}
	}
}

// PlacePair places the SL/TP OCO pair for a filled entry. Idempotent per
// parent: an existing live pair is left alone.
func (m *Manager) PlacePair(ctx context.Context, entry *db.Order, fillPrice string, rules strategy.Rules, atr *float64) error {
	existing, err := m.store.GetProtectionOrders(ctx, entry.ExchangeOrderID)
	if err != nil {
		return err
	}
	for _, o := range existing {
		if !o.Status.IsTerminal() {
			m.logger.Info().
				Str("parent", entry.ExchangeOrderID).
				Str("existing", o.ExchangeOrderID).
				Msg("SLTP_SKIPPED_ALREADY_EXISTS live protection pair present")
			metrics.ProtectionPairs.WithLabelValues("skipped").Inc()
			return nil
		}
	}

	inst, err := m.instruments.ResolveInstrument(ctx, entry.Symbol)
	if err != nil {
		return err
	}

	prices, err := computePrices(fillPrice, entry.Side, rules, atr, inst)
	if err != nil {
		note := fmt.Sprintf("PROTECTION_SKIPPED: %v", err)
		if nerr := m.store.SetOrderNote(ctx, entry.ExchangeOrderID, note); nerr != nil {
			m.logger.Error().Err(nerr).Msg("Failed to record protection skip note")
		}
		return err
	}

	closeSide := entry.Side.Opposite()
	ocoGroup := uuid.NewString()

	sl, err := m.placeProtection(ctx, entry, closeSide, db.OrderRoleStopLoss, db.OrderTypeStopLimit,
		prices.StopLoss, prices.SLTrigger, ocoGroup)
	if err != nil {
		m.logger.Error().Err(err).Str("parent", entry.ExchangeOrderID).Msg("Stop-loss placement failed")
		metrics.ProtectionPairs.WithLabelValues("failed").Inc()
		return err
	}

	tp, err := m.placeProtection(ctx, entry, closeSide, db.OrderRoleTakeProfit, db.OrderTypeTakeProfitLimit,
		prices.TakeProfit, prices.TPTrigger, ocoGroup)
	if err != nil {
		return m.rollback(ctx, entry, sl, err)
	}

	m.logger.Info().
		Str("parent", entry.ExchangeOrderID).
		Str("oco_group", ocoGroup).
		Str("sl", sl.ExchangeOrderID).
		Str("tp", tp.ExchangeOrderID).
		Msg("SLTP_PLACED protection pair created")
	metrics.ProtectionPairs.WithLabelValues("placed").Inc()

	m.notifier.Send(ctx, fmt.Sprintf("Protection for %s %s: SL %s / TP %s",
		entry.Symbol, entry.ExchangeOrderID, prices.StopLoss, prices.TakeProfit), "protect")

	return nil
}

// placeProtection submits one leg of the pair, retrying trigger-condition
// formatting variants when the exchange rejects the price format.
func (m *Manager) placeProtection(ctx context.Context, entry *db.Order, side db.OrderSide, role db.OrderRole, typ db.OrderType, price string, cmp numfmt.Comparator, ocoGroup string) (*db.Order, error) {
	variants := numfmt.TriggerVariants(cmp, price)

	var resp *exchange.CreateOrderResponse
	var lastErr error
	for i, condition := range variants {
		orderReq := exchange.CreateOrderRequest{
			Symbol:           entry.Symbol,
			Side:             string(side),
			Type:             string(typ),
			Price:            price,
			Quantity:         entry.FilledQuantity,
			TriggerPrice:     price,
			TriggerCondition: condition,
			ClientOrderID:    uuid.NewString(),
		}
		lastErr = exchange.WithRetry(ctx, m.retry, func() error {
			var opErr error
			resp, opErr = m.ex.CreateOrder(ctx, orderReq)
			return opErr
		})
		if lastErr == nil {
			break
		}
		if !exchange.IsInvalidPriceFormat(lastErr) || i == len(variants)-1 {
			return nil, fmt.Errorf("failed to place %s: %w", role, lastErr)
		}
		m.logger.Warn().
			Str("condition", condition).
			Str("role", string(role)).
			Msg("Trigger condition rejected, trying next variant")
	}

	order := &db.Order{
		ID:              uuid.New(),
		ExchangeOrderID: resp.OrderID,
		Symbol:          entry.Symbol,
		Side:            side,
		Type:            typ,
		Role:            role,
		Status:          db.OrderStatusActive,
		Price:           price,
		TriggerPrice:    &price,
		Quantity:        entry.FilledQuantity,
		FilledQuantity:  "0",
		ParentOrderID:   &entry.ExchangeOrderID,
		OCOGroupID:      &ocoGroup,
		PlacedAt:        time.Now().UTC(),
	}
	if err := m.store.InsertOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("%s %s placed but failed to persist: %w", role, resp.OrderID, err)
	}

	metrics.RecordOrderPlaced(string(side), string(role))
	return order, nil
}

// rollback cancels the surviving first leg after the second leg failed. If
// the cancellation itself fails, the leg is flagged FAILED_INCONSISTENT and
// the operator is paged: a lone protection order must never be trusted.
func (m *Manager) rollback(ctx context.Context, entry, placed *db.Order, cause error) error {
	m.logger.Error().Err(cause).
		Str("parent", entry.ExchangeOrderID).
		Str("placed", placed.ExchangeOrderID).
		Msg("Second protection leg failed, rolling back first")

	if cancelErr := m.ex.CancelOrder(ctx, placed.ExchangeOrderID); cancelErr != nil {
		metrics.ProtectionPairs.WithLabelValues("inconsistent").Inc()
		note := fmt.Sprintf("rollback cancel failed: %v", cancelErr)
		now := time.Now().UTC()
		if uerr := m.store.UpdateOrderStatus(ctx, placed.ExchangeOrderID, db.OrderStatusUpdate{
			Status:      db.OrderStatusFailedInconsistent,
			CancelledAt: &now,
			Note:        &note,
		}); uerr != nil {
			m.logger.Error().Err(uerr).Msg("Failed to flag inconsistent protection order")
		}
		m.notifier.SendOperatorAlert(ctx, "oco_inconsistent",
			fmt.Sprintf("CRITICAL: protection rollback failed for %s, order %s needs manual action",
				entry.Symbol, placed.ExchangeOrderID))
		return fmt.Errorf("protection pair inconsistent for %s: %w", entry.ExchangeOrderID, cause)
	}

	metrics.ProtectionPairs.WithLabelValues("rolled_back").Inc()
	now := time.Now().UTC()
	note := fmt.Sprintf("rolled back: sibling leg failed (%s)", failureReason(cause))
	if uerr := m.store.UpdateOrderStatus(ctx, placed.ExchangeOrderID, db.OrderStatusUpdate{
		Status:      db.OrderStatusCancelled,
		CancelledAt: &now,
		Note:        &note,
	}); uerr != nil {
		m.logger.Error().Err(uerr).Msg("Failed to record rollback cancellation")
	}
	return fmt.Errorf("failed to place protection pair for %s: %w", entry.ExchangeOrderID, cause)
}

// failureReason names the error class for order notes, using the same
// vocabulary as the decision trace.
func failureReason(err error) string {
	switch {
	case exchange.IsAuthError(err):
		return string(trace.ReasonAuthenticationError)
	case exchange.IsConditionalDisabled(err):
		return string(trace.ReasonExchangeAPIDisabled)
	case exchange.IsInsufficientFunds(err):
		return string(trace.ReasonInsufficientFunds)
	case exchange.IsInvalidPriceFormat(err):
		return string(trace.ReasonInvalidPriceFormat)
	case exchange.IsRateLimited(err):
		return string(trace.ReasonRateLimit)
	case exchange.IsTimeout(err):
		return string(trace.ReasonTimeout)
	default:
		return string(trace.ReasonExchangeErrorUnknown)
	}
}

// HandleProtectionFill cancels the sibling of a just-filled protection
// order. The sibling is located by oco_group_id, then parent_order_id, then
// opposite role within a recent window.
func (m *Manager) HandleProtectionFill(ctx context.Context, filled *db.Order) error {
	sibling, err := m.findSibling(ctx, filled)
	if err != nil {
		return err
	}
	if sibling == nil {
		m.logger.Warn().
			Str("filled", filled.ExchangeOrderID).
			Msg("No sibling found for filled protection order")
		return nil
	}

	if sibling.Status == db.OrderStatusCancelled {
		m.logger.Info().
			Str("sibling", sibling.ExchangeOrderID).
			Msg("Sibling already cancelled")
		m.notifier.Send(ctx, fmt.Sprintf("Sibling %s of filled %s was already cancelled",
			sibling.ExchangeOrderID, filled.ExchangeOrderID), "protect")
		return nil
	}

	if err := m.ex.CancelOrder(ctx, sibling.ExchangeOrderID); err != nil {
		if apiErr, ok := exchange.AsAPIError(err); ok && apiErr.Code == 316 {
			// already in a terminal state on the exchange
			m.logger.Info().Str("sibling", sibling.ExchangeOrderID).Msg("Sibling already terminal on exchange")
		} else {
			return fmt.Errorf("failed to cancel sibling %s: %w", sibling.ExchangeOrderID, err)
		}
	}

	now := time.Now().UTC()
	note := "cancelled: OCO sibling filled"
	if err := m.store.UpdateOrderStatus(ctx, sibling.ExchangeOrderID, db.OrderStatusUpdate{
		Status:      db.OrderStatusCancelled,
		CancelledAt: &now,
		Note:        &note,
	}); err != nil {
		return err
	}

	m.logger.Info().
		Str("filled", filled.ExchangeOrderID).
		Str("cancelled", sibling.ExchangeOrderID).
		Msg("OCO sibling cancelled")
	return nil
}

func (m *Manager) findSibling(ctx context.Context, filled *db.Order) (*db.Order, error) {
	if filled.OCOGroupID != nil {
		sibling, err := m.store.GetSiblingByOCOGroup(ctx, *filled.OCOGroupID, filled.ExchangeOrderID)
		if err != nil {
			return nil, err
		}
		if sibling != nil {
			return sibling, nil
		}
	}

	if filled.ParentOrderID != nil {
		orders, err := m.store.GetProtectionOrders(ctx, *filled.ParentOrderID)
		if err != nil {
			return nil, err
		}
		for _, o := range orders {
			if o.ExchangeOrderID != filled.ExchangeOrderID {
				return o, nil
			}
		}
	}

	// legacy orders carry neither group nor parent: match the opposite role
	// for the same symbol within a recent window
	oppositeRole := db.OrderRoleTakeProfit
	if filled.Role == db.OrderRoleTakeProfit {
		oppositeRole = db.OrderRoleStopLoss
	}
	return m.store.FindProtectionByRole(ctx, filled.Symbol, oppositeRole, time.Now().Add(-5*time.Minute))
}
