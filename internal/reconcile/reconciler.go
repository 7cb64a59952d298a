// Package reconcile keeps the local mirror consistent with the exchange:
// balances, completed orders, and open orders, in that fixed order.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinpilot/coinpilot/internal/config"
	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/metrics"
)

// historyLookback bounds the order-history fetch.
const historyLookback = 24 * time.Hour

// Store is the database surface the reconciler writes.
type Store interface {
	ReplaceBalances(ctx context.Context, balances []*db.Balance) error
	GetNonTerminalOrders(ctx context.Context) ([]*db.Order, error)
	GetOrderByExchangeID(ctx context.Context, exchangeOrderID string) (*db.Order, error)
	UpdateOrderStatus(ctx context.Context, exchangeOrderID string, u db.OrderStatusUpdate) error
}

// Notifier delivers cancellation notifications.
type Notifier interface {
	Send(ctx context.Context, text, origin string) bool
}

// ProtectionHandler reacts to protection orders that filled while we were
// not watching; the protection manager implements it.
type ProtectionHandler interface {
	HandleProtectionFill(ctx context.Context, filled *db.Order) error
}

// Reconciler syncs local state against the exchange on its own cadence.
type Reconciler struct {
	ex         exchange.Exchange
	store      Store
	notifier   Notifier
	protection ProtectionHandler
	retry      exchange.RetryConfig
	logger     zerolog.Logger
}

// New creates a reconciler. protection may be nil.
func New(ex exchange.Exchange, store Store, notifier Notifier, protection ProtectionHandler) *Reconciler {
	return &Reconciler{
		ex:         ex,
		store:      store,
		notifier:   notifier,
		protection: protection,
		retry:      exchange.DefaultRetryConfig(),
		logger:     config.NewLogger("reconcile"),
	}
}

// Run loops until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Cycle(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Reconcile cycle incomplete")
			}
		}
	}
}

// Cycle runs the three passes in fixed order. The history pass must precede
// the open-orders pass: a just-filled order missing from the open set would
// otherwise look cancelled.
func (r *Reconciler) Cycle(ctx context.Context) error {
	if err := r.syncBalances(ctx); err != nil {
		metrics.ReconcilerPasses.WithLabelValues("balances", "failed").Inc()
		return err
	}
	metrics.ReconcilerPasses.WithLabelValues("balances", "ok").Inc()

	if err := r.syncHistory(ctx); err != nil {
		metrics.ReconcilerPasses.WithLabelValues("history", "failed").Inc()
		return err
	}
	metrics.ReconcilerPasses.WithLabelValues("history", "ok").Inc()

	if err := r.syncOpenOrders(ctx); err != nil {
		metrics.ReconcilerPasses.WithLabelValues("open_orders", "failed").Inc()
		return err
	}
	metrics.ReconcilerPasses.WithLabelValues("open_orders", "ok").Inc()

	return nil
}

// syncBalances overwrites the local balance mirror.
func (r *Reconciler) syncBalances(ctx context.Context) error {
	var summary []exchange.AccountBalance
	err := exchange.WithRetry(ctx, r.retry, func() error {
		var opErr error
		summary, opErr = r.ex.GetAccountSummary(ctx)
		return opErr
	})
	if err != nil {
		return fmt.Errorf("failed to fetch account summary: %w", err)
	}

	now := time.Now().UTC()
	balances := make([]*db.Balance, 0, len(summary))
	for _, b := range summary {
		balances = append(balances, &db.Balance{
			Asset:     b.Asset,
			Total:     b.Total,
			Available: b.Available,
			Reserved:  b.Reserved,
			UpdatedAt: now,
		})
	}
	return r.store.ReplaceBalances(ctx, balances)
}

// syncHistory applies terminal statuses from recent completed orders.
func (r *Reconciler) syncHistory(ctx context.Context) error {
	var history []exchange.OrderInfo
	err := exchange.WithRetry(ctx, r.retry, func() error {
		var opErr error
		history, opErr = r.ex.GetOrderHistory(ctx, time.Now().Add(-historyLookback))
		return opErr
	})
	if err != nil {
		return fmt.Errorf("failed to fetch order history: %w", err)
	}

	for _, info := range history {
		local, err := r.store.GetOrderByExchangeID(ctx, info.OrderID)
		if err != nil {
			r.logger.Error().Err(err).Str("order_id", info.OrderID).Msg("History lookup failed")
			continue
		}
		if local == nil || local.Status.IsTerminal() {
			continue
		}

		update := db.OrderStatusUpdate{Status: db.OrderStatus(info.Status)}
		now := time.Now().UTC()
		switch db.OrderStatus(info.Status) {
		case db.OrderStatusFilled:
			update.FilledQuantity = &info.FilledQuantity
			if info.AvgFillPrice != "" {
				update.AvgFillPrice = &info.AvgFillPrice
			}
			update.FilledAt = &now
		case db.OrderStatusCancelled, db.OrderStatusRejected:
			update.CancelledAt = &now
		default:
			continue
		}

		if err := r.store.UpdateOrderStatus(ctx, info.OrderID, update); err != nil {
			r.logger.Error().Err(err).Str("order_id", info.OrderID).Msg("Failed to apply history status")
			continue
		}
		r.logger.Info().
			Str("order_id", info.OrderID).
			Str("status", info.Status).
			Msg("Order status reconciled from history")

		if update.Status == db.OrderStatusFilled && local.Role != db.OrderRoleEntry && r.protection != nil {
			local.Status = db.OrderStatusFilled
			if err := r.protection.HandleProtectionFill(ctx, local); err != nil {
				r.logger.Error().Err(err).Str("order_id", info.OrderID).Msg("Sibling cancellation failed")
			}
		}
	}
	return nil
}

// syncOpenOrders marks local non-terminal orders missing from the exchange
// open set as cancelled. Each order is re-read immediately before the write
// so a fill applied by the history pass, or by a concurrent actor, is never
// overwritten.
func (r *Reconciler) syncOpenOrders(ctx context.Context) error {
	var open []exchange.OrderInfo
	err := exchange.WithRetry(ctx, r.retry, func() error {
		var opErr error
		open, opErr = r.ex.GetOpenOrders(ctx)
		return opErr
	})
	if err != nil {
		return fmt.Errorf("failed to fetch open orders: %w", err)
	}
	openSet := make(map[string]bool, len(open))
	for _, o := range open {
		openSet[o.OrderID] = true
	}

	locals, err := r.store.GetNonTerminalOrders(ctx)
	if err != nil {
		return err
	}

	for _, local := range locals {
		if openSet[local.ExchangeOrderID] {
			continue
		}

		// fresh confirmation before the state change
		fresh, err := r.store.GetOrderByExchangeID(ctx, local.ExchangeOrderID)
		if err != nil {
			r.logger.Error().Err(err).Str("order_id", local.ExchangeOrderID).Msg("Re-read failed")
			continue
		}
		if fresh == nil || fresh.Status.IsTerminal() {
			continue
		}

		now := time.Now().UTC()
		note := "sync: not in exchange open set"
		if err := r.store.UpdateOrderStatus(ctx, local.ExchangeOrderID, db.OrderStatusUpdate{
			Status:      db.OrderStatusCancelled,
			CancelledAt: &now,
			Note:        &note,
		}); err != nil {
			r.logger.Error().Err(err).Str("order_id", local.ExchangeOrderID).Msg("Failed to mark cancelled")
			continue
		}

		r.logger.Warn().
			Str("order_id", local.ExchangeOrderID).
			Str("symbol", local.Symbol).
			Msg("Order cancelled by reconciler sync")
		r.notifier.Send(ctx, fmt.Sprintf("Order %s (%s %s) cancelled on exchange",
			local.ExchangeOrderID, local.Symbol, local.Role), "reconcile")
	}
	return nil
}
