// Package monitor runs the signal pipeline: one globally exclusive cycle per
// tick walks the watchlist, evaluates signals, throttles alerts, gates and
// places orders, and hands filled entries to the protection manager.
package monitor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coinpilot/coinpilot/internal/config"
	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/gate"
	"github.com/coinpilot/coinpilot/internal/metrics"
	"github.com/coinpilot/coinpilot/internal/placer"
	"github.com/coinpilot/coinpilot/internal/signal"
	"github.com/coinpilot/coinpilot/internal/strategy"
	"github.com/coinpilot/coinpilot/internal/trace"
)

// Store is the database surface the monitor itself touches.
type Store interface {
	TryAcquireRunLock(ctx context.Context, lockID int64) (*db.RunLock, error)
	GetActiveWatchlist(ctx context.Context) ([]*db.WatchlistEntry, error)
	GetThrottleState(ctx context.Context, symbol string, side db.OrderSide, strategyKey string) (*db.ThrottleState, error)
	UpsertThrottleState(ctx context.Context, symbol string, side db.OrderSide, strategyKey, price string, emitTime time.Time) error
	ClearForceNext(ctx context.Context, symbol string, side db.OrderSide, strategyKey string) error
	ClearManualSignal(ctx context.Context, symbol string) error
	InsertAlert(ctx context.Context, a *db.AlertRecord) error
}

// SnapshotProvider produces market snapshots.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, symbol string) (*db.MarketSnapshot, []float64, error)
}

// OrderGate runs the order-side guardrails.
type OrderGate interface {
	Check(ctx context.Context, entry *db.WatchlistEntry, side db.OrderSide, price string) (gate.Outcome, error)
}

// EntryPlacer submits entry orders.
type EntryPlacer interface {
	PlaceEntry(ctx context.Context, req placer.Request) (*db.Order, error)
}

// Protector creates SL/TP pairs for filled entries.
type Protector interface {
	EnsureProtection(ctx context.Context, entry *db.Order, rules strategy.Rules, atr *float64) error
}

// Notifier delivers alert notifications.
type Notifier interface {
	Send(ctx context.Context, text, origin string) bool
}

// Monitor is the signal monitor loop.
type Monitor struct {
	store      Store
	provider   SnapshotProvider
	strategies *strategy.Store
	gate       OrderGate
	placer     EntryPlacer
	protector  Protector
	writer     *trace.Writer
	notifier   Notifier
	cfg        config.MonitorConfig
	logger     zerolog.Logger

	host       string
	pid        int
	runCounter atomic.Int64
	startupLog sync.Once

	// protections tracks fill-poll goroutines for a clean shutdown.
	protections sync.WaitGroup
}

// New creates a monitor.
func New(store Store, provider SnapshotProvider, strategies *strategy.Store, orderGate OrderGate, entryPlacer EntryPlacer, protector Protector, writer *trace.Writer, notifier Notifier, cfg config.MonitorConfig) *Monitor {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Monitor{
		store:      store,
		provider:   provider,
		strategies: strategies,
		gate:       orderGate,
		placer:     entryPlacer,
		protector:  protector,
		writer:     writer,
		notifier:   notifier,
		cfg:        cfg,
		logger:     config.NewLogger("monitor"),
		host:       host,
		pid:        os.Getpid(),
	}
}

// Run executes one cycle immediately, then on every tick until the context
// is cancelled. Outstanding protection tasks are awaited on shutdown.
func (m *Monitor) Run(ctx context.Context) {
	m.Cycle(ctx)

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.protections.Wait()
			return
		case <-ticker.C:
			m.Cycle(ctx)
		}
	}
}

// Cycle runs one monitor pass. At most one cycle executes globally; the
// database advisory lock arbitrates across replicas.
func (m *Monitor) Cycle(ctx context.Context) {
	started := time.Now()
	runID := fmt.Sprintf("%s-%d-%d", m.host, m.pid, m.runCounter.Add(1))
	logger := m.logger.With().Str("run_id", runID).Int("pid", m.pid).Str("host", m.host).Logger()

	lock, err := m.store.TryAcquireRunLock(ctx, m.cfg.RunLockID)
	if err != nil {
		logger.Error().Err(err).Msg("Run lock acquisition failed")
		metrics.CyclesTotal.WithLabelValues("failed").Inc()
		return
	}
	if lock == nil {
		logger.Info().Msg("RUN_LOCKED another cycle is executing")
		metrics.CyclesTotal.WithLabelValues("locked").Inc()
		return
	}
	defer lock.Release(ctx)

	logger.Info().Msg("RUN_START")

	watchlist, err := m.store.GetActiveWatchlist(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load watchlist")
		metrics.CyclesTotal.WithLabelValues("failed").Inc()
		return
	}

	m.startupLog.Do(func() { m.logStartupConfig(logger, watchlist) })

	deadline := started.Add(m.cfg.TickInterval)
	processed := 0
	for _, entry := range watchlist {
		if time.Now().After(deadline) {
			logger.Warn().
				Int("processed", processed).
				Int("deferred", len(watchlist)-processed).
				Msg("Cycle soft deadline reached, deferring remaining symbols")
			break
		}
		if err := m.processSymbol(ctx, logger, entry, runID); err != nil {
			// one symbol never halts the cycle
			logger.Error().Err(err).Str("symbol", entry.Symbol).Msg("Symbol processing failed")
		}
		processed++
	}

	if err := m.writer.CloseStalePending(ctx, runID); err != nil {
		logger.Error().Err(err).Msg("Failed to close stale pending alerts")
	}

	metrics.CyclesTotal.WithLabelValues("completed").Inc()
	metrics.CycleDuration.Observe(time.Since(started).Seconds())
	logger.Info().Dur("duration", time.Since(started)).Int("symbols", processed).Msg("RUN_END")
}

// logStartupConfig emits the first-cycle configuration summary used for
// alert-flag drift detection.
func (m *Monitor) logStartupConfig(logger zerolog.Logger, watchlist []*db.WatchlistEntry) {
	enabled, disabled := 0, 0
	for _, e := range watchlist {
		if e.AlertEnabled {
			enabled++
		} else {
			disabled++
		}
		logger.Info().
			Str("symbol", e.Symbol).
			Bool("alert_enabled", e.AlertEnabled).
			Bool("buy_alerts", e.BuyAlertEnabled).
			Bool("sell_alerts", e.SellAlertEnabled).
			Bool("trade_enabled", e.TradeEnabled).
			Str("strategy", e.StrategyKey).
			Msg("STARTUP_ALERT_CONFIG")
	}
	logger.Info().
		Int("enabled", enabled).
		Int("disabled", disabled).
		Str("source", "db").
		Msg("STARTUP_ALERT_CONFIG summary")
}

func (m *Monitor) processSymbol(ctx context.Context, logger zerolog.Logger, entry *db.WatchlistEntry, runID string) error {
	rules, err := m.strategies.Get(entry.StrategyKey)
	if err != nil {
		return err
	}

	snap, rsiSeries, err := m.provider.Snapshot(ctx, entry.Symbol)
	if err != nil {
		return err
	}

	sig := signal.Evaluate(entry, snap, rsiSeries, rules)
	logger.Debug().
		Str("symbol", entry.Symbol).
		Str("side", string(sig.Side)).
		Strs("reasons", sig.Reasons).
		Msg("ALERT_CHECK")

	if sig.Side == signal.SideWait {
		return nil
	}
	side := db.OrderSide(sig.Side)

	if !m.sideAlertsEnabled(entry, side) {
		logger.Debug().Str("symbol", entry.Symbol).Str("side", string(side)).Msg("Side alerts disabled")
		return nil
	}

	manual := len(sig.Reasons) == 1 && (sig.Reasons[0] == "MANUAL_OVERRIDE_BUY" || sig.Reasons[0] == "MANUAL_OVERRIDE_SELL")

	state, err := m.store.GetThrottleState(ctx, entry.Symbol, side, entry.StrategyKey)
	if err != nil {
		return err
	}
	throttle := gate.EvalThrottle(state, snap.Price, rules, time.Now())
	if !throttle.Allowed {
		reason := trace.ReasonThrottledMinTime
		if throttle.Reason == "THROTTLED_MIN_PRICE_CHANGE" {
			reason = trace.ReasonThrottledMinPriceChange
		}
		// throttle state stays untouched on a blocked alert
		return m.writer.DecideBySymbolSide(ctx, entry.Symbol, side, snap.Price, runID, trace.Decision{
			Type:   trace.DecisionSkipped,
			Reason: reason,
			Context: map[string]interface{}{
				"signal_reasons": sig.Reasons,
			},
		})
	}

	alert := &db.AlertRecord{
		ID:          uuid.New(),
		Symbol:      entry.Symbol,
		Side:        side,
		PriceAtEmit: snap.Price,
		Timestamp:   time.Now().UTC(),
		Context: map[string]interface{}{
			"signal_reasons": sig.Reasons,
			"stale_snapshot": snap.Stale,
		},
		RunID: runID,
	}
	pending := string(trace.DecisionPending)
	alert.DecisionType = &pending
	if err := m.store.InsertAlert(ctx, alert); err != nil {
		return err
	}
	logger.Info().
		Str("symbol", entry.Symbol).
		Str("side", string(side)).
		Str("alert_id", alert.ID.String()).
		Msg("ALERT_ALLOWED")

	m.notifier.Send(ctx, fmt.Sprintf("%s signal on %s @ %s", side, entry.Symbol, snap.Price), "monitor")

	if err := m.store.UpsertThrottleState(ctx, entry.Symbol, side, entry.StrategyKey, snap.Price, time.Now().UTC()); err != nil {
		logger.Error().Err(err).Str("symbol", entry.Symbol).Msg("Failed to update throttle state")
		if throttle.ForceConsumed {
			// the alert went out; a surviving force flag would fire it again
			if cerr := m.store.ClearForceNext(ctx, entry.Symbol, side, entry.StrategyKey); cerr != nil {
				logger.Error().Err(cerr).Str("symbol", entry.Symbol).Msg("Failed to clear force-next flag")
			}
		}
	}
	if manual {
		if err := m.store.ClearManualSignal(ctx, entry.Symbol); err != nil {
			logger.Error().Err(err).Str("symbol", entry.Symbol).Msg("Failed to clear manual signal")
		}
	}

	outcome, err := m.gate.Check(ctx, entry, side, snap.Price)
	if err != nil {
		return m.writer.Decide(ctx, alert.ID.String(), trace.Decision{
			Type:                 trace.DecisionFailed,
			Reason:               trace.ReasonExchangeErrorUnknown,
			ExchangeErrorSnippet: err.Error(),
		})
	}
	if !outcome.Allowed {
		return m.writer.Decide(ctx, alert.ID.String(), trace.Decision{
			Type:    trace.DecisionSkipped,
			Reason:  outcome.Reason,
			Context: outcome.Context,
		})
	}

	order, err := m.placer.PlaceEntry(ctx, placer.Request{
		Entry:     entry,
		Side:      side,
		Type:      db.OrderTypeLimit,
		Price:     snap.Price,
		SignalKey: outcome.SignalKey,
		AlertID:   alert.ID.String(),
		RunID:     runID,
	})
	if err != nil {
		// infrastructure failure before or after submission; the alert must
		// still leave PENDING with the real cause
		logger.Error().Err(err).Str("symbol", entry.Symbol).Msg("Order placement failed")
		return m.writer.Decide(ctx, alert.ID.String(), trace.Decision{
			Type:                 trace.DecisionFailed,
			Reason:               trace.ReasonExchangeErrorUnknown,
			ExchangeErrorSnippet: err.Error(),
		})
	}
	if order == nil {
		// placement failure already traced by the placer
		return nil
	}

	logger.Info().
		Str("symbol", entry.Symbol).
		Str("order_id", order.ExchangeOrderID).
		Msg("ORDER_PLACED")

	m.protections.Add(1)
	go func() {
		defer m.protections.Done()
		if perr := m.protector.EnsureProtection(ctx, order, rules, snap.ATR); perr != nil {
			logger.Error().Err(perr).Str("order_id", order.ExchangeOrderID).Msg("Protection setup failed")
		}
	}()

	return nil
}

func (m *Monitor) sideAlertsEnabled(entry *db.WatchlistEntry, side db.OrderSide) bool {
	if !entry.AlertEnabled {
		return false
	}
	if side == db.OrderSideBuy {
		return entry.BuyAlertEnabled
	}
	return entry.SellAlertEnabled
}
