// Package gate is the decision gate between a signal and an order. The
// alert-side throttle limits alert frequency; the order-side gate enforces
// the trading guardrails in a fixed order so the first failing rule names
// the decision.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/coinpilot/coinpilot/internal/config"
	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/trace"
)

// signalKeyBucket is the idempotency time bucket.
const signalKeyBucket = time.Minute

// signalKeyWindow bounds how far back an identical signal key blocks.
const signalKeyWindow = 24 * time.Hour

// Store is the database surface the gate reads.
type Store interface {
	CountOpenTakeProfits(ctx context.Context, symbol, base, scope string) (int, error)
	HasRecentOrderForBase(ctx context.Context, base string, cutoff time.Time) (bool, error)
	FindOrderBySignalKey(ctx context.Context, signalKey string, cutoff time.Time) (*db.Order, error)
	OpenNotional(ctx context.Context) (string, error)
	GetBalance(ctx context.Context, asset string) (*db.Balance, error)
}

// Outcome is the tagged result of the order-side gate.
type Outcome struct {
	Allowed bool
	Reason  trace.ReasonCode
	// Context carries the rejected-rule details for the decision trace.
	Context map[string]interface{}
	// SignalKey is the idempotency token for the order about to be placed.
	SignalKey string
}

// Gate evaluates the order-side guardrails.
type Gate struct {
	store  Store
	cfg    config.TradingConfig
	logger zerolog.Logger

	now func() time.Time
}

// New creates a gate.
func New(store Store, cfg config.TradingConfig) *Gate {
	return &Gate{
		store:  store,
		cfg:    cfg,
		logger: config.NewLogger("gate"),
		now:    time.Now,
	}
}

// SignalKey builds the idempotency token for (symbol, side) at t, bucketed
// to the minute.
func SignalKey(symbol string, side db.OrderSide, t time.Time) string {
	return fmt.Sprintf("%s:%s:%d", symbol, side, t.Truncate(signalKeyBucket).Unix())
}

// Check runs the guardrails in order and returns on the first failure. The
// price argument is the current last price as a decimal string; it sizes the
// notional for the guardrail and balance checks.
func (g *Gate) Check(ctx context.Context, entry *db.WatchlistEntry, side db.OrderSide, price string) (Outcome, error) {
	now := g.now()
	key := SignalKey(entry.Symbol, side, now)

	deny := func(reason trace.ReasonCode, kv map[string]interface{}) Outcome {
		g.logger.Info().
			Str("symbol", entry.Symbol).
			Str("side", string(side)).
			Str("reason_code", string(reason)).
			Msg("GUARD order blocked")
		return Outcome{Allowed: false, Reason: reason, Context: kv, SignalKey: key}
	}

	if !entry.TradeEnabled {
		return deny(trace.ReasonTradeDisabled, nil), nil
	}

	if !entry.AlertEnabled {
		return deny(trace.ReasonAlertDisabled, nil), nil
	}

	base := entry.BaseAsset()

	openTPs, err := g.store.CountOpenTakeProfits(ctx, entry.Symbol, base, g.cfg.OpenTradeScope)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to count open take profits: %w", err)
	}
	if openTPs >= g.cfg.MaxOpenTrades {
		return deny(trace.ReasonMaxOpenTradesReached, map[string]interface{}{
			"open_take_profits": openTPs,
			"max_open_trades":   g.cfg.MaxOpenTrades,
		}), nil
	}

	recent, err := g.store.HasRecentOrderForBase(ctx, base, now.Add(-g.cfg.RecentOrderGap))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to check recent orders: %w", err)
	}
	if recent {
		return deny(trace.ReasonRecentOrdersCooldown, map[string]interface{}{
			"base":     base,
			"cooldown": g.cfg.RecentOrderGap.String(),
		}), nil
	}

	dup, err := g.store.FindOrderBySignalKey(ctx, key, now.Add(-signalKeyWindow))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to check signal key: %w", err)
	}
	if dup != nil {
		return deny(trace.ReasonIdempotencyBlocked, map[string]interface{}{
			"signal_key":        key,
			"existing_order_id": dup.ExchangeOrderID,
		}), nil
	}

	if entry.TradeAmountUSD == nil {
		// checked before the money math below, which needs the amount
		return deny(trace.ReasonDataMissing, map[string]interface{}{
			"missing": "trade_amount_usd",
		}), nil
	}

	amount, err := decimal.NewFromString(*entry.TradeAmountUSD)
	if err != nil {
		return deny(trace.ReasonDataMissing, map[string]interface{}{
			"missing": "trade_amount_usd",
			"invalid": *entry.TradeAmountUSD,
		}), nil
	}

	if g.cfg.PortfolioCapUSD > 0 {
		openNotional, err := g.store.OpenNotional(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to read open notional: %w", err)
		}
		open, err := decimal.NewFromString(openNotional)
		if err != nil {
			open = decimal.Zero
		}
		capUSD := decimal.NewFromFloat(g.cfg.PortfolioCapUSD)
		if open.Add(amount).GreaterThan(capUSD) {
			return deny(trace.ReasonGuardrailBlocked, map[string]interface{}{
				"open_notional":     open.String(),
				"trade_amount_usd":  amount.String(),
				"portfolio_cap_usd": capUSD.String(),
			}), nil
		}
	}

	if blocked, kv, err := g.checkBalance(ctx, entry, side, price, amount); err != nil {
		return Outcome{}, err
	} else if blocked {
		return deny(trace.ReasonInsufficientAvailBalance, kv), nil
	}

	return Outcome{Allowed: true, SignalKey: key}, nil
}

// checkBalance verifies the free balance covers the order: quote asset for a
// BUY, base asset quantity for a SELL.
func (g *Gate) checkBalance(ctx context.Context, entry *db.WatchlistEntry, side db.OrderSide, price string, amount decimal.Decimal) (bool, map[string]interface{}, error) {
	asset := entry.QuoteAsset()
	required := amount
	if side == db.OrderSideSell {
		asset = entry.BaseAsset()
		p, err := decimal.NewFromString(price)
		if err != nil || p.IsZero() {
			return true, map[string]interface{}{"missing": "price"}, nil
		}
		required = amount.DivRound(p, 18)
	}

	bal, err := g.store.GetBalance(ctx, asset)
	if err != nil {
		return false, nil, fmt.Errorf("failed to read balance for %s: %w", asset, err)
	}
	if bal == nil {
		return true, map[string]interface{}{"asset": asset, "available": "0"}, nil
	}

	available, err := decimal.NewFromString(bal.Available)
	if err != nil {
		return true, map[string]interface{}{"asset": asset, "available": bal.Available}, nil
	}
	if available.LessThan(required) {
		return true, map[string]interface{}{
			"asset":     asset,
			"available": available.String(),
			"required":  required.String(),
		}, nil
	}
	return false, nil, nil
}
