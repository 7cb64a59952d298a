// Package placer turns an approved order request into an exchange order:
// instrument resolution, quantity sizing, price normalization, submission,
// and the decision trace for every outcome.
package placer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/coinpilot/coinpilot/internal/config"
	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/metrics"
	"github.com/coinpilot/coinpilot/internal/numfmt"
	"github.com/coinpilot/coinpilot/internal/trace"
)

// Store is the database surface the placer needs.
type Store interface {
	GetInstrument(ctx context.Context, symbol string, maxAge time.Duration) (*db.Instrument, error)
	UpsertInstruments(ctx context.Context, instruments []*db.Instrument) error
	InsertOrder(ctx context.Context, o *db.Order) error
}

// Notifier delivers operator alerts. Best-effort.
type Notifier interface {
	Send(ctx context.Context, text, origin string) bool
	SendOperatorAlert(ctx context.Context, key, text string) bool
}

// Request is an approved entry-order request from the decision gate.
type Request struct {
	Entry     *db.WatchlistEntry
	Side      db.OrderSide
	Type      db.OrderType
	Price     string // last price, decimal string
	SignalKey string
	AlertID   string
	RunID     string
}

// Placer submits entry orders.
type Placer struct {
	ex       exchange.Exchange
	store    Store
	writer   *trace.Writer
	notifier Notifier
	cfg      config.TradingConfig
	retry    exchange.RetryConfig
	logger   zerolog.Logger
}

// New creates a placer.
func New(ex exchange.Exchange, store Store, writer *trace.Writer, notifier Notifier, cfg config.TradingConfig) *Placer {
	return &Placer{
		ex:       ex,
		store:    store,
		writer:   writer,
		notifier: notifier,
		cfg:      cfg,
		retry:    exchange.DefaultRetryConfig(),
		logger:   config.NewLogger("placer"),
	}
}

// ResolveInstrument returns instrument metadata for a symbol, refreshing the
// cache from the exchange when the cached row is missing or expired.
func (p *Placer) ResolveInstrument(ctx context.Context, symbol string) (*db.Instrument, error) {
	inst, err := p.store.GetInstrument(ctx, symbol, p.cfg.InstrumentTTL)
	if err != nil {
		return nil, err
	}
	if inst != nil {
		return inst, nil
	}

	var fetched []exchange.Instrument
	err = exchange.WithRetry(ctx, p.retry, func() error {
		var opErr error
		fetched, opErr = p.ex.GetInstruments(ctx)
		return opErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refresh instruments: %w", err)
	}

	rows := make([]*db.Instrument, 0, len(fetched))
	var found *db.Instrument
	now := time.Now().UTC()
	for _, f := range fetched {
		row := &db.Instrument{
			Symbol:           f.Symbol,
			BaseAsset:        f.BaseAsset,
			QuoteAsset:       f.QuoteAsset,
			PriceTick:        f.PriceTick,
			QuantityTick:     f.QuantityTick,
			MinQuantity:      f.MinQuantity,
			PriceDecimals:    f.PriceDecimals,
			QuantityDecimals: f.QuantityDecimals,
			CachedAt:         now,
		}
		rows = append(rows, row)
		if f.Symbol == symbol {
			found = row
		}
	}
	if err := p.store.UpsertInstruments(ctx, rows); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to cache instruments")
	}
	if found == nil {
		return nil, fmt.Errorf("instrument not found on exchange: %s", symbol)
	}
	return found, nil
}

// PlaceEntry sizes, normalizes, and submits an entry order, then stamps the
// decision trace. A mapped exchange failure is traced and returns (nil, nil);
// only infrastructure errors propagate.
func (p *Placer) PlaceEntry(ctx context.Context, req Request) (*db.Order, error) {
	inst, err := p.ResolveInstrument(ctx, req.Entry.Symbol)
	if err != nil {
		p.logger.Error().Err(err).Str("symbol", req.Entry.Symbol).Msg("Instrument resolution failed")
		return nil, p.writer.Decide(ctx, req.AlertID, trace.Decision{
			Type:    trace.DecisionSkipped,
			Reason:  trace.ReasonDataMissing,
			Message: "instrument metadata unavailable",
			Context: map[string]interface{}{
				"error": err.Error(),
			},
		})
	}

	price, quantity, err := p.normalize(req, inst)
	if err != nil {
		if errors.Is(err, numfmt.ErrQuantityBelowMin) {
			return nil, p.writer.Decide(ctx, req.AlertID, trace.Decision{
				Type:    trace.DecisionSkipped,
				Reason:  trace.ReasonDataMissing,
				Message: "computed quantity is below the instrument minimum",
				Context: map[string]interface{}{
					"min_quantity": inst.MinQuantity,
					"last_price":   req.Price,
				},
			})
		}
		return nil, err
	}

	orderReq := exchange.CreateOrderRequest{
		Symbol:        req.Entry.Symbol,
		Side:          string(req.Side),
		Type:          string(req.Type),
		Quantity:      quantity,
		ClientOrderID: uuid.NewString(),
	}
	if req.Type != db.OrderTypeMarket {
		orderReq.Price = price
	}

	var execInst *string
	if req.Entry.TradeOnMargin {
		orderReq.ExecInst = []string{exchange.MarginExecInst}
		hint := exchange.MarginExecInst
		execInst = &hint
		if req.Entry.Leverage != nil {
			orderReq.Leverage = *req.Entry.Leverage
		}
	}

	resp, err := p.submit(ctx, orderReq, inst, req)
	if err != nil {
		// mapped and traced inside submit
		return nil, nil
	}

	order := &db.Order{
		ID:              uuid.New(),
		ExchangeOrderID: resp.OrderID,
		Symbol:          req.Entry.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Role:            db.OrderRoleEntry,
		Status:          db.OrderStatusActive,
		Price:           price,
		Quantity:        quantity,
		FilledQuantity:  "0",
		SignalKey:       &req.SignalKey,
		ExecInst:        execInst,
		Leverage:        req.Entry.Leverage,
		PlacedAt:        time.Now().UTC(),
	}
	if err := p.store.InsertOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("order %s placed but failed to persist: %w", resp.OrderID, err)
	}

	metrics.RecordOrderPlaced(string(req.Side), string(db.OrderRoleEntry))

	if err := p.writer.Decide(ctx, req.AlertID, trace.Decision{
		Type:    trace.DecisionExecuted,
		Reason:  trace.ReasonExecOrderPlaced,
		OrderID: &resp.OrderID,
		Context: map[string]interface{}{
			"price":    price,
			"quantity": quantity,
		},
	}); err != nil {
		p.logger.Error().Err(err).Str("order_id", resp.OrderID).Msg("Failed to trace executed decision")
	}

	p.notifier.Send(ctx, fmt.Sprintf("%s %s %s @ %s qty %s", req.Side, req.Type, req.Entry.Symbol, price, quantity), "placer")

	return order, nil
}

// normalize sizes the order from the configured notional and rounds price
// and quantity onto the instrument grid. Entry prices round against the
// taker: down for BUY, up for SELL. Quantities always round down.
func (p *Placer) normalize(req Request, inst *db.Instrument) (price, quantity string, err error) {
	lastPrice, err := decimal.NewFromString(req.Price)
	if err != nil || lastPrice.Sign() <= 0 {
		return "", "", fmt.Errorf("invalid last price %q for %s", req.Price, req.Entry.Symbol)
	}
	amount, err := decimal.NewFromString(*req.Entry.TradeAmountUSD)
	if err != nil {
		return "", "", fmt.Errorf("invalid trade amount %q for %s", *req.Entry.TradeAmountUSD, req.Entry.Symbol)
	}

	priceTick, err := decimal.NewFromString(inst.PriceTick)
	if err != nil {
		return "", "", fmt.Errorf("invalid price tick %q: %w", inst.PriceTick, err)
	}
	qtyTick, err := decimal.NewFromString(inst.QuantityTick)
	if err != nil {
		return "", "", fmt.Errorf("invalid quantity tick %q: %w", inst.QuantityTick, err)
	}
	minQty, err := decimal.NewFromString(inst.MinQuantity)
	if err != nil {
		return "", "", fmt.Errorf("invalid min quantity %q: %w", inst.MinQuantity, err)
	}

	price, err = numfmt.NormalizePrice(lastPrice, priceTick, inst.PriceDecimals, numfmt.EntryPriceDirection(string(req.Side)))
	if err != nil {
		return "", "", err
	}

	rawQty := amount.DivRound(lastPrice, 18)
	quantity, err = numfmt.NormalizeQuantity(rawQty, qtyTick, minQty, inst.QuantityDecimals)
	if err != nil {
		return "", "", err
	}

	return price, quantity, nil
}

// submit sends the order and maps every failure onto the decision trace.
// A non-nil error return always means the failure was already traced.
func (p *Placer) submit(ctx context.Context, orderReq exchange.CreateOrderRequest, inst *db.Instrument, req Request) (*exchange.CreateOrderResponse, error) {
	resp, err := p.createOrder(ctx, orderReq)
	if err == nil {
		return resp, nil
	}

	if exchange.IsInvalidPriceFormat(err) && orderReq.Price != "" {
		// one retry after re-normalization; some listings reject prices
		// carrying more precision than the published tick implies
		p.logger.Warn().Str("symbol", orderReq.Symbol).Str("price", orderReq.Price).
			Msg("Price format rejected, retrying after re-normalization")
		if renormed, rerr := p.renormalizePrice(orderReq.Price, inst, req); rerr == nil {
			orderReq.Price = renormed
			if resp, err = p.createOrder(ctx, orderReq); err == nil {
				return resp, nil
			}
		}
	}

	p.traceFailure(ctx, req, err)
	return nil, err
}

// createOrder submits with backoff on transient failures. Permanent exchange
// errors come back unwrapped after the first attempt.
func (p *Placer) createOrder(ctx context.Context, orderReq exchange.CreateOrderRequest) (*exchange.CreateOrderResponse, error) {
	var resp *exchange.CreateOrderResponse
	err := exchange.WithRetry(ctx, p.retry, func() error {
		var opErr error
		resp, opErr = p.ex.CreateOrder(ctx, orderReq)
		return opErr
	})
	return resp, err
}

func (p *Placer) renormalizePrice(price string, inst *db.Instrument, req Request) (string, error) {
	raw, err := decimal.NewFromString(price)
	if err != nil {
		return "", err
	}
	tick, err := decimal.NewFromString(inst.PriceTick)
	if err != nil {
		return "", err
	}
	return numfmt.NormalizePrice(raw, tick, inst.PriceDecimals, numfmt.EntryPriceDirection(string(req.Side)))
}

// traceFailure maps an exchange error onto the decision trace per the
// error-handling contract.
func (p *Placer) traceFailure(ctx context.Context, req Request, err error) {
	d := trace.Decision{Type: trace.DecisionFailed}

	switch {
	case exchange.IsAuthError(err):
		d.Reason = trace.ReasonAuthenticationError
		p.notifier.SendOperatorAlert(ctx, "auth_failure",
			fmt.Sprintf("Exchange authentication failed placing %s %s. Check API credentials.", req.Side, req.Entry.Symbol))
	case exchange.IsConditionalDisabled(err):
		d.Type = trace.DecisionBlocked
		d.Reason = trace.ReasonExchangeAPIDisabled
	case exchange.IsInsufficientFunds(err):
		d.Reason = trace.ReasonInsufficientFunds
	case exchange.IsInvalidPriceFormat(err):
		d.Reason = trace.ReasonInvalidPriceFormat
	case exchange.IsRateLimited(err):
		d.Reason = trace.ReasonRateLimit
	case exchange.IsTimeout(err):
		d.Reason = trace.ReasonTimeout
	case exchange.IsRetryable(err):
		// a transient failure that survived the retry budget
		d.Reason = trace.ReasonTimeout
	default:
		d.Reason = trace.ReasonExchangeErrorUnknown
		if apiErr, ok := exchange.AsAPIError(err); ok {
			d.ExchangeErrorSnippet = apiErr.Snippet(300)
		} else {
			d.ExchangeErrorSnippet = err.Error()
		}
	}

	p.logger.Error().Err(err).
		Str("symbol", req.Entry.Symbol).
		Str("side", string(req.Side)).
		Str("reason_code", string(d.Reason)).
		Msg("Order placement failed")

	if terr := p.writer.Decide(ctx, req.AlertID, d); terr != nil {
		p.logger.Error().Err(terr).Msg("Failed to trace placement failure")
	}
}
