package db

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// OrderSide represents buy or sell (database enum)
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents order type (database enum)
type OrderType string

const (
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeStopLimit       OrderType = "STOP_LIMIT"
	OrderTypeTakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"
)

// OrderRole distinguishes entry orders from their protection orders
type OrderRole string

const (
	OrderRoleEntry      OrderRole = "ENTRY"
	OrderRoleStopLoss   OrderRole = "STOP_LOSS"
	OrderRoleTakeProfit OrderRole = "TAKE_PROFIT"
)

// OrderStatus represents order status (database enum)
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusActive          OrderStatus = "ACTIVE"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	// OrderStatusFailedInconsistent marks an order left dangling after an OCO
	// rollback cancellation failed. Terminal; requires operator attention.
	OrderStatusFailedInconsistent OrderStatus = "FAILED_INCONSISTENT"
)

// IsTerminal reports whether the status is a terminal state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusFailedInconsistent:
		return true
	}
	return false
}

// WatchlistEntry is one actively monitored symbol
type WatchlistEntry struct {
	ID               uuid.UUID
	Symbol           string
	StrategyKey      string // e.g. "swing/conservative"
	AlertEnabled     bool   // master flag; false suppresses all alerts
	BuyAlertEnabled  bool
	SellAlertEnabled bool
	TradeEnabled     bool
	TradeOnMargin    bool
	TradeAmountUSD   *string // decimal string; nil means not configured
	Leverage         *int
	SignalBuy        bool // manual override: force BUY side
	SignalSell       bool // manual override: force SELL side
	DeletedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BaseAsset derives the base asset from a SYMBOL like "BTC_USDT".
func (w *WatchlistEntry) BaseAsset() string {
	if i := strings.IndexByte(w.Symbol, '_'); i > 0 {
		return w.Symbol[:i]
	}
	return w.Symbol
}

// QuoteAsset derives the quote asset from a SYMBOL like "BTC_USDT".
func (w *WatchlistEntry) QuoteAsset() string {
	if i := strings.IndexByte(w.Symbol, '_'); i >= 0 && i+1 < len(w.Symbol) {
		return w.Symbol[i+1:]
	}
	return ""
}

// MarketSnapshot is the last observed market state for a symbol. Indicator
// fields are pointers: nil marks a missing indicator, which is a valid input
// the evaluator must handle.
type MarketSnapshot struct {
	Symbol    string
	Price     string // decimal string, last trade price
	RSI       *float64
	EMA10     *float64
	MA50      *float64
	MA200     *float64
	MA10W     *float64
	ATR       *float64
	Volume    *float64
	AvgVolume *float64
	Timestamp time.Time
	Stale     bool
}

// VolumeRatio returns volume/avg_volume, or nil when either is missing.
func (m *MarketSnapshot) VolumeRatio() *float64 {
	if m.Volume == nil || m.AvgVolume == nil || *m.AvgVolume == 0 {
		return nil
	}
	r := *m.Volume / *m.AvgVolume
	return &r
}

// AlertRecord is the outbound-message audit record; the decision trace is
// stamped onto it once the pipeline decides.
type AlertRecord struct {
	ID            uuid.UUID
	Symbol        string
	Side          OrderSide
	PriceAtEmit   string
	Timestamp     time.Time
	DecisionType  *string // PENDING | EXECUTED | SKIPPED | FAILED | BLOCKED
	ReasonCode    *string
	ReasonMessage *string
	Context       map[string]interface{}
	OrderID       *string
	RunID         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ThrottleState tracks the last emitted alert per (symbol, side, strategy)
type ThrottleState struct {
	Symbol        string
	Side          OrderSide
	StrategyKey   string
	LastEmitTime  time.Time
	LastEmitPrice string
	ForceNext     bool
}

// Order is the local mirror of an exchange order
type Order struct {
	ID              uuid.UUID
	ExchangeOrderID string
	Symbol          string
	Side            OrderSide
	Type            OrderType
	Role            OrderRole
	Status          OrderStatus
	Price           string
	TriggerPrice    *string
	Quantity        string
	FilledQuantity  string
	AvgFillPrice    *string
	ParentOrderID   *string // exchange id of the entry order, protection orders only
	OCOGroupID      *string // shared by exactly one SL/TP pair
	SignalKey       *string // idempotency token {symbol}:{side}:{minute-bucket}
	ExecInst        *string // margin execution hint as sent to the exchange
	Leverage        *int
	Note            *string // e.g. reconciler sync notes, protection-skip reasons
	PlacedAt        time.Time
	FilledAt        *time.Time
	CancelledAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BaseAsset derives the base asset from the order symbol.
func (o *Order) BaseAsset() string {
	if i := strings.IndexByte(o.Symbol, '_'); i > 0 {
		return o.Symbol[:i]
	}
	return o.Symbol
}

// Balance is the reconciled mirror of one asset balance
type Balance struct {
	Asset     string
	Total     string
	Available string
	Reserved  string
	UpdatedAt time.Time
}

// Instrument is cached per-symbol exchange metadata
type Instrument struct {
	Symbol           string
	BaseAsset        string
	QuoteAsset       string
	PriceTick        string
	QuantityTick     string
	MinQuantity      string
	PriceDecimals    int32
	QuantityDecimals int32
	CachedAt         time.Time
}
