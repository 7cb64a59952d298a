package exchange

import (
	"context"
	"time"
)

// Exchange is the request/response facade for the external exchange. Client
// (live REST) and MockExchange (tests, dry-run) implement it.
type Exchange interface {
	// GetInstruments fetches per-symbol metadata.
	GetInstruments(ctx context.Context) ([]Instrument, error)

	// GetAccountSummary fetches all asset balances.
	GetAccountSummary(ctx context.Context) ([]AccountBalance, error)

	// GetOpenOrders fetches currently open orders.
	GetOpenOrders(ctx context.Context) ([]OrderInfo, error)

	// GetOrderHistory fetches recently completed orders.
	GetOrderHistory(ctx context.Context, since time.Time) ([]OrderInfo, error)

	// GetOrderDetail fetches one order by exchange id.
	GetOrderDetail(ctx context.Context, orderID string) (*OrderInfo, error)

	// CreateOrder submits a new order.
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResponse, error)

	// CancelOrder cancels an open order by exchange id.
	CancelOrder(ctx context.Context, orderID string) error

	// GetCandles fetches recent candlesticks for indicator computation.
	GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
}
