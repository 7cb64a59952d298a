package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockExchange is an in-memory Exchange used by tests and dry-run mode.
// Orders are accepted immediately; fills are driven by the caller (or
// automatically when auto-fill is on).
type MockExchange struct {
	mu          sync.Mutex
	instruments []Instrument
	balances    []AccountBalance
	orders      map[string]*OrderInfo
	orderSeq    int
	autoFill    bool
	candles     map[string][]Candle

	// failNext maps a method name ("create-order", "cancel-order") to a
	// queue of errors returned by subsequent calls.
	failNext map[string][]error

	// CreateCalls records every CreateOrder request for assertions.
	CreateCalls []CreateOrderRequest
	// CancelCalls records every cancelled order id.
	CancelCalls []string
}

// NewMockExchange creates an empty mock exchange.
func NewMockExchange() *MockExchange {
	return &MockExchange{
		orders:   make(map[string]*OrderInfo),
		candles:  make(map[string][]Candle),
		failNext: make(map[string][]error),
	}
}

// SetInstruments seeds instrument metadata.
func (m *MockExchange) SetInstruments(instruments []Instrument) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instruments = instruments
}

// SetBalances seeds the account summary.
func (m *MockExchange) SetBalances(balances []AccountBalance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = balances
}

// SetCandles seeds candle history for a symbol.
func (m *MockExchange) SetCandles(symbol string, candles []Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[symbol] = candles
}

// SetAutoFill makes newly created orders fill immediately.
func (m *MockExchange) SetAutoFill(autoFill bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoFill = autoFill
}

// FailNext queues an error for the next call of the given method.
func (m *MockExchange) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[method] = append(m.failNext[method], err)
}

func (m *MockExchange) popFailure(method string) error {
	queue := m.failNext[method]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	m.failNext[method] = queue[1:]
	return err
}

// FillOrder transitions an order to FILLED at the given price.
func (m *MockExchange) FillOrder(orderID, avgPrice string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("mock: order %s not found", orderID)
	}
	o.Status = "FILLED"
	o.FilledQuantity = o.Quantity
	o.AvgFillPrice = avgPrice
	o.UpdateTime = time.Now()
	return nil
}

// GetInstruments implements Exchange.
func (m *MockExchange) GetInstruments(ctx context.Context) ([]Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure("get-instruments"); err != nil {
		return nil, err
	}
	out := make([]Instrument, len(m.instruments))
	copy(out, m.instruments)
	return out, nil
}

// GetAccountSummary implements Exchange.
func (m *MockExchange) GetAccountSummary(ctx context.Context) ([]AccountBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure("get-account-summary"); err != nil {
		return nil, err
	}
	out := make([]AccountBalance, len(m.balances))
	copy(out, m.balances)
	return out, nil
}

// GetOpenOrders implements Exchange.
func (m *MockExchange) GetOpenOrders(ctx context.Context) ([]OrderInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure("get-open-orders"); err != nil {
		return nil, err
	}
	var out []OrderInfo
	for _, o := range m.orders {
		switch o.Status {
		case "NEW", "ACTIVE", "PARTIALLY_FILLED":
			out = append(out, *o)
		}
	}
	return out, nil
}

// GetOrderHistory implements Exchange.
func (m *MockExchange) GetOrderHistory(ctx context.Context, since time.Time) ([]OrderInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure("get-order-history"); err != nil {
		return nil, err
	}
	var out []OrderInfo
	for _, o := range m.orders {
		switch o.Status {
		case "FILLED", "CANCELLED", "REJECTED":
			if !o.UpdateTime.Before(since) {
				out = append(out, *o)
			}
		}
	}
	return out, nil
}

// GetOrderDetail implements Exchange.
func (m *MockExchange) GetOrderDetail(ctx context.Context, orderID string) (*OrderInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure("get-order-detail"); err != nil {
		return nil, err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("mock: order %s not found", orderID)
	}
	cp := *o
	return &cp, nil
}

// CreateOrder implements Exchange.
func (m *MockExchange) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls = append(m.CreateCalls, req)
	if err := m.popFailure("create-order"); err != nil {
		return nil, err
	}

	m.orderSeq++
	orderID := fmt.Sprintf("M-%06d", m.orderSeq)
	now := time.Now()

	info := &OrderInfo{
		OrderID:        orderID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Status:         "ACTIVE",
		Price:          req.Price,
		Quantity:       req.Quantity,
		FilledQuantity: "0",
		CreateTime:     now,
		UpdateTime:     now,
	}
	if m.autoFill {
		info.Status = "FILLED"
		info.FilledQuantity = req.Quantity
		info.AvgFillPrice = req.Price
	}
	m.orders[orderID] = info

	return &CreateOrderResponse{OrderID: orderID, ClientOrderID: req.ClientOrderID}, nil
}

// CancelOrder implements Exchange.
func (m *MockExchange) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelCalls = append(m.CancelCalls, orderID)
	if err := m.popFailure("cancel-order"); err != nil {
		return err
	}

	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("mock: order %s not found", orderID)
	}
	if o.Status == "FILLED" {
		return &APIError{Code: 316, Message: "order already filled"}
	}
	o.Status = "CANCELLED"
	o.UpdateTime = time.Now()
	return nil
}

// GetCandles implements Exchange.
func (m *MockExchange) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure("get-candlestick"); err != nil {
		return nil, err
	}
	candles := m.candles[symbol]
	if len(candles) > limit && limit > 0 {
		candles = candles[len(candles)-limit:]
	}
	out := make([]Candle, len(candles))
	copy(out, candles)
	return out, nil
}
