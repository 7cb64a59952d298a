package exchange

import "time"

// All numeric fields on the wire are decimal strings; the exchange rejects
// raw JSON numbers on order endpoints.

// Instrument is per-symbol exchange metadata.
type Instrument struct {
	Symbol           string `json:"instrument_name"`
	BaseAsset        string `json:"base_currency"`
	QuoteAsset       string `json:"quote_currency"`
	PriceTick        string `json:"price_tick_size"`
	QuantityTick     string `json:"qty_tick_size"`
	MinQuantity      string `json:"min_quantity"`
	PriceDecimals    int32  `json:"price_decimals"`
	QuantityDecimals int32  `json:"quantity_decimals"`
}

// AccountBalance is one asset row of the account summary.
type AccountBalance struct {
	Asset     string `json:"currency"`
	Total     string `json:"balance"`
	Available string `json:"available"`
	Reserved  string `json:"order"`
}

// CreateOrderRequest is the order submission payload.
type CreateOrderRequest struct {
	Symbol           string   `json:"instrument_name"`
	Side             string   `json:"side"` // BUY | SELL
	Type             string   `json:"type"` // MARKET | LIMIT | STOP_LIMIT | TAKE_PROFIT_LIMIT
	Price            string   `json:"price,omitempty"`
	Quantity         string   `json:"quantity"`
	TriggerPrice     string   `json:"trigger_price,omitempty"`
	TriggerCondition string   `json:"trigger_condition,omitempty"`
	Leverage         int      `json:"leverage,omitempty"`
	ExecInst         []string `json:"exec_inst,omitempty"` // e.g. the margin-order hint
	ClientOrderID    string   `json:"client_oid,omitempty"`
}

// CreateOrderResponse is the order submission result.
type CreateOrderResponse struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_oid"`
}

// OrderInfo is the exchange view of an order.
type OrderInfo struct {
	OrderID        string    `json:"order_id"`
	Symbol         string    `json:"instrument_name"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	Status         string    `json:"status"` // NEW, ACTIVE, PARTIALLY_FILLED, FILLED, CANCELLED, REJECTED
	Price          string    `json:"price"`
	Quantity       string    `json:"quantity"`
	FilledQuantity string    `json:"cumulative_quantity"`
	AvgFillPrice   string    `json:"avg_price"`
	CreateTime     time.Time `json:"create_time"`
	UpdateTime     time.Time `json:"update_time"`
}

// Candle is one OHLCV candlestick.
type Candle struct {
	Open   string    `json:"o"`
	High   string    `json:"h"`
	Low    string    `json:"l"`
	Close  string    `json:"c"`
	Volume string    `json:"v"`
	Time   time.Time `json:"t"`
}

// MarginExecInst is the execution hint that makes the exchange treat the
// request as a margin order.
const MarginExecInst = "MARGIN_CALL"
