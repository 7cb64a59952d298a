// Package exchange implements the REST facade for the external exchange.
//
// Every private request is signed with the account secret, rate-limited
// client-side, passed through a circuit breaker, and carries a 10 s default
// deadline. Error responses surface as *APIError with the exchange's numeric
// code so callers can map them to decision-trace outcomes.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	SecretKey      string
	RequestTimeout time.Duration
	RequestsPerSec float64
}

// Client is the live exchange REST client.
type Client struct {
	http    *resty.Client
	apiKey  string
	secret  string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
	nextID  atomic.Int64
}

// NewClient creates a REST client with rate limiting, retry on 5xx, and a
// circuit breaker around private calls.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "exchange",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})

	return &Client{
		http:    httpClient,
		apiKey:  cfg.APIKey,
		secret:  cfg.SecretKey,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
		breaker: breaker,
		logger:  logger,
	}
}

// envelope is the exchange response wrapper. code != 0 signals an error.
type envelope struct {
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type privateRequest struct {
	ID     int64                  `json:"id"`
	Method string                 `json:"method"`
	APIKey string                 `json:"api_key"`
	Params map[string]interface{} `json:"params"`
	Nonce  int64                  `json:"nonce"`
	Sig    string                 `json:"sig"`
}

// sign computes the HMAC-SHA256 request signature over
// method + id + api_key + sorted-params + nonce.
func (c *Client) sign(method string, id int64, params map[string]interface{}, nonce int64) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payload := fmt.Sprintf("%s%d%s", method, id, c.apiKey)
	for _, k := range keys {
		payload += k + fmt.Sprintf("%v", params[k])
	}
	payload += fmt.Sprintf("%d", nonce)

	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) private(ctx context.Context, method string, params map[string]interface{}, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, method, params, true, result)
	})
	return err
}

func (c *Client) public(ctx context.Context, method string, params map[string]interface{}, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return c.do(ctx, method, params, false, result)
}

func (c *Client) do(ctx context.Context, method string, params map[string]interface{}, signed bool, result interface{}) error {
	id := c.nextID.Add(1)
	start := time.Now()

	req := c.http.R().SetContext(ctx)

	if signed {
		nonce := time.Now().UnixMilli()
		body := privateRequest{
			ID:     id,
			Method: method,
			APIKey: c.apiKey,
			Params: params,
			Nonce:  nonce,
			Sig:    c.sign(method, id, params, nonce),
		}
		req.SetBody(body)
	} else {
		body := map[string]interface{}{"id": id, "method": method, "params": params}
		req.SetBody(body)
	}

	resp, err := req.Post("/" + method)
	elapsed := time.Since(start)

	logEvent := c.logger.Debug().
		Str("method", method).
		Dur("elapsed", elapsed)

	if err != nil {
		logEvent.Err(err).Msg("Exchange request failed")
		return fmt.Errorf("exchange %s: %w", method, err)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("exchange %s: failed to decode response: %w", method, err)
	}

	if resp.StatusCode() != http.StatusOK || env.Code != 0 {
		code := env.Code
		if code == 0 {
			code = resp.StatusCode()
		}
		apiErr := &APIError{Code: code, Message: env.Message, Raw: string(resp.Body())}
		logEvent.Int("code", code).Str("message", env.Message).Msg("Exchange returned error")
		return fmt.Errorf("exchange %s: %w", method, apiErr)
	}

	logEvent.Msg("Exchange request ok")

	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("exchange %s: failed to decode result: %w", method, err)
		}
	}
	return nil
}

// GetInstruments fetches per-symbol metadata.
func (c *Client) GetInstruments(ctx context.Context) ([]Instrument, error) {
	var result struct {
		Instruments []Instrument `json:"instruments"`
	}
	if err := c.public(ctx, "public/get-instruments", nil, &result); err != nil {
		return nil, err
	}
	return result.Instruments, nil
}

// GetAccountSummary fetches all asset balances.
func (c *Client) GetAccountSummary(ctx context.Context) ([]AccountBalance, error) {
	var result struct {
		Accounts []AccountBalance `json:"accounts"`
	}
	if err := c.private(ctx, "private/get-account-summary", map[string]interface{}{}, &result); err != nil {
		return nil, err
	}
	return result.Accounts, nil
}

// GetOpenOrders fetches currently open orders.
func (c *Client) GetOpenOrders(ctx context.Context) ([]OrderInfo, error) {
	var result struct {
		OrderList []OrderInfo `json:"order_list"`
	}
	if err := c.private(ctx, "private/get-open-orders", map[string]interface{}{}, &result); err != nil {
		return nil, err
	}
	return result.OrderList, nil
}

// GetOrderHistory fetches completed orders since the given time.
func (c *Client) GetOrderHistory(ctx context.Context, since time.Time) ([]OrderInfo, error) {
	var result struct {
		OrderList []OrderInfo `json:"order_list"`
	}
	params := map[string]interface{}{"start_ts": since.UnixMilli()}
	if err := c.private(ctx, "private/get-order-history", params, &result); err != nil {
		return nil, err
	}
	return result.OrderList, nil
}

// GetOrderDetail fetches one order by exchange id.
func (c *Client) GetOrderDetail(ctx context.Context, orderID string) (*OrderInfo, error) {
	var result struct {
		OrderInfo OrderInfo `json:"order_info"`
	}
	params := map[string]interface{}{"order_id": orderID}
	if err := c.private(ctx, "private/get-order-detail", params, &result); err != nil {
		return nil, err
	}
	return &result.OrderInfo, nil
}

// CreateOrder submits a new order.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResponse, error) {
	params := map[string]interface{}{
		"instrument_name": req.Symbol,
		"side":            req.Side,
		"type":            req.Type,
		"quantity":        req.Quantity,
	}
	if req.Price != "" {
		params["price"] = req.Price
	}
	if req.TriggerPrice != "" {
		params["trigger_price"] = req.TriggerPrice
	}
	if req.TriggerCondition != "" {
		params["trigger_condition"] = req.TriggerCondition
	}
	if req.Leverage > 0 {
		params["leverage"] = req.Leverage
	}
	if len(req.ExecInst) > 0 {
		params["exec_inst"] = req.ExecInst
	}
	if req.ClientOrderID != "" {
		params["client_oid"] = req.ClientOrderID
	}

	var result CreateOrderResponse
	if err := c.private(ctx, "private/create-order", params, &result); err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Str("type", req.Type).
		Str("order_id", result.OrderID).
		Msg("Order created on exchange")

	return &result, nil
}

// CancelOrder cancels an open order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	params := map[string]interface{}{"order_id": orderID}
	return c.private(ctx, "private/cancel-order", params, nil)
}

// GetCandles fetches recent candlesticks for a symbol.
func (c *Client) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	var result struct {
		Data []Candle `json:"data"`
	}
	params := map[string]interface{}{
		"instrument_name": symbol,
		"timeframe":       timeframe,
		"count":           limit,
	}
	if err := c.public(ctx, "public/get-candlestick", params, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}
