package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestWithRetrySucceedsFirstTry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		calls++
		if calls < 3 {
			return &APIError{Code: 503, Message: "upstream unavailable"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryAbortsOnPermanentError(t *testing.T) {
	calls := 0
	authErr := &APIError{Code: CodeAuthFailed, Message: "bad signature"}
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		calls++
		return authErr
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
	assert.True(t, IsAuthError(err))
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		calls++
		return &APIError{Code: CodeTooManyRequests, Message: "slow down"}
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls) // initial + 3 retries
	assert.True(t, IsRateLimited(err))
}

func TestWithRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, fastRetryConfig(), func() error {
		return errors.New("should not matter")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMockExchangeOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	mock := NewMockExchange()

	resp, err := mock.CreateOrder(ctx, CreateOrderRequest{
		Symbol: "BTC_USDT", Side: "BUY", Type: "LIMIT",
		Price: "50000.00", Quantity: "0.002",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.OrderID)

	open, err := mock.GetOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "ACTIVE", open[0].Status)

	require.NoError(t, mock.FillOrder(resp.OrderID, "50000.00"))

	detail, err := mock.GetOrderDetail(ctx, resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "FILLED", detail.Status)
	assert.Equal(t, "0.002", detail.FilledQuantity)

	hist, err := mock.GetOrderHistory(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, hist, 1)

	// filled orders cannot be cancelled
	err = mock.CancelOrder(ctx, resp.OrderID)
	require.Error(t, err)
}

func TestMockExchangeFailureInjection(t *testing.T) {
	ctx := context.Background()
	mock := NewMockExchange()
	mock.FailNext("create-order", &APIError{Code: CodeInvalidPriceFormat, Message: "bad price"})

	_, err := mock.CreateOrder(ctx, CreateOrderRequest{Symbol: "ETH_USDT", Side: "SELL", Type: "LIMIT"})
	require.Error(t, err)
	assert.True(t, IsInvalidPriceFormat(err))

	// next call succeeds
	_, err = mock.CreateOrder(ctx, CreateOrderRequest{Symbol: "ETH_USDT", Side: "SELL", Type: "LIMIT"})
	require.NoError(t, err)
	assert.Len(t, mock.CreateCalls, 2)
}
