package market

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
)

type fakeSnapshotStore struct {
	inserted []*db.MarketSnapshot
	err      error
}

func (f *fakeSnapshotStore) InsertSnapshot(_ context.Context, s *db.MarketSnapshot) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, s)
	return nil
}

// syntheticCandles returns n daily candles ending at end, with prices
// oscillating so RSI has both gains and losses to work with.
func syntheticCandles(n int, end time.Time) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	for i := 0; i < n; i++ {
		base := 50000.0 + float64(i%20)*75
		candles[i] = exchange.Candle{
			Open:   fmt.Sprintf("%.2f", base-25),
			High:   fmt.Sprintf("%.2f", base+100),
			Low:    fmt.Sprintf("%.2f", base-100),
			Close:  fmt.Sprintf("%.2f", base),
			Volume: fmt.Sprintf("%.2f", 1000.0+float64(i%5)*100),
			Time:   end.Add(-time.Duration(n-1-i) * 24 * time.Hour),
		}
	}
	return candles
}

func newTestCache(t *testing.T) *SnapshotCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSnapshotCache(client, 30*time.Second)
}

func TestSnapshotComputesIndicators(t *testing.T) {
	mock := exchange.NewMockExchange()
	mock.SetCandles("BTC_USDT", syntheticCandles(250, time.Now()))
	store := &fakeSnapshotStore{}

	p := NewProvider(mock, store, nil)

	snap, rsiSeries, err := p.Snapshot(context.Background(), "BTC_USDT")
	require.NoError(t, err)

	assert.Equal(t, "BTC_USDT", snap.Symbol)
	assert.NotEmpty(t, snap.Price)
	require.NotNil(t, snap.RSI)
	assert.Greater(t, *snap.RSI, 0.0)
	assert.Less(t, *snap.RSI, 100.0)
	assert.NotNil(t, snap.EMA10)
	assert.NotNil(t, snap.MA50)
	assert.NotNil(t, snap.MA200)
	assert.NotNil(t, snap.ATR)
	assert.NotNil(t, snap.Volume)
	assert.NotNil(t, snap.AvgVolume)
	assert.NotEmpty(t, rsiSeries)
	assert.False(t, snap.Stale)

	require.Len(t, store.inserted, 1, "snapshot must be persisted")
}

func TestSnapshotShortHistoryLeavesIndicatorsNil(t *testing.T) {
	mock := exchange.NewMockExchange()
	mock.SetCandles("NEW_USDT", syntheticCandles(30, time.Now()))

	p := NewProvider(mock, &fakeSnapshotStore{}, nil)

	snap, _, err := p.Snapshot(context.Background(), "NEW_USDT")
	require.NoError(t, err)

	assert.NotNil(t, snap.RSI, "30 candles cover the RSI period")
	assert.Nil(t, snap.MA50)
	assert.Nil(t, snap.MA200)
	assert.Nil(t, snap.MA10W)
}

func TestSnapshotFlagsStaleCandles(t *testing.T) {
	mock := exchange.NewMockExchange()
	mock.SetCandles("BTC_USDT", syntheticCandles(250, time.Now().Add(-2*24*time.Hour)))

	p := NewProvider(mock, &fakeSnapshotStore{}, nil)

	snap, _, err := p.Snapshot(context.Background(), "BTC_USDT")
	require.NoError(t, err)
	assert.True(t, snap.Stale)
}

func TestSnapshotRetriesTransientCandleFailure(t *testing.T) {
	mock := exchange.NewMockExchange()
	mock.SetCandles("BTC_USDT", syntheticCandles(250, time.Now()))
	mock.FailNext("get-candlestick", &exchange.APIError{Code: 503, Message: "down"})

	p := NewProvider(mock, &fakeSnapshotStore{}, nil)

	snap, _, err := p.Snapshot(context.Background(), "BTC_USDT")
	require.NoError(t, err, "candle fetch retried after the transient failure")
	assert.NotNil(t, snap)
}

func TestSnapshotServedFromCache(t *testing.T) {
	mock := exchange.NewMockExchange()
	mock.SetCandles("BTC_USDT", syntheticCandles(250, time.Now()))
	store := &fakeSnapshotStore{}
	cache := newTestCache(t)

	p := NewProvider(mock, store, cache)

	first, firstSeries, err := p.Snapshot(context.Background(), "BTC_USDT")
	require.NoError(t, err)

	// second call must hit the cache, not the exchange
	mock.FailNext("get-candlestick", &exchange.APIError{Code: 500, Message: "must not be called"})
	second, secondSeries, err := p.Snapshot(context.Background(), "BTC_USDT")
	require.NoError(t, err)

	assert.Equal(t, first.Price, second.Price)
	assert.Equal(t, firstSeries, secondSeries)
	assert.Len(t, store.inserted, 1, "cache hits are not re-persisted")
}

func TestSnapshotNoCandlesFails(t *testing.T) {
	mock := exchange.NewMockExchange()
	p := NewProvider(mock, &fakeSnapshotStore{}, nil)

	_, _, err := p.Snapshot(context.Background(), "GHOST_USDT")
	require.Error(t, err)
}

func TestSnapshotPersistFailureIsNotFatal(t *testing.T) {
	mock := exchange.NewMockExchange()
	mock.SetCandles("BTC_USDT", syntheticCandles(250, time.Now()))
	store := &fakeSnapshotStore{err: fmt.Errorf("db down")}

	p := NewProvider(mock, store, nil)

	snap, _, err := p.Snapshot(context.Background(), "BTC_USDT")
	require.NoError(t, err)
	assert.NotNil(t, snap)
}
