// Package market produces market snapshots: last price plus the indicator
// values the decision layer consumes. Candles come from the exchange, the
// computed snapshot is cached in Redis and persisted for audit.
package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinpilot/coinpilot/internal/config"
	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
)

const (
	candleTimeframe = "1D"
	candleLimit     = 250 // enough history for the 200-period average
)

// staleAfter flags snapshots whose newest daily candle is older than this:
// one full day plus slack for the candle the exchange is still building.
const staleAfter = 30 * time.Hour

// SnapshotStore persists computed snapshots.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, s *db.MarketSnapshot) error
}

// Provider computes market snapshots for watchlist symbols.
type Provider struct {
	ex     exchange.Exchange
	store  SnapshotStore
	cache  *SnapshotCache
	retry  exchange.RetryConfig
	logger zerolog.Logger

	now func() time.Time
}

// NewProvider creates a snapshot provider. cache may be nil.
func NewProvider(ex exchange.Exchange, store SnapshotStore, cache *SnapshotCache) *Provider {
	return &Provider{
		ex:     ex,
		store:  store,
		cache:  cache,
		retry:  exchange.DefaultRetryConfig(),
		logger: config.NewLogger("market"),
		now:    time.Now,
	}
}

// Snapshot returns the current snapshot for a symbol along with the RSI
// series used for cross-up detection. Cached snapshots are served as-is;
// otherwise candles are fetched, indicators computed, and the result cached
// and persisted.
func (p *Provider) Snapshot(ctx context.Context, symbol string) (*db.MarketSnapshot, []float64, error) {
	if snap, series, ok := p.cache.Get(ctx, symbol); ok {
		p.logger.Debug().Str("symbol", symbol).Msg("Snapshot cache hit")
		return snap, series, nil
	}

	var candles []exchange.Candle
	err := exchange.WithRetry(ctx, p.retry, func() error {
		var opErr error
		candles, opErr = p.ex.GetCandles(ctx, symbol, candleTimeframe, candleLimit)
		return opErr
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch candles for %s: %w", symbol, err)
	}
	if len(candles) == 0 {
		return nil, nil, fmt.Errorf("no candles returned for %s", symbol)
	}

	set := computeIndicators(candles)
	last := candles[len(candles)-1]

	snap := &db.MarketSnapshot{
		Symbol:    symbol,
		Price:     last.Close,
		RSI:       set.rsi,
		EMA10:     set.ema10,
		MA50:      set.ma50,
		MA200:     set.ma200,
		MA10W:     set.ma10w,
		ATR:       set.atr,
		Volume:    set.volume,
		AvgVolume: set.avgVolume,
		Timestamp: last.Time,
		Stale:     p.now().Sub(last.Time) > staleAfter,
	}

	if snap.Stale {
		p.logger.Warn().
			Str("symbol", symbol).
			Time("candle_time", last.Time).
			Msg("Snapshot is stale")
	}

	p.cache.Set(ctx, snap, set.rsiSeries)

	if err := p.store.InsertSnapshot(ctx, snap); err != nil {
		// Persistence is for audit; the snapshot itself is still usable.
		p.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to persist snapshot")
	}

	return snap, set.rsiSeries, nil
}
