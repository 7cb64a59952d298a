package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/coinpilot/coinpilot/internal/db"
)

// SnapshotCache is a Redis-backed cache of computed market snapshots. It
// saves a candle fetch plus indicator recomputation when several watchlist
// symbols share a cycle. Nil-safe: a nil cache is a permanent miss.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

type cacheEntry struct {
	Snapshot  *db.MarketSnapshot `json:"snapshot"`
	RSISeries []float64          `json:"rsi_series"`
	CachedAt  time.Time          `json:"cached_at"`
}

// NewSnapshotCache creates a snapshot cache. Returns nil when client is nil;
// Redis is optional.
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &SnapshotCache{client: client, ttl: ttl}
}

// Get retrieves a cached snapshot. A miss, an expired key, or any Redis error
// all return (nil, nil, false).
func (c *SnapshotCache) Get(ctx context.Context, symbol string) (*db.MarketSnapshot, []float64, bool) {
	if c == nil || c.client == nil {
		return nil, nil, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, c.buildKey(symbol)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("Snapshot cache get error, treating as miss")
		}
		return nil, nil, false
	}

	var entry cacheEntry
	if err := json.Unmarshal([]byte(cached), &entry); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to unmarshal cached snapshot")
		return nil, nil, false
	}

	return entry.Snapshot, entry.RSISeries, true
}

// Set stores a snapshot with the configured TTL. Failures are logged, not
// returned; losing a cache write is acceptable.
func (c *SnapshotCache) Set(ctx context.Context, snapshot *db.MarketSnapshot, rsiSeries []float64) {
	if c == nil || c.client == nil {
		return
	}

	data, err := json.Marshal(cacheEntry{
		Snapshot:  snapshot,
		RSISeries: rsiSeries,
		CachedAt:  time.Now(),
	})
	if err != nil {
		log.Warn().Err(err).Str("symbol", snapshot.Symbol).Msg("Failed to marshal snapshot for cache")
		return
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	if err := c.client.Set(cacheCtx, c.buildKey(snapshot.Symbol), data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("symbol", snapshot.Symbol).Msg("Failed to cache snapshot")
	}
}

func (c *SnapshotCache) buildKey(symbol string) string {
	return fmt.Sprintf("coinpilot:snapshot:%s", symbol)
}
