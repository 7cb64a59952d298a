// Signal monitor daemon. Wires the full pipeline: market snapshots, signal
// evaluation, alert throttling, order guardrails, entry placement, SL/TP
// protection, and the exchange reconciler.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/coinpilot/coinpilot/internal/config"
	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/gate"
	"github.com/coinpilot/coinpilot/internal/market"
	"github.com/coinpilot/coinpilot/internal/metrics"
	"github.com/coinpilot/coinpilot/internal/monitor"
	"github.com/coinpilot/coinpilot/internal/notify"
	"github.com/coinpilot/coinpilot/internal/placer"
	"github.com/coinpilot/coinpilot/internal/protect"
	"github.com/coinpilot/coinpilot/internal/reconcile"
	"github.com/coinpilot/coinpilot/internal/strategy"
	"github.com/coinpilot/coinpilot/internal/trace"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./configs/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().
		Str("version", cfg.App.Version).
		Str("environment", cfg.App.Environment).
		Msg("Starting coinpilot monitor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.Database.URL(), cfg.Database.PoolSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	var cache *market.SnapshotCache
	if err := rdb.Ping(ctx).Err(); err != nil {
		// the cache is an accelerator, not a dependency
		log.Warn().Err(err).Msg("Redis unavailable, snapshot cache disabled")
	} else {
		cache = market.NewSnapshotCache(rdb, cfg.Monitor.TickInterval)
	}

	var ex exchange.Exchange
	if cfg.Exchange.DryRun {
		log.Warn().Msg("DRY RUN: using the mock exchange, no real orders will be placed")
		mock := exchange.NewMockExchange()
		mock.SetAutoFill(true)
		ex = mock
	} else {
		ex = exchange.NewClient(exchange.ClientConfig{
			BaseURL:        cfg.Exchange.BaseURL,
			APIKey:         cfg.Exchange.APIKey,
			SecretKey:      cfg.Exchange.SecretKey,
			RequestTimeout: cfg.Exchange.RequestTimeout,
			RequestsPerSec: cfg.Exchange.RequestsPerSec,
		}, config.NewLogger("exchange"))
	}

	strategies, err := strategy.Load(cfg.Trading.StrategiesPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load strategy rules")
	}
	log.Info().Strs("strategies", strategies.Keys()).Msg("Strategy rules loaded")

	notifier, err := notify.New(cfg.App.Environment, cfg.Telegram)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize notifier")
	}

	writer := trace.NewWriter(database)
	provider := market.NewProvider(ex, database, cache)
	orderGate := gate.New(database, cfg.Trading)
	entryPlacer := placer.New(ex, database, writer, notifier, cfg.Trading)
	protection := protect.NewManager(ex, database, entryPlacer, notifier, cfg.Trading)
	reconciler := reconcile.New(ex, database, notifier, protection)
	mon := monitor.New(database, provider, strategies, orderGate, entryPlacer, protection, writer, notifier, cfg.Monitor)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mon.Run(gctx)
		return nil
	})
	g.Go(func() error {
		reconciler.Run(gctx, cfg.Monitor.ReconcileInterval)
		return nil
	})
	if cfg.Monitoring.EnableMetrics {
		metricsSrv := metrics.NewServer(cfg.Monitoring.PrometheusPort)
		g.Go(metricsSrv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Monitor exited with error")
	}
	log.Info().Msg("Monitor stopped")
}
