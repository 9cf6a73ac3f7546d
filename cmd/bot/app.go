package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/bullwise/internal/broker"
	"github.com/eddiefleurent/bullwise/internal/config"
	"github.com/eddiefleurent/bullwise/internal/market"
	"github.com/eddiefleurent/bullwise/internal/metrics"
	"github.com/eddiefleurent/bullwise/internal/mock"
	"github.com/eddiefleurent/bullwise/internal/notify"
	"github.com/eddiefleurent/bullwise/internal/orders"
	"github.com/eddiefleurent/bullwise/internal/reconcile"
	"github.com/eddiefleurent/bullwise/internal/retry"
	"github.com/eddiefleurent/bullwise/internal/server"
	"github.com/eddiefleurent/bullwise/internal/sheets"
	"github.com/eddiefleurent/bullwise/internal/storage"
	"github.com/eddiefleurent/bullwise/internal/tags"
)

const shutdownTimeout = 10 * time.Second

// App wires the broker, ledger, quote cache and HTTP surface together.
type App struct {
	config     *config.Config
	logger     *logrus.Logger
	broker     broker.Client
	storage    storage.Interface
	hub        *notify.Hub
	cache      *market.Cache
	collector  *market.Collector
	orders     *orders.Manager
	reconciler *reconcile.Reconciler
	server     *server.Server
	closers    []func()
}

// NewApp builds every component from cfg. Close releases pools and clients.
func NewApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	a := &App{config: cfg, logger: logger}

	store, err := a.openStorage(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.storage = store

	candles, err := a.openCandleCache(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	symbols, err := a.openSymbolSource(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.hub = notify.NewHub(logger.WithField("component", "ws_hub"))
	publisher := notify.NewPublisher(a.hub, logger.WithField("component", "publisher"))
	snapshots := notify.NewSnapshotter(store)

	// the paper broker fills at the cached option mid, so the cache and the
	// broker refer to each other
	var cache *market.Cache
	a.broker = a.newBroker(func(contractSymbol string) (decimal.Decimal, bool) {
		if cache == nil {
			return decimal.Zero, false
		}
		return cache.OptionMid(contractSymbol)
	})
	cache = market.NewCache(a.broker, candles, publisher, market.Config{
		IndexSymbols:  cfg.Trading.IndexSymbols,
		NotionalCap:   cfg.Trading.NotionalCap,
		WatchlistSize: cfg.Trading.WatchlistSize,
	}, logger.WithField("component", "quote_cache"))
	a.cache = cache

	a.collector = market.NewCollector(symbols, cache, snapshots, a.broker, publisher,
		logger.WithField("component", "collector"))

	a.orders = orders.NewManager(a.broker, store, cache, publisher,
		logger.WithField("component", "orders"), orders.Config{
			NotionalCap: cfg.Trading.NotionalCap,
			StopOffset:  cfg.Trading.StopOffset,
			CallTimeout: cfg.Broker.Timeout,
		})

	a.reconciler = reconcile.NewReconciler(store, publisher, snapshots,
		logger.WithField("component", "reconciler"),
		reconcile.WithLookupRetry(retry.Fixed{
			Attempts: cfg.Reconcile.LookupAttempts,
			Delay:    cfg.Reconcile.LookupDelay,
		}))

	a.server = server.NewServer(server.Config{
		Port:      cfg.Server.Port,
		AuthToken: cfg.Server.AuthToken,
	}, server.Deps{
		Orders:    a.orders,
		Collector: a.collector,
		Positions: snapshots,
		WebSocket: a.hub,
	}, logger.WithField("component", "http"))

	return a, nil
}

func (a *App) openStorage(ctx context.Context) (storage.Interface, error) {
	switch a.config.Storage.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, a.config.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		store := storage.NewPostgresStore(pool, tags.UUIDIssuer{})
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		a.logger.Info("Using postgres ledger")
		return store, nil
	default:
		a.logger.Warn("Using in-memory ledger; positions are lost on restart")
		return storage.NewMemoryStore(tags.UUIDIssuer{}), nil
	}
}

func (a *App) openCandleCache(ctx context.Context) (market.CandleCache, error) {
	if a.config.Cache.RedisURL == "" {
		return market.NewMemoryCandleCache(), nil
	}
	opts, err := redis.ParseURL(a.config.Cache.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return market.NewRedisCandleCache(rdb, a.config.Cache.CandleTTL), nil
}

func (a *App) openSymbolSource(ctx context.Context) (market.SymbolSource, error) {
	if a.config.Sheets.SpreadsheetID == "" {
		return sheets.StaticSource(sheets.Normalize(a.config.Sheets.Symbols)), nil
	}
	raw, err := a.config.SheetsCredentials()
	if err != nil {
		return nil, err
	}
	creds, err := sheets.DecodeCredentials(string(raw))
	if err != nil {
		return nil, err
	}
	src, err := sheets.NewGoogleSource(ctx, creds, a.config.Sheets.SpreadsheetID, a.config.Sheets.Range,
		a.logger.WithField("component", "sheets"))
	if err != nil {
		return nil, fmt.Errorf("sheets source: %w", err)
	}
	return src, nil
}

func (a *App) newBroker(price mock.PriceFunc) broker.Client {
	cfg := a.config.Broker
	if cfg.Mock {
		a.logger.Info("Using simulated broker")
		return mock.NewBroker(mock.NewDataProvider(), price,
			mock.WithLogger(a.logger.WithField("component", "mock_broker")))
	}
	api := broker.NewTradierAPIWithBaseURL(cfg.APIKey, cfg.AccountID, cfg.Sandbox, cfg.APIEndpoint, nil).
		WithTimeout(cfg.Timeout).
		WithLogger(a.logger.WithField("component", "tradier"))
	client := broker.NewTradierClient(api, cfg.StreamEndpoint)
	return broker.NewCircuitBreakerClient(client, a.logger.WithField("component", "circuit_breaker"))
}

// Run starts the hub, the event stream, the periodic sweep and the HTTP
// server, and blocks until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	// Verify broker connection
	if _, err := a.broker.GetAccountBalance(ctx); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	events, err := a.broker.StreamFillEvents(ctx)
	if err != nil {
		return fmt.Errorf("open account stream: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.reconciler.Run(ctx, events)
		return nil
	})
	g.Go(func() error {
		a.sweepLoop(ctx)
		return nil
	})
	g.Go(func() error {
		return a.server.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.Schedule.SweepInterval)
	defer ticker.Stop()

	// Run immediately on start
	a.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

// sweep collects market data and then protects naked positions. Stops are
// only placed during trading hours.
func (a *App) sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	if _, err := a.collector.Collect(ctx); err != nil {
		a.logger.WithError(err).Warn("collect failed")
	}

	if !a.config.IsWithinTradingHours(time.Now()) {
		a.logger.Debugf("Outside trading hours (%s - %s), skipping stop-loss sweep",
			a.config.Schedule.TradingStart, a.config.Schedule.TradingEnd)
		return
	}
	if err := a.orders.CreateStopLossesOnNakedPositions(ctx); err != nil {
		a.logger.WithError(err).Warn("stop-loss sweep incomplete")
	}
}

// Close releases external connections. It is safe to call more than once.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
