// Command liquidate closes every open ledger position with a market order.
//
// Usage:
//
//	go run ./cmd/liquidate -config config.yaml [-dry-run]
//
// Live stops on each position are cancelled first. Fills are applied by the
// running bot, which owns the account event stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/bullwise/internal/broker"
	"github.com/eddiefleurent/bullwise/internal/config"
	"github.com/eddiefleurent/bullwise/internal/models"
	"github.com/eddiefleurent/bullwise/internal/orders"
	"github.com/eddiefleurent/bullwise/internal/storage"
	"github.com/eddiefleurent/bullwise/internal/tags"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to config.yaml")
	dryRun := flag.Bool("dry-run", false, "List positions without placing orders")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Storage.Driver != "postgres" {
		logrus.Fatal("Liquidation reads the postgres ledger; storage.driver must be postgres")
	}
	if cfg.Broker.Mock {
		logrus.Fatal("Liquidation needs a real broker; unset broker.mock")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Storage.DSN)
	if err != nil {
		logrus.Fatalf("Failed to connect to postgres: %v", err)
	}
	defer pool.Close()
	store := storage.NewPostgresStore(pool, tags.UUIDIssuer{})

	positions, err := store.GetPositions(ctx, storage.Where(storage.Eq("state", models.PositionOpen)))
	if err != nil {
		logrus.Fatalf("Failed to get positions: %v", err)
	}

	fmt.Printf("Found %d positions to close:\n", len(positions))
	for i, p := range positions {
		fmt.Printf("  %d. %s: %d contracts @ $%s (id %d)\n", i+1, p.ContractSymbol, p.Quantity, p.PriceAvg.StringFixed(2), p.ID)
	}
	if *dryRun || len(positions) == 0 {
		return
	}

	logger := logrus.New()
	api := broker.NewTradierAPIWithBaseURL(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.Broker.Sandbox, cfg.Broker.APIEndpoint, nil).
		WithTimeout(cfg.Broker.Timeout).
		WithLogger(logger.WithField("component", "tradier"))
	client := broker.NewTradierClient(api, cfg.Broker.StreamEndpoint)

	// sells never read quotes
	mgr := orders.NewManager(client, store, nil, nil, logger.WithField("component", "orders"),
		orders.Config{CallTimeout: cfg.Broker.Timeout})

	failed := 0
	for _, p := range positions {
		receipt, err := mgr.CreateSellOrder(ctx, orders.SellRequest{PositionID: p.ID})
		if err != nil {
			failed++
			fmt.Printf("Failed to close %s: %v\n", p.ContractSymbol, err)
			continue
		}
		fmt.Printf("Close order placed for %s: broker id %s, tag %s\n", p.ContractSymbol, receipt.BrokerID, receipt.Tag)
	}

	fmt.Printf("\n%d of %d close orders submitted\n", len(positions)-failed, len(positions))
	if failed > 0 {
		logrus.Exit(1)
	}
}
