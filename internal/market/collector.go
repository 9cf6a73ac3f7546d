package market

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/bullwise/internal/broker"
	"github.com/eddiefleurent/bullwise/internal/notify"
)

// SymbolSource supplies the symbols to watch.
type SymbolSource interface {
	Symbols(ctx context.Context) ([]string, error)
}

// AccountSource supplies account balances.
type AccountSource interface {
	GetAccountBalance(ctx context.Context) (*broker.BalanceResponse, error)
}

// LedgerSnapshots reads positions and orders for the snapshot.
type LedgerSnapshots interface {
	PositionsWithOrders(ctx context.Context) ([]notify.PositionView, error)
	StrayOrders(ctx context.Context) ([]notify.OrderView, error)
}

// SnapshotPublisher broadcasts a finished snapshot.
type SnapshotPublisher interface {
	Snapshot(v any)
}

// Account is the balance summary shown in the UI.
type Account struct {
	AccountNumber     string          `json:"account_number"`
	AccountType       string          `json:"account_type"`
	TotalEquity       decimal.Decimal `json:"total_equity"`
	TotalCash         decimal.Decimal `json:"total_cash"`
	OptionBuyingPower decimal.Decimal `json:"option_buying_power"`
	OpenPL            decimal.Decimal `json:"open_pl"`
	ClosePL           decimal.Decimal `json:"close_pl"`
	PendingOrders     int             `json:"pending_orders_count"`
}

// Snapshot is everything the UI needs after a polling cycle.
type Snapshot struct {
	Indices   []View                `json:"indices"`
	Watchlist []View                `json:"watchlist"`
	Positions []notify.PositionView `json:"positions"`
	Orders    []notify.OrderView    `json:"orders"`
	Account   *Account              `json:"account"`
}

// Collector runs one polling cycle: symbols, quotes, watchlist, ledger
// state and account, then broadcasts the result.
type Collector struct {
	symbols   SymbolSource
	cache     *Cache
	ledger    LedgerSnapshots
	account   AccountSource
	publisher SnapshotPublisher
	logger    logrus.FieldLogger

	mu          sync.Mutex
	lastSymbols []string
}

func NewCollector(symbols SymbolSource, cache *Cache, ledger LedgerSnapshots, account AccountSource, publisher SnapshotPublisher, logger logrus.FieldLogger) *Collector {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "collector")
	}
	return &Collector{
		symbols:   symbols,
		cache:     cache,
		ledger:    ledger,
		account:   account,
		publisher: publisher,
		logger:    logger,
	}
}

// Collect refreshes the cache and returns the broadcast snapshot. When the
// symbol source fails the previous symbol list is reused. A missing
// account balance is logged and left null. Concurrent calls run one at a time.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	symbols, err := c.symbols.Symbols(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("symbol source failed, reusing previous symbols")
		symbols = c.lastSymbols
	} else {
		c.lastSymbols = symbols
	}

	if err := c.cache.Refresh(ctx, symbols); err != nil {
		return nil, fmt.Errorf("refresh quotes: %w", err)
	}

	snap := &Snapshot{
		Indices:   c.cache.Indices(),
		Watchlist: c.cache.UpdateWatchlist(symbols),
	}

	if snap.Positions, err = c.ledger.PositionsWithOrders(ctx); err != nil {
		return nil, err
	}
	if snap.Orders, err = c.ledger.StrayOrders(ctx); err != nil {
		return nil, err
	}

	if c.account != nil {
		balance, err := c.account.GetAccountBalance(ctx)
		if err != nil {
			c.logger.WithError(err).Warn("failed to load account balance")
		} else {
			snap.Account = accountFromBalance(balance)
		}
	}

	if c.publisher != nil {
		c.publisher.Snapshot(snap)
	}
	return snap, nil
}

func accountFromBalance(b *broker.BalanceResponse) *Account {
	if b == nil {
		return nil
	}
	a := &Account{
		AccountNumber: b.Balances.AccountNumber,
		AccountType:   b.Balances.AccountType,
		TotalEquity:   decimal.NewFromFloat(b.Balances.TotalEquity),
		TotalCash:     decimal.NewFromFloat(b.Balances.TotalCash),
		OpenPL:        decimal.NewFromFloat(b.Balances.OpenPL),
		ClosePL:       decimal.NewFromFloat(b.Balances.ClosePL),
		PendingOrders: b.Balances.PendingOrdersCount,
	}
	if bp, err := b.GetOptionBuyingPower(); err == nil {
		a.OptionBuyingPower = decimal.NewFromFloat(bp)
	}
	return a
}
