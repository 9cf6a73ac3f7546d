package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/bullwise/internal/broker"
	"github.com/eddiefleurent/bullwise/internal/notify"
)

// historyDays is how far back daily candles are requested.
const historyDays = 364

// QuoteSource is the part of the broker the cache reads from.
type QuoteSource interface {
	GetQuotes(ctx context.Context, symbols []string) ([]broker.QuoteItem, error)
	GetOptionChain(ctx context.Context, symbol string) ([]broker.Option, error)
	GetDailyCandles(ctx context.Context, symbol string, from, to time.Time) ([]broker.HistoricalDataPoint, error)
}

// Config tunes the cache.
type Config struct {
	IndexSymbols  []string
	NotionalCap   decimal.Decimal
	WatchlistSize int
	Concurrency   int
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		IndexSymbols:  []string{"QQQ", "SPY", "DIA"},
		NotionalCap:   decimal.NewFromInt(500),
		WatchlistSize: 3,
		Concurrency:   4,
	}
}

// Cache owns enriched quotes for the watched symbols and the index symbols.
// Entries are replaced on every Refresh; there is no other invalidation.
type Cache struct {
	source   QuoteSource
	candles  CandleCache
	notifier notify.Notifier
	logger   logrus.FieldLogger
	cfg      Config
	now      func() time.Time

	mu        sync.RWMutex
	quotes    map[string]Quote
	indices   map[string]Quote
	watchlist []string
}

// NewCache creates an empty cache. A nil candle cache keeps candles in memory.
func NewCache(source QuoteSource, candles CandleCache, notifier notify.Notifier, cfg Config, logger logrus.FieldLogger) *Cache {
	if candles == nil {
		candles = NewMemoryCandleCache()
	}
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "quote_cache")
	}
	def := DefaultConfig()
	if cfg.IndexSymbols == nil {
		cfg.IndexSymbols = def.IndexSymbols
	}
	if !cfg.NotionalCap.IsPositive() {
		cfg.NotionalCap = def.NotionalCap
	}
	if cfg.WatchlistSize <= 0 {
		cfg.WatchlistSize = def.WatchlistSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Cache{
		source:   source,
		candles:  candles,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		quotes:   make(map[string]Quote),
		indices:  make(map[string]Quote),
	}
}

func (c *Cache) isIndex(symbol string) bool {
	for _, s := range c.cfg.IndexSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// Refresh fetches quotes for symbols plus the index symbols and replaces
// their cache entries. A symbol that fails enrichment keeps its previous
// entry; only a failed quote request is returned as an error.
func (c *Cache) Refresh(ctx context.Context, symbols []string) error {
	all := dedupe(append(append([]string{}, symbols...), c.cfg.IndexSymbols...))
	if len(all) == 0 {
		return nil
	}

	items, err := c.source.GetQuotes(ctx, all)
	if err != nil {
		return fmt.Errorf("get quotes: %w", err)
	}

	results := make([]*Quote, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			q, err := c.enrich(gctx, item)
			if err != nil {
				c.logger.WithError(err).WithField("symbol", item.Symbol).Warn("failed to enrich quote")
				return nil
			}
			results[i] = &q
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range results {
		if q == nil {
			continue
		}
		if c.isIndex(q.Symbol) {
			c.indices[q.Symbol] = *q
		} else {
			c.quotes[q.Symbol] = *q
		}
	}
	return nil
}

func (c *Cache) enrich(ctx context.Context, item broker.QuoteItem) (Quote, error) {
	now := c.now()
	candles, err := c.dailyCandles(ctx, item.Symbol, now)
	if err != nil {
		return Quote{}, err
	}

	chain, err := c.source.GetOptionChain(ctx, item.Symbol)
	if err != nil {
		return Quote{}, fmt.Errorf("option chain: %w", err)
	}

	last := decimal.NewFromFloat(item.Last)
	open := decimal.NewFromFloat(item.Open)
	calls, puts := FilterOptions(chain, last, c.cfg.NotionalCap)

	return Quote{
		UpdatedAt:            now,
		Symbol:               item.Symbol,
		PriceNow:             last,
		VolumeNow:            item.LastVolume,
		VolumeNowDay:         item.Volume,
		Open:                 open,
		Close:                decimal.NewFromFloat(item.Close),
		High:                 decimal.NewFromFloat(item.High),
		Low:                  decimal.NewFromFloat(item.Low),
		PrevClose:            decimal.NewFromFloat(item.PrevClose),
		ChangePercentage:     decimal.NewFromFloat(item.ChangePercentage),
		ChangePercentageOpen: PercentGrowth(last, open),
		VolumeRelative:       RelativeVolume(candles, item.Volume),
		Calls:                calls,
		Puts:                 puts,
		StrikeDiff:           StrikeDiff(calls, puts),
		Candles:              candles,
	}, nil
}

// dailyCandles returns cached candles, fetching a year of history when the
// previous weekday's session is missing. Stale candles are used when the
// fetch fails.
func (c *Cache) dailyCandles(ctx context.Context, symbol string, now time.Time) ([]broker.HistoricalDataPoint, error) {
	cached, ok, err := c.candles.Get(ctx, symbol)
	if err != nil {
		c.logger.WithError(err).WithField("symbol", symbol).Warn("candle cache read failed")
		ok = false
	}
	if ok && !CandlesStale(cached, now) {
		return cached, nil
	}

	to := truncateDay(now).AddDate(0, 0, -1)
	from := truncateDay(now).AddDate(0, 0, -historyDays)
	fresh, err := c.source.GetDailyCandles(ctx, symbol, from, to)
	if err != nil {
		if ok {
			c.logger.WithError(err).WithField("symbol", symbol).Warn("using stale daily candles")
			return cached, nil
		}
		return nil, fmt.Errorf("daily candles: %w", err)
	}
	fresh = NewestFirst(fresh)
	if err := c.candles.Set(ctx, symbol, fresh); err != nil {
		c.logger.WithError(err).WithField("symbol", symbol).Warn("candle cache write failed")
	}
	return fresh, nil
}

// Quote looks a symbol up in the watched and index sets.
func (c *Cache) Quote(symbol string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if q, ok := c.quotes[symbol]; ok {
		return q, true
	}
	q, ok := c.indices[symbol]
	return q, ok
}

// Option finds a cached contract by its OCC symbol.
func (c *Cache) Option(contractSymbol string) (OptionQuote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, set := range []map[string]Quote{c.quotes, c.indices} {
		for _, q := range set {
			for _, list := range [][]OptionQuote{q.Calls, q.Puts} {
				for _, o := range list {
					if o.Symbol == contractSymbol {
						return o, true
					}
				}
			}
		}
	}
	return OptionQuote{}, false
}

// OptionMid returns the cached midpoint of a contract.
func (c *Cache) OptionMid(contractSymbol string) (decimal.Decimal, bool) {
	o, ok := c.Option(contractSymbol)
	if !ok {
		return decimal.Zero, false
	}
	return o.Mid(), true
}

// Indices returns views of the index symbols in configured order. Symbols
// not yet cached are returned with only their symbol set.
func (c *Cache) Indices() []View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	views := make([]View, 0, len(c.cfg.IndexSymbols))
	for _, s := range c.cfg.IndexSymbols {
		q, ok := c.indices[s]
		if !ok {
			q = Quote{Symbol: s}
		}
		views = append(views, ClientView(q))
	}
	return views
}

// UpdateWatchlist ranks symbols by relative volume and keeps the top
// entries. When a symbol enters the watchlist a notification is sent.
func (c *Cache) UpdateWatchlist(symbols []string) []View {
	c.mu.Lock()
	ranked := make([]Quote, 0, len(symbols))
	for _, s := range dedupe(symbols) {
		q, ok := c.quotes[s]
		if !ok {
			q = Quote{Symbol: s}
		}
		ranked = append(ranked, q)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i].VolumeRelative, ranked[j].VolumeRelative
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.GreaterThan(*b)
	})
	if len(ranked) > c.cfg.WatchlistSize {
		ranked = ranked[:c.cfg.WatchlistSize]
	}

	previous := make(map[string]bool, len(c.watchlist))
	for _, s := range c.watchlist {
		previous[s] = true
	}
	changed := false
	next := make([]string, 0, len(ranked))
	views := make([]View, 0, len(ranked))
	for _, q := range ranked {
		if !previous[q.Symbol] {
			changed = true
		}
		next = append(next, q.Symbol)
		views = append(views, ClientView(q))
	}
	c.watchlist = next
	c.mu.Unlock()

	if changed && c.notifier != nil {
		c.notifier.Notify(notify.MessageWatchlistUpdated, notify.ColorYellow)
	}
	return views
}

// Watchlist returns the current watchlist symbols.
func (c *Cache) Watchlist() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.watchlist...)
}

func dedupe(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
