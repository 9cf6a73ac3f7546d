// Package reconcile applies broker order events to the local ledger.
//
// Events arrive asynchronously over the account stream and are joined to
// ledger orders by correlation tag. Working statuses update the order;
// a fill also moves the linked position, either blending a buy into the
// weighted average entry price or reducing the quantity on a sell.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/bullwise/internal/metrics"
	"github.com/eddiefleurent/bullwise/internal/models"
	"github.com/eddiefleurent/bullwise/internal/notify"
	"github.com/eddiefleurent/bullwise/internal/retry"
	"github.com/eddiefleurent/bullwise/internal/storage"
)

// Outcome is what happened to one event.
type Outcome int

const (
	// Applied means the ledger changed.
	Applied Outcome = iota
	// Ignored means the event was understood but changed nothing, for
	// example a late status for a cancelled order or a repeated fill.
	Ignored
	// Dropped means the event could not be processed.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// Publisher receives fill notifications and position snapshots.
type Publisher interface {
	Notify(message string, color notify.Color)
	Positions(positions []notify.PositionView)
}

// Snapshots reads the open positions broadcast after a fill.
type Snapshots interface {
	PositionsWithOrders(ctx context.Context) ([]notify.PositionView, error)
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLookupRetry sets how long to wait for an order row to appear.
func WithLookupRetry(f retry.Fixed) Option {
	return func(r *Reconciler) { r.lookup = f }
}

// Reconciler applies broker order events to the ledger.
type Reconciler struct {
	storage   storage.Interface
	publisher Publisher
	snapshots Snapshots
	lookup    retry.Fixed
	logger    logrus.FieldLogger
	locks     keyedMutex
}

// NewReconciler creates a reconciler. publisher and snapshots may be nil
// when no UI is attached.
func NewReconciler(store storage.Interface, publisher Publisher, snapshots Snapshots, logger logrus.FieldLogger, opts ...Option) *Reconciler {
	if store == nil {
		panic("reconcile.NewReconciler: storage must not be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "reconciler")
	}
	r := &Reconciler{
		storage:   store,
		publisher: publisher,
		snapshots: snapshots,
		lookup:    retry.DefaultFixed,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes events until ctx is done or the channel closes. Each event
// is handled on its own goroutine so a slow lookup does not hold up the
// stream. Run waits for in-flight events before returning.
func (r *Reconciler) Run(ctx context.Context, events <-chan models.FillEvent) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := r.Reconcile(ctx, ev); err != nil {
					r.logger.WithError(err).WithFields(logrus.Fields{
						"tag":    ev.Tag,
						"status": ev.Status,
					}).Warn("order event dropped")
				}
			}()
		}
	}
}

// Reconcile applies one event. Events for the same tag are applied one at
// a time. An error is returned only with Dropped.
func (r *Reconciler) Reconcile(ctx context.Context, ev models.FillEvent) (outcome Outcome, err error) {
	defer func() {
		metrics.FillEventsTotal.WithLabelValues(ev.Status, outcome.String()).Inc()
	}()

	if ev.Tag == "" {
		// orders placed outside this process carry no tag
		r.logger.WithFields(logrus.Fields{"broker_id": ev.BrokerID, "status": ev.Status}).
			Debug("ignoring untagged order event")
		return Ignored, nil
	}
	status, err := models.ParseOrderState(ev.Status)
	if err != nil {
		return Dropped, fmt.Errorf("event %s: %w", ev.Tag, err)
	}

	unlock := r.locks.lock("tag:" + ev.Tag)
	defer unlock()

	order, err := r.resolve(ctx, ev.Tag)
	if err != nil {
		return Dropped, err
	}

	log := r.logger.WithFields(logrus.Fields{
		"tag":      ev.Tag,
		"order_id": order.ID,
		"symbol":   order.ContractSymbol,
		"from":     order.State,
		"status":   status,
	})

	if err := models.ValidateTransition(order.State, status); err != nil {
		if order.State == models.OrderFilled && status == models.OrderFilled {
			log.Warn("duplicate fill event ignored")
		} else {
			log.WithError(err).Info("stale order event ignored")
		}
		return Ignored, nil
	}

	if status != models.OrderFilled {
		if err := r.storage.UpdateOrder(ctx, storage.ByID(order.ID), models.OrderUpdate{State: &status}); err != nil {
			return Dropped, fmt.Errorf("update order %s: %w", ev.Tag, err)
		}
		log.Info("order status updated")
		return Applied, nil
	}

	if err := r.applyFill(ctx, order, ev, log); err != nil {
		return Dropped, err
	}
	return Applied, nil
}

// resolve finds the order for tag, waiting for the row to become visible.
// The broker can push an event before the insert that issued the tag has
// been committed.
func (r *Reconciler) resolve(ctx context.Context, tag string) (models.Order, error) {
	var found models.Order
	err := r.lookup.Do(ctx, func(attempt int) (bool, error) {
		if attempt > 1 {
			metrics.LookupRetries.Inc()
		}
		orders, err := r.storage.GetOrders(ctx, storage.Where(storage.Eq("tag", tag)))
		if err != nil {
			if !retry.IsTransient(err) {
				return false, fmt.Errorf("get order: %w", err)
			}
			r.logger.WithError(err).WithFields(logrus.Fields{"tag": tag, "attempt": attempt}).
				Warn("order lookup failed")
			return false, nil
		}
		if len(orders) == 0 {
			r.logger.WithFields(logrus.Fields{"tag": tag, "attempt": attempt}).Debug("no order for tag yet")
			return false, nil
		}
		found = orders[0]
		return true, nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return models.Order{}, fmt.Errorf("order for tag %s: %w (%w)", tag, storage.ErrNotFound, err)
		}
		return models.Order{}, fmt.Errorf("order for tag %s: %w", tag, err)
	}
	return found, nil
}

func (r *Reconciler) applyFill(ctx context.Context, order models.Order, ev models.FillEvent, log logrus.FieldLogger) error {
	exec := ev.ExecQuantity
	if exec <= 0 {
		// some fill events omit the executed quantity
		exec = order.Quantity
	}
	price := ev.AvgFillPrice
	if price.IsZero() {
		price = ev.Price
	}
	log = log.WithFields(logrus.Fields{"exec_qty": exec, "fill_price": price.String()})

	unlock := r.locks.lock("symbol:" + order.ContractSymbol)
	positionID, err := r.applyToPosition(ctx, order, exec, price, log)
	unlock()
	if err != nil {
		return err
	}

	filled := models.OrderFilled
	update := models.OrderUpdate{State: &filled}
	if order.Side == models.SideSellToClose {
		// opening orders keep price 0; the entry price lives on the position
		update.Price = &price
	}
	if positionID != 0 {
		update.PositionID = &positionID
	}
	if err := r.storage.UpdateOrder(ctx, storage.ByID(order.ID), update); err != nil {
		return fmt.Errorf("update order %s: %w", order.Tag, err)
	}
	log.WithField("position_id", positionID).Info("fill applied")

	r.announce(ctx, order, exec)
	return nil
}

// applyToPosition moves the open position for the order's contract and
// returns its id. It returns 0 when a sell finds nothing to reduce.
func (r *Reconciler) applyToPosition(ctx context.Context, order models.Order, exec int, price decimal.Decimal, log logrus.FieldLogger) (int64, error) {
	open, err := r.openPosition(ctx, order.ContractSymbol)
	if err != nil {
		return 0, err
	}

	switch order.Side {
	case models.SideBuyToOpen:
		if open == nil {
			id, err := r.storage.InsertPosition(ctx, models.Position{
				ContractSymbol: order.ContractSymbol,
				State:          models.PositionOpen,
				Quantity:       exec,
				PriceAvg:       price,
			})
			if err == nil {
				return id, nil
			}
			if !errors.Is(err, storage.ErrOpenPositionExists) {
				return 0, fmt.Errorf("insert position %s: %w", order.ContractSymbol, err)
			}
			// another process opened it first; blend into theirs
			if open, err = r.openPosition(ctx, order.ContractSymbol); err != nil || open == nil {
				return 0, fmt.Errorf("insert position %s: %w", order.ContractSymbol, storage.ErrOpenPositionExists)
			}
		}
		update := open.AddFill(exec, price)
		if err := r.storage.UpdatePosition(ctx, open.ID, update); err != nil {
			return 0, fmt.Errorf("update position %d: %w", open.ID, err)
		}
		return open.ID, nil

	case models.SideSellToClose:
		if open == nil {
			log.Error("sell filled with no open position for contract")
			return 0, nil
		}
		update := open.ReduceFill(exec)
		if err := r.storage.UpdatePosition(ctx, open.ID, update); err != nil {
			return 0, fmt.Errorf("update position %d: %w", open.ID, err)
		}
		if update.State != nil && *update.State == models.PositionClosed {
			log.WithField("position_id", open.ID).Info("position closed")
		}
		return open.ID, nil
	}
	return 0, fmt.Errorf("order %s: unknown side %q", order.Tag, order.Side)
}

func (r *Reconciler) openPosition(ctx context.Context, contractSymbol string) (*models.Position, error) {
	positions, err := r.storage.GetPositions(ctx, storage.Where(
		storage.Eq("contract_symbol", contractSymbol),
		storage.Eq("state", models.PositionOpen),
	))
	if err != nil {
		return nil, fmt.Errorf("get open position %s: %w", contractSymbol, err)
	}
	if len(positions) == 0 {
		return nil, nil
	}
	return &positions[0], nil
}

// announce sends the fill notification and the refreshed positions.
// Both are best effort.
func (r *Reconciler) announce(ctx context.Context, order models.Order, exec int) {
	if r.publisher == nil {
		return
	}
	msg, color := notify.FillMessage(order.Side, order.ContractSymbol, exec)
	r.publisher.Notify(msg, color)

	if r.snapshots == nil {
		return
	}
	positions, err := r.snapshots.PositionsWithOrders(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("failed to load positions for broadcast")
		return
	}
	metrics.OpenPositions.Set(float64(len(positions)))
	r.publisher.Positions(positions)
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
