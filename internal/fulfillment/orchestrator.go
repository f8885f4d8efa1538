// Package fulfillment drives each marketplace order through supplier
// placement, status polling and key delivery.
//
// Every order is recorded in the ledger before any network call. Placement
// and polling run as a task in the orchestrator's TaskSet, keyed by the
// marketplace order id, so one process never polls the same order twice.
package fulfillment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"keybridge/internal/catalog"
	"keybridge/internal/ledger"
	"keybridge/internal/logger"
	"keybridge/internal/metrics"
	"keybridge/internal/notify"
	"keybridge/internal/reservation"
	"keybridge/internal/supplier"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type SupplierAPI interface {
	PlaceOrder(ctx context.Context, lines []supplier.OrderLine, clientOrderID string) (*supplier.Order, error)
	GetOrder(ctx context.Context, orderID string) (*supplier.Order, error)
}

type KeyDelivery interface {
	DeliverKeys(ctx context.Context, offerID string, keys []string) error
}

type Catalog interface {
	ByMarketplaceID(id string) (catalog.Mapping, bool)
	BySupplierID(id string) (catalog.Mapping, bool)
}

type Reservations interface {
	ConsumeTx(ctx context.Context, tx *sql.Tx, id string) ([]reservation.Item, error)
}

type Config struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	// PlaceTimeout bounds a single supplier placement call. Placement is not
	// interrupted by shutdown.
	PlaceTimeout time.Duration
	WriteRetries int
	WriteBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 7 * time.Minute
	}
	if c.PlaceTimeout <= 0 {
		c.PlaceTimeout = time.Minute
	}
	if c.WriteRetries <= 0 {
		c.WriteRetries = 3
	}
	if c.WriteBackoff <= 0 {
		c.WriteBackoff = 500 * time.Millisecond
	}
	return c
}

type Deps struct {
	DB           *sql.DB
	Ledger       ledger.Repository
	Reservations Reservations
	Supplier     SupplierAPI
	Marketplace  KeyDelivery
	Catalog      Catalog
	Notifier     notify.Publisher
	Metrics      *metrics.Fulfillment
}

type Orchestrator struct {
	db           *sql.DB
	ledger       ledger.Repository
	reservations Reservations
	supplier     SupplierAPI
	marketplace  KeyDelivery
	catalog      Catalog
	notifier     notify.Publisher
	metrics      *metrics.Fulfillment

	cfg   Config
	tasks *TaskSet
	now   func() time.Time
}

func New(d Deps, cfg Config) *Orchestrator {
	if d.Notifier == nil {
		d.Notifier = notify.LogPublisher{}
	}
	if d.Metrics == nil {
		d.Metrics = &metrics.Fulfillment{}
	}
	return &Orchestrator{
		db:           d.DB,
		ledger:       d.Ledger,
		reservations: d.Reservations,
		supplier:     d.Supplier,
		marketplace:  d.Marketplace,
		catalog:      d.Catalog,
		notifier:     d.Notifier,
		metrics:      d.Metrics,
		cfg:          cfg.withDefaults(),
		tasks:        NewTaskSet(),
		now:          time.Now,
	}
}

// StartFulfillment records a single-item order and starts placement in the
// background. Calling it again for an existing order id does nothing.
func (o *Orchestrator) StartFulfillment(ctx context.Context, supplierProductID, marketplaceOrderID string, maxPrice decimal.Decimal) error {
	log := logger.FromCtx(ctx).With(zap.String("layer", "fulfillment"), zap.String("method", "StartFulfillment"))

	supplierProductID = strings.TrimSpace(supplierProductID)
	marketplaceOrderID = strings.TrimSpace(marketplaceOrderID)
	if supplierProductID == "" || marketplaceOrderID == "" {
		return fmt.Errorf("%w: product id and order id are required", ErrValidation)
	}
	if !maxPrice.IsPositive() {
		return fmt.Errorf("%w: max price must be greater than zero", ErrValidation)
	}

	mapping, ok := o.catalog.BySupplierID(supplierProductID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrProductNotFound, supplierProductID)
	}

	ord := &ledger.Order{
		MarketplaceOrderID: marketplaceOrderID,
		Items: []ledger.Item{{
			MarketplaceProductID: mapping.MarketplaceProductID,
			SupplierProductID:    supplierProductID,
			Quantity:             1,
			MaxPrice:             maxPrice,
		}},
	}

	created, err := o.ledger.Create(ctx, ord)
	if err != nil {
		log.Error("failed to record order", zap.String("marketplace_order_id", marketplaceOrderID), zap.Error(err))
		return fmt.Errorf("record order %s: %w", marketplaceOrderID, err)
	}
	if !created {
		log.Info("fulfillment already started", zap.String("marketplace_order_id", marketplaceOrderID))
		return nil
	}

	o.metrics.Started.Inc()
	o.launch(ctx, ord, true)
	return nil
}

// ConfirmSale turns a reservation into an order. The reservation is consumed
// and the order recorded in one transaction; placement then runs in the
// background with every reserved item.
func (o *Orchestrator) ConfirmSale(ctx context.Context, reservationID, marketplaceOrderID string) error {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "fulfillment"),
		zap.String("method", "ConfirmSale"),
		zap.String("reservation_id", reservationID),
		zap.String("marketplace_order_id", marketplaceOrderID),
	)

	reservationID = strings.TrimSpace(reservationID)
	marketplaceOrderID = strings.TrimSpace(marketplaceOrderID)
	if reservationID == "" || marketplaceOrderID == "" {
		return fmt.Errorf("%w: reservation id and order id are required", ErrValidation)
	}

	exists, err := o.ledger.Exists(ctx, marketplaceOrderID)
	if err != nil {
		return err
	}
	if exists {
		log.Info("order already recorded")
		return nil
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	items, err := o.reservations.ConsumeTx(ctx, tx, reservationID)
	if errors.Is(err, reservation.ErrExpired) {
		if cerr := tx.Commit(); cerr != nil {
			return cerr
		}
		return err
	}
	if errors.Is(err, reservation.ErrNotFound) {
		// a concurrent confirm for the same order may have consumed it
		if recorded, xerr := o.ledger.ExistsTx(ctx, tx, marketplaceOrderID); xerr == nil && recorded {
			log.Info("order already recorded")
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	ord := &ledger.Order{MarketplaceOrderID: marketplaceOrderID}
	for _, it := range items {
		ord.Items = append(ord.Items, ledger.Item{
			MarketplaceProductID: it.ProductID,
			SupplierProductID:    it.SupplierProductID,
			Quantity:             it.Quantity,
			MaxPrice:             it.UnitPrice,
		})
	}

	created, err := o.ledger.CreateTx(ctx, tx, ord)
	if err != nil {
		log.Error("failed to record order", zap.Error(err))
		return fmt.Errorf("record order %s: %w", marketplaceOrderID, err)
	}
	if !created {
		// a concurrent confirm won; the rollback keeps this reservation
		log.Info("order already recorded")
		return nil
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	o.metrics.Started.Inc()
	o.launch(ctx, ord, true)
	return nil
}

func (o *Orchestrator) GetOrderStatus(ctx context.Context, marketplaceOrderID string) (*ledger.Order, error) {
	return o.ledger.Get(ctx, marketplaceOrderID)
}

// Resume restarts polling for an order that already has a supplier order id.
// It never places a new supplier order.
func (o *Orchestrator) Resume(ctx context.Context, ord *ledger.Order) bool {
	if !ord.Resumable() {
		return false
	}
	if !o.launch(ctx, ord, false) {
		return false
	}
	o.metrics.Resumed.Inc()
	return true
}

// Active is the number of orders currently being placed or polled.
func (o *Orchestrator) Active() int {
	return o.tasks.Len()
}

func (o *Orchestrator) Metrics() *metrics.Fulfillment {
	return o.metrics
}

// Shutdown stops every polling loop and waits for them to return. Orders left
// in POLLING_SUPPLIER are picked up by recovery on the next start.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.tasks.Shutdown(ctx)
}

// job is the in-memory state of one order's task.
type job struct {
	order           *ledger.Order
	supplierOrderID string
	polling         bool
	timer           *metrics.Timer
}

func (o *Orchestrator) launch(ctx context.Context, ord *ledger.Order, place bool) bool {
	ctx = logger.WithOrderID(context.WithoutCancel(ctx), ord.MarketplaceOrderID)

	started := o.tasks.Go(ctx, ord.MarketplaceOrderID, func(ctx context.Context) {
		j := &job{
			order:           ord,
			supplierOrderID: ord.SupplierOrderID,
			polling:         ord.Status == ledger.StatusPolling,
			timer:           metrics.StartTimer(),
		}
		if place && !o.place(ctx, j) {
			return
		}
		o.poll(ctx, j)
	})
	if !started {
		logger.FromCtx(ctx).Info("fulfillment task already running")
	}
	return started
}

func (o *Orchestrator) place(ctx context.Context, j *job) bool {
	log := logger.FromCtx(ctx)

	if ctx.Err() != nil {
		o.fail(ctx, j, "cancelled before the supplier order was placed")
		return false
	}

	lines := make([]supplier.OrderLine, 0, len(j.order.Items))
	for _, it := range j.order.Items {
		lines = append(lines, supplier.OrderLine{
			ProductID: it.SupplierProductID,
			MaxPrice:  it.MaxPrice,
			Quantity:  it.Quantity,
		})
	}

	placeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PlaceTimeout)
	defer cancel()

	res, err := o.supplier.PlaceOrder(placeCtx, lines, j.order.MarketplaceOrderID)
	if err != nil {
		log.Warn("supplier order placement failed", zap.Error(err))
		o.fail(ctx, j, fmt.Sprintf("supplier order placement failed: %v", err))
		return false
	}

	j.supplierOrderID = res.OrderID
	o.metrics.Placed.Inc()
	log.Info("supplier order placed", zap.String("supplier_order_id", res.OrderID))

	o.ensurePolling(ctx, j)
	return true
}

// ensurePolling records the supplier order id. When the write keeps failing
// the loop carries on with the id held in memory.
func (o *Orchestrator) ensurePolling(ctx context.Context, j *job) {
	if j.polling {
		return
	}
	err := o.persist(ctx, j, "polling state", func(ctx context.Context) error {
		return o.ledger.MarkPolling(ctx, j.order.MarketplaceOrderID, j.supplierOrderID)
	})
	j.polling = err == nil
}

// poll checks the supplier order every PollInterval until it reaches a final
// state, PollTimeout elapses or ctx is cancelled.
func (o *Orchestrator) poll(ctx context.Context, j *job) {
	log := logger.FromCtx(ctx).With(zap.String("supplier_order_id", j.supplierOrderID))
	started := o.now()

	timer := time.NewTimer(o.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("polling stopped")
			return
		case <-timer.C:
		}

		if o.now().Sub(started) > o.cfg.PollTimeout {
			o.fail(ctx, j, fmt.Sprintf("supplier order %s did not complete within %s", j.supplierOrderID, o.cfg.PollTimeout))
			return
		}

		if o.check(ctx, j) {
			return
		}
		timer.Reset(o.cfg.PollInterval)
	}
}

// check performs one status lookup and reports whether polling is over.
func (o *Orchestrator) check(ctx context.Context, j *job) bool {
	log := logger.FromCtx(ctx).With(zap.String("supplier_order_id", j.supplierOrderID))

	order, err := o.supplier.GetOrder(ctx, j.supplierOrderID)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		if supplier.IsTransient(err) {
			o.metrics.PollErrors.Inc()
			log.Warn("supplier order lookup failed, retrying", zap.Error(err))
			return false
		}
		o.fail(ctx, j, fmt.Sprintf("supplier order lookup failed: %v", err))
		return true
	}

	status := order.NormalizedStatus()
	switch status {
	case supplier.StatusCompleted:
		o.complete(ctx, j, order)
		return true
	case supplier.StatusCancelled, supplier.StatusFailed:
		o.fail(ctx, j, fmt.Sprintf("supplier order %s has status '%s'", j.supplierOrderID, status))
		return true
	default:
		log.Debug("supplier order pending", zap.String("status", status))
		return false
	}
}

func (o *Orchestrator) complete(ctx context.Context, j *job, order *supplier.Order) {
	log := logger.FromCtx(ctx).With(zap.String("supplier_order_id", j.supplierOrderID))

	keys := keysByItem(j.order.Items, order)
	if !order.HasCodes() || countKeys(keys) == 0 {
		o.fail(ctx, j, fmt.Sprintf("supplier order %s is COMPLETED but no key was found", j.supplierOrderID))
		return
	}
	if short := shortItems(j.order.Items, keys); len(short) > 0 {
		o.failWithCodes(ctx, j, keys, fmt.Sprintf("supplier order %s is COMPLETED but keys are missing for %s",
			j.supplierOrderID, strings.Join(short, ", ")))
		return
	}

	if len(j.order.Items) == 1 {
		item := j.order.Items[0]
		if mapping, ok := o.catalog.ByMarketplaceID(item.MarketplaceProductID); ok && mapping.OfferID != "" {
			err := o.marketplace.DeliverKeys(context.WithoutCancel(ctx), mapping.OfferID, ledger.Values(keys[item.MarketplaceProductID]))
			if err != nil {
				log.Error("key delivery failed", zap.String("offer_id", mapping.OfferID), zap.Error(err))
				o.failWithCodes(ctx, j, keys, fmt.Sprintf("key delivery failed: %v", err))
				return
			}
			log.Info("keys delivered", zap.String("offer_id", mapping.OfferID))
		}
	}

	o.ensurePolling(ctx, j)
	err := o.persist(ctx, j, "completion", func(ctx context.Context) error {
		return o.ledger.Complete(ctx, j.order.MarketplaceOrderID, keys)
	})
	if err != nil {
		return
	}

	o.metrics.Completed.Inc()
	log.Info("fulfillment completed", zap.Duration("elapsed", j.timer.Duration()))
	o.publish(ctx, notify.Event{
		Type:               notify.EventOrderCompleted,
		MarketplaceOrderID: j.order.MarketplaceOrderID,
		SupplierOrderID:    j.supplierOrderID,
	})
}

func (o *Orchestrator) fail(ctx context.Context, j *job, message string) {
	o.finishFailed(ctx, j, message, func(ctx context.Context) error {
		return o.ledger.Fail(ctx, j.order.MarketplaceOrderID, message)
	})
}

func (o *Orchestrator) failWithCodes(ctx context.Context, j *job, keys map[string][]ledger.Key, message string) {
	o.finishFailed(ctx, j, message, func(ctx context.Context) error {
		return o.ledger.FailWithCodes(ctx, j.order.MarketplaceOrderID, keys, message)
	})
}

func (o *Orchestrator) finishFailed(ctx context.Context, j *job, message string, write func(ctx context.Context) error) {
	if err := o.persist(ctx, j, "failure", write); err != nil {
		return
	}

	o.metrics.Failed.Inc()
	logger.FromCtx(ctx).Warn("fulfillment failed",
		zap.String("supplier_order_id", j.supplierOrderID),
		zap.String("reason", message),
	)
	o.publish(ctx, notify.Event{
		Type:               notify.EventOrderFailed,
		MarketplaceOrderID: j.order.MarketplaceOrderID,
		SupplierOrderID:    j.supplierOrderID,
		Message:            message,
	})
}

// persist runs a ledger write with bounded retries. A write that still fails
// raises a manual intervention event.
func (o *Orchestrator) persist(ctx context.Context, j *job, what string, write func(ctx context.Context) error) error {
	ctx = context.WithoutCancel(ctx)

	var err error
	for attempt := 1; ; attempt++ {
		err = write(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ledger.ErrInvalidTransition) || errors.Is(err, ledger.ErrOrderNotFound) || attempt >= o.cfg.WriteRetries {
			break
		}
		time.Sleep(o.cfg.WriteBackoff * time.Duration(attempt))
	}

	logger.FromCtx(ctx).Error("ledger write failed",
		zap.String("write", what),
		zap.String("supplier_order_id", j.supplierOrderID),
		zap.Error(err),
	)
	o.publish(ctx, notify.Event{
		Type:               notify.EventManualIntervention,
		MarketplaceOrderID: j.order.MarketplaceOrderID,
		SupplierOrderID:    j.supplierOrderID,
		Message:            fmt.Sprintf("%s not recorded: %v", what, err),
	})
	return err
}

func (o *Orchestrator) publish(ctx context.Context, e notify.Event) {
	e.OccurredAt = o.now().UTC()
	if err := o.notifier.Publish(context.WithoutCancel(ctx), e); err != nil {
		logger.FromCtx(ctx).Warn("event publish failed", zap.String("event", e.Type), zap.Error(err))
	}
}
