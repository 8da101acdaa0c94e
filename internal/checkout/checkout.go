// Package checkout turns a cart into an order. It runs the checkout as a
// saga over the cart, pricing, coupon, inventory, order and payment
// components and owns every compensating action.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/safar/marketplace-checkout/internal/apperr"
	"github.com/safar/marketplace-checkout/internal/cart"
	"github.com/safar/marketplace-checkout/internal/coupon"
	"github.com/safar/marketplace-checkout/internal/database"
	"github.com/safar/marketplace-checkout/internal/idempotency"
	"github.com/safar/marketplace-checkout/internal/inventory"
	"github.com/safar/marketplace-checkout/internal/logging"
	"github.com/safar/marketplace-checkout/internal/metrics"
	"github.com/safar/marketplace-checkout/internal/models"
	"github.com/safar/marketplace-checkout/internal/notify"
	"github.com/safar/marketplace-checkout/internal/order"
	"github.com/safar/marketplace-checkout/internal/payment"
	"github.com/safar/marketplace-checkout/internal/pricing"
	"golang.org/x/sync/singleflight"
)

const maxNotesLen = 1000

type Store interface {
	cart.Store
	coupon.Store
	inventory.StockStore
	payment.Store
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	GetAddress(ctx context.Context, id, userID int64) (*models.Address, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetPaymentByOrder(ctx context.Context, orderID int64) (*models.Payment, error)
	ListStalePayments(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error)
}

// Locker serializes checkouts with the same key across service instances.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

type Config struct {
	StepTimeout         time.Duration
	CompensationTimeout time.Duration
	LockTTL             time.Duration
}

func (c Config) withDefaults() Config {
	if c.StepTimeout <= 0 {
		c.StepTimeout = 3 * time.Second
	}
	if c.CompensationTimeout <= 0 {
		c.CompensationTimeout = 10 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	return c
}

type Options struct {
	Config   Config
	Gateway  payment.Gateway
	Notifier *notify.Notifier
	Locker   Locker
	Metrics  *metrics.CheckoutMetrics
	Now      func() time.Time
}

type Orchestrator struct {
	store    Store
	cart     *cart.Gate
	coupons  *coupon.Evaluator
	ledger   *inventory.Ledger
	payments *payment.Coordinator
	notifier *notify.Notifier
	locker   Locker
	metrics  *metrics.CheckoutMetrics
	cfg      Config
	now      func() time.Time
	group    singleflight.Group
}

func New(store Store, opts Options) *Orchestrator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		store:    store,
		cart:     cart.NewGate(store),
		coupons:  coupon.NewEvaluator(store, now),
		ledger:   inventory.NewLedger(store),
		payments: payment.NewCoordinator(store, opts.Gateway, opts.Metrics),
		notifier: opts.Notifier,
		locker:   opts.Locker,
		metrics:  opts.Metrics,
		cfg:      opts.Config.withDefaults(),
		now:      now,
	}
}

type Request struct {
	UserID            int64  `json:"user_id"`
	ShippingAddressID int64  `json:"shipping_address_id"`
	PaymentMethod     string `json:"payment_method"`
	CouponCode        string `json:"coupon_code,omitempty"`
	Notes             string `json:"notes,omitempty"`
	IdempotencyKey    string `json:"-"`

	derivedKey bool
}

func (r Request) validate() error {
	if r.UserID <= 0 {
		return apperr.Validationf("user id is required")
	}
	if r.ShippingAddressID <= 0 {
		return apperr.Validationf("shipping address id is required")
	}
	if !models.IsKnownPaymentMethod(r.PaymentMethod) {
		return apperr.Validationf("unknown payment method %q", r.PaymentMethod)
	}
	if len(r.Notes) > maxNotesLen {
		return apperr.Validationf("notes longer than %d characters", maxNotesLen)
	}
	return nil
}

// Result is the order a checkout produced. Replayed is set when the order
// was created by an earlier request with the same idempotency key.
type Result struct {
	Order    *models.Order   `json:"order"`
	Payment  *models.Payment `json:"payment,omitempty"`
	Replayed bool            `json:"replayed"`
}

// CreateOrder checks out the user's cart. A retry with the same idempotency
// key returns the first order, whatever its state. Without a key, a retry of
// an unchanged cart returns the first order unless that attempt ended
// cancelled, in which case the cart is checked out afresh.
func (o *Orchestrator) CreateOrder(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := o.createOrder(ctx, req)
	elapsed := time.Since(start)

	outcome := "created"
	switch {
	case err != nil:
		outcome = apperr.KindOf(err).String()
	case res.Replayed:
		outcome = "replayed"
	}
	o.metrics.ObserveCheckout(outcome, float64(elapsed.Milliseconds()))

	fields := logging.Fields{
		Service:    "checkout",
		Step:       "create_order",
		Status:     outcome,
		UserID:     req.UserID,
		DurationMS: elapsed.Milliseconds(),
		Err:        err,
	}
	if res != nil {
		fields.OrderID = res.Order.ID
		fields.Key = res.Order.IdempotencyKey
	}
	logging.Log(fields)

	return res, err
}

func (o *Orchestrator) createOrder(ctx context.Context, req Request) (*Result, error) {
	orig := req
	req.CouponCode = strings.TrimSpace(req.CouponCode)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if res, err := o.replay(ctx, req.UserID, req.IdempotencyKey); res != nil || err != nil {
			return res, err
		}
	}

	snap, err := o.cart.BeginCheckout(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey == "" {
		res, key, err := o.deriveKey(ctx, req.UserID, snap)
		if res != nil || err != nil {
			return res, err
		}
		req.IdempotencyKey = key
		req.derivedKey = true
	}

	flightKey := fmt.Sprintf("%d:%s", req.UserID, req.IdempotencyKey)
	leader := false
	v, err, _ := o.group.Do(flightKey, func() (any, error) {
		leader = true
		return o.runLocked(ctx, flightKey, req, snap)
	})
	if err != nil {
		if !leader && errors.Is(err, context.Canceled) && ctx.Err() == nil {
			// The leader's caller went away but this one is still waiting.
			return o.createOrder(ctx, orig)
		}
		return nil, err
	}

	res := v.(*Result)
	if !leader {
		shared := *res
		shared.Replayed = true
		return &shared, nil
	}
	return res, nil
}

func (o *Orchestrator) runLocked(ctx context.Context, lockKey string, req Request, snap cart.Snapshot) (*Result, error) {
	if o.locker != nil {
		token, ok, err := o.locker.Acquire(ctx, lockKey, o.cfg.LockTTL)
		switch {
		case err != nil:
			// The unique idempotency key still prevents a second order.
			logging.Log(logging.Fields{Service: "checkout", Step: "lock", Status: "unavailable", UserID: req.UserID, Key: req.IdempotencyKey, Err: err})
		case !ok:
			return nil, fmt.Errorf("key %s: %w", req.IdempotencyKey, apperr.ErrCheckoutInProgress)
		default:
			defer func() {
				if err := o.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
					logging.Log(logging.Fields{Service: "checkout", Step: "unlock", Status: "failed", UserID: req.UserID, Key: req.IdempotencyKey, Err: err})
				}
			}()
		}

		// Another instance may have finished while we waited for the lock.
		if res, err := o.replayRequest(ctx, req); res != nil || err != nil {
			return res, err
		}
	}

	return o.run(ctx, req, snap)
}

// run is the saga. Steps are strictly sequential: coupon and stock are
// claimed before the order is written, and the cart is cleared last.
func (o *Orchestrator) run(ctx context.Context, req Request, snap cart.Snapshot) (*Result, error) {
	s := &saga{userID: req.UserID, key: req.IdempotencyKey}

	var address *models.Address
	err := o.step(ctx, s, "address", func(ctx context.Context) error {
		a, err := o.store.GetAddress(ctx, req.ShippingAddressID, req.UserID)
		if errors.Is(err, database.ErrAddressNotFound) {
			return fmt.Errorf("address %d: %w", req.ShippingAddressID, apperr.ErrAddressNotFound)
		}
		address = a
		return err
	})
	if err != nil {
		return nil, err
	}

	var priced pricing.PricedOrder
	err = o.step(ctx, s, "pricing", func(ctx context.Context) error {
		products, err := o.store.GetProductsByIDs(ctx, snap.ProductIDs())
		if err != nil {
			return err
		}
		priced, err = pricing.Price(snap.PricingItems(), products)
		return err
	})
	if err != nil {
		return nil, err
	}

	var applied *models.CouponApplication
	if req.CouponCode != "" {
		err = o.step(ctx, s, "coupon", func(ctx context.Context) error {
			d, err := o.coupons.Apply(ctx, req.CouponCode, priced.Subtotal, req.UserID)
			if err != nil {
				return err
			}
			applied = &models.CouponApplication{CouponID: d.CouponID, Code: d.Code, DiscountAmount: d.Discount}
			s.push("coupon", func(ctx context.Context) error {
				return o.coupons.Release(ctx, d.CouponID)
			})
			return nil
		})
		if err != nil {
			return nil, o.abort(ctx, s, err)
		}
	}

	err = o.step(ctx, s, "inventory", func(ctx context.Context) error {
		lines := make([]inventory.Line, len(priced.Lines))
		for i, l := range priced.Lines {
			lines[i] = inventory.Line{ProductID: l.ProductID, Quantity: l.Quantity}
		}
		r, err := o.ledger.Reserve(ctx, lines)
		if err != nil {
			return err
		}
		s.push("inventory", func(ctx context.Context) error {
			return o.ledger.Release(ctx, r)
		})
		return nil
	})
	if err != nil {
		return nil, o.abort(ctx, s, err)
	}

	ord := order.New(order.Params{
		UserID:         req.UserID,
		IdempotencyKey: req.IdempotencyKey,
		PaymentMethod:  req.PaymentMethod,
		Priced:         priced,
		Coupon:         applied,
		Address:        address,
		Notes:          strings.TrimSpace(req.Notes),
	})

	err = o.step(ctx, s, "order", func(ctx context.Context) error {
		return o.store.CreateOrder(ctx, ord)
	})
	if errors.Is(err, database.ErrDuplicateIdempotencyKey) {
		// A concurrent request won the insert; hand back its order.
		if cerr := o.compensate(ctx, s); cerr != nil {
			return nil, cerr
		}
		res, err := o.replayRequest(ctx, req)
		if err == nil && res == nil {
			err = fmt.Errorf("order for key %s vanished", req.IdempotencyKey)
		}
		return res, err
	}
	if err != nil {
		return nil, o.abort(ctx, s, err)
	}

	// The order now owns the reservation and the coupon slot; cancelling it
	// releases both, so the earlier undo actions must not run as well.
	s.orderID = ord.ID
	s.undo = nil
	s.push("order", func(ctx context.Context) error {
		_, err := o.cancel(ctx, ord, models.StatusChange{
			FromOrder:   []string{models.OrderStatusPlaced},
			ToOrder:     models.OrderStatusCancelled,
			FromPayment: models.PaymentStatusPending,
			ToPayment:   models.PaymentStatusFailed,
		})
		return err
	})
	o.notifier.Publish(ctx, notify.NewEvent(notify.EventOrderCreated, ord, notify.OrderPayload(ord)))

	var p *models.Payment
	err = o.step(ctx, s, "payment", func(ctx context.Context) error {
		var err error
		p, err = o.payments.Initiate(ctx, ord)
		return err
	})
	if err != nil {
		err = o.abort(ctx, s, err)
		o.notifier.Publish(ctx, notify.NewEvent(notify.EventOrderCancelled, ord, map[string]any{"reason": "payment_initiation_failed"}))
		return nil, err
	}

	// The order is durable from here on; a failed cart clear is only logged.
	if err := o.step(ctx, s, "cart", func(ctx context.Context) error {
		return o.cart.Commit(ctx, snap)
	}); err != nil {
		logging.Log(logging.Fields{Service: "checkout", Step: "cart", Status: "not_cleared", OrderID: ord.ID, UserID: req.UserID, Err: err})
	}

	return &Result{Order: ord, Payment: p}, nil
}

// deriveKey keys a checkout by the cart's fingerprint. An order already
// stored under it is returned unless it was cancelled; a cancelled attempt
// moves the key on to the next one in a chain seeded by that order, so every
// caller retrying the same cart agrees on the key.
func (o *Orchestrator) deriveKey(ctx context.Context, userID int64, snap cart.Snapshot) (*Result, string, error) {
	key := snap.Fingerprint()
	for {
		res, err := o.replay(ctx, userID, key)
		if err != nil {
			return nil, "", err
		}
		if res == nil {
			return nil, key, nil
		}
		if res.Order.OrderStatus != models.OrderStatusCancelled {
			return res, key, nil
		}
		key = idempotency.Derive(key, "after", strconv.FormatInt(res.Order.ID, 10))
	}
}

// replayRequest is replay for a checkout already past key selection. A
// cancelled order under a derived key belongs to a concurrent attempt that
// just failed, so the caller is told to retry rather than handed it.
func (o *Orchestrator) replayRequest(ctx context.Context, req Request) (*Result, error) {
	res, err := o.replay(ctx, req.UserID, req.IdempotencyKey)
	if err != nil || res == nil || !req.derivedKey || res.Order.OrderStatus != models.OrderStatusCancelled {
		return res, err
	}
	return nil, fmt.Errorf("key %s: %w", req.IdempotencyKey, apperr.ErrCheckoutInProgress)
}

// replay returns the order stored under key, or nil when there is none.
func (o *Orchestrator) replay(ctx context.Context, userID int64, key string) (*Result, error) {
	existing, err := o.store.GetOrderByIdempotencyKey(ctx, key)
	if errors.Is(err, database.ErrOrderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if existing.UserID != userID {
		return nil, apperr.Validationf("idempotency key already used")
	}

	p, err := o.store.GetPaymentByOrder(ctx, existing.ID)
	if err != nil && !errors.Is(err, database.ErrPaymentNotFound) {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	return &Result{Order: existing, Payment: p, Replayed: true}, nil
}

// cancel applies change and, only if it took effect, returns the order's
// stock and coupon slot. The conditional update guarantees the release
// happens once even when cancellation and a failed payment race.
func (o *Orchestrator) cancel(ctx context.Context, ord *models.Order, change models.StatusChange) (bool, error) {
	err := o.store.TransitionOrder(ctx, ord.ID, change)
	if errors.Is(err, database.ErrStatusConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cancel order %d: %w", ord.ID, err)
	}

	var errs []error
	if err := o.ledger.Release(ctx, inventory.ReservationFromOrder(ord)); err != nil {
		errs = append(errs, err)
	}
	if ord.Coupon != nil {
		if err := o.coupons.Release(ctx, ord.Coupon.CouponID); err != nil {
			errs = append(errs, err)
		}
	}
	return true, errors.Join(errs...)
}
