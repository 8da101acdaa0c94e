package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/safar/marketplace-checkout/internal/apperr"
	"github.com/safar/marketplace-checkout/internal/database"
	"github.com/safar/marketplace-checkout/internal/models"
	"github.com/safar/marketplace-checkout/internal/payment"
	"github.com/safar/marketplace-checkout/internal/store/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	t         *testing.T
	mem       *memstore.Store
	clock     *clock
	userID    int64
	addressID int64
	productID int64
	couponID  int64
}

// newFixture seeds the reference scenario: P1 at 120 with the given stock,
// SAVE10 (10%, cap 100, used 5, min 100) and a cart of 2 x P1 captured at 100.
func newFixture(t *testing.T, stock int) *fixture {
	t.Helper()
	ctx := context.Background()

	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := memstore.New()
	mem.SetClock(c.Now)

	f := &fixture{t: t, mem: mem, clock: c}

	u, err := mem.CreateUser(ctx, "buyer@example.com", "Buyer")
	require.NoError(t, err)
	f.userID = u.ID

	a, err := mem.CreateAddress(ctx, models.Address{UserID: u.ID, FullName: "Buyer", Line1: "Street 1", City: "Kathmandu", Country: "NP"})
	require.NoError(t, err)
	f.addressID = a.ID

	p, err := mem.CreateProduct(ctx, models.Product{SKU: "P1", Name: "P1", Price: decimal.NewFromInt(120), StockQuantity: stock, Active: true})
	require.NoError(t, err)
	f.productID = p.ID

	cp, err := mem.CreateCoupon(ctx, models.Coupon{
		Code:           "SAVE10",
		DiscountType:   models.DiscountTypePercentage,
		DiscountValue:  decimal.NewFromInt(10),
		MinOrderAmount: decimal.NewFromInt(100),
		UsageCap:       100,
		UsageCount:     5,
		Active:         true,
		StartsAt:       c.Now().Add(-24 * time.Hour),
		EndsAt:         c.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	f.couponID = cp.ID

	f.addToCart(u.ID, p.ID, 2)
	return f
}

func (f *fixture) addToCart(userID, productID int64, qty int) {
	f.t.Helper()
	_, err := f.mem.AddCartItem(context.Background(), models.CartAddition{
		UserID: userID, ProductID: productID, Quantity: qty, PriceAtTime: decimal.NewFromInt(100),
	})
	require.NoError(f.t, err)
}

func (f *fixture) orchestrator(opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = f.clock.Now
	}
	return New(f.mem, opts)
}

func (f *fixture) orchestratorOn(s Store, opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = f.clock.Now
	}
	return New(s, opts)
}

func (f *fixture) request(method string) Request {
	return Request{UserID: f.userID, ShippingAddressID: f.addressID, PaymentMethod: method, CouponCode: "save10"}
}

func (f *fixture) stock() int {
	f.t.Helper()
	p, err := f.mem.GetProduct(context.Background(), f.productID)
	require.NoError(f.t, err)
	return p.StockQuantity
}

func (f *fixture) couponUsage() int {
	f.t.Helper()
	c, err := f.mem.GetCoupon(context.Background(), f.couponID)
	require.NoError(f.t, err)
	return c.UsageCount
}

func (f *fixture) cartLines() int {
	f.t.Helper()
	c, err := f.mem.GetCartByUser(context.Background(), f.userID)
	require.NoError(f.t, err)
	return len(c.Items)
}

func (f *fixture) assertUntouched(stock int) {
	f.t.Helper()
	assert.Equal(f.t, stock, f.stock(), "stock")
	assert.Equal(f.t, 5, f.couponUsage(), "coupon usage")
	assert.Equal(f.t, 1, f.cartLines(), "cart lines")
}

func TestCheckoutReferenceScenario(t *testing.T) {
	f := newFixture(t, 5)
	o := f.orchestrator(Options{})

	res, err := o.CreateOrder(context.Background(), f.request(models.PaymentMethodCashOnDelivery))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Nil(t, res.Payment)

	ord := res.Order
	assert.True(t, ord.Subtotal.Equal(decimal.NewFromInt(240)), ord.Subtotal.String())
	assert.True(t, ord.DiscountAmount.Equal(decimal.NewFromInt(24)), ord.DiscountAmount.String())
	assert.True(t, ord.TotalAmount.Equal(decimal.NewFromInt(216)), ord.TotalAmount.String())
	assert.Equal(t, models.OrderStatusPlaced, ord.OrderStatus)
	assert.Equal(t, models.PaymentStatusPending, ord.PaymentStatus)
	require.NotNil(t, ord.Coupon)
	assert.Equal(t, "SAVE10", ord.Coupon.Code)
	assert.Equal(t, "Kathmandu", ord.Shipping.City)

	require.Len(t, ord.Items, 1)
	assert.Equal(t, 2, ord.Items[0].Quantity)
	assert.True(t, ord.Items[0].UnitPrice.Equal(decimal.NewFromInt(120)))

	assert.Equal(t, 3, f.stock())
	assert.Equal(t, 6, f.couponUsage())
	assert.Equal(t, 0, f.cartLines())

	stored, err := f.mem.GetOrder(context.Background(), ord.ID)
	require.NoError(t, err)
	assert.Equal(t, ord.OrderNumber, stored.OrderNumber)
}

func TestCheckoutGatewayMethodCreatesPendingPayment(t *testing.T) {
	f := newFixture(t, 5)
	o := f.orchestrator(Options{})

	res, err := o.CreateOrder(context.Background(), f.request(models.PaymentMethodEsewa))
	require.NoError(t, err)
	require.NotNil(t, res.Payment)
	assert.Equal(t, models.PaymentStatusPending, res.Payment.Status)
	assert.True(t, res.Payment.Amount.Equal(decimal.NewFromInt(216)))
	assert.Equal(t, res.Order.ID, res.Payment.OrderID)
}

func TestCheckoutInsufficientStockLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, 1)
	o := f.orchestrator(Options{})

	_, err := o.CreateOrder(context.Background(), f.request(models.PaymentMethodCashOnDelivery))
	require.ErrorIs(t, err, apperr.ErrInsufficientStock)

	var stockErr *apperr.StockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, f.productID, stockErr.ProductID)
	assert.Equal(t, apperr.KindBusinessRule, apperr.KindOf(err))

	f.assertUntouched(1)
}

// shortStore reports a lost race on one product's conditional decrement,
// after pricing has already seen enough stock.
type shortStore struct {
	*memstore.Store
	short int64
}

func (s *shortStore) DecrementStock(ctx context.Context, productID int64, qty int) error {
	if productID == s.short {
		return database.ErrInsufficientStock
	}
	return s.Store.DecrementStock(ctx, productID, qty)
}

func TestCheckoutPartialReservationIsCompensated(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	p2, err := f.mem.CreateProduct(ctx, models.Product{SKU: "P2", Name: "P2", Price: decimal.NewFromInt(50), StockQuantity: 4, Active: true})
	require.NoError(t, err)
	f.addToCart(f.userID, p2.ID, 1)

	o := f.orchestratorOn(&shortStore{Store: f.mem, short: p2.ID}, Options{})

	_, err = o.CreateOrder(ctx, f.request(models.PaymentMethodCashOnDelivery))
	require.ErrorIs(t, err, apperr.ErrInsufficientStock)

	assert.Equal(t, 5, f.stock(), "P1 decrement must be released")
	assert.Equal(t, 5, f.couponUsage(), "coupon slot must be released")
	assert.Equal(t, 2, f.cartLines())

	got, err := f.mem.GetProduct(ctx, p2.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.StockQuantity)
}

func TestCheckoutExhaustedCouponMutatesNothing(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	full, err := f.mem.CreateCoupon(ctx, models.Coupon{
		Code: "FULL", DiscountType: models.DiscountTypeFlat, DiscountValue: decimal.NewFromInt(10),
		UsageCap: 3, UsageCount: 3, Active: true,
		StartsAt: f.clock.Now().Add(-time.Hour), EndsAt: f.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	req := f.request(models.PaymentMethodCashOnDelivery)
	req.CouponCode = "FULL"
	_, err = f.orchestrator(Options{}).CreateOrder(ctx, req)
	require.ErrorIs(t, err, apperr.ErrCouponExhausted)

	f.assertUntouched(5)
	after, err := f.mem.GetCoupon(ctx, full.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, after.UsageCount)
}

func TestConcurrentCheckoutsForLastUnit(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	// Two buyers, each with one unit of P1 in their cart.
	var reqs []Request
	for _, email := range []string{"a@example.com", "b@example.com"} {
		u, err := f.mem.CreateUser(ctx, email, email)
		require.NoError(t, err)
		a, err := f.mem.CreateAddress(ctx, models.Address{UserID: u.ID, Line1: "x", City: "y", Country: "NP"})
		require.NoError(t, err)
		f.addToCart(u.ID, f.productID, 1)
		reqs = append(reqs, Request{UserID: u.ID, ShippingAddressID: a.ID, PaymentMethod: models.PaymentMethodCashOnDelivery})
	}

	o := f.orchestrator(Options{})
	errs := make([]error, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			_, errs[i] = o.CreateOrder(ctx, req)
		}(i, req)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, f.stock())
}

func TestIdempotencyKeyReturnsSameOrder(t *testing.T) {
	f := newFixture(t, 5)
	o := f.orchestrator(Options{})
	ctx := context.Background()

	req := f.request(models.PaymentMethodEsewa)
	req.IdempotencyKey = "client-key-1"

	first, err := o.CreateOrder(ctx, req)
	require.NoError(t, err)
	second, err := o.CreateOrder(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	require.NotNil(t, second.Payment)
	assert.Equal(t, first.Payment.Handle, second.Payment.Handle)
	assert.Equal(t, 3, f.stock(), "stock is decremented once")
	assert.Equal(t, 6, f.couponUsage())
}

func TestIdempotencyKeyBelongsToOneUser(t *testing.T) {
	f := newFixture(t, 5)
	o := f.orchestrator(Options{})
	ctx := context.Background()

	req := f.request(models.PaymentMethodCashOnDelivery)
	req.IdempotencyKey = "shared"
	_, err := o.CreateOrder(ctx, req)
	require.NoError(t, err)

	req.UserID = f.userID + 1000
	_, err = o.CreateOrder(ctx, req)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

// gatedStore blocks address lookups until the gate is closed.
type gatedStore struct {
	*memstore.Store
	gate chan struct{}
}

func (g *gatedStore) GetAddress(ctx context.Context, id, userID int64) (*models.Address, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Store.GetAddress(ctx, id, userID)
}

func TestConcurrentDuplicatesWithoutKeyCollapse(t *testing.T) {
	f := newFixture(t, 5)
	gs := &gatedStore{Store: f.mem, gate: make(chan struct{})}
	o := f.orchestratorOn(gs, Options{Config: Config{StepTimeout: 5 * time.Second}})
	ctx := context.Background()

	results := make([]*Result, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.CreateOrder(ctx, f.request(models.PaymentMethodCashOnDelivery))
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gs.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].Order.ID, results[1].Order.ID)
	assert.True(t, results[0].Replayed != results[1].Replayed, "exactly one caller created the order")
	assert.Equal(t, 3, f.stock())
	assert.Equal(t, 6, f.couponUsage())
}

type failingGateway struct{}

func (failingGateway) Initiate(context.Context, payment.GatewayRequest) (payment.GatewayResponse, error) {
	return payment.GatewayResponse{}, errors.New("connection refused")
}

func TestGatewayFailureCancelsOrderAndCompensates(t *testing.T) {
	f := newFixture(t, 5)
	o := f.orchestrator(Options{Gateway: failingGateway{}})
	ctx := context.Background()

	_, err := o.CreateOrder(ctx, f.request(models.PaymentMethodKhalti))
	require.ErrorIs(t, err, apperr.ErrGatewayUnavailable)
	assert.Equal(t, apperr.KindExternal, apperr.KindOf(err))

	f.assertUntouched(5)

	page, err := f.mem.ListOrdersCursor(ctx, f.userID, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1, "the order is kept for audit")
	assert.Equal(t, models.OrderStatusCancelled, page.Items[0].OrderStatus)
	assert.Equal(t, models.PaymentStatusFailed, page.Items[0].PaymentStatus)
}

// flakyGateway fails until up is set.
type flakyGateway struct {
	mu sync.Mutex
	up bool
}

func (g *flakyGateway) setUp() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.up = true
}

func (g *flakyGateway) Initiate(ctx context.Context, req payment.GatewayRequest) (payment.GatewayResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.up {
		return payment.GatewayResponse{}, errors.New("down")
	}
	return payment.SandboxGateway{}.Initiate(ctx, req)
}

func TestRetryWithoutKeyAfterGatewayFailureCreatesNewOrder(t *testing.T) {
	f := newFixture(t, 5)
	gw := &flakyGateway{}
	o := f.orchestrator(Options{Gateway: gw})
	ctx := context.Background()

	_, err := o.CreateOrder(ctx, f.request(models.PaymentMethodKhalti))
	require.ErrorIs(t, err, apperr.ErrGatewayUnavailable)
	f.assertUntouched(5)

	gw.setUp()
	res, err := o.CreateOrder(ctx, f.request(models.PaymentMethodKhalti))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, models.OrderStatusPlaced, res.Order.OrderStatus)
	assert.Equal(t, models.PaymentStatusPending, res.Order.PaymentStatus)
	require.NotNil(t, res.Payment)
	assert.Equal(t, 3, f.stock())
	assert.Equal(t, 6, f.couponUsage())
	assert.Equal(t, 0, f.cartLines())

	page, err := f.mem.ListOrdersCursor(ctx, f.userID, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 2, "the failed attempt stays on record")
	assert.NotEqual(t, page.Items[0].IdempotencyKey, page.Items[1].IdempotencyKey)
}

func TestRetryWithKeyAfterGatewayFailureReturnsCancelledOrder(t *testing.T) {
	f := newFixture(t, 5)
	gw := &flakyGateway{}
	o := f.orchestrator(Options{Gateway: gw})
	ctx := context.Background()

	req := f.request(models.PaymentMethodKhalti)
	req.IdempotencyKey = "client-key-502"

	_, err := o.CreateOrder(ctx, req)
	require.ErrorIs(t, err, apperr.ErrGatewayUnavailable)

	gw.setUp()
	res, err := o.CreateOrder(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, models.OrderStatusCancelled, res.Order.OrderStatus)
	assert.Equal(t, models.PaymentStatusFailed, res.Order.PaymentStatus)
	f.assertUntouched(5)
}

// slowOrderStore never finishes writing an order before the step deadline.
type slowOrderStore struct {
	*memstore.Store
}

func (s *slowOrderStore) CreateOrder(ctx context.Context, o *models.Order) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStepTimeoutCompensates(t *testing.T) {
	f := newFixture(t, 5)
	o := f.orchestratorOn(&slowOrderStore{Store: f.mem}, Options{Config: Config{StepTimeout: 20 * time.Millisecond}})

	_, err := o.CreateOrder(context.Background(), f.request(models.PaymentMethodCashOnDelivery))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, apperr.IsRetryable(err))

	f.assertUntouched(5)
}

func TestCallerCancellationStillCompensates(t *testing.T) {
	f := newFixture(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	s := &cancelOnOrderStore{Store: f.mem, cancel: cancel}
	o := f.orchestratorOn(s, Options{})

	_, err := o.CreateOrder(ctx, f.request(models.PaymentMethodCashOnDelivery))
	require.ErrorIs(t, err, context.Canceled)

	f.assertUntouched(5)
}

type cancelOnOrderStore struct {
	*memstore.Store
	cancel context.CancelFunc
}

func (s *cancelOnOrderStore) CreateOrder(ctx context.Context, o *models.Order) error {
	s.cancel()
	return s.Store.CreateOrder(ctx, o)
}

func TestCollapsedCallerSurvivesLeaderCancellation(t *testing.T) {
	f := newFixture(t, 5)
	gs := &gatedStore{Store: f.mem, gate: make(chan struct{})}
	o := f.orchestratorOn(gs, Options{Config: Config{StepTimeout: 5 * time.Second}})

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	var leaderErr error
	var res *Result
	var err error
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, leaderErr = o.CreateOrder(leaderCtx, f.request(models.PaymentMethodCashOnDelivery))
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		defer wg.Done()
		res, err = o.CreateOrder(context.Background(), f.request(models.PaymentMethodCashOnDelivery))
	}()
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	time.Sleep(50 * time.Millisecond)
	close(gs.gate)
	wg.Wait()

	require.ErrorIs(t, leaderErr, context.Canceled)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, models.OrderStatusPlaced, res.Order.OrderStatus)
	assert.Equal(t, 3, f.stock())
	assert.Equal(t, 6, f.couponUsage())
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string, time.Duration) (string, bool, error) {
	return "", false, nil
}

func (busyLocker) Release(context.Context, string, string) error { return nil }

type brokenLocker struct{}

func (brokenLocker) Acquire(context.Context, string, time.Duration) (string, bool, error) {
	return "", false, errors.New("redis down")
}

func (brokenLocker) Release(context.Context, string, string) error { return nil }

func TestLockHeldElsewhere(t *testing.T) {
	f := newFixture(t, 5)
	o := f.orchestrator(Options{Locker: busyLocker{}})

	_, err := o.CreateOrder(context.Background(), f.request(models.PaymentMethodCashOnDelivery))
	require.ErrorIs(t, err, apperr.ErrCheckoutInProgress)
	assert.True(t, apperr.IsRetryable(err))
	f.assertUntouched(5)
}

func TestLockerOutageFallsBackToUniqueKey(t *testing.T) {
	f := newFixture(t, 5)
	o := f.orchestrator(Options{Locker: brokenLocker{}})

	_, err := o.CreateOrder(context.Background(), f.request(models.PaymentMethodCashOnDelivery))
	require.NoError(t, err)
	assert.Equal(t, 3, f.stock())
}

func TestValidationHasNoSideEffects(t *testing.T) {
	f := newFixture(t, 5)
	o := f.orchestrator(Options{})
	ctx := context.Background()

	bad := []Request{
		{UserID: 0, ShippingAddressID: f.addressID, PaymentMethod: models.PaymentMethodCard},
		{UserID: f.userID, ShippingAddressID: 0, PaymentMethod: models.PaymentMethodCard},
		{UserID: f.userID, ShippingAddressID: f.addressID, PaymentMethod: "bitcoin"},
	}
	for _, req := range bad {
		_, err := o.CreateOrder(ctx, req)
		assert.ErrorIs(t, err, apperr.ErrValidation)
	}

	req := f.request(models.PaymentMethodCard)
	req.ShippingAddressID = 9999
	_, err := o.CreateOrder(ctx, req)
	assert.ErrorIs(t, err, apperr.ErrAddressNotFound)

	f.assertUntouched(5)
}

func TestEmptyCart(t *testing.T) {
	f := newFixture(t, 5)
	o := f.orchestrator(Options{})
	ctx := context.Background()

	_, err := o.CreateOrder(ctx, f.request(models.PaymentMethodCashOnDelivery))
	require.NoError(t, err)

	_, err = o.CreateOrder(ctx, f.request(models.PaymentMethodCashOnDelivery))
	assert.ErrorIs(t, err, apperr.ErrEmptyCart)
}

func TestConfirmPaymentReplayIsNoop(t *testing.T) {
	f := newFixture(t, 5)
	o := f.orchestrator(Options{})
	ctx := context.Background()

	res, err := o.CreateOrder(ctx, f.request(models.PaymentMethodEsewa))
	require.NoError(t, err)

	first, err := o.ConfirmPayment(ctx, res.Payment.Handle, models.PaymentStatusPaid)
	require.NoError(t, err)
	assert.True(t, first.Changed)
	assert.Equal(t, models.PaymentStatusPaid, first.Order.PaymentStatus)

	second, err := o.ConfirmPayment(ctx, res.Payment.Handle, models.PaymentStatusPaid)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, first.Order.Version, second.Order.Version)
	assert.Equal(t, first.Order.OrderStatus, second.Order.OrderStatus)
	assert.Equal(t, first.Order.PaymentStatus, second.Order.PaymentStatus)

	_, err = o.ConfirmPayment(ctx, res.Payment.Handle, models.PaymentStatusFailed)
	assert.ErrorIs(t, err, apperr.ErrVerdictConflict)
	assert.Equal(t, 3, f.stock())
}

func TestConfirmPaymentFailedCompensatesOnce(t *testing.T) {
	f := newFixture(t, 5)
	o := f.orchestrator(Options{})
	ctx := context.Background()

	res, err := o.CreateOrder(ctx, f.request(models.PaymentMethodCard))
	require.NoError(t, err)
	assert.Equal(t, 3, f.stock())

	for i := 0; i < 2; i++ {
		pr, err := o.ConfirmPayment(ctx, res.Payment.Handle, models.PaymentStatusFailed)
		require.NoError(t, err)
		assert.Equal(t, i == 0, pr.Changed)
		assert.Equal(t, models.OrderStatusCancelled, pr.Order.OrderStatus)
		assert.Equal(t, models.PaymentStatusFailed, pr.Order.PaymentStatus)
		assert.Equal(t, 5, f.stock())
		assert.Equal(t, 5, f.couponUsage())
	}
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t, 5)
	o := f.orchestrator(Options{})
	ctx := context.Background()

	res, err := o.CreateOrder(ctx, f.request(models.PaymentMethodEsewa))
	require.NoError(t, err)

	cancelled, err := o.CancelOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.OrderStatus)
	assert.Equal(t, models.PaymentStatusFailed, cancelled.PaymentStatus)
	assert.Equal(t, 5, f.stock())
	assert.Equal(t, 5, f.couponUsage())

	p, err := f.mem.GetPaymentByHandle(ctx, res.Payment.Handle)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, p.Status)

	_, err = o.CancelOrder(ctx, res.Order.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, 5, f.stock())

	// A late failure callback must not release a second time.
	_, err = o.ConfirmPayment(ctx, res.Payment.Handle, models.PaymentStatusFailed)
	require.NoError(t, err)
	assert.Equal(t, 5, f.stock())

	_, err = o.CancelOrder(ctx, 424242)
	assert.ErrorIs(t, err, apperr.ErrOrderNotFound)
}

func TestExpireStalePayments(t *testing.T) {
	f := newFixture(t, 5)
	o := f.orchestrator(Options{})
	ctx := context.Background()

	res, err := o.CreateOrder(ctx, f.request(models.PaymentMethodKhalti))
	require.NoError(t, err)

	n, err := o.ExpireStalePayments(ctx, 30*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(31 * time.Minute)
	n, err = o.ExpireStalePayments(ctx, 30*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.mem.GetOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.OrderStatus)
	assert.Equal(t, 5, f.stock())
	assert.Equal(t, 5, f.couponUsage())
}
