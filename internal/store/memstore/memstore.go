// Package memstore is an in-memory implementation of the store method set.
// Every contended counter is updated under the write lock with the same
// conditions as the SQL statements, so it behaves like Postgres for one
// process.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/safar/marketplace-checkout/internal/database"
	"github.com/safar/marketplace-checkout/internal/models"
	"github.com/safar/marketplace-checkout/internal/store"
)

type Store struct {
	mu sync.RWMutex

	nextID int64
	now    func() time.Time

	users     map[int64]models.User
	products  map[int64]models.Product
	coupons   map[int64]models.Coupon
	addresses map[int64]models.Address
	carts     map[int64]models.Cart // keyed by user id
	orders    map[int64]models.Order
	orderKeys map[string]int64
	payments  map[string]models.Payment // keyed by handle
}

func New() *Store {
	return &Store{
		nextID:    1,
		now:       time.Now,
		users:     make(map[int64]models.User),
		products:  make(map[int64]models.Product),
		coupons:   make(map[int64]models.Coupon),
		addresses: make(map[int64]models.Address),
		carts:     make(map[int64]models.Cart),
		orders:    make(map[int64]models.Order),
		orderKeys: make(map[string]int64),
		payments:  make(map[string]models.Payment),
	}
}

// SetClock overrides the timestamp source. Not safe for concurrent use with
// other methods.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) id() int64 {
	id := s.nextID
	s.nextID++
	return id
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) CreateUser(ctx context.Context, email, name string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Email == email {
			return nil, fmt.Errorf("create user: email %q already exists", email)
		}
	}
	now := s.now()
	u := models.User{ID: s.id(), Email: email, Name: name, CreatedAt: now, UpdatedAt: now, Version: 1}
	s.users[u.ID] = u
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, database.ErrUserNotFound
	}
	return &u, nil
}

func (s *Store) CreateProduct(ctx context.Context, p models.Product) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	p.ID = s.id()
	p.CreatedAt, p.UpdatedAt, p.Version = now, now, 1
	p = copyProduct(p)
	s.products[p.ID] = p
	out := copyProduct(p)
	return &out, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, database.ErrProductNotFound
	}
	out := copyProduct(p)
	return &out, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Product
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if p, ok := s.products[id]; ok {
			out = append(out, copyProduct(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DecrementStock(ctx context.Context, productID int64, quantity int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return database.ErrProductNotFound
	}
	if p.StockQuantity < quantity {
		return database.ErrInsufficientStock
	}
	p.StockQuantity -= quantity
	p.UpdatedAt = s.now()
	s.products[productID] = p
	return nil
}

func (s *Store) IncrementStock(ctx context.Context, productID int64, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return database.ErrProductNotFound
	}
	p.StockQuantity += quantity
	p.UpdatedAt = s.now()
	s.products[productID] = p
	return nil
}

func (s *Store) CreateCoupon(ctx context.Context, c models.Coupon) (*models.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.Code = normalizeCode(c.Code)
	for _, existing := range s.coupons {
		if existing.Code == c.Code {
			return nil, fmt.Errorf("create coupon: code %q already exists", c.Code)
		}
	}
	now := s.now()
	c.ID = s.id()
	c.CreatedAt, c.UpdatedAt = now, now
	s.coupons[c.ID] = c
	return &c, nil
}

func (s *Store) GetCoupon(ctx context.Context, id int64) (*models.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.coupons[id]
	if !ok {
		return nil, database.ErrCouponNotFound
	}
	return &c, nil
}

func (s *Store) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	code = normalizeCode(code)
	for _, c := range s.coupons {
		if c.Code == code {
			return &c, nil
		}
	}
	return nil, database.ErrCouponNotFound
}

func (s *Store) IncrementCouponUsage(ctx context.Context, couponID int64, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.coupons[couponID]
	if !ok || !c.Active || c.UsageCount >= c.UsageCap || now.Before(c.StartsAt) || now.After(c.EndsAt) {
		return database.ErrCouponExhausted
	}
	c.UsageCount++
	c.UpdatedAt = s.now()
	s.coupons[couponID] = c
	return nil
}

func (s *Store) DecrementCouponUsage(ctx context.Context, couponID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.coupons[couponID]
	if !ok {
		return database.ErrCouponNotFound
	}
	if c.UsageCount > 0 {
		c.UsageCount--
		c.UpdatedAt = s.now()
		s.coupons[couponID] = c
	}
	return nil
}

func (s *Store) GetCartByUser(ctx context.Context, userID int64) (*models.Cart, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.carts[userID]
	if !ok {
		return nil, database.ErrCartNotFound
	}
	out := copyCart(c)
	return &out, nil
}

func (s *Store) AddCartItem(ctx context.Context, req models.CartAddition) (*models.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.carts[req.UserID]
	if !ok {
		c = models.Cart{ID: s.id(), UserID: req.UserID, CreatedAt: now}
	}
	c = copyCart(c)
	c.Version++
	c.UpdatedAt = now

	merged := false
	for i := range c.Items {
		item := &c.Items[i]
		if item.ProductID == req.ProductID && maps.Equal(item.Selections, req.Selections) {
			item.Quantity += req.Quantity
			item.PriceAtTime = req.PriceAtTime
			merged = true
			break
		}
	}
	if !merged {
		c.Items = append(c.Items, models.CartItem{
			ID:          s.id(),
			ProductID:   req.ProductID,
			Quantity:    req.Quantity,
			PriceAtTime: req.PriceAtTime,
			Selections:  maps.Clone(req.Selections),
		})
	}

	s.carts[req.UserID] = c
	out := copyCart(c)
	return &out, nil
}

func (s *Store) RemoveCartItems(ctx context.Context, cartID int64, lines []models.CartLineClaim) error {
	if len(lines) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for userID, c := range s.carts {
		if c.ID != cartID {
			continue
		}
		claimed := make(map[int64]int, len(lines))
		for _, l := range lines {
			claimed[l.ItemID] += l.Quantity
		}
		kept := make([]models.CartItem, 0, len(c.Items))
		for _, item := range copyCart(c).Items {
			item.Quantity -= claimed[item.ID]
			if item.Quantity > 0 {
				kept = append(kept, item)
			}
		}
		c.Items = kept
		c.Version++
		c.UpdatedAt = s.now()
		s.carts[userID] = c
		return nil
	}
	return database.ErrCartNotFound
}

func (s *Store) CreateAddress(ctx context.Context, a models.Address) (*models.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.ID = s.id()
	a.CreatedAt = s.now()
	s.addresses[a.ID] = a
	return &a, nil
}

func (s *Store) GetAddress(ctx context.Context, id, userID int64) (*models.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.addresses[id]
	if !ok || a.UserID != userID {
		return nil, database.ErrAddressNotFound
	}
	return &a, nil
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orderKeys[order.IdempotencyKey]; exists {
		return database.ErrDuplicateIdempotencyKey
	}

	now := s.now()
	order.ID = s.id()
	order.CreatedAt, order.UpdatedAt, order.Version = now, now, 1
	for i := range order.Items {
		order.Items[i].ID = s.id()
		order.Items[i].OrderID = order.ID
		order.Items[i].CreatedAt = now
	}

	s.orders[order.ID] = copyOrder(*order)
	s.orderKeys[order.IdempotencyKey] = order.ID
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, database.ErrOrderNotFound
	}
	out := copyOrder(o)
	return &out, nil
}

func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.orderKeys[key]
	if !ok {
		return nil, database.ErrOrderNotFound
	}
	out := copyOrder(s.orders[id])
	return &out, nil
}

func (s *Store) TransitionOrder(ctx context.Context, id int64, change models.StatusChange) error {
	if change.ToOrder == "" && change.ToPayment == "" {
		return fmt.Errorf("transition order %d: empty status change", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return database.ErrOrderNotFound
	}
	if len(change.FromOrder) > 0 && !contains(change.FromOrder, o.OrderStatus) {
		return database.ErrStatusConflict
	}
	if change.FromPayment != "" && o.PaymentStatus != change.FromPayment {
		return database.ErrStatusConflict
	}

	if change.ToOrder != "" {
		o.OrderStatus = change.ToOrder
	}
	if change.ToPayment != "" {
		o.PaymentStatus = change.ToPayment
	}
	o.Version++
	o.UpdatedAt = s.now()
	s.orders[id] = o
	return nil
}

func (s *Store) ListOrdersCursor(ctx context.Context, userID int64, cursor string, limit int) (*store.CursorPage[models.Order], error) {
	cursorData, err := store.DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []models.Order
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		if o.CreatedAt.After(cursorData.CreatedAt) ||
			(o.CreatedAt.Equal(cursorData.CreatedAt) && o.ID >= cursorData.ID) {
			continue
		}
		o.Items = nil
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
	if len(orders) > limit+1 {
		orders = orders[:limit+1]
	}

	return store.NewCursorPage(orders, limit), nil
}

func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payments[payment.Handle]; exists {
		return fmt.Errorf("create payment: handle %q already exists", payment.Handle)
	}
	payment.ID = s.id()
	payment.CreatedAt = s.now()
	s.payments[payment.Handle] = *payment
	return nil
}

func (s *Store) GetPaymentByHandle(ctx context.Context, handle string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[handle]
	if !ok {
		return nil, database.ErrPaymentNotFound
	}
	return &p, nil
}

func (s *Store) GetPaymentByOrder(ctx context.Context, orderID int64) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *models.Payment
	for _, p := range s.payments {
		if p.OrderID == orderID && (found == nil || p.ID > found.ID) {
			p := p
			found = &p
		}
	}
	if found == nil {
		return nil, database.ErrPaymentNotFound
	}
	return found, nil
}

func (s *Store) ResolvePayment(ctx context.Context, handle, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[handle]
	if !ok {
		return database.ErrPaymentNotFound
	}
	if p.Status != models.PaymentStatusPending {
		return database.ErrPaymentAlreadyResolved
	}
	now := s.now()
	p.Status = status
	p.ResolvedAt = &now
	s.payments[handle] = p
	return nil
}

func (s *Store) ListStalePayments(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Payment
	for _, p := range s.payments {
		if p.Status == models.PaymentStatusPending && p.CreatedAt.Before(cutoff) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func copyProduct(p models.Product) models.Product {
	if p.DiscountPrice != nil {
		d := *p.DiscountPrice
		p.DiscountPrice = &d
	}
	p.Attributes = append([]models.AttributeOption(nil), p.Attributes...)
	return p
}

func copyCart(c models.Cart) models.Cart {
	items := make([]models.CartItem, len(c.Items))
	for i, item := range c.Items {
		item.Selections = maps.Clone(item.Selections)
		items[i] = item
	}
	c.Items = items
	return c
}

func copyOrder(o models.Order) models.Order {
	items := make([]models.OrderItem, len(o.Items))
	for i, item := range o.Items {
		item.Selections = maps.Clone(item.Selections)
		items[i] = item
	}
	o.Items = items
	if o.Coupon != nil {
		c := *o.Coupon
		o.Coupon = &c
	}
	return o
}
