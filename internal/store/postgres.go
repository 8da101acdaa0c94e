package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/safar/marketplace-checkout/internal/models"
)

// Postgres binds the package functions to one connection pool so the store
// can be handed to components as an interface.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) DB() *sql.DB {
	return p.db
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) CreateUser(ctx context.Context, email, name string) (*models.User, error) {
	return CreateUser(ctx, p.db, email, name)
}

func (p *Postgres) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return GetUser(ctx, p.db, id)
}

func (p *Postgres) CreateProduct(ctx context.Context, product models.Product) (*models.Product, error) {
	return CreateProduct(ctx, p.db, product)
}

func (p *Postgres) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	return GetProduct(ctx, p.db, id)
}

func (p *Postgres) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	return GetProductsByIDs(ctx, p.db, ids)
}

func (p *Postgres) DecrementStock(ctx context.Context, productID int64, quantity int) error {
	return DecrementStock(ctx, p.db, productID, quantity)
}

func (p *Postgres) IncrementStock(ctx context.Context, productID int64, quantity int) error {
	return IncrementStock(ctx, p.db, productID, quantity)
}

func (p *Postgres) CreateCoupon(ctx context.Context, c models.Coupon) (*models.Coupon, error) {
	return CreateCoupon(ctx, p.db, c)
}

func (p *Postgres) GetCoupon(ctx context.Context, id int64) (*models.Coupon, error) {
	return GetCoupon(ctx, p.db, id)
}

func (p *Postgres) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	return GetCouponByCode(ctx, p.db, code)
}

func (p *Postgres) IncrementCouponUsage(ctx context.Context, couponID int64, now time.Time) error {
	return IncrementCouponUsage(ctx, p.db, couponID, now)
}

func (p *Postgres) DecrementCouponUsage(ctx context.Context, couponID int64) error {
	return DecrementCouponUsage(ctx, p.db, couponID)
}

func (p *Postgres) GetCartByUser(ctx context.Context, userID int64) (*models.Cart, error) {
	return GetCartByUser(ctx, p.db, userID)
}

func (p *Postgres) AddCartItem(ctx context.Context, req models.CartAddition) (*models.Cart, error) {
	return AddCartItem(ctx, p.db, req)
}

func (p *Postgres) RemoveCartItems(ctx context.Context, cartID int64, lines []models.CartLineClaim) error {
	return RemoveCartItems(ctx, p.db, cartID, lines)
}

func (p *Postgres) CreateAddress(ctx context.Context, a models.Address) (*models.Address, error) {
	return CreateAddress(ctx, p.db, a)
}

func (p *Postgres) GetAddress(ctx context.Context, id, userID int64) (*models.Address, error) {
	return GetAddress(ctx, p.db, id, userID)
}

func (p *Postgres) CreateOrder(ctx context.Context, order *models.Order) error {
	return CreateOrder(ctx, p.db, order)
}

func (p *Postgres) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return GetOrder(ctx, p.db, id)
}

func (p *Postgres) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	return GetOrderByIdempotencyKey(ctx, p.db, key)
}

func (p *Postgres) TransitionOrder(ctx context.Context, id int64, change models.StatusChange) error {
	return TransitionOrder(ctx, p.db, id, change)
}

func (p *Postgres) ListOrdersCursor(ctx context.Context, userID int64, cursor string, limit int) (*CursorPage[models.Order], error) {
	return ListOrdersCursor(ctx, p.db, userID, cursor, limit)
}

func (p *Postgres) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return CreatePayment(ctx, p.db, payment)
}

func (p *Postgres) GetPaymentByHandle(ctx context.Context, handle string) (*models.Payment, error) {
	return GetPaymentByHandle(ctx, p.db, handle)
}

func (p *Postgres) GetPaymentByOrder(ctx context.Context, orderID int64) (*models.Payment, error) {
	return GetPaymentByOrder(ctx, p.db, orderID)
}

func (p *Postgres) ResolvePayment(ctx context.Context, handle, status string) error {
	return ResolvePayment(ctx, p.db, handle, status)
}

func (p *Postgres) ListStalePayments(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error) {
	return ListStalePayments(ctx, p.db, cutoff, limit)
}
