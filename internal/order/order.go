// Package order holds the order state machine and builds the immutable order
// record from a priced cart.
package order

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/safar/marketplace-checkout/internal/models"
	"github.com/safar/marketplace-checkout/internal/pricing"
	"github.com/shopspring/decimal"
)

var transitions = map[string][]string{
	models.OrderStatusPlaced:    {models.OrderStatusConfirmed, models.OrderStatusCancelled},
	models.OrderStatusConfirmed: {models.OrderStatusShipped, models.OrderStatusCancelled},
	models.OrderStatusShipped:   {models.OrderStatusDelivered},
}

// CanTransition reports whether an order may move from one status to another.
// Delivered and cancelled are terminal.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanResolvePayment allows only pending to paid or failed.
func CanResolvePayment(from, to string) bool {
	return from == models.PaymentStatusPending &&
		(to == models.PaymentStatusPaid || to == models.PaymentStatusFailed)
}

// Cancellable lists the statuses an order may be cancelled from.
func Cancellable() []string {
	return []string{models.OrderStatusPlaced, models.OrderStatusConfirmed}
}

type Params struct {
	UserID         int64
	IdempotencyKey string
	PaymentMethod  string
	Priced         pricing.PricedOrder
	Coupon         *models.CouponApplication
	Address        *models.Address
	Notes          string
}

// New builds a placed order with pending payment. Lines, shipping address
// and coupon are copied so later edits to their sources do not reach it.
func New(p Params) *models.Order {
	discount := decimal.Zero
	var coupon *models.CouponApplication
	if p.Coupon != nil {
		c := *p.Coupon
		coupon = &c
		discount = c.DiscountAmount
	}

	total := pricing.Round(p.Priced.Subtotal.Sub(discount))
	if total.IsNegative() {
		total = decimal.Zero
	}

	items := make([]models.OrderItem, len(p.Priced.Lines))
	for i, line := range p.Priced.Lines {
		items[i] = models.OrderItem{
			ProductID:  line.ProductID,
			Title:      line.Title,
			Quantity:   line.Quantity,
			UnitPrice:  line.UnitPrice,
			Subtotal:   line.LineTotal,
			Selections: maps.Clone(line.Selections),
		}
	}

	return &models.Order{
		OrderNumber:    NewOrderNumber(),
		UserID:         p.UserID,
		IdempotencyKey: p.IdempotencyKey,
		OrderStatus:    models.OrderStatusPlaced,
		PaymentStatus:  models.PaymentStatusPending,
		PaymentMethod:  p.PaymentMethod,
		Subtotal:       p.Priced.Subtotal,
		DiscountAmount: discount,
		TotalAmount:    total,
		Shipping:       shippingFrom(p.Address),
		Coupon:         coupon,
		Notes:          p.Notes,
		Items:          items,
	}
}

func NewOrderNumber() string {
	return fmt.Sprintf("ORD-%d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

func shippingFrom(a *models.Address) models.ShippingSnapshot {
	if a == nil {
		return models.ShippingSnapshot{}
	}
	return models.ShippingSnapshot{
		AddressID:  a.ID,
		FullName:   a.FullName,
		Phone:      a.Phone,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}
