package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

// AttributeOption is one selectable variant value (e.g. color=red) with an
// additive price modifier.
type AttributeOption struct {
	Name          string          `json:"name"`
	Value         string          `json:"value"`
	PriceModifier decimal.Decimal `json:"price_modifier"`
}

type Product struct {
	ID            int64             `json:"id"`
	SKU           string            `json:"sku"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	Price         decimal.Decimal   `json:"price"`
	DiscountPrice *decimal.Decimal  `json:"discount_price,omitempty"`
	StockQuantity int               `json:"stock_quantity"`
	Active        bool              `json:"active"`
	Attributes    []AttributeOption `json:"attributes,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Version       int               `json:"version"`
}

// FindOption returns the option matching an attribute name and value.
func (p *Product) FindOption(name, value string) (AttributeOption, bool) {
	for _, opt := range p.Attributes {
		if opt.Name == name && opt.Value == value {
			return opt, true
		}
	}
	return AttributeOption{}, false
}

type Cart struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Version   int        `json:"version"`
	Items     []CartItem `json:"items"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CartItem.PriceAtTime is captured when the item is added or updated and is
// only indicative; checkout re-prices from the catalog.
type CartItem struct {
	ID          int64             `json:"id"`
	ProductID   int64             `json:"product_id"`
	Quantity    int               `json:"quantity"`
	PriceAtTime decimal.Decimal   `json:"price_at_time"`
	Selections  map[string]string `json:"selections,omitempty"`
}

// CartAddition is one add-to-cart write. A line with the same product and
// selections absorbs the quantity.
type CartAddition struct {
	UserID      int64
	ProductID   int64
	Quantity    int
	PriceAtTime decimal.Decimal
	Selections  map[string]string
}

// CartLineClaim takes Quantity units off cart line ItemID; the line is
// removed once nothing is left.
type CartLineClaim struct {
	ItemID   int64
	Quantity int
}

const (
	DiscountTypePercentage = "percentage"
	DiscountTypeFlat       = "flat"
)

type Coupon struct {
	ID             int64           `json:"id"`
	Code           string          `json:"code"`
	DiscountType   string          `json:"discount_type"`
	DiscountValue  decimal.Decimal `json:"discount_value"`
	MinOrderAmount decimal.Decimal `json:"min_order_amount"`
	UsageCap       int             `json:"usage_cap"`
	UsageCount     int             `json:"usage_count"`
	Active         bool            `json:"active"`
	StartsAt       time.Time       `json:"starts_at"`
	EndsAt         time.Time       `json:"ends_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Address struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	FullName   string    `json:"full_name"`
	Phone      string    `json:"phone"`
	Line1      string    `json:"line1"`
	Line2      string    `json:"line2,omitempty"`
	City       string    `json:"city"`
	State      string    `json:"state,omitempty"`
	PostalCode string    `json:"postal_code,omitempty"`
	Country    string    `json:"country"`
	CreatedAt  time.Time `json:"created_at"`
}

// ShippingSnapshot is the copy of an Address kept on the order so fulfillment
// survives address edits and deletion.
type ShippingSnapshot struct {
	AddressID  int64  `json:"address_id"`
	FullName   string `json:"full_name"`
	Phone      string `json:"phone"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country"`
}

// CouponApplication is frozen at order time and independent of later coupon edits.
type CouponApplication struct {
	CouponID       int64           `json:"coupon_id"`
	Code           string          `json:"code"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

type Order struct {
	ID             int64              `json:"id"`
	OrderNumber    string             `json:"order_number"`
	UserID         int64              `json:"user_id"`
	IdempotencyKey string             `json:"idempotency_key"`
	OrderStatus    string             `json:"order_status"`
	PaymentStatus  string             `json:"payment_status"`
	PaymentMethod  string             `json:"payment_method"`
	Subtotal       decimal.Decimal    `json:"subtotal"`
	DiscountAmount decimal.Decimal    `json:"discount_amount"`
	TotalAmount    decimal.Decimal    `json:"total_amount"`
	Shipping       ShippingSnapshot   `json:"shipping"`
	Coupon         *CouponApplication `json:"coupon,omitempty"`
	Notes          string             `json:"notes,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	Version        int                `json:"version"`
	Items          []OrderItem        `json:"items,omitempty"`
}

type OrderItem struct {
	ID         int64             `json:"id"`
	OrderID    int64             `json:"order_id"`
	ProductID  int64             `json:"product_id"`
	Title      string            `json:"title"`
	Quantity   int               `json:"quantity"`
	UnitPrice  decimal.Decimal   `json:"unit_price"`
	Subtotal   decimal.Decimal   `json:"subtotal"`
	Selections map[string]string `json:"selections,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

const (
	OrderStatusPlaced    = "placed"
	OrderStatusConfirmed = "confirmed"
	OrderStatusShipped   = "shipped"
	OrderStatusDelivered = "delivered"
	OrderStatusCancelled = "cancelled"
)

const (
	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"
	PaymentStatusFailed  = "failed"
)

const (
	PaymentMethodEsewa          = "esewa"
	PaymentMethodKhalti         = "khalti"
	PaymentMethodCard           = "card"
	PaymentMethodCashOnDelivery = "cash_on_delivery"
)

// IsGatewayMethod reports whether the method needs a gateway round-trip.
func IsGatewayMethod(method string) bool {
	switch method {
	case PaymentMethodEsewa, PaymentMethodKhalti, PaymentMethodCard:
		return true
	}
	return false
}

func IsKnownPaymentMethod(method string) bool {
	return method == PaymentMethodCashOnDelivery || IsGatewayMethod(method)
}

type Payment struct {
	ID            int64           `json:"id"`
	OrderID       int64           `json:"order_id"`
	Handle        string          `json:"handle"`
	Method        string          `json:"method"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id,omitempty"`
	RedirectURL   string          `json:"redirect_url,omitempty"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

// StatusChange is a compare-and-set update of an order's two status fields.
// Empty From* fields are not checked; empty To* fields are left unchanged.
// FromOrder may list several acceptable current statuses.
type StatusChange struct {
	FromOrder   []string
	ToOrder     string
	FromPayment string
	ToPayment   string
}
