// Package notify publishes order lifecycle events to a message broker.
// Publishing is best effort and never fails the operation that triggered it.
package notify

import (
	"time"

	"github.com/google/uuid"
	"github.com/safar/marketplace-checkout/internal/models"
)

const (
	EventOrderCreated       = "order.created"
	EventOrderStatusChanged = "order.status_changed"
	EventOrderCancelled     = "order.cancelled"
	EventPaymentResolved    = "payment.resolved"
)

type Event struct {
	EventID   string         `json:"event_id"`
	Type      string         `json:"type"`
	OrderID   int64          `json:"order_id"`
	UserID    int64          `json:"user_id"`
	CreatedAt time.Time      `json:"created_at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func NewEvent(eventType string, order *models.Order, payload map[string]any) Event {
	return Event{
		EventID:   uuid.NewString(),
		Type:      eventType,
		OrderID:   order.ID,
		UserID:    order.UserID,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}
}

// OrderPayload is the common payload shape for order events.
func OrderPayload(order *models.Order) map[string]any {
	return map[string]any{
		"order_number":   order.OrderNumber,
		"order_status":   order.OrderStatus,
		"payment_status": order.PaymentStatus,
		"payment_method": order.PaymentMethod,
		"total_amount":   order.TotalAmount.StringFixed(2),
	}
}
