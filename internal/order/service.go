package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/safar/marketplace-checkout/internal/apperr"
	"github.com/safar/marketplace-checkout/internal/database"
	"github.com/safar/marketplace-checkout/internal/models"
	"github.com/safar/marketplace-checkout/internal/notify"
)

type Store interface {
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	TransitionOrder(ctx context.Context, id int64, change models.StatusChange) error
}

type Service struct {
	store    Store
	notifier *notify.Notifier
}

func NewService(store Store, notifier *notify.Notifier) *Service {
	return &Service{store: store, notifier: notifier}
}

// Advance moves an order forward to confirmed, shipped or delivered. The
// update is conditional on both statuses read here, so a payment verdict that
// lands in between makes it fail rather than be overwritten.
func (s *Service) Advance(ctx context.Context, orderID int64, target string) (*models.Order, error) {
	switch target {
	case models.OrderStatusConfirmed, models.OrderStatusShipped, models.OrderStatusDelivered:
	default:
		return nil, apperr.Validationf("cannot advance order to %q", target)
	}

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, mapNotFound(orderID, err)
	}

	if !CanTransition(o.OrderStatus, target) {
		return nil, fmt.Errorf("order %d %s -> %s: %w", orderID, o.OrderStatus, target, apperr.ErrInvalidTransition)
	}
	if o.PaymentStatus == models.PaymentStatusFailed {
		return nil, fmt.Errorf("order %d has failed payment: %w", orderID, apperr.ErrInvalidTransition)
	}

	change := models.StatusChange{
		FromOrder:   []string{o.OrderStatus},
		ToOrder:     target,
		FromPayment: o.PaymentStatus,
	}
	if target == models.OrderStatusDelivered &&
		o.PaymentMethod == models.PaymentMethodCashOnDelivery &&
		o.PaymentStatus == models.PaymentStatusPending {
		change.ToPayment = models.PaymentStatusPaid
	}

	if err := s.store.TransitionOrder(ctx, orderID, change); err != nil {
		if errors.Is(err, database.ErrStatusConflict) {
			return nil, fmt.Errorf("order %d changed concurrently: %w", orderID, apperr.ErrInvalidTransition)
		}
		return nil, mapNotFound(orderID, err)
	}

	updated, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, mapNotFound(orderID, err)
	}

	payload := notify.OrderPayload(updated)
	payload["previous_status"] = o.OrderStatus
	s.notifier.Publish(ctx, notify.NewEvent(notify.EventOrderStatusChanged, updated, payload))

	return updated, nil
}

func mapNotFound(orderID int64, err error) error {
	if errors.Is(err, database.ErrOrderNotFound) {
		return fmt.Errorf("order %d: %w", orderID, apperr.ErrOrderNotFound)
	}
	return err
}
