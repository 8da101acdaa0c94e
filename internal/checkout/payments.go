package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/safar/marketplace-checkout/internal/apperr"
	"github.com/safar/marketplace-checkout/internal/database"
	"github.com/safar/marketplace-checkout/internal/logging"
	"github.com/safar/marketplace-checkout/internal/models"
	"github.com/safar/marketplace-checkout/internal/notify"
	"github.com/safar/marketplace-checkout/internal/order"
)

type PaymentResult struct {
	Order   *models.Order   `json:"order"`
	Payment *models.Payment `json:"payment"`
	Changed bool            `json:"changed"`
}

// ConfirmPayment applies a gateway verdict. A failed payment cancels the
// order and returns its stock and coupon slot.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, handle, verdict string) (*PaymentResult, error) {
	res, err := o.payments.Confirm(ctx, handle, verdict)
	if err != nil {
		return nil, err
	}

	ord, err := o.loadOrder(ctx, res.Payment.OrderID)
	if err != nil {
		return nil, err
	}

	if res.Payment.Status == models.PaymentStatusFailed {
		// Also runs on replays, so a release interrupted by a crash is
		// finished by the gateway's retry.
		cancelled, err := o.cancel(context.WithoutCancel(ctx), ord, models.StatusChange{
			FromOrder: order.Cancellable(),
			ToOrder:   models.OrderStatusCancelled,
		})
		if err != nil {
			logging.Log(logging.Fields{Service: "checkout", Step: "payment_failed", Status: "compensation_failed", OrderID: ord.ID, UserID: ord.UserID, Err: err})
			return nil, err
		}
		if cancelled {
			o.metrics.ObserveCompensation("payment_failed", nil)
			o.notifier.Publish(ctx, notify.NewEvent(notify.EventOrderCancelled, ord, map[string]any{"reason": "payment_failed"}))
		}
		if ord, err = o.loadOrder(ctx, ord.ID); err != nil {
			return nil, err
		}
	}

	if res.Changed {
		payload := notify.OrderPayload(ord)
		payload["payment_handle"] = res.Payment.Handle
		payload["verdict"] = res.Payment.Status
		o.notifier.Publish(ctx, notify.NewEvent(notify.EventPaymentResolved, ord, payload))
	}

	logging.Log(logging.Fields{
		Service: "checkout",
		Step:    "confirm_payment",
		Status:  res.Payment.Status,
		OrderID: ord.ID,
		UserID:  ord.UserID,
		Message: fmt.Sprintf("changed=%t", res.Changed),
	})

	return &PaymentResult{Order: ord, Payment: res.Payment, Changed: res.Changed}, nil
}

// CancelOrder cancels a placed or confirmed order. A pending payment is
// marked failed; a paid one keeps its status for refund handling.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	ord, err := o.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.CanTransition(ord.OrderStatus, models.OrderStatusCancelled) {
		return nil, fmt.Errorf("order %d is %s: %w", orderID, ord.OrderStatus, apperr.ErrInvalidTransition)
	}

	change := models.StatusChange{
		FromOrder:   []string{ord.OrderStatus},
		ToOrder:     models.OrderStatusCancelled,
		FromPayment: ord.PaymentStatus,
	}
	if ord.PaymentStatus == models.PaymentStatusPending {
		change.ToPayment = models.PaymentStatusFailed
	}

	cancelled, err := o.cancel(context.WithoutCancel(ctx), ord, change)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return nil, fmt.Errorf("order %d changed concurrently: %w", orderID, apperr.ErrInvalidTransition)
	}

	if change.ToPayment == models.PaymentStatusFailed && models.IsGatewayMethod(ord.PaymentMethod) {
		if err := o.failPendingPayment(ctx, ord.ID); err != nil {
			logging.Log(logging.Fields{Service: "checkout", Step: "cancel_payment", Status: "failed", OrderID: ord.ID, UserID: ord.UserID, Err: err})
		}
	}

	o.notifier.Publish(ctx, notify.NewEvent(notify.EventOrderCancelled, ord, map[string]any{"reason": "cancelled"}))
	return o.loadOrder(ctx, orderID)
}

func (o *Orchestrator) failPendingPayment(ctx context.Context, orderID int64) error {
	p, err := o.store.GetPaymentByOrder(ctx, orderID)
	if errors.Is(err, database.ErrPaymentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	err = o.store.ResolvePayment(ctx, p.Handle, models.PaymentStatusFailed)
	if errors.Is(err, database.ErrPaymentAlreadyResolved) {
		return nil
	}
	return err
}

// ExpireStalePayments fails gateway payments still pending after olderThan,
// so an abandoned payment page does not hold stock forever. It returns how
// many payments were expired.
func (o *Orchestrator) ExpireStalePayments(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := o.store.ListStalePayments(ctx, o.now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("list stale payments: %w", err)
	}

	expired := 0
	var errs []error
	for _, p := range stale {
		res, err := o.ConfirmPayment(ctx, p.Handle, models.PaymentStatusFailed)
		switch {
		case errors.Is(err, apperr.ErrVerdictConflict):
			// Paid while we were looking.
		case err != nil:
			errs = append(errs, fmt.Errorf("expire payment %s: %w", p.Handle, err))
		case res.Changed:
			expired++
		}
	}

	return expired, errors.Join(errs...)
}

func (o *Orchestrator) loadOrder(ctx context.Context, id int64) (*models.Order, error) {
	ord, err := o.store.GetOrder(ctx, id)
	if errors.Is(err, database.ErrOrderNotFound) {
		return nil, fmt.Errorf("order %d: %w", id, apperr.ErrOrderNotFound)
	}
	return ord, err
}
