package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/safar/marketplace-checkout/internal/apperr"
	"github.com/safar/marketplace-checkout/internal/database"
	"github.com/safar/marketplace-checkout/internal/metrics"
	"github.com/safar/marketplace-checkout/internal/models"
	"github.com/safar/marketplace-checkout/internal/order"
)

type Store interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByHandle(ctx context.Context, handle string) (*models.Payment, error)
	ResolvePayment(ctx context.Context, handle, status string) error
	TransitionOrder(ctx context.Context, id int64, change models.StatusChange) error
}

// Resolution is the outcome of applying a verdict. Changed is false when the
// verdict was already recorded or was pending.
type Resolution struct {
	Payment *models.Payment
	Changed bool
}

type Coordinator struct {
	store   Store
	gateway Gateway
	metrics *metrics.CheckoutMetrics
}

func NewCoordinator(store Store, gateway Gateway, m *metrics.CheckoutMetrics) *Coordinator {
	if gateway == nil {
		gateway = SandboxGateway{}
	}
	return &Coordinator{store: store, gateway: gateway, metrics: m}
}

// Initiate starts payment for a stored order. Cash on delivery needs no
// payment record and returns nil.
func (c *Coordinator) Initiate(ctx context.Context, o *models.Order) (*models.Payment, error) {
	if o.PaymentMethod == models.PaymentMethodCashOnDelivery {
		return nil, nil
	}
	if !models.IsGatewayMethod(o.PaymentMethod) {
		return nil, apperr.Validationf("unknown payment method %q", o.PaymentMethod)
	}

	handle := uuid.NewString()
	resp, err := c.gateway.Initiate(ctx, GatewayRequest{
		Handle:      handle,
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		Method:      o.PaymentMethod,
		Amount:      o.TotalAmount,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrGatewayUnavailable, err)
	}

	p := &models.Payment{
		OrderID:       o.ID,
		Handle:        handle,
		Method:        o.PaymentMethod,
		Amount:        o.TotalAmount,
		TransactionID: resp.TransactionID,
		RedirectURL:   resp.RedirectURL,
		Status:        models.PaymentStatusPending,
	}
	if err := c.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Confirm applies a gateway verdict. Applying the same verdict twice is a
// no-op; a different verdict for a resolved payment is ErrVerdictConflict.
func (c *Coordinator) Confirm(ctx context.Context, handle, verdict string) (Resolution, error) {
	switch verdict {
	case models.PaymentStatusPaid, models.PaymentStatusFailed, models.PaymentStatusPending:
	default:
		return Resolution{}, apperr.Validationf("unknown payment verdict %q", verdict)
	}

	p, err := c.load(ctx, handle)
	if err != nil {
		return Resolution{}, err
	}
	if verdict == models.PaymentStatusPending {
		return Resolution{Payment: p}, nil
	}

	if p.Status != models.PaymentStatusPending {
		return c.replay(ctx, p, verdict)
	}

	err = c.store.ResolvePayment(ctx, handle, verdict)
	if errors.Is(err, database.ErrPaymentAlreadyResolved) {
		// Lost the race to another callback.
		if p, err = c.load(ctx, handle); err != nil {
			return Resolution{}, err
		}
		return c.replay(ctx, p, verdict)
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve payment %s: %w", handle, err)
	}

	if err := c.syncOrder(ctx, p.OrderID, verdict); err != nil {
		return Resolution{}, err
	}
	c.metrics.ObservePayment(verdict, false)

	p, err = c.load(ctx, handle)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Payment: p, Changed: true}, nil
}

func (c *Coordinator) replay(ctx context.Context, p *models.Payment, verdict string) (Resolution, error) {
	if p.Status != verdict {
		return Resolution{}, fmt.Errorf("payment %s is %s, got %s: %w", p.Handle, p.Status, verdict, apperr.ErrVerdictConflict)
	}
	// Finish an order update a previous attempt may not have reached.
	if err := c.syncOrder(ctx, p.OrderID, verdict); err != nil {
		return Resolution{}, err
	}
	c.metrics.ObservePayment(verdict, true)
	return Resolution{Payment: p}, nil
}

// syncOrder moves the order's payment status off pending. An order whose
// payment status already left pending is left alone.
func (c *Coordinator) syncOrder(ctx context.Context, orderID int64, verdict string) error {
	if !order.CanResolvePayment(models.PaymentStatusPending, verdict) {
		return fmt.Errorf("order %d: payment pending -> %s: %w", orderID, verdict, apperr.ErrInvalidTransition)
	}
	err := c.store.TransitionOrder(ctx, orderID, models.StatusChange{
		FromPayment: models.PaymentStatusPending,
		ToPayment:   verdict,
	})
	if err != nil && !errors.Is(err, database.ErrStatusConflict) {
		return fmt.Errorf("update order %d payment status: %w", orderID, err)
	}
	return nil
}

func (c *Coordinator) load(ctx context.Context, handle string) (*models.Payment, error) {
	p, err := c.store.GetPaymentByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, database.ErrPaymentNotFound) {
			return nil, fmt.Errorf("payment %s: %w", handle, apperr.ErrPaymentNotFound)
		}
		return nil, err
	}
	return p, nil
}
