package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/safar/marketplace-checkout/internal/apperr"
	"github.com/safar/marketplace-checkout/internal/models"
	"github.com/safar/marketplace-checkout/internal/store/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingGateway struct{}

func (failingGateway) Initiate(context.Context, GatewayRequest) (GatewayResponse, error) {
	return GatewayResponse{}, errors.New("connection refused")
}

func storedOrder(t *testing.T, s *memstore.Store, method string) *models.Order {
	t.Helper()
	o := &models.Order{
		OrderNumber:    "ORD-" + method,
		UserID:         1,
		IdempotencyKey: "key-" + method,
		OrderStatus:    models.OrderStatusPlaced,
		PaymentStatus:  models.PaymentStatusPending,
		PaymentMethod:  method,
		Subtotal:       decimal.NewFromInt(216),
		TotalAmount:    decimal.NewFromInt(216),
	}
	require.NoError(t, s.CreateOrder(context.Background(), o))
	return o
}

func TestInitiateCashOnDelivery(t *testing.T) {
	s := memstore.New()
	c := NewCoordinator(s, failingGateway{}, nil)

	p, err := c.Initiate(context.Background(), storedOrder(t, s, models.PaymentMethodCashOnDelivery))
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestInitiateGateway(t *testing.T) {
	s := memstore.New()
	c := NewCoordinator(s, nil, nil)
	o := storedOrder(t, s, models.PaymentMethodKhalti)

	p, err := c.Initiate(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, p.Status)
	assert.True(t, p.Amount.Equal(o.TotalAmount))
	assert.NotEmpty(t, p.TransactionID)

	stored, err := s.GetPaymentByHandle(context.Background(), p.Handle)
	require.NoError(t, err)
	assert.Equal(t, o.ID, stored.OrderID)
}

func TestInitiateGatewayUnavailable(t *testing.T) {
	s := memstore.New()
	c := NewCoordinator(s, failingGateway{}, nil)
	o := storedOrder(t, s, models.PaymentMethodCard)

	_, err := c.Initiate(context.Background(), o)
	assert.ErrorIs(t, err, apperr.ErrGatewayUnavailable)

	_, err = s.GetPaymentByOrder(context.Background(), o.ID)
	assert.Error(t, err, "no payment row is written when the gateway fails")
}

func TestConfirmVerdicts(t *testing.T) {
	s := memstore.New()
	c := NewCoordinator(s, nil, nil)
	ctx := context.Background()
	o := storedOrder(t, s, models.PaymentMethodEsewa)

	p, err := c.Initiate(ctx, o)
	require.NoError(t, err)

	res, err := c.Confirm(ctx, p.Handle, models.PaymentStatusPending)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	res, err = c.Confirm(ctx, p.Handle, models.PaymentStatusPaid)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, models.PaymentStatusPaid, res.Payment.Status)
	assert.NotNil(t, res.Payment.ResolvedAt)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, got.PaymentStatus)
	version := got.Version

	res, err = c.Confirm(ctx, p.Handle, models.PaymentStatusPaid)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	got, err = s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, version, got.Version, "replay must not touch the order")

	_, err = c.Confirm(ctx, p.Handle, models.PaymentStatusFailed)
	assert.ErrorIs(t, err, apperr.ErrVerdictConflict)

	_, err = c.Confirm(ctx, p.Handle, "refunded")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = c.Confirm(ctx, "missing", models.PaymentStatusPaid)
	assert.ErrorIs(t, err, apperr.ErrPaymentNotFound)
}

func TestHTTPGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))

		var req GatewayRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Method == models.PaymentMethodCard {
			http.Error(w, "declined", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(GatewayResponse{TransactionID: "tx-" + req.Handle, RedirectURL: "https://pay.example/" + req.Handle})
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, time.Second)

	resp, err := g.Initiate(context.Background(), GatewayRequest{Handle: "h1", Method: models.PaymentMethodEsewa, Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.Equal(t, "tx-h1", resp.TransactionID)

	_, err = g.Initiate(context.Background(), GatewayRequest{Handle: "h2", Method: models.PaymentMethodCard})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
