package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/safar/marketplace-checkout/internal/apperr"
	"github.com/safar/marketplace-checkout/internal/checkout"
	"github.com/safar/marketplace-checkout/internal/metrics"
	"github.com/safar/marketplace-checkout/internal/models"
	"github.com/safar/marketplace-checkout/internal/store/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv       *httptest.Server
	mem       *memstore.Store
	userID    int64
	addressID int64
	productID int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	mem := memstore.New()

	u, err := mem.CreateUser(ctx, "buyer@example.com", "Buyer")
	require.NoError(t, err)
	addr, err := mem.CreateAddress(ctx, models.Address{UserID: u.ID, Line1: "Street 1", City: "Kathmandu", Country: "NP"})
	require.NoError(t, err)
	p, err := mem.CreateProduct(ctx, models.Product{SKU: "P1", Name: "P1", Price: decimal.NewFromInt(120), StockQuantity: 5, Active: true})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	o := checkout.New(mem, checkout.Options{Metrics: metrics.NewCheckoutMetrics(reg)})
	a := newApp(mem, o, nil, metrics.NewServerMetrics(reg))

	srv := httptest.NewServer(a.routes())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, mem: mem, userID: u.ID, addressID: addr.ID, productID: p.ID}
}

func (e *testEnv) post(t *testing.T, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func orderID(t *testing.T, body map[string]any) float64 {
	t.Helper()
	o, ok := body["order"].(map[string]any)
	require.True(t, ok, "response has no order: %v", body)
	return o["id"].(float64)
}

func TestCheckoutFlow(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.post(t, fmt.Sprintf("/carts/%d/items", e.userID), map[string]any{"product_id": e.productID, "quantity": 2}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	checkoutBody := map[string]any{
		"user_id":             e.userID,
		"shipping_address_id": e.addressID,
		"payment_method":      models.PaymentMethodEsewa,
	}
	headers := map[string]string{"Idempotency-Key": "req-1"}

	resp, first := e.post(t, "/checkout", checkoutBody, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode, first)

	resp, second := e.post(t, "/checkout", checkoutBody, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode, second)
	assert.Equal(t, orderID(t, first), orderID(t, second))
	assert.Equal(t, true, second["replayed"])

	handle := first["payment"].(map[string]any)["handle"].(string)
	cb := map[string]any{"handle": handle, "verdict": models.PaymentStatusPaid}
	resp, paid := e.post(t, "/payments/callback", cb, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, paid)
	assert.Equal(t, true, paid["changed"])

	resp, replay := e.post(t, "/payments/callback", cb, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, replay)
	assert.Equal(t, false, replay["changed"])

	id := int64(orderID(t, first))
	resp, body := e.post(t, fmt.Sprintf("/orders/%d/status", id), map[string]any{"status": models.OrderStatusConfirmed}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, models.OrderStatusConfirmed, body["order_status"])

	getResp, err := http.Get(fmt.Sprintf("%s/orders/%d", e.srv.URL, id))
	require.NoError(t, err)
	getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	listResp, err := http.Get(fmt.Sprintf("%s/users/%d/orders?limit=5", e.srv.URL, e.userID))
	require.NoError(t, err)
	defer listResp.Body.Close()
	var page map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&page))
	assert.Len(t, page["items"], 1)
}

func TestCheckoutErrorStatuses(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.post(t, "/checkout", map[string]any{
		"user_id": e.userID, "shipping_address_id": e.addressID, "payment_method": models.PaymentMethodCard,
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, body)
	assert.Equal(t, "business_rule", body["kind"])

	resp, body = e.post(t, "/checkout", map[string]any{
		"user_id": e.userID, "shipping_address_id": e.addressID, "payment_method": "barter",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)

	resp, body = e.post(t, "/orders/999/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, body)

	resp, body = e.post(t, "/carts/999/items", map[string]any{"product_id": e.productID, "quantity": 1}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, body)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.Validationf("bad"), http.StatusBadRequest},
		{&apperr.StockError{ProductID: 1, Requested: 2, Available: -1}, http.StatusUnprocessableEntity},
		{fmt.Errorf("x: %w", apperr.ErrCheckoutInProgress), http.StatusConflict},
		{apperr.ErrVerdictConflict, http.StatusConflict},
		{apperr.ErrGatewayUnavailable, http.StatusBadGateway},
		{apperr.ErrOrderNotFound, http.StatusNotFound},
		{apperr.ErrUserNotFound, http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(e.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
