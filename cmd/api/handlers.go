package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/safar/marketplace-checkout/internal/apperr"
	"github.com/safar/marketplace-checkout/internal/cart"
	"github.com/safar/marketplace-checkout/internal/checkout"
	"github.com/safar/marketplace-checkout/internal/database"
	"github.com/safar/marketplace-checkout/internal/idempotency"
	"github.com/safar/marketplace-checkout/internal/metrics"
	"github.com/safar/marketplace-checkout/internal/notify"
	"github.com/safar/marketplace-checkout/internal/order"
)

type app struct {
	store    apiStore
	checkout *checkout.Orchestrator
	orders   *order.Service
	carts    *cart.Gate
	metrics  *metrics.ServerMetrics
}

func newApp(st apiStore, o *checkout.Orchestrator, n *notify.Notifier, m *metrics.ServerMetrics) *app {
	return &app{
		store:    st,
		checkout: o,
		orders:   order.NewService(st, n),
		carts:    cart.NewGate(st),
		metrics:  m,
	}
}

func (a *app) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.instrument("health", a.handleHealth))
	mux.HandleFunc("POST /checkout", a.instrument("checkout", a.handleCheckout))
	mux.HandleFunc("GET /orders/{id}", a.instrument("get_order", a.handleGetOrder))
	mux.HandleFunc("GET /users/{id}/orders", a.instrument("list_orders", a.handleListOrders))
	mux.HandleFunc("POST /orders/{id}/status", a.instrument("advance_order", a.handleAdvanceOrder))
	mux.HandleFunc("POST /orders/{id}/cancel", a.instrument("cancel_order", a.handleCancelOrder))
	mux.HandleFunc("POST /payments/callback", a.instrument("payment_callback", a.handlePaymentCallback))
	mux.HandleFunc("POST /carts/{userID}/items", a.instrument("add_cart_item", a.handleAddCartItem))

	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (a *app) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if a.metrics != nil {
			a.metrics.Requests.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
			a.metrics.LatencyMS.WithLabelValues(name).Observe(float64(time.Since(start).Milliseconds()))
		}
	}
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *app) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	key, err := idempotency.Key(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.IdempotencyKey = key

	res, err := a.checkout.CreateOrder(r.Context(), req)
	if err != nil {
		respondAppError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, res)
}

func (a *app) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	o, err := a.store.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			err = apperr.ErrOrderNotFound
		}
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, o)
}

func (a *app) handleListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}

	page, err := a.store.ListOrdersCursor(r.Context(), userID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, page)
}

func (a *app) handleAdvanceOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	o, err := a.orders.Advance(r.Context(), id, req.Status)
	if err != nil {
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, o)
}

func (a *app) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	o, err := a.checkout.CancelOrder(r.Context(), id)
	if err != nil {
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, o)
}

func (a *app) handlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle  string `json:"handle"`
		Verdict string `json:"verdict"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := a.checkout.ConfirmPayment(r.Context(), req.Handle, req.Verdict)
	if err != nil {
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

func (a *app) handleAddCartItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	var req cart.AddItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.UserID = userID

	c, err := a.carts.AddItem(r.Context(), req)
	if err != nil {
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, c)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return id, true
}

// statusFor maps an error kind to its HTTP status. Internal errors are
// reported as 503 because the caller may retry them.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindBusinessRule:
		return http.StatusUnprocessableEntity
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

func respondAppError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		log.Printf("Internal error: %v", err)
		w.Header().Set("Retry-After", "1")
		respondError(w, status, "temporarily unavailable, retry")
		return
	}
	respondJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  apperr.KindOf(err).String(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
