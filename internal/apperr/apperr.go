// Package apperr defines the checkout error taxonomy shared by every
// component. Components return these sentinels (wrapped with context);
// callers classify them with KindOf.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindBusinessRule
	KindConflict
	KindExternal
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBusinessRule:
		return "business_rule"
	case KindConflict:
		return "conflict"
	case KindExternal:
		return "external"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

var (
	ErrValidation = errors.New("invalid request")

	ErrEmptyCart          = errors.New("cart is empty")
	ErrCartNotFound       = errors.New("cart not found")
	ErrProductUnavailable = errors.New("product unavailable")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrCouponInvalid      = errors.New("coupon invalid")
	ErrCouponExpired      = errors.New("coupon expired")
	ErrCouponExhausted    = errors.New("coupon exhausted")
	ErrMinimumNotMet      = errors.New("coupon minimum order amount not met")
	ErrInvalidTransition  = errors.New("invalid status transition")

	ErrCheckoutInProgress = errors.New("checkout already in progress")
	ErrVerdictConflict    = errors.New("payment already resolved with a different verdict")

	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrPaymentFailed      = errors.New("payment failed")

	ErrUserNotFound    = errors.New("user not found")
	ErrAddressNotFound = errors.New("address not found")
	ErrOrderNotFound   = errors.New("order not found")
	ErrPaymentNotFound = errors.New("payment not found")
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrValidation, KindValidation},
	{ErrEmptyCart, KindBusinessRule},
	{ErrCartNotFound, KindBusinessRule},
	{ErrProductUnavailable, KindBusinessRule},
	{ErrInsufficientStock, KindBusinessRule},
	{ErrCouponInvalid, KindBusinessRule},
	{ErrCouponExpired, KindBusinessRule},
	{ErrCouponExhausted, KindBusinessRule},
	{ErrMinimumNotMet, KindBusinessRule},
	{ErrInvalidTransition, KindBusinessRule},
	{ErrCheckoutInProgress, KindConflict},
	{ErrVerdictConflict, KindConflict},
	{ErrGatewayUnavailable, KindExternal},
	{ErrPaymentFailed, KindExternal},
	{ErrUserNotFound, KindNotFound},
	{ErrAddressNotFound, KindNotFound},
	{ErrOrderNotFound, KindNotFound},
	{ErrPaymentNotFound, KindNotFound},
}

// KindOf classifies err. Anything not in the taxonomy is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// IsRetryable reports whether the caller may safely retry the same request.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCheckoutInProgress) {
		return true
	}
	return KindOf(err) == KindInternal
}

// StockError names the product whose stock could not cover the request.
type StockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *StockError) Error() string {
	if e.Available >= 0 {
		return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d", e.ProductID, e.Requested, e.Available)
	}
	return fmt.Sprintf("insufficient stock for product %d: requested %d", e.ProductID, e.Requested)
}

func (e *StockError) Unwrap() error {
	return ErrInsufficientStock
}

// Validationf wraps ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
