package coupon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/safar/marketplace-checkout/internal/apperr"
	"github.com/safar/marketplace-checkout/internal/database"
	"github.com/safar/marketplace-checkout/internal/models"
	"github.com/safar/marketplace-checkout/internal/pricing"
	"github.com/shopspring/decimal"
)

type Store interface {
	GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	IncrementCouponUsage(ctx context.Context, couponID int64, now time.Time) error
	DecrementCouponUsage(ctx context.Context, couponID int64) error
}

type DiscountResult struct {
	CouponID int64
	Code     string
	Discount decimal.Decimal
}

type Evaluator struct {
	store Store
	now   func() time.Time
}

func NewEvaluator(store Store, now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{store: store, now: now}
}

// Apply validates code against subtotal and claims one usage slot. The first
// failing check wins: existence, active, window, minimum, cap.
func (e *Evaluator) Apply(ctx context.Context, code string, subtotal decimal.Decimal, userID int64) (DiscountResult, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return DiscountResult{}, fmt.Errorf("empty code: %w", apperr.ErrCouponInvalid)
	}

	c, err := e.store.GetCouponByCode(ctx, code)
	if err != nil {
		if errors.Is(err, database.ErrCouponNotFound) {
			return DiscountResult{}, fmt.Errorf("coupon %s: %w", code, apperr.ErrCouponInvalid)
		}
		return DiscountResult{}, fmt.Errorf("load coupon %s: %w", code, err)
	}

	now := e.now()
	if err := Validate(c, subtotal, now); err != nil {
		return DiscountResult{}, err
	}

	if err := e.store.IncrementCouponUsage(ctx, c.ID, now); err != nil {
		if errors.Is(err, database.ErrCouponExhausted) {
			return DiscountResult{}, fmt.Errorf("coupon %s: %w", code, apperr.ErrCouponExhausted)
		}
		return DiscountResult{}, fmt.Errorf("claim coupon %s: %w", code, err)
	}

	return DiscountResult{
		CouponID: c.ID,
		Code:     c.Code,
		Discount: Discount(c, subtotal),
	}, nil
}

// Release gives back a usage slot claimed by Apply.
func (e *Evaluator) Release(ctx context.Context, couponID int64) error {
	if err := e.store.DecrementCouponUsage(ctx, couponID); err != nil {
		return fmt.Errorf("release coupon %d: %w", couponID, err)
	}
	return nil
}

// Validate runs the read-only checks in order without claiming a slot.
func Validate(c *models.Coupon, subtotal decimal.Decimal, now time.Time) error {
	if !c.Active {
		return fmt.Errorf("coupon %s inactive: %w", c.Code, apperr.ErrCouponInvalid)
	}
	if now.Before(c.StartsAt) || now.After(c.EndsAt) {
		return fmt.Errorf("coupon %s outside validity window: %w", c.Code, apperr.ErrCouponExpired)
	}
	if subtotal.LessThan(c.MinOrderAmount) {
		return fmt.Errorf("coupon %s requires %s: %w", c.Code, c.MinOrderAmount, apperr.ErrMinimumNotMet)
	}
	if c.UsageCount >= c.UsageCap {
		return fmt.Errorf("coupon %s: %w", c.Code, apperr.ErrCouponExhausted)
	}
	return nil
}

// Discount never exceeds subtotal.
func Discount(c *models.Coupon, subtotal decimal.Decimal) decimal.Decimal {
	var d decimal.Decimal
	switch c.DiscountType {
	case models.DiscountTypePercentage:
		d = subtotal.Mul(c.DiscountValue).Div(decimal.NewFromInt(100))
	default:
		d = c.DiscountValue
	}

	d = pricing.Round(d)
	if d.GreaterThan(subtotal) {
		return subtotal
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
