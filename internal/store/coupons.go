package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/safar/marketplace-checkout/internal/database"
	"github.com/safar/marketplace-checkout/internal/models"
)

const couponColumns = `id, code, discount_type, discount_value, min_order_amount, usage_cap, usage_count, active, starts_at, ends_at, created_at, updated_at`

func scanCoupon(row rowScanner) (*models.Coupon, error) {
	coupon := &models.Coupon{}
	err := row.Scan(
		&coupon.ID,
		&coupon.Code,
		&coupon.DiscountType,
		&coupon.DiscountValue,
		&coupon.MinOrderAmount,
		&coupon.UsageCap,
		&coupon.UsageCount,
		&coupon.Active,
		&coupon.StartsAt,
		&coupon.EndsAt,
		&coupon.CreatedAt,
		&coupon.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return coupon, nil
}

func CreateCoupon(ctx context.Context, db Querier, c models.Coupon) (*models.Coupon, error) {
	query := `
		INSERT INTO coupons (code, discount_type, discount_value, min_order_amount, usage_cap, usage_count, active, starts_at, ends_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING ` + couponColumns

	coupon, err := scanCoupon(db.QueryRowContext(ctx, query,
		strings.ToUpper(strings.TrimSpace(c.Code)), c.DiscountType, c.DiscountValue, c.MinOrderAmount,
		c.UsageCap, c.UsageCount, c.Active, c.StartsAt, c.EndsAt))
	if err != nil {
		return nil, fmt.Errorf("create coupon: %w", err)
	}

	return coupon, nil
}

func GetCoupon(ctx context.Context, db Querier, id int64) (*models.Coupon, error) {
	coupon, err := scanCoupon(db.QueryRowContext(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	return coupon, nil
}

func GetCouponByCode(ctx context.Context, db Querier, code string) (*models.Coupon, error) {
	coupon, err := scanCoupon(db.QueryRowContext(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE code = $1`,
		strings.ToUpper(strings.TrimSpace(code))))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon by code: %w", err)
	}
	return coupon, nil
}

// IncrementCouponUsage claims one usage slot. The cap, active flag and
// validity window are re-checked in the same statement.
func IncrementCouponUsage(ctx context.Context, db Querier, couponID int64, now time.Time) error {
	result, err := db.ExecContext(ctx,
		`UPDATE coupons
		 SET usage_count = usage_count + 1,
		     updated_at = NOW()
		 WHERE id = $1
		   AND active
		   AND usage_count < usage_cap
		   AND starts_at <= $2
		   AND ends_at >= $2`,
		couponID, now)
	if err != nil {
		return fmt.Errorf("increment coupon usage: %w", err)
	}

	ok, err := expectOneRow(result)
	if err != nil {
		return err
	}
	if !ok {
		return database.ErrCouponExhausted
	}

	return nil
}

func DecrementCouponUsage(ctx context.Context, db Querier, couponID int64) error {
	result, err := db.ExecContext(ctx,
		`UPDATE coupons
		 SET usage_count = usage_count - 1,
		     updated_at = NOW()
		 WHERE id = $1
		   AND usage_count > 0`,
		couponID)
	if err != nil {
		return fmt.Errorf("decrement coupon usage: %w", err)
	}

	ok, err := expectOneRow(result)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	var exists bool
	err = db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM coupons WHERE id = $1)",
		couponID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check coupon exists: %w", err)
	}
	if !exists {
		return database.ErrCouponNotFound
	}

	return nil
}
