package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/safar/marketplace-checkout/internal/database"
	"github.com/safar/marketplace-checkout/internal/models"
	"github.com/shopspring/decimal"
)

const orderColumns = `id, user_id, order_number, idempotency_key, order_status, payment_status, payment_method,
	subtotal, discount_amount, total_amount, shipping, coupon_id, coupon_code, coupon_discount, notes,
	created_at, updated_at, version`

func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	var shipping []byte
	var couponID sql.NullInt64
	var couponCode sql.NullString
	var couponDiscount decimal.NullDecimal

	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.OrderNumber,
		&order.IdempotencyKey,
		&order.OrderStatus,
		&order.PaymentStatus,
		&order.PaymentMethod,
		&order.Subtotal,
		&order.DiscountAmount,
		&order.TotalAmount,
		&shipping,
		&couponID,
		&couponCode,
		&couponDiscount,
		&order.Notes,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(shipping, &order.Shipping); err != nil {
		return nil, err
	}
	if couponID.Valid {
		order.Coupon = &models.CouponApplication{
			CouponID:       couponID.Int64,
			Code:           couponCode.String,
			DiscountAmount: couponDiscount.Decimal,
		}
	}

	return order, nil
}

// CreateOrder writes the header and its frozen lines in one transaction and
// fills in the generated ids and timestamps. A reused idempotency key yields
// database.ErrDuplicateIdempotencyKey.
func CreateOrder(ctx context.Context, db *sql.DB, order *models.Order) error {
	shipping, err := marshalJSON(order.Shipping)
	if err != nil {
		return err
	}

	var couponID sql.NullInt64
	var couponCode sql.NullString
	var couponDiscount decimal.NullDecimal
	if order.Coupon != nil {
		couponID = sql.NullInt64{Int64: order.Coupon.CouponID, Valid: true}
		couponCode = sql.NullString{String: order.Coupon.Code, Valid: true}
		couponDiscount = decimal.NewNullDecimal(order.Coupon.DiscountAmount)
	}

	err = database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO orders (user_id, order_number, idempotency_key, order_status, payment_status, payment_method,
			                     subtotal, discount_amount, total_amount, shipping, coupon_id, coupon_code, coupon_discount,
			                     notes, created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW(), 1)
			 RETURNING id, created_at, updated_at, version`,
			order.UserID, order.OrderNumber, order.IdempotencyKey, order.OrderStatus, order.PaymentStatus,
			order.PaymentMethod, order.Subtotal, order.DiscountAmount, order.TotalAmount, shipping,
			couponID, couponCode, couponDiscount, order.Notes,
		).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt, &order.Version)
		if err != nil {
			if database.IsUniqueViolationOn(err, "orders_idempotency_key_key") {
				return database.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("create order: %w", err)
		}

		for i := range order.Items {
			item := &order.Items[i]
			selections, err := marshalJSON(nonNilSelections(item.Selections))
			if err != nil {
				return err
			}

			err = tx.QueryRowContext(ctx,
				`INSERT INTO order_items (order_id, product_id, title, quantity, unit_price, subtotal, selections, position, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
				 RETURNING id, created_at`,
				order.ID, item.ProductID, item.Title, item.Quantity, item.UnitPrice, item.Subtotal, selections, i,
			).Scan(&item.ID, &item.CreatedAt)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}
			item.OrderID = order.ID
		}

		return nil
	})

	return err
}

func nonNilSelections(s map[string]string) map[string]string {
	if s == nil {
		return map[string]string{}
	}
	return s
}

func GetOrder(ctx context.Context, db Querier, id int64) (*models.Order, error) {
	order, err := scanOrder(db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := getOrderItems(ctx, db, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

func GetOrderByIdempotencyKey(ctx context.Context, db Querier, key string) (*models.Order, error) {
	var id int64
	err := db.QueryRowContext(ctx,
		`SELECT id FROM orders WHERE idempotency_key = $1`, key).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by idempotency key: %w", err)
	}
	return GetOrder(ctx, db, id)
}

func getOrderItems(ctx context.Context, db Querier, orderID int64) ([]models.OrderItem, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, order_id, product_id, title, quantity, unit_price, subtotal, selections, created_at
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY position`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		var selections []byte
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.Title,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&selections,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		if err := unmarshalJSON(selections, &item.Selections); err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// TransitionOrder applies change only if the order still holds the expected
// statuses; otherwise it returns database.ErrStatusConflict.
func TransitionOrder(ctx context.Context, db Querier, id int64, change models.StatusChange) error {
	var sets []string
	var conds []string
	args := []any{id}

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if change.ToOrder != "" {
		sets = append(sets, "order_status = "+arg(change.ToOrder))
	}
	if change.ToPayment != "" {
		sets = append(sets, "payment_status = "+arg(change.ToPayment))
	}
	if len(sets) == 0 {
		return fmt.Errorf("transition order %d: empty status change", id)
	}
	if len(change.FromOrder) > 0 {
		conds = append(conds, "order_status = ANY("+arg(pq.Array(change.FromOrder))+")")
	}
	if change.FromPayment != "" {
		conds = append(conds, "payment_status = "+arg(change.FromPayment))
	}

	query := `UPDATE orders SET ` + strings.Join(sets, ", ") +
		`, version = version + 1, updated_at = NOW() WHERE id = $1`
	for _, c := range conds {
		query += " AND " + c
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition order: %w", err)
	}

	ok, err := expectOneRow(result)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	var exists bool
	if err := db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)", id).Scan(&exists); err != nil {
		return fmt.Errorf("check order exists: %w", err)
	}
	if !exists {
		return database.ErrOrderNotFound
	}

	return database.ErrStatusConflict
}

func ListOrdersCursor(ctx context.Context, db Querier, userID int64, cursor string, limit int) (*CursorPage[models.Order], error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	rows, err := db.QueryContext(ctx, query, userID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return NewCursorPage(orders, limit), nil
}
