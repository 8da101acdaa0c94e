package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/safar/marketplace-checkout/internal/database"
	"github.com/safar/marketplace-checkout/internal/models"
)

const paymentColumns = `id, order_id, handle, method, amount, transaction_id, redirect_url, status, created_at, resolved_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	p := &models.Payment{}
	var resolvedAt sql.NullTime
	err := row.Scan(&p.ID, &p.OrderID, &p.Handle, &p.Method, &p.Amount,
		&p.TransactionID, &p.RedirectURL, &p.Status, &p.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		p.ResolvedAt = &resolvedAt.Time
	}
	return p, nil
}

func CreatePayment(ctx context.Context, db Querier, payment *models.Payment) error {
	err := db.QueryRowContext(ctx,
		`INSERT INTO payments (order_id, handle, method, amount, transaction_id, redirect_url, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 RETURNING id, created_at`,
		payment.OrderID, payment.Handle, payment.Method, payment.Amount,
		payment.TransactionID, payment.RedirectURL, payment.Status,
	).Scan(&payment.ID, &payment.CreatedAt)
	if err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func GetPaymentByHandle(ctx context.Context, db Querier, handle string) (*models.Payment, error) {
	payment, err := scanPayment(db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE handle = $1`, handle))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return payment, nil
}

func GetPaymentByOrder(ctx context.Context, db Querier, orderID int64) (*models.Payment, error) {
	payment, err := scanPayment(db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY id DESC LIMIT 1`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment by order: %w", err)
	}
	return payment, nil
}

// ResolvePayment moves a pending payment to status. A payment that is no
// longer pending yields database.ErrPaymentAlreadyResolved.
func ResolvePayment(ctx context.Context, db Querier, handle, status string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE payments
		 SET status = $2, resolved_at = NOW()
		 WHERE handle = $1 AND status = $3`,
		handle, status, models.PaymentStatusPending)
	if err != nil {
		return fmt.Errorf("resolve payment: %w", err)
	}

	ok, err := expectOneRow(result)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	if _, err := GetPaymentByHandle(ctx, db, handle); err != nil {
		return err
	}
	return database.ErrPaymentAlreadyResolved
}

// ListStalePayments returns pending payments created before cutoff, oldest first.
func ListStalePayments(ctx context.Context, db Querier, cutoff time.Time, limit int) ([]models.Payment, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at
		 LIMIT $3`,
		models.PaymentStatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return payments, nil
}
