// Package inventory reserves and releases stock through conditional
// decrements so that concurrent checkouts can never drive a product negative.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/safar/marketplace-checkout/internal/apperr"
	"github.com/safar/marketplace-checkout/internal/database"
	"github.com/safar/marketplace-checkout/internal/models"
)

type StockStore interface {
	DecrementStock(ctx context.Context, productID int64, quantity int) error
	IncrementStock(ctx context.Context, productID int64, quantity int) error
}

type Line struct {
	ProductID int64
	Quantity  int
}

// Reservation holds the quantities actually taken, one line per product in
// ascending product id order.
type Reservation struct {
	Lines []Line
}

func (r Reservation) Empty() bool {
	return len(r.Lines) == 0
}

type Ledger struct {
	store StockStore
}

func NewLedger(store StockStore) *Ledger {
	return &Ledger{store: store}
}

// Reserve takes every requested quantity or nothing. Lines for the same
// product are summed first and products are visited in id order so two
// overlapping reservations touch rows in the same sequence.
func (l *Ledger) Reserve(ctx context.Context, lines []Line) (Reservation, error) {
	merged, err := aggregate(lines)
	if err != nil {
		return Reservation{}, err
	}

	var taken Reservation
	for _, line := range merged {
		err := l.store.DecrementStock(ctx, line.ProductID, line.Quantity)
		if err == nil {
			taken.Lines = append(taken.Lines, line)
			continue
		}

		relErr := l.release(context.WithoutCancel(ctx), taken)

		switch {
		case errors.Is(err, database.ErrInsufficientStock):
			err = &apperr.StockError{ProductID: line.ProductID, Requested: line.Quantity, Available: -1}
		case errors.Is(err, database.ErrProductNotFound):
			err = fmt.Errorf("product %d: %w", line.ProductID, apperr.ErrProductUnavailable)
		default:
			err = fmt.Errorf("reserve product %d: %w", line.ProductID, err)
		}
		return Reservation{}, errors.Join(err, relErr)
	}

	return taken, nil
}

// Release returns every line of r to stock. All lines are attempted even if
// some fail; the failures are joined.
func (l *Ledger) Release(ctx context.Context, r Reservation) error {
	return l.release(ctx, r)
}

func (l *Ledger) release(ctx context.Context, r Reservation) error {
	var errs []error
	for _, line := range r.Lines {
		if err := l.store.IncrementStock(ctx, line.ProductID, line.Quantity); err != nil {
			errs = append(errs, fmt.Errorf("release product %d: %w", line.ProductID, err))
		}
	}
	return errors.Join(errs...)
}

// ReservationFromOrder rebuilds the reservation an order holds from its lines.
func ReservationFromOrder(order *models.Order) Reservation {
	lines := make([]Line, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, Line{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	merged, _ := aggregate(lines)
	return Reservation{Lines: merged}
}

func aggregate(lines []Line) ([]Line, error) {
	totals := make(map[int64]int, len(lines))
	for _, line := range lines {
		if line.Quantity < 1 {
			return nil, apperr.Validationf("quantity for product %d must be at least 1", line.ProductID)
		}
		totals[line.ProductID] += line.Quantity
	}

	merged := make([]Line, 0, len(totals))
	for id, qty := range totals {
		merged = append(merged, Line{ProductID: id, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })
	return merged, nil
}
