// Package pricing turns a cart snapshot into authoritative order totals using
// the catalog as it is now, not the prices captured in the cart.
package pricing

import (
	"fmt"
	"maps"
	"sort"

	"github.com/safar/marketplace-checkout/internal/apperr"
	"github.com/safar/marketplace-checkout/internal/models"
	"github.com/shopspring/decimal"
)

type Line struct {
	ProductID  int64             `json:"product_id"`
	Title      string            `json:"title"`
	UnitPrice  decimal.Decimal   `json:"unit_price"`
	Quantity   int               `json:"quantity"`
	LineTotal  decimal.Decimal   `json:"line_total"`
	Selections map[string]string `json:"selections,omitempty"`
}

type PricedOrder struct {
	Lines    []Line          `json:"lines"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

// Item is the part of a cart line pricing needs.
type Item struct {
	ProductID  int64
	Quantity   int
	Selections map[string]string
}

// Round rounds money to cents.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// BasePrice is the discount price when set and lower than the list price.
func BasePrice(p *models.Product) decimal.Decimal {
	if p.DiscountPrice != nil && p.DiscountPrice.LessThan(p.Price) {
		return *p.DiscountPrice
	}
	return p.Price
}

// UnitPrice adds the modifier of every selected attribute option to the base
// price. Unknown selections are rejected.
func UnitPrice(p *models.Product, selections map[string]string) (decimal.Decimal, error) {
	price := BasePrice(p)

	names := make([]string, 0, len(selections))
	for name := range selections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		opt, ok := p.FindOption(name, selections[name])
		if !ok {
			return decimal.Zero, apperr.Validationf("product %d has no option %s=%s", p.ID, name, selections[name])
		}
		price = price.Add(opt.PriceModifier)
	}

	if price.IsNegative() {
		return decimal.Zero, fmt.Errorf("product %d: negative unit price %s", p.ID, price)
	}

	return Round(price), nil
}

// Price prices items against the current product records. Stock is checked
// per product over the summed quantities; the inventory ledger stays the
// final authority.
func Price(items []Item, products []models.Product) (PricedOrder, error) {
	byID := make(map[int64]*models.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}

	requested := make(map[int64]int, len(items))
	var order PricedOrder
	order.Subtotal = decimal.Zero

	for _, item := range items {
		if item.Quantity < 1 {
			return PricedOrder{}, apperr.Validationf("quantity for product %d must be at least 1", item.ProductID)
		}

		p, ok := byID[item.ProductID]
		if !ok || !p.Active {
			return PricedOrder{}, fmt.Errorf("product %d: %w", item.ProductID, apperr.ErrProductUnavailable)
		}

		unit, err := UnitPrice(p, item.Selections)
		if err != nil {
			return PricedOrder{}, err
		}

		requested[p.ID] += item.Quantity
		if requested[p.ID] > p.StockQuantity {
			return PricedOrder{}, &apperr.StockError{
				ProductID: p.ID,
				Requested: requested[p.ID],
				Available: p.StockQuantity,
			}
		}

		lineTotal := Round(unit.Mul(decimal.NewFromInt(int64(item.Quantity))))
		order.Lines = append(order.Lines, Line{
			ProductID:  p.ID,
			Title:      p.Name,
			UnitPrice:  unit,
			Quantity:   item.Quantity,
			LineTotal:  lineTotal,
			Selections: maps.Clone(item.Selections),
		})
		order.Subtotal = order.Subtotal.Add(lineTotal)
	}

	return order, nil
}
