package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/safar/marketplace-checkout/internal/database"
	"github.com/safar/marketplace-checkout/internal/models"
	"github.com/shopspring/decimal"
)

const productColumns = `id, sku, name, description, price, discount_price, stock_quantity, active, attributes, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*models.Product, error) {
	product := &models.Product{}
	var discount decimal.NullDecimal
	var attributes []byte

	err := row.Scan(
		&product.ID,
		&product.SKU,
		&product.Name,
		&product.Description,
		&product.Price,
		&discount,
		&product.StockQuantity,
		&product.Active,
		&attributes,
		&product.CreatedAt,
		&product.UpdatedAt,
		&product.Version,
	)
	if err != nil {
		return nil, err
	}

	if discount.Valid {
		product.DiscountPrice = &discount.Decimal
	}
	if err := unmarshalJSON(attributes, &product.Attributes); err != nil {
		return nil, err
	}

	return product, nil
}

func CreateProduct(ctx context.Context, db Querier, p models.Product) (*models.Product, error) {
	attributes := p.Attributes
	if attributes == nil {
		attributes = []models.AttributeOption{}
	}
	attrJSON, err := marshalJSON(attributes)
	if err != nil {
		return nil, err
	}

	var discount decimal.NullDecimal
	if p.DiscountPrice != nil {
		discount = decimal.NewNullDecimal(*p.DiscountPrice)
	}

	query := `
		INSERT INTO products (sku, name, description, price, discount_price, stock_quantity, active, attributes, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW(), 1)
		RETURNING ` + productColumns

	product, err := scanProduct(db.QueryRowContext(ctx, query,
		p.SKU, p.Name, p.Description, p.Price, discount, p.StockQuantity, p.Active, attrJSON))
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}

	return product, nil
}

func GetProduct(ctx context.Context, db Querier, id int64) (*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	product, err := scanProduct(db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return product, nil
}

// GetProductsByIDs returns the products that exist, in ascending id order.
// Missing ids are simply absent from the result.
func GetProductsByIDs(ctx context.Context, db Querier, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1) ORDER BY id`

	rows, err := db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *product)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return products, nil
}

// DecrementStock is the single conditional update that reserves stock; it
// never reads then writes.
func DecrementStock(ctx context.Context, db Querier, productID int64, quantity int) error {
	result, err := db.ExecContext(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity - $1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND stock_quantity >= $1`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
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
		"SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)",
		productID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check product exists: %w", err)
	}
	if !exists {
		return database.ErrProductNotFound
	}

	return database.ErrInsufficientStock
}

func IncrementStock(ctx context.Context, db Querier, productID int64, quantity int) error {
	result, err := db.ExecContext(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity + $1,
		     updated_at = NOW()
		 WHERE id = $2`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("increment stock: %w", err)
	}

	ok, err := expectOneRow(result)
	if err != nil {
		return err
	}
	if !ok {
		return database.ErrProductNotFound
	}

	return nil
}
