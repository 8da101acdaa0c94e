package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/marketplace-checkout/internal/database"
	"github.com/safar/marketplace-checkout/internal/models"
)

func GetCartByUser(ctx context.Context, db Querier, userID int64) (*models.Cart, error) {
	cart := &models.Cart{}

	err := db.QueryRowContext(ctx,
		`SELECT id, user_id, version, created_at, updated_at
		 FROM carts
		 WHERE user_id = $1`,
		userID).Scan(&cart.ID, &cart.UserID, &cart.Version, &cart.CreatedAt, &cart.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrCartNotFound
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, product_id, quantity, price_at_time, selections
		 FROM cart_items
		 WHERE cart_id = $1
		 ORDER BY id`,
		cart.ID)
	if err != nil {
		return nil, fmt.Errorf("get cart items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.CartItem
		var selections []byte
		if err := rows.Scan(&item.ID, &item.ProductID, &item.Quantity, &item.PriceAtTime, &selections); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		if err := unmarshalJSON(selections, &item.Selections); err != nil {
			return nil, err
		}
		cart.Items = append(cart.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return cart, nil
}

// AddCartItem creates the cart on first add. A line with the same product and
// selections is merged and its PriceAtTime refreshed.
func AddCartItem(ctx context.Context, db *sql.DB, req models.CartAddition) (*models.Cart, error) {
	selections := req.Selections
	if selections == nil {
		selections = map[string]string{}
	}
	selJSON, err := marshalJSON(selections)
	if err != nil {
		return nil, err
	}

	err = database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var cartID int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO carts (user_id, version, created_at, updated_at)
			 VALUES ($1, 1, NOW(), NOW())
			 ON CONFLICT (user_id) DO UPDATE
			 SET version = carts.version + 1, updated_at = NOW()
			 RETURNING id`,
			req.UserID).Scan(&cartID)
		if err != nil {
			return fmt.Errorf("upsert cart: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE cart_items
			 SET quantity = quantity + $1, price_at_time = $2
			 WHERE cart_id = $3 AND product_id = $4 AND selections = $5::jsonb`,
			req.Quantity, req.PriceAtTime, cartID, req.ProductID, selJSON)
		if err != nil {
			return fmt.Errorf("merge cart item: %w", err)
		}
		merged, err := expectOneRow(result)
		if err != nil {
			return err
		}
		if merged {
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO cart_items (cart_id, product_id, quantity, price_at_time, selections, created_at)
			 VALUES ($1, $2, $3, $4, $5, NOW())`,
			cartID, req.ProductID, req.Quantity, req.PriceAtTime, selJSON)
		if err != nil {
			return fmt.Errorf("insert cart item: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return GetCartByUser(ctx, db, req.UserID)
}

// RemoveCartItems takes each claimed quantity off its line and deletes lines
// left empty. Units merged into a line after the claim was read survive.
func RemoveCartItems(ctx context.Context, db *sql.DB, cartID int64, lines []models.CartLineClaim) error {
	if len(lines) == 0 {
		return nil
	}

	return database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		for _, l := range lines {
			result, err := tx.ExecContext(ctx,
				`DELETE FROM cart_items WHERE cart_id = $1 AND id = $2 AND quantity <= $3`,
				cartID, l.ItemID, l.Quantity)
			if err != nil {
				return fmt.Errorf("delete cart item: %w", err)
			}
			deleted, err := expectOneRow(result)
			if err != nil {
				return err
			}
			if deleted {
				continue
			}

			_, err = tx.ExecContext(ctx,
				`UPDATE cart_items SET quantity = quantity - $3 WHERE cart_id = $1 AND id = $2`,
				cartID, l.ItemID, l.Quantity)
			if err != nil {
				return fmt.Errorf("reduce cart item: %w", err)
			}
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE carts SET version = version + 1, updated_at = NOW() WHERE id = $1`,
			cartID)
		if err != nil {
			return fmt.Errorf("bump cart version: %w", err)
		}
		ok, err := expectOneRow(result)
		if err != nil {
			return err
		}
		if !ok {
			return database.ErrCartNotFound
		}
		return nil
	})
}
