package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/marketplace-checkout/internal/database"
	"github.com/safar/marketplace-checkout/internal/models"
)

const addressColumns = `id, user_id, full_name, phone, line1, line2, city, state, postal_code, country, created_at`

func scanAddress(row rowScanner) (*models.Address, error) {
	a := &models.Address{}
	err := row.Scan(&a.ID, &a.UserID, &a.FullName, &a.Phone, &a.Line1, &a.Line2,
		&a.City, &a.State, &a.PostalCode, &a.Country, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func CreateAddress(ctx context.Context, db Querier, a models.Address) (*models.Address, error) {
	query := `
		INSERT INTO addresses (user_id, full_name, phone, line1, line2, city, state, postal_code, country, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING ` + addressColumns

	address, err := scanAddress(db.QueryRowContext(ctx, query,
		a.UserID, a.FullName, a.Phone, a.Line1, a.Line2, a.City, a.State, a.PostalCode, a.Country))
	if err != nil {
		return nil, fmt.Errorf("create address: %w", err)
	}
	return address, nil
}

// GetAddress is ownership-checked: another user's address reads as not found.
func GetAddress(ctx context.Context, db Querier, id, userID int64) (*models.Address, error) {
	address, err := scanAddress(db.QueryRowContext(ctx,
		`SELECT `+addressColumns+` FROM addresses WHERE id = $1 AND user_id = $2`, id, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrAddressNotFound
		}
		return nil, fmt.Errorf("get address: %w", err)
	}
	return address, nil
}
