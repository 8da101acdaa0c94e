package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/marketplace-checkout/internal/database"
	"github.com/safar/marketplace-checkout/internal/models"
)

const userColumns = `id, email, name, created_at, updated_at, version`

func scanUser(row rowScanner) (*models.User, error) {
	u := &models.User{}
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.UpdatedAt, &u.Version); err != nil {
		return nil, err
	}
	return u, nil
}

func CreateUser(ctx context.Context, db Querier, email, name string) (*models.User, error) {
	user, err := scanUser(db.QueryRowContext(ctx,
		`INSERT INTO users (email, name, created_at, updated_at, version)
		 VALUES ($1, $2, NOW(), NOW(), 1)
		 RETURNING `+userColumns,
		email, name))
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// GetUser is the existence check behind cart writes; a missing row yields
// database.ErrUserNotFound.
func GetUser(ctx context.Context, db Querier, id int64) (*models.User, error) {
	user, err := scanUser(db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}
