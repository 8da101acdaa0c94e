package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/safar/marketplace-checkout/internal/config"
	"github.com/safar/marketplace-checkout/internal/logging"
)

const (
	connectAttempts = 5
	pingTimeout     = 5 * time.Second
)

// NewConnection opens the pool and waits for Postgres to accept connections,
// retrying the ping so the API can start alongside the database container.
func NewConnection(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	backoff := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err = ping(ctx, db)
		if err == nil {
			return db, nil
		}
		if attempt == connectAttempts {
			break
		}

		logging.Log(logging.Fields{
			Service: "database",
			Status:  "retry",
			Message: fmt.Sprintf("ping attempt %d/%d failed", attempt, connectAttempts),
			Err:     err,
		})
		if sleepErr := sleepBackoff(ctx, backoff); sleepErr != nil {
			err = sleepErr
			break
		}
		backoff *= 2
	}

	db.Close()
	return nil, fmt.Errorf("ping database: %w", err)
}

func ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return db.PingContext(ctx)
}
