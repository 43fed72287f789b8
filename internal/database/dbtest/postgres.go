// Package dbtest starts a throwaway Postgres for store and service tests.
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/safar/go-checkout-store/internal/database"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type DB struct {
	*sql.DB
	container *postgres.PostgresContainer
}

// Start runs a postgres container and applies the embedded migrations.
func Start(ctx context.Context) (*DB, error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("connection string: %w", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := database.Migrate(db, database.DirectionUp); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &DB{DB: db, container: container}, nil
}

// Reset empties every table between tests.
func (d *DB) Reset(ctx context.Context) error {
	_, err := d.ExecContext(ctx,
		`TRUNCATE order_items, orders, cart_items, carts, products RESTART IDENTITY CASCADE`)
	if err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}

func (d *DB) Close(ctx context.Context) error {
	if err := d.DB.Close(); err != nil {
		return err
	}
	return d.container.Terminate(ctx)
}
