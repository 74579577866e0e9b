// Package database is the Postgres access layer. Each domain area keeps
// its queries in its own file; this file owns the pool and migrations.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// ErrNotFound reports that a query matched no rows.
var ErrNotFound = errors.New("database: not found")

// DB wraps the shared connection pool.
type DB struct {
	pool *sql.DB
}

// Connect opens the pool and verifies the connection.
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}

	pool.SetMaxOpenConns(20)
	pool.SetMaxIdleConns(10)
	pool.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	log.Printf("✅ Postgres connected")
	return &DB{pool: pool}, nil
}

// NewFromPool wraps an already-open pool. Tests inject mock pools here.
func NewFromPool(pool *sql.DB) *DB {
	return &DB{pool: pool}
}

func (db *DB) Close() error {
	return db.pool.Close()
}

// Ping is used by the health endpoint.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.PingContext(ctx)
}

// Migrate applies pending schema migrations from the given directory.
func (db *DB) Migrate(migrationsDir string) error {
	driver, err := postgres.WithInstance(db.pool, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("database: migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("database: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("database: migrate up: %w", err)
	}

	log.Printf("✅ Schema migrations applied")
	return nil
}
