// Package dbtest builds migrated databases for package tests.
package dbtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/yagydev/animalmela/internal/database"
	"github.com/yagydev/animalmela/internal/migration"
)

// NewSQLite returns connections to a private, migrated in-memory SQLite database.
func NewSQLite(t testing.TB) *database.Connections {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", ulid.Make().String())
	db, err := database.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := migration.Apply(context.Background(), db, "sqlite"); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return &database.Connections{Writer: db, Reader: db}
}

// StartPostgres runs a disposable postgres container and returns its DSN.
// Callers terminate the container when done.
func StartPostgres(ctx context.Context) (testcontainers.Container, string, error) {
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("animalmela"),
		postgres.WithUsername("animalmela"),
		postgres.WithPassword("animalmela"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", fmt.Errorf("start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("postgres connection string: %w", err)
	}
	return container, connStr, nil
}

// NewPostgres opens and migrates a bun handle against dsn.
func NewPostgres(ctx context.Context, dsn string) (*database.Connections, error) {
	db, err := database.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migration.Apply(ctx, db, "postgres"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &database.Connections{Writer: db, Reader: db}, nil
}
