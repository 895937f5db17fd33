// Package tests holds integration tests that need a real PostgreSQL database.
// They skip when DATABASE_URL is not set.
package tests

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/storefront/accounts/internal/db"
)

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, database *sql.DB) error {
	return db.Migrate(ctx, database, zap.NewNop())
}

// TruncateAuthTables truncates auth-related tables for a clean test state.
func TruncateAuthTables(ctx context.Context, database *sql.DB) error {
	_, err := database.ExecContext(ctx, "TRUNCATE TABLE refresh_sessions, accounts RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("truncate auth tables: %w", err)
	}
	return nil
}
