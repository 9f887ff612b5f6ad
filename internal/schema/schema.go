// Package schema applies the core database schema at startup.
package schema

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var ddl string

// Apply runs the embedded DDL. Every statement is IF NOT EXISTS so the call
// is safe on every boot.
func Apply(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("schema: apply: %w", err)
	}
	return nil
}
