package migrations

import (
	"context"
	"fmt"

	"market-relayer/internal/storage/postgres"
)

// RunPostgresMigrations applies the embedded markets schema. Files must be idempotent;
// they run on every relayer start.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) error {
	files, err := load(PostgresFS, "postgres")
	if err != nil {
		return err
	}
	for _, m := range files {
		if _, err := pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
	}
	return nil
}
