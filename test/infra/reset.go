package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Reset truncates mutable tables to provide a clean slate for the next run.
// The escrows delete guard is a row trigger, so TRUNCATE still clears it.
func Reset(ctx context.Context, pool *pgxpool.Pool) error {
	tables := []string{
		"outbox",
		"escrow_timeline",
		"ledger_entries",
		"ledger_balances",
		"fee_schedules",
		"escrows",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
