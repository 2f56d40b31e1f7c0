package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLedger stores balances in ledger_balances and journals each leg to ledger_entries.
type PGLedger struct {
	pool *pgxpool.Pool
}

func NewPGLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

// Deposit credits an external account outside of any escrow transition.
func (l *PGLedger) Deposit(ctx context.Context, account string, amount uint64) error {
	if account == "" || amount == 0 || amount > math.MaxInt64 {
		return fmt.Errorf("%w: deposit needs an account and an amount in (0, %d]", ErrTransferRejected, int64(math.MaxInt64))
	}
	if _, err := l.pool.Exec(ctx, creditSQL, account, int64(amount)); err != nil {
		return fmt.Errorf("ledger: deposit: %w", err)
	}
	return nil
}

func (l *PGLedger) Balance(ctx context.Context, account string) (uint64, error) {
	var available int64
	err := l.pool.QueryRow(ctx, `SELECT available FROM ledger_balances WHERE account = $1`, account).Scan(&available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("ledger: balance: %w", err)
	}
	return uint64(available), nil
}

// Apply runs the batch in its own transaction.
func (l *PGLedger) Apply(ctx context.Context, batch []Transfer) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := l.ApplyTx(ctx, tx, batch); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

const (
	debitSQL = `
		UPDATE ledger_balances
		SET available = available - $2,
		    updated_at = now()
		WHERE account = $1 AND available >= $2
	`
	creditSQL = `
		INSERT INTO ledger_balances (account, available)
		VALUES ($1, $2)
		ON CONFLICT (account) DO UPDATE
		SET available = ledger_balances.available + EXCLUDED.available,
		    updated_at = now()
	`
	lockSQL = `
		SELECT account FROM ledger_balances
		WHERE account = ANY($1)
		ORDER BY account
		FOR UPDATE
	`
	journalSQL = `
		INSERT INTO ledger_entries (ref, from_account, to_account, amount)
		VALUES ($1, $2, $3, $4)
	`
)

// ApplyTx applies the batch inside the caller's transaction. Nothing is visible
// until the caller commits, and a returned error means the caller must roll back.
func (l *PGLedger) ApplyTx(ctx context.Context, tx pgx.Tx, batch []Transfer) error {
	if err := validate(batch); err != nil {
		return err
	}
	if err := lockAccounts(ctx, tx, batch); err != nil {
		return err
	}
	for i, leg := range batch {
		if leg.Amount > math.MaxInt64 {
			return fmt.Errorf("%w: leg %d exceeds storable amount", ErrTransferRejected, i)
		}
		amount := int64(leg.Amount)

		tag, err := tx.Exec(ctx, debitSQL, leg.From, amount)
		if err != nil {
			return fmt.Errorf("ledger: debit %s: %w", leg.From, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: leg %d needs %d from %s", ErrInsufficientFunds, i, leg.Amount, leg.From)
		}
		if _, err := tx.Exec(ctx, creditSQL, leg.To, amount); err != nil {
			return fmt.Errorf("ledger: credit %s: %w", leg.To, err)
		}
		if _, err := tx.Exec(ctx, journalSQL, leg.Ref, leg.From, leg.To, amount); err != nil {
			return fmt.Errorf("ledger: journal leg %d: %w", i, err)
		}
	}
	return nil
}

// lockAccounts takes row locks in account order so that concurrent batches
// touching the same accounts cannot deadlock on existing rows.
func lockAccounts(ctx context.Context, tx pgx.Tx, batch []Transfer) error {
	seen := make(map[string]struct{}, len(batch)*2)
	accounts := make([]string, 0, len(batch)*2)
	for _, leg := range batch {
		for _, a := range [2]string{leg.From, leg.To} {
			if _, ok := seen[a]; !ok {
				seen[a] = struct{}{}
				accounts = append(accounts, a)
			}
		}
	}

	rows, err := tx.Query(ctx, lockSQL, accounts)
	if err != nil {
		return fmt.Errorf("ledger: lock accounts: %w", err)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ledger: lock accounts: %w", err)
	}
	return nil
}
