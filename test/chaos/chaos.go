// Package chaos interrupts escrow work in the stress run by killing the
// Postgres backends that hold escrow or ledger row locks.
package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// victimSQL picks one backend of the stress pool that is mid-transaction on
// escrow state and terminates it. The caller's own backend is never chosen.
const victimSQL = `
WITH victim AS (
    SELECT a.pid
    FROM pg_stat_activity a
    WHERE a.datname = current_database()
      AND a.application_name = $1
      AND a.pid <> pg_backend_pid()
      AND a.state IN ('active', 'idle in transaction')
      AND EXISTS (
          SELECT 1 FROM pg_locks l
          WHERE l.pid = a.pid
            AND l.relation IN (to_regclass('escrows'), to_regclass('ledger_balances'))
      )
    ORDER BY random()
    LIMIT 1
)
SELECT count(*) FROM victim WHERE pg_terminate_backend(pid)`

// Terminator kills escrow backends of one application at random ticks.
// In-flight transitions must roll back without breaking conservation.
type Terminator struct {
	pool   *pgxpool.Pool
	app    string
	rng    *rand.Rand
	every  time.Duration
	killed atomic.Int64
}

// New targets backends whose application_name is app. seed makes the
// firing pattern reproducible alongside the stress seed.
func New(pool *pgxpool.Pool, app string, seed int64) *Terminator {
	return &Terminator{pool: pool, app: app, rng: rand.New(rand.NewSource(seed)), every: 2 * time.Second}
}

// Run fires on roughly one tick in five until ctx ends or stop closes.
func (t *Terminator) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(t.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if t.rng.Intn(5) != 0 {
				continue
			}
			var n int64
			if err := t.pool.QueryRow(ctx, victimSQL, t.app).Scan(&n); err == nil {
				t.killed.Add(n)
			}
		}
	}
}

// Killed reports how many backends Run has terminated so far.
func (t *Terminator) Killed() int64 { return t.killed.Load() }
