package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is an invariant phrased as a query that must return no rows.
type Oracle struct {
	Name string
	SQL  string
	// Supply marks queries that take the seeded total as $1.
	Supply bool
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_custody_matches_status",
			SQL: `SELECT encode(e.id, 'hex'), e.status, e.amount, COALESCE(b.available, 0)
                  FROM escrows e
                  LEFT JOIN ledger_balances b ON b.account = 'custody:' || encode(e.id, 'hex')
                  WHERE COALESCE(b.available, 0) <>
                        CASE WHEN e.status IN ('funded', 'disputed') THEN e.amount ELSE 0 END`,
		},
		{
			Name:   "O2_supply_conserved",
			Supply: true,
			SQL: `SELECT SUM(available) FROM ledger_balances
                  HAVING COALESCE(SUM(available), 0) <> $1`,
		},
		{
			Name: "O3_single_settlement",
			SQL: `SELECT encode(e.id, 'hex'), e.amount, COALESCE(SUM(l.amount), 0)
                  FROM escrows e
                  LEFT JOIN ledger_entries l ON l.from_account = 'custody:' || encode(e.id, 'hex')
                  WHERE e.status = 'completed'
                  GROUP BY e.id, e.amount
                  HAVING COALESCE(SUM(l.amount), 0) <> e.amount`,
		},
		{
			Name: "O4_timeline_versions",
			SQL: `SELECT encode(e.id, 'hex'), e.version, COUNT(t.id), MAX(t.version)
                  FROM escrows e
                  LEFT JOIN escrow_timeline t ON t.escrow_id = e.id
                  GROUP BY e.id, e.version
                  HAVING COUNT(t.id) <> e.version OR MAX(t.version) <> e.version`,
		},
		{
			Name: "O5_fee_arithmetic",
			SQL: `SELECT encode(id, 'hex'), release_kind, amount, buyer_share, fee_bps, fee_amount
                  FROM escrows
                  WHERE status = 'completed'
                    AND fee_amount <> CASE
                        WHEN release_kind = 'dispute'
                            THEN div((amount - div(amount::numeric * buyer_share, 100)) * fee_bps, 10000)
                        ELSE div(amount::numeric * fee_bps, 10000)
                    END`,
		},
		{
			Name: "O6_dispute_flags",
			SQL: `SELECT encode(id, 'hex'), status, dispute_raised, dispute_initiator
                  FROM escrows
                  WHERE (status = 'disputed' AND (NOT dispute_raised OR dispute_initiator NOT IN (buyer, seller)))
                     OR (status IN ('created', 'funded') AND (dispute_raised OR dispute_initiator <> ''))
                     OR (status = 'completed' AND release_kind <> 'dispute' AND dispute_initiator <> '')`,
		},
		{
			Name: "O7_monotonic_status",
			SQL: `WITH steps AS (
                      SELECT escrow_id, version, to_status,
                             LAG(to_status) OVER (PARTITION BY escrow_id ORDER BY version) AS prev
                      FROM escrow_timeline)
                  SELECT encode(escrow_id, 'hex'), version, prev, to_status FROM steps
                  WHERE prev IS NOT NULL
                    AND (prev, to_status) NOT IN (('created', 'funded'), ('funded', 'completed'),
                                                  ('funded', 'disputed'), ('disputed', 'completed'))`,
		},
		{
			Name: "O8_escrow_delete_guard",
			SQL: `SELECT 'missing_escrows_guard_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'escrows_guard_trg')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, supply int64) (string, string, error) {
	for _, o := range All() {
		var args []any
		if o.Supply {
			args = append(args, supply)
		}
		rows, err := pool.Query(ctx, o.SQL, args...)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
