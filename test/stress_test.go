package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"escrowflow/escrow"
	"escrowflow/fee"
	"escrowflow/ledger"
	"escrowflow/notify"
	"escrowflow/sweep"
	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors per role")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", false, "terminate random backends while running")
)

const (
	arbitrator     = "judge"
	collector      = "platform"
	startingFunds  = 2_000_000
	partyCount     = 6
	stressEnvGuard = "ESCROW_STRESS"
)

func TestEscrowConcurrency(t *testing.T) {
	if os.Getenv(stressEnvGuard) == "" && os.Getenv("STRESS_TEST_PG_DSN") == "" && *flDSN == "" {
		t.Skipf("set %s=1 or -dsn to run the escrow stress test", stressEnvGuard)
	}
	seed := *flSeed

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "" || os.Getenv("STRESS_TEST_PG_DSN") != "":
		pgC, err = infra.StartPostgres16(ctx, *flDSN)
		if err != nil {
			t.Fatalf("resolve dsn: %v", err)
		}
		dsn = pgC.DSN
		usedShared = true
	case dockerAvailable(ctx):
		pgC, err = infra.StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
		dsn = pgC.DSN
	default:
		dsn, err = infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Fatalf("init local database: %v", err)
		}
		pgC = &infra.PGContainer{DSN: dsn}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()
	if err := infra.Reset(ctx, pool); err != nil {
		t.Fatalf("reset: %v", err)
	}

	parties, supply := mustSeed(t, ctx, pool)

	log := logrus.New()
	log.SetOutput(io.Discard)
	fees, err := fee.NewConfig(fee.Schedule{Bps: 50, Collector: collector})
	if err != nil {
		t.Fatalf("fee config: %v", err)
	}
	repo := fee.NewRepository(pool)
	if err := repo.Append(ctx, fees.Current()); err != nil {
		t.Fatalf("persist fee schedule: %v", err)
	}
	fees.WithPersister(repo)

	guard := escrow.NewGuard(arbitrator)
	store := escrow.NewRepository(pool, ledger.NewPGLedger(pool))
	sink := notify.NewOutboxSink(pool)
	svc := escrow.NewService(store, fees, guard).WithNotifier(sink).WithLogger(log)
	// The sweeper lives past every deadline so auto-release races manual actions.
	late := escrow.NewService(store, fees, guard).WithNotifier(sink).WithLogger(log).
		WithClock(func() time.Time { return time.Now().Add(escrow.AutoReleasePeriod + time.Hour) })
	sweeper := sweep.New(late, sweep.Config{Concurrency: 4, Batch: 50}).WithLogger(log)

	reg := &actors.Registry{}
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		base := seed + int64(i)*7919
		g.Go(func() error { return actors.Creator(ctx2, svc, reg, parties, base+1, stop) })
		g.Go(func() error { return actors.Funder(ctx2, svc, reg, base+2, stop) })
		g.Go(func() error { return actors.Releaser(ctx2, svc, reg, base+3, stop) })
		g.Go(func() error { return actors.Disputer(ctx2, svc, reg, base+4, stop) })
		g.Go(func() error { return actors.Resolver(ctx2, svc, reg, arbitrator, base+5, stop) })
	}
	g.Go(func() error { return actors.FeeAdmin(ctx2, svc, arbitrator, seed, stop) })
	g.Go(func() error { return actors.Sweeper(ctx2, sweeper, stop) })
	var term *chaos.Terminator
	if *flChaos {
		term = chaos.New(pool, infra.ApplicationName, seed)
		go term.Run(ctx2, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool, supply)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				if *flChaos {
					t.Logf("oracle query interrupted: %v", err)
					continue
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) && !*flChaos {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}

	name, row, err := oracles.Run(context.Background(), pool, supply)
	if err != nil {
		t.Fatalf("final oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, context.Background(), pool)
		t.Fatalf("Oracle %s failed after run. First row: %s (seed=%d)", name, row, seed)
	}
	t.Logf("escrows created: %d (seed=%d)", reg.Len(), seed)
	if term != nil {
		t.Logf("chaos terminated %d escrow backends", term.Killed())
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

// mustSeed credits every party and returns them with the total supply.
func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) ([]string, int64) {
	t.Helper()
	l := ledger.NewPGLedger(pool)
	parties := make([]string, 0, partyCount)
	for i := 0; i < partyCount; i++ {
		p := fmt.Sprintf("party-%d", i)
		if err := l.Deposit(ctx, p, startingFunds); err != nil {
			t.Fatalf("seed %s: %v", p, err)
		}
		parties = append(parties, p)
	}
	return parties, int64(partyCount) * startingFunds
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"escrows", `SELECT encode(id, 'hex') AS id, status, amount, version, release_kind, fee_amount FROM escrows ORDER BY updated_at DESC LIMIT 50`},
		{"escrow_timeline", `SELECT encode(escrow_id, 'hex') AS escrow_id, version, type, from_status, to_status FROM escrow_timeline ORDER BY id DESC LIMIT 50`},
		{"ledger_entries", `SELECT id, ref, from_account, to_account, amount FROM ledger_entries ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, created_at FROM outbox ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
