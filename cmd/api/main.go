package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/fee"
	"escrowflow/ledger"
	"escrowflow/logger"
	"escrowflow/metrics"
	"escrowflow/migrations"
	"escrowflow/notify"
	"escrowflow/sweep"
)

// depositFlags collects repeated -deposit account=units arguments.
type depositFlags []string

func (d *depositFlags) String() string     { return strings.Join(*d, ",") }
func (d *depositFlags) Set(v string) error { *d = append(*d, v); return nil }

type depositor interface {
	Deposit(ctx context.Context, account string, amount uint64) error
}

type app struct {
	escrows  *escrow.Service
	disputes *dispute.Service
	ledger   depositor
	ready    func(ctx context.Context) error
	close    func()
}

func main() {
	var deposits depositFlags
	tokenFor := flag.String("token", "", "print a bearer token for `principal` and exit")
	migrate := flag.Bool("migrate", false, "apply the embedded schema before serving")
	flag.Var(&deposits, "deposit", "credit `account=units` at startup (repeatable)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logg := logger.New(cfg.LogLevel, cfg.LogFormat)
	tokens := auth.NewService(cfg.JWTSecret)

	if *tokenFor != "" {
		token, err := tokens.IssueToken(*tokenFor)
		if err != nil {
			logg.WithError(err).Fatal("issue token")
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	a, err := bootstrap(ctx, cfg, logg, m, *migrate)
	if err != nil {
		logg.WithError(err).Fatal("bootstrap")
	}
	defer a.close()

	for _, d := range deposits {
		account, units, err := parseDeposit(d)
		if err != nil {
			logg.WithError(err).Fatal("parse -deposit")
		}
		if err := a.ledger.Deposit(ctx, account, units); err != nil {
			logg.WithError(err).WithField("account", account).Fatal("seed deposit")
		}
	}

	sweeper := sweep.New(a.escrows, sweep.Config{
		Interval:    cfg.SweepInterval,
		Concurrency: cfg.SweepConcurrency,
		PerSecond:   cfg.SweepRate,
		Batch:       cfg.SweepBatch,
	}).WithLogger(logg.WithField("component", "sweep")).WithMetrics(m)
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logg.WithError(err).Error("sweeper stopped")
		}
	}()

	server := &Server{
		escrowService:  a.escrows,
		disputeService: a.disputes,
		tokens:         tokens,
		limiter:        newPrincipalLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		gatherer:       prometheus.DefaultGatherer,
		metrics:        m,
		log:            logg.WithField("component", "http"),
		ready:          a.ready,
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logg.WithFields(logrus.Fields{
			"addr":      cfg.HTTPAddr,
			"in_memory": cfg.InMemory(),
			"fee_bps":   cfg.FeeBps,
		}).Info("escrow api listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logg.WithError(err).Error("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logg.WithError(err).Warn("http shutdown")
	}
	logg.Info("escrow api stopped")
}

func bootstrap(ctx context.Context, cfg config.Config, logg *logrus.Logger, m *metrics.Metrics, migrate bool) (*app, error) {
	initial := fee.Schedule{Bps: cfg.FeeBps, Collector: cfg.FeeCollector, UpdatedAt: time.Now().UTC()}
	guard := escrow.NewGuard(cfg.Arbitrators...)
	logSink := notify.NewLogSink(logg.WithField("component", "notify"))

	if cfg.InMemory() {
		logg.Warn("DATABASE_URL is empty; state is kept in memory only")
		fees, err := fee.NewConfig(initial)
		if err != nil {
			return nil, err
		}
		l := ledger.NewMemoryLedger()
		svc := escrow.NewService(escrow.NewMemoryStore(l), fees, guard).
			WithNotifier(logSink).
			WithNotifyTimeout(cfg.NotifyTimeout).
			WithLogger(logg.WithField("component", "escrow")).
			WithMetrics(m)
		return &app{
			escrows:  svc,
			disputes: dispute.NewService(svc, nil),
			ledger:   l,
			close:    func() {},
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}
	if migrate {
		if err := applySchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	fees, err := loadFees(ctx, fee.NewRepository(pool), initial)
	if err != nil {
		pool.Close()
		return nil, err
	}

	l := ledger.NewPGLedger(pool)
	svc := escrow.NewService(escrow.NewRepository(pool, l), fees, guard).
		WithNotifier(notify.Multi(logSink, notify.NewOutboxSink(pool))).
		WithNotifyTimeout(cfg.NotifyTimeout).
		WithLogger(logg.WithField("component", "escrow")).
		WithMetrics(m)
	return &app{
		escrows:  svc,
		disputes: dispute.NewService(svc, dispute.NewRepository(pool)),
		ledger:   l,
		ready:    pool.Ping,
		close:    pool.Close,
	}, nil
}

// loadFees resumes from the newest persisted schedule, or publishes initial as version 1.
func loadFees(ctx context.Context, repo *fee.PGRepository, initial fee.Schedule) (*fee.Config, error) {
	latest, err := repo.Latest(ctx)
	switch {
	case err == nil:
		initial = latest
	case errors.Is(err, fee.ErrNoSchedule):
		initial.Version = 1
		if err := repo.Append(ctx, initial); err != nil && !errors.Is(err, fee.ErrStale) {
			return nil, fmt.Errorf("persist initial fee schedule: %w", err)
		}
	default:
		return nil, err
	}
	fees, err := fee.NewConfig(initial)
	if err != nil {
		return nil, err
	}
	return fees.WithPersister(repo), nil
}

func applySchema(ctx context.Context, pool *pgxpool.Pool) error {
	schema, err := migrations.All()
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func parseDeposit(v string) (string, uint64, error) {
	account, raw, ok := strings.Cut(v, "=")
	account = strings.TrimSpace(account)
	if !ok || account == "" {
		return "", 0, fmt.Errorf("deposit %q: want account=units", v)
	}
	units, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || units == 0 {
		return "", 0, fmt.Errorf("deposit %q: units must be a positive integer", v)
	}
	return account, units, nil
}
