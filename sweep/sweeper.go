// Package sweep drives auto-release for escrows whose deadline has passed.
package sweep

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"escrowflow/escrow"
	"escrowflow/metrics"
)

// Principal identifies the sweeper in emitted events.
const Principal = "system:sweeper"

// Ledger is the part of escrow.Service the sweeper drives.
type Ledger interface {
	ListDue(ctx context.Context, limit int) ([]escrow.Escrow, error)
	AutoRelease(ctx context.Context, caller string, id escrow.ID) (escrow.Escrow, error)
}

type Config struct {
	Interval    time.Duration
	Concurrency int
	// PerSecond caps auto-release attempts per second. Zero means unlimited.
	PerSecond float64
	Batch     int
}

// Result summarises one pass.
type Result struct {
	Released int
	Skipped  int
	Failed   int
}

type Sweeper struct {
	ledger  Ledger
	cfg     Config
	limiter *rate.Limiter
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

func New(ledger Ledger, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.PerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Concurrency)
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return &Sweeper{ledger: ledger, cfg: cfg, limiter: limiter, log: discard}
}

func (s *Sweeper) WithLogger(log logrus.FieldLogger) *Sweeper {
	s.log = log
	return s
}

func (s *Sweeper) WithMetrics(m *metrics.Metrics) *Sweeper {
	s.metrics = m
	return s
}

// RunOnce auto-releases one batch of due escrows. Escrows another actor
// settled or disputed first are counted as skipped.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	due, err := s.ledger.ListDue(ctx, s.cfg.Batch)
	if err != nil {
		return Result{}, err
	}

	var released, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, e := range due {
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				return err
			}
			_, err := s.ledger.AutoRelease(gctx, Principal, e.ID)
			switch {
			case err == nil:
				released.Add(1)
				s.metrics.Swept("released")
			case errors.Is(err, escrow.ErrInvalidState), errors.Is(err, escrow.ErrConflict):
				skipped.Add(1)
				s.metrics.Swept("skipped")
			default:
				failed.Add(1)
				s.metrics.Swept("failed")
				s.log.WithField("escrow_id", e.ID.Short()).WithError(err).Warn("auto-release failed")
			}
			return nil
		})
	}
	err = g.Wait()

	res := Result{Released: int(released.Load()), Skipped: int(skipped.Load()), Failed: int(failed.Load())}
	if len(due) > 0 {
		s.log.WithFields(logrus.Fields{
			"due":      len(due),
			"released": res.Released,
			"skipped":  res.Skipped,
			"failed":   res.Failed,
		}).Info("sweep pass finished")
	}
	return res, err
}

// Run sweeps on every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Error("sweep pass aborted")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
