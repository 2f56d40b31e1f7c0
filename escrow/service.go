package escrow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"escrowflow/fee"
	"escrowflow/metrics"
	"escrowflow/notify"
)

// autoReleaseAttempts bounds retries of the idempotent auto-release on ErrConflict.
const autoReleaseAttempts = 3

// DefaultNotifyTimeout bounds a single sink delivery after commit.
const DefaultNotifyTimeout = 3 * time.Second

const (
	EventFeeRateChanged      = "fee.rate_changed"
	EventFeeCollectorChanged = "fee.collector_changed"
)

// Service is the Escrow Ledger: it authorizes callers, plans transitions
// against the stored snapshot and commits them through the Store.
type Service struct {
	store       Store
	fees        *fee.Config
	guard       *Guard
	notifier    notify.Sink
	notifyWait  time.Duration
	log         logrus.FieldLogger
	metrics     *metrics.Metrics
	idGenerator IDGenerator
	now         func() time.Time
}

type CreateParams struct {
	Buyer  string
	Seller string
	Amount uint64
}

func NewService(store Store, fees *fee.Config, guard *Guard) *Service {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return &Service{
		store:       store,
		fees:        fees,
		guard:       guard,
		notifier:    notify.Discard,
		notifyWait:  DefaultNotifyTimeout,
		log:         discard,
		idGenerator: DeriveID,
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen IDGenerator) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithNotifier(sink notify.Sink) *Service {
	s.notifier = sink
	return s
}

// WithNotifyTimeout caps how long a committed operation waits on the sink.
// Non-positive values keep the current timeout.
func (s *Service) WithNotifyTimeout(d time.Duration) *Service {
	if d > 0 {
		s.notifyWait = d
	}
	return s
}

func (s *Service) WithLogger(log logrus.FieldLogger) *Service {
	s.log = log
	return s
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// Guard exposes the access rules for collaborators that list or preview escrows.
func (s *Service) Guard() *Guard { return s.guard }

// CreateEscrow registers a new escrow in Created. The caller must be one of the parties.
func (s *Service) CreateEscrow(ctx context.Context, caller string, p CreateParams) (Escrow, error) {
	const op = "create"
	now := s.now()
	e, err := newEscrow(s.idGenerator(p.Buyer, p.Seller, p.Amount, now), p.Buyer, p.Seller, p.Amount, now)
	if err != nil {
		return Escrow{}, s.fail(op, ID{}, err)
	}
	if caller != e.Buyer && caller != e.Seller {
		return Escrow{}, s.fail(op, e.ID, fmt.Errorf("%w: %q is not buyer or seller", ErrUnauthorized, caller))
	}

	created, err := s.store.Create(ctx, e)
	if err != nil {
		return Escrow{}, s.fail(op, e.ID, err)
	}
	s.committed(ctx, op, created, Mutation{
		Event: EventCreated,
		Fields: map[string]any{
			"buyer":      created.Buyer,
			"seller":     created.Seller,
			"amount":     units(created.Amount),
			"created_by": caller,
			"deadline":   created.AutoReleaseDeadline.UTC(),
		},
	})
	return created, nil
}

// Fund moves the amount from the buyer into custody.
func (s *Service) Fund(ctx context.Context, caller string, id ID) (Escrow, error) {
	return s.transition(ctx, "fund", id, StatusCreated, func(cur Escrow) (Mutation, error) {
		return planFund(s.guard, cur, caller, s.now())
	})
}

// Release pays the seller on the buyer's confirmation.
func (s *Service) Release(ctx context.Context, caller string, id ID) (Escrow, error) {
	return s.transition(ctx, "release", id, StatusFunded, func(cur Escrow) (Mutation, error) {
		return planRelease(s.guard, cur, caller, s.now(), s.fees.Current())
	})
}

// AutoRelease pays the seller once the deadline passed without a dispute.
// Anyone may trigger it. Lost races are retried since the outcome is the same.
func (s *Service) AutoRelease(ctx context.Context, caller string, id ID) (Escrow, error) {
	const op = "auto_release"
	plan := func(cur Escrow) (Mutation, error) {
		m, err := planAutoRelease(cur, s.now(), s.fees.Current())
		if err == nil && caller != "" {
			m.Fields["triggered_by"] = caller
		}
		return m, err
	}

	var err error
	for attempt := 1; attempt <= autoReleaseAttempts; attempt++ {
		var (
			next Escrow
			mut  Mutation
		)
		next, mut, err = s.apply(ctx, id, StatusFunded, plan)
		if err == nil {
			s.committed(ctx, op, next, mut)
			return next, nil
		}
		if !errors.Is(err, ErrConflict) {
			break
		}
		s.log.WithField("escrow_id", id.Short()).WithField("attempt", attempt).Debug("auto-release lost race, retrying")
	}
	return Escrow{}, s.fail(op, id, err)
}

// RaiseDispute freezes a funded escrow until an arbitrator resolves it.
func (s *Service) RaiseDispute(ctx context.Context, caller string, id ID) (Escrow, error) {
	return s.transition(ctx, "raise_dispute", id, StatusFunded, func(cur Escrow) (Mutation, error) {
		return planRaiseDispute(s.guard, cur, caller, s.now())
	})
}

// ResolveDispute splits the amount, buyerShare percent to the buyer and the
// rest, less the fee, to the seller.
func (s *Service) ResolveDispute(ctx context.Context, caller string, id ID, buyerShare int) (Escrow, error) {
	return s.transition(ctx, "resolve_dispute", id, StatusDisputed, func(cur Escrow) (Mutation, error) {
		return planResolve(s.guard, cur, caller, buyerShare, s.now(), s.fees.Current())
	})
}

func (s *Service) GetEscrow(ctx context.Context, id ID) (Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: get %s: %w", id.Short(), err)
	}
	return e, nil
}

// ListDue returns escrows eligible for auto-release right now.
func (s *Service) ListDue(ctx context.Context, limit int) ([]Escrow, error) {
	due, err := s.store.ListDue(ctx, s.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: list due: %w", err)
	}
	return due, nil
}

func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]Escrow, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	list, err := s.store.ListByStatus(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: list %s: %w", status, err)
	}
	return list, nil
}

// FeeSchedule returns the fee configuration in force.
func (s *Service) FeeSchedule() fee.Schedule { return s.fees.Current() }

// SetFeeRate publishes a new fee rate. Arbitrators only.
func (s *Service) SetFeeRate(ctx context.Context, caller string, bps uint32) (fee.Schedule, error) {
	if err := s.guard.AuthorizeAdmin(caller); err != nil {
		return fee.Schedule{}, s.fail("set_fee_rate", ID{}, err)
	}
	prev := s.fees.Current()
	next, err := s.fees.SetRate(ctx, bps, caller, s.now())
	if err != nil {
		return fee.Schedule{}, s.fail("set_fee_rate", ID{}, feeError(err))
	}
	s.feeChanged(ctx, "set_fee_rate", EventFeeRateChanged, next, map[string]any{
		"previous_bps": prev.Bps,
		"bps":          next.Bps,
	})
	return next, nil
}

// SetFeeCollector publishes a new fee collector account. Arbitrators only.
func (s *Service) SetFeeCollector(ctx context.Context, caller string, collector string) (fee.Schedule, error) {
	if err := s.guard.AuthorizeAdmin(caller); err != nil {
		return fee.Schedule{}, s.fail("set_fee_collector", ID{}, err)
	}
	if err := validatePrincipal("collector", collector); err != nil {
		return fee.Schedule{}, s.fail("set_fee_collector", ID{}, fmt.Errorf("%w: %v", ErrConfigurationRejected, err))
	}
	prev := s.fees.Current()
	next, err := s.fees.SetCollector(ctx, collector, caller, s.now())
	if err != nil {
		return fee.Schedule{}, s.fail("set_fee_collector", ID{}, feeError(err))
	}
	s.feeChanged(ctx, "set_fee_collector", EventFeeCollectorChanged, next, map[string]any{
		"previous_collector": prev.Collector,
		"collector":          next.Collector,
	})
	return next, nil
}

func feeError(err error) error {
	if errors.Is(err, fee.ErrStale) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

func (s *Service) transition(ctx context.Context, op string, id ID, expected Status, plan Mutator) (Escrow, error) {
	next, mut, err := s.apply(ctx, id, expected, plan)
	if err != nil {
		return Escrow{}, s.fail(op, id, err)
	}
	s.committed(ctx, op, next, mut)
	return next, nil
}

// apply runs one compare-and-swap attempt and returns the mutation that committed.
func (s *Service) apply(ctx context.Context, id ID, expected Status, plan Mutator) (Escrow, Mutation, error) {
	var planned Mutation
	next, err := s.store.CompareAndSwap(ctx, id, expected, func(cur Escrow) (Mutation, error) {
		m, err := plan(cur)
		planned = m
		return m, err
	})
	if err != nil {
		return Escrow{}, Mutation{}, err
	}
	return next, planned, nil
}

func (s *Service) fail(op string, id ID, err error) error {
	s.metrics.Transition(op, ErrorClass(err))
	if id.IsZero() {
		return fmt.Errorf("escrow: %s: %w", op, err)
	}
	return fmt.Errorf("escrow: %s %s: %w", op, id.Short(), err)
}

// committed runs only after the store made the transition visible.
func (s *Service) committed(ctx context.Context, op string, e Escrow, m Mutation) {
	s.metrics.Transition(op, "ok")
	if p := m.Payout; p != nil {
		s.metrics.Settled("buyer", p.BuyerAmount)
		s.metrics.Settled("seller", p.SellerNet)
		s.metrics.Settled("fee", p.Fee)
	}

	s.log.WithFields(logrus.Fields{
		"escrow_id": e.ID.Short(),
		"op":        op,
		"status":    e.Status,
		"version":   e.Version,
	}).Info("escrow transition committed")

	s.emit(ctx, notify.Event{Kind: m.Event, EscrowID: e.ID.String(), Fields: m.Fields, At: e.UpdatedAt})
}

func (s *Service) feeChanged(ctx context.Context, op, event string, next fee.Schedule, fields map[string]any) {
	s.metrics.Transition(op, "ok")
	fields["version"] = next.Version
	fields["updated_by"] = next.UpdatedBy
	s.log.WithFields(logrus.Fields{
		"op":      op,
		"bps":     next.Bps,
		"version": next.Version,
	}).Info("fee schedule changed")
	s.emit(ctx, notify.Event{Kind: event, Fields: fields, At: next.UpdatedAt})
}

// emit never fails the caller. The transition is already committed, so a
// sink that stalls past notifyWait is abandoned and counted as a failure.
func (s *Service) emit(ctx context.Context, ev notify.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyWait)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.notifier.Notify(ctx, ev) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		s.metrics.NotifyFailed(ev.Kind)
		s.log.WithFields(logrus.Fields{
			"event":     ev.Kind,
			"escrow_id": ev.EscrowID,
			"error":     err.Error(),
		}).Warn("notification delivery failed")
	}
}
