package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"escrowflow/escrow"
	"escrowflow/sweep"
)

// Registry shares created escrow ids between actors.
type Registry struct {
	mu  sync.Mutex
	ids []escrow.ID
}

func (r *Registry) Add(id escrow.ID) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

// Pick returns a random id, biased toward recent ones so actors collide.
func (r *Registry) Pick(rng *rand.Rand) (escrow.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ids) == 0 {
		return escrow.ID{}, false
	}
	window := len(r.ids)
	if window > 32 {
		window = 32
	}
	return r.ids[len(r.ids)-1-rng.Intn(window)], true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// expected reports whether err is a normal outcome of contention.
func expected(err error) bool {
	return errors.Is(err, escrow.ErrInvalidState) ||
		errors.Is(err, escrow.ErrConflict) ||
		errors.Is(err, escrow.ErrTransferFailed)
}

func done(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

// outcome turns an operation error into an actor error, or nil when it is expected.
func outcome(ctx context.Context, op string, err error) error {
	if err == nil || expected(err) || ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Creator opens escrows between random pairs of parties.
func Creator(ctx context.Context, l *escrow.Service, reg *Registry, parties []string, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for !done(ctx, stop) {
		i := rng.Intn(len(parties))
		j := (i + 1 + rng.Intn(len(parties)-1)) % len(parties)
		e, err := l.CreateEscrow(ctx, parties[i], escrow.CreateParams{
			Buyer:  parties[i],
			Seller: parties[j],
			Amount: uint64(1 + rng.Intn(50_000)),
		})
		if err != nil {
			if err := outcome(ctx, "create", err); err != nil {
				return err
			}
		} else {
			reg.Add(e.ID)
		}
		pause(rng, 5, 20)
	}
	return nil
}

// Funder funds recently created escrows as their buyer.
func Funder(ctx context.Context, l *escrow.Service, reg *Registry, seed int64, stop <-chan struct{}) error {
	return onEscrow(ctx, l, reg, seed, stop, "fund", func(e escrow.Escrow, _ *rand.Rand) error {
		_, err := l.Fund(ctx, e.Buyer, e.ID)
		return err
	})
}

// Releaser confirms delivery as the buyer.
func Releaser(ctx context.Context, l *escrow.Service, reg *Registry, seed int64, stop <-chan struct{}) error {
	return onEscrow(ctx, l, reg, seed, stop, "release", func(e escrow.Escrow, _ *rand.Rand) error {
		_, err := l.Release(ctx, e.Buyer, e.ID)
		return err
	})
}

// Disputer freezes escrows as either party.
func Disputer(ctx context.Context, l *escrow.Service, reg *Registry, seed int64, stop <-chan struct{}) error {
	return onEscrow(ctx, l, reg, seed, stop, "raise_dispute", func(e escrow.Escrow, rng *rand.Rand) error {
		caller := e.Buyer
		if rng.Intn(2) == 0 {
			caller = e.Seller
		}
		_, err := l.RaiseDispute(ctx, caller, e.ID)
		return err
	})
}

// Resolver settles disputes with a random buyer share.
func Resolver(ctx context.Context, l *escrow.Service, reg *Registry, arbitrator string, seed int64, stop <-chan struct{}) error {
	return onEscrow(ctx, l, reg, seed, stop, "resolve_dispute", func(e escrow.Escrow, rng *rand.Rand) error {
		_, err := l.ResolveDispute(ctx, arbitrator, e.ID, rng.Intn(101))
		return err
	})
}

// FeeAdmin moves the fee rate around so payouts race configuration changes.
func FeeAdmin(ctx context.Context, l *escrow.Service, arbitrator string, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for !done(ctx, stop) {
		_, err := l.SetFeeRate(ctx, arbitrator, uint32(rng.Intn(1001)))
		if err := outcome(ctx, "set_fee_rate", err); err != nil {
			return err
		}
		pause(rng, 200, 300)
	}
	return nil
}

// Sweeper runs auto-release passes. The sweeper's service is expected to run
// on a clock past every deadline so it competes with manual release.
func Sweeper(ctx context.Context, s *sweep.Sweeper, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("sweep: %w", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

func onEscrow(ctx context.Context, l *escrow.Service, reg *Registry, seed int64, stop <-chan struct{}, op string, act func(escrow.Escrow, *rand.Rand) error) error {
	rng := rand.New(rand.NewSource(seed))
	for !done(ctx, stop) {
		id, ok := reg.Pick(rng)
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		e, err := l.GetEscrow(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: get: %w", op, err)
		}
		if err := outcome(ctx, op, act(e, rng)); err != nil {
			return err
		}
		pause(rng, 5, 25)
	}
	return nil
}
