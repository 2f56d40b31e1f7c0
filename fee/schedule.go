// Package fee holds the platform fee schedule applied at every payout.
package fee

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"escrowflow/ledger"
)

// MaxBps caps the fee rate at 10%.
const MaxBps uint32 = 1000

var (
	// ErrConfigurationRejected signals a fee change outside the allowed bounds.
	ErrConfigurationRejected = errors.New("fee: configuration rejected")
	// ErrStale signals a concurrent change won the race to publish the next version.
	ErrStale = errors.New("fee: schedule changed concurrently")
)

// Schedule is one immutable version of the fee configuration.
type Schedule struct {
	Bps       uint32
	Collector string
	Version   uint64
	UpdatedBy string
	UpdatedAt time.Time
}

func (s Schedule) validate() error {
	if s.Bps > MaxBps {
		return fmt.Errorf("%w: rate %d bps exceeds %d", ErrConfigurationRejected, s.Bps, MaxBps)
	}
	return ValidateCollector(s.Collector)
}

// ValidateCollector rejects accounts that cannot receive fee credit: empty
// names, names containing whitespace and escrow custody accounts.
func ValidateCollector(account string) error {
	switch {
	case account == "":
		return fmt.Errorf("%w: collector required", ErrConfigurationRejected)
	case strings.IndexFunc(account, unicode.IsSpace) >= 0:
		return fmt.Errorf("%w: collector %q contains whitespace", ErrConfigurationRejected, account)
	case ledger.IsCustody(account):
		return fmt.Errorf("%w: collector %q is a custody account", ErrConfigurationRejected, account)
	}
	return nil
}

// Persister durably records each published version before it becomes visible.
type Persister interface {
	Append(ctx context.Context, s Schedule) error
}

// Config publishes the current Schedule. Reads are lock-free snapshots.
type Config struct {
	current   atomic.Pointer[Schedule]
	persister Persister
}

// NewConfig validates initial and makes it the current version. A zero
// Version is bumped to 1.
func NewConfig(initial Schedule) (*Config, error) {
	if err := initial.validate(); err != nil {
		return nil, err
	}
	if initial.Version == 0 {
		initial.Version = 1
	}
	c := &Config{}
	c.current.Store(&initial)
	return c, nil
}

// WithPersister makes every later change durable before publication.
func (c *Config) WithPersister(p Persister) *Config {
	c.persister = p
	return c
}

// Current returns the schedule in force right now.
func (c *Config) Current() Schedule {
	return *c.current.Load()
}

// SetRate publishes a new version with the given rate.
func (c *Config) SetRate(ctx context.Context, bps uint32, by string, at time.Time) (Schedule, error) {
	return c.update(ctx, func(next *Schedule) { next.Bps = bps }, by, at)
}

// SetCollector publishes a new version with the given collector account.
func (c *Config) SetCollector(ctx context.Context, collector string, by string, at time.Time) (Schedule, error) {
	return c.update(ctx, func(next *Schedule) { next.Collector = strings.TrimSpace(collector) }, by, at)
}

func (c *Config) update(ctx context.Context, apply func(*Schedule), by string, at time.Time) (Schedule, error) {
	prev := c.current.Load()
	next := *prev
	apply(&next)
	next.Version = prev.Version + 1
	next.UpdatedBy = by
	next.UpdatedAt = at
	if err := next.validate(); err != nil {
		return Schedule{}, err
	}

	if c.persister != nil {
		if err := c.persister.Append(ctx, next); err != nil {
			return Schedule{}, err
		}
	}
	if !c.current.CompareAndSwap(prev, &next) {
		return Schedule{}, ErrStale
	}
	return next, nil
}
