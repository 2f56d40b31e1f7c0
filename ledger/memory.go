package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// MemoryLedger keeps balances in process. Each Apply call is all-or-nothing.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]uint64
	journal  []Transfer
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]uint64)}
}

// Deposit credits an external account, e.g. a buyer topping up before funding.
func (l *MemoryLedger) Deposit(_ context.Context, account string, amount uint64) error {
	if account == "" || amount == 0 {
		return fmt.Errorf("%w: deposit needs an account and a positive amount", ErrTransferRejected)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[account] > math.MaxUint64-amount {
		return fmt.Errorf("%w: deposit overflows %s", ErrTransferRejected, account)
	}
	l.balances[account] += amount
	return nil
}

func (l *MemoryLedger) Balance(_ context.Context, account string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account], nil
}

// Apply moves every leg of the batch or none of them.
func (l *MemoryLedger) Apply(ctx context.Context, batch []Transfer) error {
	if err := validate(batch); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Stage against a scratch view so a failing leg leaves balances untouched.
	staged := make(map[string]uint64, len(batch)*2)
	read := func(account string) uint64 {
		if v, ok := staged[account]; ok {
			return v
		}
		return l.balances[account]
	}
	for i, leg := range batch {
		from := read(leg.From)
		if from < leg.Amount {
			return fmt.Errorf("%w: leg %d needs %d from %s, has %d", ErrInsufficientFunds, i, leg.Amount, leg.From, from)
		}
		to := read(leg.To)
		if to > math.MaxUint64-leg.Amount {
			return fmt.Errorf("%w: leg %d overflows %s", ErrTransferRejected, i, leg.To)
		}
		staged[leg.From] = from - leg.Amount
		staged[leg.To] = to + leg.Amount
	}

	for account, v := range staged {
		l.balances[account] = v
	}
	l.journal = append(l.journal, batch...)
	return nil
}

// Journal returns a copy of every applied leg in order.
func (l *MemoryLedger) Journal() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transfer, len(l.journal))
	copy(out, l.journal)
	return out
}

// Total sums all balances. Conservation checks compare it before and after settlement.
func (l *MemoryLedger) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum uint64
	for _, v := range l.balances {
		sum += v
	}
	return sum
}
