package escrow

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowflow/fee"
	"escrowflow/ledger"
)

const (
	buyer      = "alice"
	seller     = "bob"
	arbitrator = "judge"
	collector  = "platform"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sequentialIDs() IDGenerator {
	var n atomic.Uint64
	return func(string, string, uint64, time.Time) ID {
		var id ID
		binary.BigEndian.PutUint64(id[24:], n.Add(1))
		return id
	}
}

type fixture struct {
	svc    *Service
	store  *MemoryStore
	ledger *ledger.MemoryLedger
	fees   *fee.Config
	clock  *fakeClock
}

func newFixture(t *testing.T, bps uint32) *fixture {
	t.Helper()
	l := ledger.NewMemoryLedger()
	require.NoError(t, l.Deposit(context.Background(), buyer, 10_000_000))

	fees, err := fee.NewConfig(fee.Schedule{Bps: bps, Collector: collector})
	require.NoError(t, err)

	clock := &fakeClock{now: epoch}
	store := NewMemoryStore(l)
	svc := NewService(store, fees, NewGuard(arbitrator)).
		WithClock(clock.Now).
		WithIDGenerator(sequentialIDs())
	return &fixture{svc: svc, store: store, ledger: l, fees: fees, clock: clock}
}

func (f *fixture) balance(t *testing.T, account string) uint64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), account)
	require.NoError(t, err)
	return b
}

func (f *fixture) created(t *testing.T, amount uint64) Escrow {
	t.Helper()
	e, err := f.svc.CreateEscrow(context.Background(), buyer, CreateParams{Buyer: buyer, Seller: seller, Amount: amount})
	require.NoError(t, err)
	return e
}

func (f *fixture) funded(t *testing.T, amount uint64) Escrow {
	t.Helper()
	e := f.created(t, amount)
	e, err := f.svc.Fund(context.Background(), buyer, e.ID)
	require.NoError(t, err)
	return e
}

func (f *fixture) disputed(t *testing.T, amount uint64) Escrow {
	t.Helper()
	e := f.funded(t, amount)
	e, err := f.svc.RaiseDispute(context.Background(), seller, e.ID)
	require.NoError(t, err)
	return e
}
