package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"escrowflow/ledger"
)

// Store is the single source of truth for escrow records. CompareAndSwap is
// the only mutation path once a record exists.
type Store interface {
	Create(ctx context.Context, e Escrow) (Escrow, error)
	Get(ctx context.Context, id ID) (Escrow, error)
	// CompareAndSwap reads the record, fails with ErrInvalidState unless its
	// status is expected, and commits mutate's result together with its
	// transfers only if no other commit happened since the read.
	CompareAndSwap(ctx context.Context, id ID, expected Status, mutate Mutator) (Escrow, error)
	// ListDue returns funded, undisputed escrows whose deadline is at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Escrow, error)
}

// Transferer applies a batch of ledger legs atomically.
type Transferer interface {
	Apply(ctx context.Context, batch []ledger.Transfer) error
}

type memEntry struct {
	// commit serializes the version check, transfer and write of one record.
	commit sync.Mutex
	mu     sync.RWMutex
	rec    Escrow
}

func (m *memEntry) load() Escrow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec
}

// MemoryStore keeps records in process. Transfers go to the supplied ledger
// inside the commit section, so a failed batch leaves the record untouched.
type MemoryStore struct {
	ledger Transferer

	mu      sync.RWMutex
	entries map[ID]*memEntry
}

func NewMemoryStore(l Transferer) *MemoryStore {
	return &MemoryStore{ledger: l, entries: make(map[ID]*memEntry)}
}

func (s *MemoryStore) Create(ctx context.Context, e Escrow) (Escrow, error) {
	if err := ctx.Err(); err != nil {
		return Escrow{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; ok {
		return Escrow{}, fmt.Errorf("%w: %s", ErrAlreadyExists, e.ID.Short())
	}
	e.Version = 1
	s.entries[e.ID] = &memEntry{rec: e}
	return e, nil
}

func (s *MemoryStore) entry(id ID) (*memEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) Get(ctx context.Context, id ID) (Escrow, error) {
	if err := ctx.Err(); err != nil {
		return Escrow{}, err
	}
	m, err := s.entry(id)
	if err != nil {
		return Escrow{}, err
	}
	return m.load(), nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, id ID, expected Status, mutate Mutator) (Escrow, error) {
	if err := ctx.Err(); err != nil {
		return Escrow{}, err
	}
	m, err := s.entry(id)
	if err != nil {
		return Escrow{}, err
	}

	snapshot := m.load()
	if snapshot.Status != expected {
		return Escrow{}, fmt.Errorf("%w: escrow is %s, want %s", ErrInvalidState, snapshot.Status, expected)
	}
	mut, err := mutate(snapshot)
	if err != nil {
		return Escrow{}, err
	}
	next := mut.Next
	if err := checkSuccessor(snapshot, next); err != nil {
		return Escrow{}, err
	}

	m.commit.Lock()
	defer m.commit.Unlock()

	if m.load().Version != snapshot.Version {
		return Escrow{}, ErrConflict
	}
	if len(mut.Transfers) > 0 {
		if err := s.ledger.Apply(ctx, mut.Transfers); err != nil {
			return Escrow{}, fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
	}

	next.Version = snapshot.Version + 1
	m.mu.Lock()
	m.rec = next
	m.mu.Unlock()
	return next, nil
}

func (s *MemoryStore) snapshot() []Escrow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Escrow, 0, len(s.entries))
	for _, m := range s.entries {
		out = append(out, m.load())
	}
	return out
}

func (s *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]Escrow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var due []Escrow
	for _, e := range s.snapshot() {
		if e.Status == StatusFunded && !e.DisputeRaised && !now.Before(e.AutoReleaseDeadline) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].AutoReleaseDeadline.Before(due[j].AutoReleaseDeadline)
	})
	return truncate(due, limit), nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]Escrow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Escrow
	for _, e := range s.snapshot() {
		if e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return listKey(out[i]).Before(listKey(out[j])) })
	return truncate(out, limit), nil
}

// listKey orders disputes by when they were raised and everything else by creation.
func listKey(e Escrow) time.Time {
	if e.Status == StatusDisputed && e.DisputedAt != nil {
		return *e.DisputedAt
	}
	return e.CreatedAt
}

func truncate(list []Escrow, limit int) []Escrow {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}
