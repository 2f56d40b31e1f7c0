// Package dispute is the arbitrator's view of frozen escrows. Raising and
// resolving are delegated to the escrow Service, which owns every state
// change and its guards.
package dispute

import (
	"context"
	"fmt"

	"escrowflow/escrow"
	"escrowflow/fee"
	"escrowflow/settlement"
)

// Ledger is the part of escrow.Service disputes rely on.
type Ledger interface {
	GetEscrow(ctx context.Context, id escrow.ID) (escrow.Escrow, error)
	ListByStatus(ctx context.Context, status escrow.Status, limit int) ([]escrow.Escrow, error)
	RaiseDispute(ctx context.Context, caller string, id escrow.ID) (escrow.Escrow, error)
	ResolveDispute(ctx context.Context, caller string, id escrow.ID, buyerShare int) (escrow.Escrow, error)
	FeeSchedule() fee.Schedule
	Guard() *escrow.Guard
}

type TimelineReader interface {
	Timeline(ctx context.Context, id escrow.ID) ([]TimelineEntry, error)
}

type Service struct {
	ledger   Ledger
	timeline TimelineReader
}

// NewService builds the queue. timeline may be nil when no audit store is configured.
func NewService(ledger Ledger, timeline TimelineReader) *Service {
	return &Service{ledger: ledger, timeline: timeline}
}

// List returns open disputes, oldest first. Arbitrators only.
func (s *Service) List(ctx context.Context, caller string, limit int) ([]Case, error) {
	if err := s.ledger.Guard().AuthorizeAdmin(caller); err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	open, err := s.ledger.ListByStatus(ctx, escrow.StatusDisputed, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	out := make([]Case, 0, len(open))
	for _, e := range open {
		out = append(out, caseOf(e))
	}
	return out, nil
}

// Get returns a dispute and its audit trail to an arbitrator or either party.
func (s *Service) Get(ctx context.Context, caller string, id escrow.ID) (Case, []TimelineEntry, error) {
	e, err := s.disputed(ctx, id)
	if err != nil {
		return Case{}, nil, err
	}
	if err := s.ledger.Guard().Authorize(e, caller, escrow.RoleBuyer, escrow.RoleSeller, escrow.RoleArbitrator); err != nil {
		return Case{}, nil, fmt.Errorf("dispute: get: %w", err)
	}
	if s.timeline == nil {
		return caseOf(e), nil, nil
	}
	entries, err := s.timeline.Timeline(ctx, id)
	if err != nil {
		return Case{}, nil, err
	}
	return caseOf(e), entries, nil
}

// Preview computes the split a resolution would pay right now without committing it.
func (s *Service) Preview(ctx context.Context, caller string, id escrow.ID, buyerShare int) (Preview, error) {
	e, err := s.disputed(ctx, id)
	if err != nil {
		return Preview{}, err
	}
	if err := s.ledger.Guard().AuthorizeResolver(e, caller); err != nil {
		return Preview{}, fmt.Errorf("dispute: preview: %w", err)
	}
	if buyerShare < 0 || buyerShare > 100 {
		return Preview{}, fmt.Errorf("dispute: preview: %w: buyer share %d outside [0, 100]", escrow.ErrInvalidInput, buyerShare)
	}
	parties := settlement.Parties{Custody: e.Custody(), Buyer: e.Buyer, Seller: e.Seller}
	p, err := settlement.Dispute(e.Amount, uint8(buyerShare), parties, s.ledger.FeeSchedule(), e.ID.String())
	if err != nil {
		return Preview{}, fmt.Errorf("dispute: preview: %w", err)
	}
	return Preview{Case: caseOf(e), BuyerShare: buyerShare, Payout: p}, nil
}

// Raise freezes a funded escrow on behalf of either party.
func (s *Service) Raise(ctx context.Context, caller string, id escrow.ID) (escrow.Escrow, error) {
	e, err := s.ledger.RaiseDispute(ctx, caller, id)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("dispute: raise: %w", err)
	}
	return e, nil
}

// Resolve splits a disputed escrow. buyerShare is a percentage in [0, 100].
func (s *Service) Resolve(ctx context.Context, caller string, id escrow.ID, buyerShare int) (escrow.Escrow, error) {
	e, err := s.ledger.ResolveDispute(ctx, caller, id, buyerShare)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("dispute: resolve: %w", err)
	}
	return e, nil
}

func (s *Service) disputed(ctx context.Context, id escrow.ID) (escrow.Escrow, error) {
	e, err := s.ledger.GetEscrow(ctx, id)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if e.Status != escrow.StatusDisputed {
		return escrow.Escrow{}, fmt.Errorf("dispute: %w: escrow %s is %s", escrow.ErrInvalidState, id.Short(), e.Status)
	}
	return e, nil
}
