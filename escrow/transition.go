package escrow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"escrowflow/fee"
	"escrowflow/ledger"
	"escrowflow/settlement"
)

// Event kinds emitted after a committed transition.
const (
	EventCreated         = "escrow.created"
	EventFunded          = "escrow.funded"
	EventReleased        = "escrow.released"
	EventAutoReleased    = "escrow.auto_released"
	EventDisputeRaised   = "escrow.dispute_raised"
	EventDisputeResolved = "escrow.dispute_resolved"
)

const maxPrincipalLen = 128

var edges = map[Status][]Status{
	StatusCreated:  {StatusFunded, StatusCancelled},
	StatusFunded:   {StatusCompleted, StatusDisputed},
	StatusDisputed: {StatusCompleted},
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Mutation is a successor record plus the side effects committed with it.
type Mutation struct {
	Next      Escrow
	Transfers []ledger.Transfer
	Event     string
	Fields    map[string]any

	// Payout is set when the mutation drains custody.
	Payout *settlement.Payout
}

// Mutator computes a Mutation from the snapshot read inside a compare-and-swap
// attempt. It must be pure: it may run more than once and its result may be discarded.
type Mutator func(current Escrow) (Mutation, error)

// checkSuccessor rejects a mutation that rewrites immutable fields or skips the state machine.
func checkSuccessor(prev, next Escrow) error {
	if next.ID != prev.ID || next.Buyer != prev.Buyer || next.Seller != prev.Seller ||
		next.Amount != prev.Amount || !next.CreatedAt.Equal(prev.CreatedAt) ||
		!next.AutoReleaseDeadline.Equal(prev.AutoReleaseDeadline) {
		return fmt.Errorf("%w: immutable field changed", ErrInvalidState)
	}
	if !CanTransition(prev.Status, next.Status) {
		return fmt.Errorf("%w: no transition %s -> %s", ErrInvalidState, prev.Status, next.Status)
	}
	return nil
}

func validatePrincipal(field, p string) error {
	switch {
	case p == "":
		return fmt.Errorf("%w: %s required", ErrInvalidInput, field)
	case len(p) > maxPrincipalLen:
		return fmt.Errorf("%w: %s longer than %d bytes", ErrInvalidInput, field, maxPrincipalLen)
	case strings.IndexFunc(p, unicode.IsSpace) >= 0:
		return fmt.Errorf("%w: %s contains whitespace", ErrInvalidInput, field)
	case ledger.IsCustody(p):
		return fmt.Errorf("%w: %s uses the reserved custody namespace", ErrInvalidInput, field)
	}
	return nil
}

func newEscrow(id ID, buyer, seller string, amount uint64, now time.Time) (Escrow, error) {
	if err := validatePrincipal("buyer", buyer); err != nil {
		return Escrow{}, err
	}
	if err := validatePrincipal("seller", seller); err != nil {
		return Escrow{}, err
	}
	if buyer == seller {
		return Escrow{}, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidInput)
	}
	if amount == 0 {
		return Escrow{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if id.IsZero() {
		return Escrow{}, fmt.Errorf("%w: zero id", ErrInvalidInput)
	}
	return Escrow{
		ID:                  id,
		Buyer:               buyer,
		Seller:              seller,
		Amount:              amount,
		CreatedAt:           now,
		AutoReleaseDeadline: now.Add(AutoReleasePeriod),
		Status:              StatusCreated,
		UpdatedAt:           now,
	}, nil
}

func requireStatus(e Escrow, want Status) error {
	if e.Status != want {
		return fmt.Errorf("%w: escrow is %s, want %s", ErrInvalidState, e.Status, want)
	}
	return nil
}

func requireNoDispute(e Escrow) error {
	if e.DisputeRaised {
		return fmt.Errorf("%w: dispute already raised", ErrInvalidState)
	}
	return nil
}

func planFund(g *Guard, e Escrow, caller string, now time.Time) (Mutation, error) {
	if err := requireStatus(e, StatusCreated); err != nil {
		return Mutation{}, err
	}
	if err := g.Authorize(e, caller, RoleBuyer); err != nil {
		return Mutation{}, err
	}

	next := e
	next.Status = StatusFunded
	next.UpdatedAt = now
	return Mutation{
		Next: next,
		Transfers: []ledger.Transfer{
			{From: e.Buyer, To: e.Custody(), Amount: e.Amount, Ref: e.ID.String()},
		},
		Event: EventFunded,
		Fields: map[string]any{
			"buyer":  e.Buyer,
			"amount": units(e.Amount),
		},
	}, nil
}

func planRelease(g *Guard, e Escrow, caller string, now time.Time, s fee.Schedule) (Mutation, error) {
	if err := requireStatus(e, StatusFunded); err != nil {
		return Mutation{}, err
	}
	if err := g.Authorize(e, caller, RoleBuyer); err != nil {
		return Mutation{}, err
	}
	if err := requireNoDispute(e); err != nil {
		return Mutation{}, err
	}
	return completeRelease(e, now, s, ReleaseManual, EventReleased), nil
}

func planAutoRelease(e Escrow, now time.Time, s fee.Schedule) (Mutation, error) {
	if err := requireStatus(e, StatusFunded); err != nil {
		return Mutation{}, err
	}
	if now.Before(e.AutoReleaseDeadline) {
		return Mutation{}, fmt.Errorf("%w: auto-release deadline %s not reached", ErrInvalidState, e.AutoReleaseDeadline.UTC().Format(time.RFC3339))
	}
	if err := requireNoDispute(e); err != nil {
		return Mutation{}, err
	}
	return completeRelease(e, now, s, ReleaseAuto, EventAutoReleased), nil
}

func completeRelease(e Escrow, now time.Time, s fee.Schedule, kind ReleaseKind, event string) Mutation {
	p := settlement.Release(e.Amount, parties(e), s, e.ID.String())
	next := completed(e, now, p, kind)
	return Mutation{
		Next:      next,
		Transfers: p.Transfers,
		Event:     event,
		Fields:    payoutFields(p, kind),
		Payout:    &p,
	}
}

func planRaiseDispute(g *Guard, e Escrow, caller string, now time.Time) (Mutation, error) {
	if err := requireStatus(e, StatusFunded); err != nil {
		return Mutation{}, err
	}
	if err := g.Authorize(e, caller, RoleBuyer, RoleSeller); err != nil {
		return Mutation{}, err
	}
	if err := requireNoDispute(e); err != nil {
		return Mutation{}, err
	}

	at := now
	next := e
	next.Status = StatusDisputed
	next.DisputeRaised = true
	next.DisputeInitiator = caller
	next.DisputedAt = &at
	next.UpdatedAt = now
	return Mutation{
		Next:   next,
		Event:  EventDisputeRaised,
		Fields: map[string]any{"initiator": caller},
	}, nil
}

func planResolve(g *Guard, e Escrow, caller string, buyerShare int, now time.Time, s fee.Schedule) (Mutation, error) {
	if err := requireStatus(e, StatusDisputed); err != nil {
		return Mutation{}, err
	}
	if err := g.AuthorizeResolver(e, caller); err != nil {
		return Mutation{}, err
	}
	if buyerShare < 0 || buyerShare > 100 {
		return Mutation{}, fmt.Errorf("%w: buyer share %d outside [0, 100]", ErrInvalidInput, buyerShare)
	}

	p, err := settlement.Dispute(e.Amount, uint8(buyerShare), parties(e), s, e.ID.String())
	if err != nil {
		if errors.Is(err, settlement.ErrShareOutOfRange) {
			return Mutation{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return Mutation{}, err
	}
	next := completed(e, now, p, ReleaseDispute)
	next.BuyerShare = uint8(buyerShare)
	// The flag only ever clears through resolution.
	next.DisputeRaised = false

	fields := payoutFields(p, ReleaseDispute)
	fields["arbitrator"] = caller
	fields["buyer_share"] = buyerShare
	fields["buyer_amount"] = units(p.BuyerAmount)
	return Mutation{
		Next:      next,
		Transfers: p.Transfers,
		Event:     EventDisputeResolved,
		Fields:    fields,
		Payout:    &p,
	}, nil
}

func parties(e Escrow) settlement.Parties {
	return settlement.Parties{Custody: e.Custody(), Buyer: e.Buyer, Seller: e.Seller}
}

func completed(e Escrow, now time.Time, p settlement.Payout, kind ReleaseKind) Escrow {
	at := now
	next := e
	next.Status = StatusCompleted
	next.CompletedAt = &at
	next.ReleaseKind = kind
	next.FeeBps = p.FeeBps
	next.FeeAmount = p.Fee
	next.FeeVersion = p.FeeVersion
	next.UpdatedAt = now
	return next
}

func payoutFields(p settlement.Payout, kind ReleaseKind) map[string]any {
	return map[string]any{
		"release_kind": string(kind),
		"seller_net":   units(p.SellerNet),
		"fee":          units(p.Fee),
		"fee_bps":      p.FeeBps,
		"fee_version":  p.FeeVersion,
	}
}

func units(v uint64) string { return strconv.FormatUint(v, 10) }
