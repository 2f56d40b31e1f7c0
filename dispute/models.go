package dispute

import (
	"encoding/json"
	"time"

	"escrowflow/escrow"
	"escrowflow/settlement"
)

// Case is an escrow frozen in Disputed, as an arbitrator sees it.
type Case struct {
	EscrowID  escrow.ID
	Buyer     string
	Seller    string
	Amount    uint64
	Initiator string
	RaisedAt  time.Time
	Deadline  time.Time
}

// Preview is the payout a resolution would produce under the current fee schedule.
type Preview struct {
	Case       Case
	BuyerShare int
	Payout     settlement.Payout
}

// TimelineEntry mirrors one escrow_timeline row.
type TimelineEntry struct {
	Version    uint64
	Type       string
	FromStatus string
	ToStatus   string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

func caseOf(e escrow.Escrow) Case {
	c := Case{
		EscrowID:  e.ID,
		Buyer:     e.Buyer,
		Seller:    e.Seller,
		Amount:    e.Amount,
		Initiator: e.DisputeInitiator,
		Deadline:  e.AutoReleaseDeadline,
	}
	if e.DisputedAt != nil {
		c.RaisedAt = *e.DisputedAt
	}
	return c
}
