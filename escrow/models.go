package escrow

import (
	"time"

	"escrowflow/ledger"
)

// AutoReleasePeriod is the fixed window after creation before funds release by default.
const AutoReleasePeriod = 7 * 24 * time.Hour

// Status is the lifecycle state of an escrow.
type Status string

const (
	StatusCreated   Status = "created"
	StatusFunded    Status = "funded"
	StatusCompleted Status = "completed"
	StatusDisputed  Status = "disputed"
	// StatusRefunded and StatusCancelled are terminal states with no current trigger.
	StatusRefunded  Status = "refunded"
	StatusCancelled Status = "cancelled"
)

// rank orders statuses; no committed transition lowers it.
func (s Status) rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusFunded:
		return 1
	case StatusDisputed:
		return 2
	case StatusCompleted, StatusRefunded, StatusCancelled:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool { return s.rank() == 3 }

// ReleaseKind records how an escrow reached Completed.
type ReleaseKind string

const (
	ReleaseManual  ReleaseKind = "manual"
	ReleaseAuto    ReleaseKind = "auto"
	ReleaseDispute ReleaseKind = "dispute"
)

// Escrow is the custody record binding buyer, seller and the held amount.
type Escrow struct {
	ID                  ID
	Buyer               string
	Seller              string
	Amount              uint64
	CreatedAt           time.Time
	AutoReleaseDeadline time.Time

	Status           Status
	DisputeRaised    bool
	DisputeInitiator string
	DisputedAt       *time.Time
	CompletedAt      *time.Time

	// Settlement outcome, set on Completed.
	ReleaseKind ReleaseKind
	BuyerShare  uint8
	FeeBps      uint32
	FeeAmount   uint64
	FeeVersion  uint64

	Version   uint64
	UpdatedAt time.Time
}

// Custody is the ledger account holding this escrow's funds.
func (e Escrow) Custody() string {
	return ledger.CustodyAccount(e.ID.String())
}
