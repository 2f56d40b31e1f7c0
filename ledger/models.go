package ledger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInsufficientFunds signals the source account cannot cover a leg.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrTransferRejected signals a malformed leg or a movement the ledger refuses.
	ErrTransferRejected = errors.New("ledger: transfer rejected")
)

const custodyPrefix = "custody:"

// Transfer is a single movement of smallest asset units between two accounts.
type Transfer struct {
	From   string
	To     string
	Amount uint64
	// Ref ties the leg to the escrow it settles. Informational only.
	Ref string
}

// CustodyAccount returns the account holding funds for the escrow identified by ref.
func CustodyAccount(ref string) string {
	return custodyPrefix + ref
}

// IsCustody reports whether the account is an escrow custody account.
func IsCustody(account string) bool {
	return strings.HasPrefix(account, custodyPrefix)
}

func validate(batch []Transfer) error {
	if len(batch) == 0 {
		return fmt.Errorf("%w: empty batch", ErrTransferRejected)
	}
	for i, leg := range batch {
		switch {
		case leg.From == "" || leg.To == "":
			return fmt.Errorf("%w: leg %d missing account", ErrTransferRejected, i)
		case leg.From == leg.To:
			return fmt.Errorf("%w: leg %d moves %s onto itself", ErrTransferRejected, i, leg.From)
		case leg.Amount == 0:
			return fmt.Errorf("%w: leg %d has zero amount", ErrTransferRejected, i)
		}
	}
	return nil
}
