package escrow

import (
	"errors"

	"escrowflow/fee"
)

var (
	// ErrInvalidInput signals malformed principals or amounts.
	ErrInvalidInput = errors.New("escrow: invalid input")
	// ErrNotFound is returned when no escrow exists for the identifier.
	ErrNotFound = errors.New("escrow: not found")
	// ErrAlreadyExists signals an identifier collision on create.
	ErrAlreadyExists = errors.New("escrow: already exists")
	// ErrInvalidState signals the status or a flag guard rejected the transition.
	ErrInvalidState = errors.New("escrow: invalid state")
	// ErrUnauthorized signals the caller does not hold a role the transition requires.
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrConflict signals a concurrent commit won the compare-and-swap. Callers may retry.
	ErrConflict = errors.New("escrow: conflict")
	// ErrTransferFailed signals the ledger refused a movement; nothing was committed.
	ErrTransferFailed = errors.New("escrow: transfer failed")
	// ErrConfigurationRejected signals a fee change outside the allowed bounds.
	ErrConfigurationRejected = fee.ErrConfigurationRejected
)

// ErrorClass names the failure kind of err for metrics labels and API
// error codes. Unknown errors are "internal".
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrConfigurationRejected):
		return "configuration_rejected"
	default:
		return "internal"
	}
}
