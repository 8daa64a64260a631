package txctl

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrBusy is returned when a submission arrives while another is in flight.
	ErrBusy = errors.New("txctl: controller busy")
	// ErrStaleResponse marks a ledger result that arrived for a discarded attempt.
	ErrStaleResponse = errors.New("txctl: stale response ignored")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("txctl: controller closed")
	// ErrReverted reports that the ledger included the transaction but execution failed.
	ErrReverted = errors.New("txctl: transaction reverted")
	// ErrInvalidTransition reports an event that the current phase does not accept.
	ErrInvalidTransition = errors.New("txctl: invalid transition")
)

// Kind classifies user-visible transaction failures.
type Kind uint8

const (
	KindValidation Kind = iota + 1
	KindSignatureRejected
	KindSubmission
	KindConfirmation
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSignatureRejected:
		return "signature_rejected"
	case KindSubmission:
		return "submission"
	case KindConfirmation:
		return "confirmation"
	default:
		return "unknown"
	}
}

// Error is a lifecycle failure surfaced to the caller.
type Error struct {
	Kind   Kind
	Handle common.Hash
	Err    error
}

func (e *Error) Error() string {
	if e.Handle != (common.Hash{}) {
		return fmt.Sprintf("txctl: %s failed for %s: %v", e.Kind, e.Handle.Hex(), e.Err)
	}
	return fmt.Sprintf("txctl: %s failed: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ValidationError reports domain input rejected before reaching the ledger.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid constructs a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// KindOf extracts the failure kind from err.
func KindOf(err error) (Kind, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return KindValidation, true
	}
	var txErr *Error
	if errors.As(err, &txErr) {
		return txErr.Kind, true
	}
	return 0, false
}
