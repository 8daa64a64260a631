package txctl

import "errors"

// StatusMessage renders a one-line description of the state for status
// displays. Idle yields an empty string.
func StatusMessage(s State) string {
	switch s.Phase {
	case PhaseAwaitingSignature:
		return "Waiting for wallet signature..."
	case PhaseSubmitted:
		return "Submitting transaction..."
	case PhaseConfirming:
		return "Confirming transaction..."
	case PhaseConfirmed:
		return "Transaction confirmed!"
	case PhaseFailed:
		var txErr *Error
		if errors.As(s.LastError, &txErr) {
			return "Error: " + describe(txErr)
		}
		if s.LastError != nil {
			return "Error: " + s.LastError.Error()
		}
		return "Transaction failed"
	}
	return ""
}
