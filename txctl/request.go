package txctl

import (
	"math/big"
	"strings"

	"escrowdesk/ledger"
)

// Request is an immutable ledger write plus presentation metadata.
type Request struct {
	call           ledger.Call
	successMessage string
}

// RequestOption customises a request.
type RequestOption func(*Request)

// WithSuccessMessage overrides the description of the success notification.
func WithSuccessMessage(msg string) RequestOption {
	return func(r *Request) {
		r.successMessage = strings.TrimSpace(msg)
	}
}

// NewRequest validates the call and copies its arguments so later mutation by
// the caller cannot change what is submitted.
func NewRequest(call ledger.Call, opts ...RequestOption) (Request, error) {
	if _, err := call.Pack(); err != nil {
		return Request{}, Invalid("call", err.Error())
	}
	frozen := call
	frozen.Args = append([]any(nil), call.Args...)
	if call.Value != nil {
		frozen.Value = new(big.Int).Set(call.Value)
	}
	req := Request{call: frozen}
	for _, opt := range opts {
		if opt != nil {
			opt(&req)
		}
	}
	return req, nil
}

// Call returns a copy of the ledger call.
func (r Request) Call() ledger.Call {
	out := r.call
	out.Args = append([]any(nil), r.call.Args...)
	if r.call.Value != nil {
		out.Value = new(big.Int).Set(r.call.Value)
	}
	return out
}

// Method names the contract function.
func (r Request) Method() string {
	return r.call.Method
}

// SuccessMessage returns the per-request success text, if any.
func (r Request) SuccessMessage() string {
	return r.successMessage
}

func (r Request) valid() bool {
	return r.call.ABI != nil
}
