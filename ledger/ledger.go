// Package ledger defines the ports the transaction controller and escrow
// aggregator use to reach the remote ledger: state-changing writes, receipt
// watching and read-only contract queries.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrUserRejected reports that the signer declined to authorise a write.
	ErrUserRejected = errors.New("ledger: user rejected the request")
	// ErrNoAccount reports that no signing account is connected.
	ErrNoAccount = errors.New("ledger: no account connected")
	// ErrInsufficientFunds reports that the account cannot cover value plus fees.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrUnreachable reports a transport failure talking to the ledger node.
	ErrUnreachable = errors.New("ledger: node unreachable")
)

// Call is an immutable description of a contract write.
type Call struct {
	To     common.Address
	ABI    *abi.ABI
	Method string
	Args   []any
	Value  *big.Int
}

// Validate checks that the call can be encoded.
func (c Call) Validate() error {
	if c.ABI == nil {
		return errors.New("ledger: call abi missing")
	}
	if c.To == (common.Address{}) {
		return errors.New("ledger: call target missing")
	}
	if _, ok := c.ABI.Methods[c.Method]; !ok {
		return fmt.Errorf("ledger: unknown method %q", c.Method)
	}
	if c.Value != nil && c.Value.Sign() < 0 {
		return errors.New("ledger: negative value")
	}
	return nil
}

// Pack encodes the call data.
func (c Call) Pack() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	data, err := c.ABI.Pack(c.Method, c.Args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", c.Method, err)
	}
	return data, nil
}

// ReadCall is a read-only contract query.
type ReadCall struct {
	To     common.Address
	ABI    *abi.ABI
	Method string
	Args   []any
}

// Pack encodes the query data.
func (c ReadCall) Pack() ([]byte, error) {
	if c.ABI == nil {
		return nil, errors.New("ledger: read abi missing")
	}
	data, err := c.ABI.Pack(c.Method, c.Args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", c.Method, err)
	}
	return data, nil
}

// Unpack decodes raw return data for the query's method.
func (c ReadCall) Unpack(data []byte) ([]any, error) {
	values, err := c.ABI.Unpack(c.Method, data)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack %s: %w", c.Method, err)
	}
	return values, nil
}

// ReadResult carries the outcome of one query inside a batch.
type ReadResult struct {
	Values []any
	Err    error
}

// ReceiptStatus mirrors the ledger execution status.
type ReceiptStatus uint8

const (
	ReceiptReverted ReceiptStatus = iota
	ReceiptSucceeded
)

func (s ReceiptStatus) String() string {
	if s == ReceiptSucceeded {
		return "succeeded"
	}
	return "reverted"
}

// Receipt is the ledger's record of an included transaction.
type Receipt struct {
	Handle      common.Hash
	Status      ReceiptStatus
	BlockNumber uint64
	GasUsed     uint64
}

// Succeeded reports whether execution completed without reverting.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == ReceiptSucceeded
}

// Writer signs and dispatches writes, returning the transaction handle.
type Writer interface {
	Send(ctx context.Context, call Call) (common.Hash, error)
}

// ReceiptWaiter blocks until the ledger includes the transaction.
type ReceiptWaiter interface {
	WaitForReceipt(ctx context.Context, handle common.Hash) (*Receipt, error)
}

// Reader performs read-only queries.
type Reader interface {
	Read(ctx context.Context, call ReadCall) ([]any, error)
	BatchRead(ctx context.Context, calls []ReadCall) ([]ReadResult, error)
}

// Signer authorises transactions on behalf of an account.
type Signer interface {
	Account() (common.Address, bool)
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// FuncWriter adapts callback functions to the Writer and ReceiptWaiter interfaces.
type FuncWriter struct {
	SendFunc func(ctx context.Context, call Call) (common.Hash, error)
	WaitFunc func(ctx context.Context, handle common.Hash) (*Receipt, error)
}

// Send delegates to the configured callback.
func (w FuncWriter) Send(ctx context.Context, call Call) (common.Hash, error) {
	if w.SendFunc == nil {
		return common.Hash{}, errors.New("ledger: send not configured")
	}
	return w.SendFunc(ctx, call)
}

// WaitForReceipt delegates to the configured callback.
func (w FuncWriter) WaitForReceipt(ctx context.Context, handle common.Hash) (*Receipt, error) {
	if w.WaitFunc == nil {
		return &Receipt{Handle: handle, Status: ReceiptSucceeded}, nil
	}
	return w.WaitFunc(ctx, handle)
}
