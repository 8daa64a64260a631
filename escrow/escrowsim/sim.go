// Package escrowsim is an in-memory escrow ledger. It executes escrow calls
// against local state and serves reads through the real contract ABI, so
// higher layers can be exercised without a node.
package escrowsim

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"escrowdesk/escrow"
	"escrowdesk/ledger"
)

// Agreement is the simulated on-ledger record.
type Agreement struct {
	ID        uint64
	Buyer     common.Address
	Seller    common.Address
	Arbiter   common.Address
	Amount    *big.Int
	Deposited *big.Int
	ExpiresAt time.Time
	Status    escrow.Status
	Funded    bool
}

// tuple matches the getEscrowDetails output layout.
type tuple struct {
	Id        *big.Int
	Buyer     common.Address
	Seller    common.Address
	Arbiter   common.Address
	Amount    *big.Int
	ExpiresAt *big.Int
	Status    uint8
	IsFunded  bool
}

// Ledger simulates one escrow contract and one signing account.
type Ledger struct {
	mu        sync.Mutex
	contract  common.Address
	account   common.Address
	connected bool
	now       func() time.Time

	escrows  []*Agreement
	receipts map[common.Hash]*ledger.Receipt
	reverts  map[common.Hash]string
	sent     []ledger.Call
	block    uint64
	reject   int
	sendErr  error
}

// New returns a simulator for the contract at address. The account starts
// disconnected.
func New(contract common.Address) *Ledger {
	return &Ledger{
		contract: contract,
		now:      time.Now,
		receipts: make(map[common.Hash]*ledger.Receipt),
		reverts:  make(map[common.Hash]string),
	}
}

// Connect sets the signing account.
func (l *Ledger) Connect(addr common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.account, l.connected = addr, true
}

// Disconnect clears the signing account.
func (l *Ledger) Disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.account, l.connected = common.Address{}, false
}

// SetClock replaces the simulated wall clock.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// RejectNext makes the next n sends fail as if the user declined to sign.
func (l *Ledger) RejectNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reject = n
}

// FailSends makes every send fail with err until cleared with nil.
func (l *Ledger) FailSends(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

// Seed inserts an agreement directly and returns its id.
func (l *Ledger) Seed(a Agreement) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	a.ID = uint64(len(l.escrows))
	if a.Amount == nil {
		a.Amount = new(big.Int)
	}
	if a.Deposited == nil {
		a.Deposited = new(big.Int)
		if a.Funded {
			a.Deposited.Set(a.Amount)
		}
	}
	l.escrows = append(l.escrows, &a)
	return a.ID
}

// Agreement returns a copy of the record with id.
func (l *Ledger) Agreement(id uint64) (Agreement, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id >= uint64(len(l.escrows)) {
		return Agreement{}, false
	}
	a := *l.escrows[id]
	a.Amount = new(big.Int).Set(a.Amount)
	a.Deposited = new(big.Int).Set(a.Deposited)
	return a, true
}

// Sent returns every call accepted by Send.
func (l *Ledger) Sent() []ledger.Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.Call(nil), l.sent...)
}

// Account reports the connected account.
func (l *Ledger) Account() (common.Address, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.account, l.connected
}

// Send executes call immediately. Contract-level failures do not fail the
// send; they produce a reverted receipt.
func (l *Ledger) Send(ctx context.Context, call ledger.Call) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	if err := call.Validate(); err != nil {
		return common.Hash{}, err
	}
	data, err := call.Pack()
	if err != nil {
		return common.Hash{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return common.Hash{}, ledger.ErrNoAccount
	}
	if l.sendErr != nil {
		return common.Hash{}, l.sendErr
	}
	if l.reject > 0 {
		l.reject--
		return common.Hash{}, ledger.ErrUserRejected
	}
	if call.To != l.contract {
		return common.Hash{}, fmt.Errorf("escrowsim: unknown contract %s", call.To.Hex())
	}

	l.block++
	l.sent = append(l.sent, call)
	handle := crypto.Keccak256Hash(l.account.Bytes(), new(big.Int).SetUint64(l.block).Bytes(), data)
	receipt := &ledger.Receipt{
		Handle:      handle,
		Status:      ledger.ReceiptSucceeded,
		BlockNumber: l.block,
		GasUsed:     21000,
	}
	if reason := l.execLocked(call); reason != "" {
		receipt.Status = ledger.ReceiptReverted
		l.reverts[handle] = reason
	}
	l.receipts[handle] = receipt
	return handle, nil
}

// RevertReason returns the failure recorded for a reverted handle.
func (l *Ledger) RevertReason(handle common.Hash) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reverts[handle]
}

// WaitForReceipt returns the receipt recorded by Send.
func (l *Ledger) WaitForReceipt(ctx context.Context, handle common.Hash) (*ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[handle]
	if !ok {
		return nil, fmt.Errorf("escrowsim: unknown transaction %s", handle.Hex())
	}
	cp := *r
	return &cp, nil
}

func (l *Ledger) execLocked(call ledger.Call) string {
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	now := l.now()
	switch call.Method {
	case "createEscrow", "createUnfundedEscrow":
		seller, _ := call.Args[0].(common.Address)
		arbiter, _ := call.Args[1].(common.Address)
		amount := value
		daysArg := call.Args[2]
		funded := true
		if call.Method == "createUnfundedEscrow" {
			amount, _ = call.Args[2].(*big.Int)
			daysArg = call.Args[3]
			funded = false
		}
		days, _ := daysArg.(*big.Int)
		if amount == nil || amount.Sign() <= 0 {
			return "amount must be positive"
		}
		if seller == l.account {
			return "buyer cannot be seller"
		}
		if days == nil || days.Sign() <= 0 {
			return "expiry must be positive"
		}
		deposited := new(big.Int)
		if funded {
			deposited.Set(amount)
		}
		l.escrows = append(l.escrows, &Agreement{
			ID:        uint64(len(l.escrows)),
			Buyer:     l.account,
			Seller:    seller,
			Arbiter:   arbiter,
			Amount:    new(big.Int).Set(amount),
			Deposited: deposited,
			ExpiresAt: now.Add(time.Duration(days.Int64()) * 24 * time.Hour),
			Status:    escrow.StatusPending,
			Funded:    funded,
		})
		return ""
	}

	a, reason := l.lookupLocked(call)
	if reason != "" {
		return reason
	}
	caller := l.account
	switch call.Method {
	case "depositToEscrow":
		if caller != a.Buyer {
			return "only buyer can deposit"
		}
		if a.Funded || a.Status != escrow.StatusPending {
			return "escrow already funded"
		}
		remaining := new(big.Int).Sub(a.Amount, a.Deposited)
		if value.Sign() <= 0 || value.Cmp(remaining) > 0 {
			return "invalid deposit amount"
		}
		a.Deposited.Add(a.Deposited, value)
		a.Funded = a.Deposited.Cmp(a.Amount) == 0
	case "releaseEscrow":
		if caller != a.Buyer && caller != a.Arbiter {
			return "only buyer or arbiter can release"
		}
		if !a.Funded {
			return "escrow not funded"
		}
		if !settleable(a, caller) {
			return "escrow not active"
		}
		a.Status = escrow.StatusCompleted
	case "refundEscrow":
		if caller != a.Seller && caller != a.Arbiter {
			return "only seller or arbiter can refund"
		}
		if !settleable(a, caller) {
			return "escrow not active"
		}
		a.Status = escrow.StatusRefunded
	case "refundExpiredEscrow":
		if a.Status != escrow.StatusPending {
			return "escrow not active"
		}
		if now.Before(a.ExpiresAt) {
			return "escrow not expired"
		}
		a.Status = escrow.StatusRefunded
	case "disputeEscrow":
		if caller != a.Buyer && caller != a.Seller {
			return "only parties can dispute"
		}
		if a.Status != escrow.StatusPending || !a.Funded {
			return "escrow not disputable"
		}
		if a.Arbiter == (common.Address{}) {
			return "no arbiter assigned"
		}
		a.Status = escrow.StatusDisputed
	default:
		return "unsupported method " + call.Method
	}
	return ""
}

// settleable allows parties to settle pending escrows and the arbiter to
// settle disputed ones as well.
func settleable(a *Agreement, caller common.Address) bool {
	if a.Status == escrow.StatusPending {
		return true
	}
	return a.Status == escrow.StatusDisputed && caller == a.Arbiter
}

func (l *Ledger) lookupLocked(call ledger.Call) (*Agreement, string) {
	if len(call.Args) != 1 {
		return nil, "bad arguments"
	}
	id, ok := call.Args[0].(*big.Int)
	if !ok || !id.IsUint64() || id.Uint64() >= uint64(len(l.escrows)) {
		return nil, "escrow does not exist"
	}
	return l.escrows[id.Uint64()], ""
}

// Read answers view calls.
func (l *Ledger) Read(ctx context.Context, call ledger.ReadCall) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	data, err := l.respondLocked(call)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return call.Unpack(data)
}

// BatchRead answers each call independently.
func (l *Ledger) BatchRead(ctx context.Context, calls []ledger.ReadCall) ([]ledger.ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]ledger.ReadResult, len(calls))
	for i, call := range calls {
		values, err := l.Read(ctx, call)
		out[i] = ledger.ReadResult{Values: values, Err: err}
	}
	return out, nil
}

var errExecutionReverted = errors.New("execution reverted")

func (l *Ledger) respondLocked(call ledger.ReadCall) ([]byte, error) {
	if call.ABI == nil {
		return nil, errors.New("escrowsim: abi required")
	}
	method, ok := call.ABI.Methods[call.Method]
	if !ok {
		return nil, fmt.Errorf("escrowsim: unknown method %s", call.Method)
	}
	switch call.Method {
	case "getEscrowsByUser":
		user, _ := call.Args[0].(common.Address)
		ids := []*big.Int{}
		for _, a := range l.escrows {
			if a.Buyer == user || a.Seller == user || a.Arbiter == user {
				ids = append(ids, new(big.Int).SetUint64(a.ID))
			}
		}
		return method.Outputs.Pack(ids)
	case "getEscrowDetails":
		a, reason := l.lookupLocked(ledger.Call{Args: call.Args})
		if reason != "" {
			return nil, fmt.Errorf("%w: %s", errExecutionReverted, reason)
		}
		return method.Outputs.Pack(tuple{
			Id:        new(big.Int).SetUint64(a.ID),
			Buyer:     a.Buyer,
			Seller:    a.Seller,
			Arbiter:   a.Arbiter,
			Amount:    new(big.Int).Set(a.Amount),
			ExpiresAt: big.NewInt(a.ExpiresAt.Unix()),
			Status:    uint8(a.Status),
			IsFunded:  a.Funded,
		})
	case "getRequiredFunds":
		a, reason := l.lookupLocked(ledger.Call{Args: call.Args})
		if reason != "" {
			return nil, fmt.Errorf("%w: %s", errExecutionReverted, reason)
		}
		return method.Outputs.Pack(new(big.Int).Sub(a.Amount, a.Deposited))
	case "getEscrowCount":
		return method.Outputs.Pack(new(big.Int).SetUint64(uint64(len(l.escrows))))
	}
	return nil, fmt.Errorf("escrowsim: unsupported read %s", call.Method)
}
