package escrow

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"escrowdesk/ledger"
	"escrowdesk/txctl"
)

const invalidInputTitle = "Invalid input"

// CreateParams describes a new escrow.
type CreateParams struct {
	Seller     string `json:"seller"`
	Arbiter    string `json:"arbiter,omitempty"`
	Amount     string `json:"amount"`
	ExpiryDays int64  `json:"expiryDays"`
}

type createArgs struct {
	seller  common.Address
	arbiter common.Address
	amount  *big.Int
	days    *big.Int
}

// Create opens a funded escrow; the amount is sent with the call.
func (a *Aggregator) Create(ctx context.Context, p CreateParams) (*ledger.Receipt, error) {
	args, err := a.validateCreate(p)
	if err != nil {
		return nil, a.reject(err)
	}
	call := a.contract.write(methodCreate, args.amount, args.seller, args.arbiter, args.days)
	return a.submit(ctx, call, "Escrow created successfully!")
}

// CreateUnfunded opens an escrow that the buyer funds later.
func (a *Aggregator) CreateUnfunded(ctx context.Context, p CreateParams) (*ledger.Receipt, error) {
	args, err := a.validateCreate(p)
	if err != nil {
		return nil, a.reject(err)
	}
	call := a.contract.write(methodCreateUnfunded, nil, args.seller, args.arbiter, args.amount, args.days)
	return a.submit(ctx, call, "Unfunded escrow created successfully!")
}

// Deposit funds an unfunded escrow. When the escrow is the current selection
// the deposit is checked against its required funds.
func (a *Aggregator) Deposit(ctx context.Context, id uint64, amount string) (*ledger.Receipt, error) {
	if err := a.requireAccount(); err != nil {
		return nil, a.reject(err)
	}
	wei, err := ParseAmount("amount", amount)
	if err != nil {
		return nil, a.reject(err)
	}
	a.mu.Lock()
	sel := a.selection
	a.mu.Unlock()
	if sel.Selected && sel.ID == id {
		if sel.Detail != nil && sel.Detail.Funded {
			return nil, a.reject(txctl.Invalid("escrow", "escrow is already funded"))
		}
		if sel.RequiredWei != nil && wei.Cmp(sel.RequiredWei) > 0 {
			return nil, a.reject(txctl.Invalid("amount", "amount exceeds required funds of "+sel.RequiredFunds))
		}
	}
	call := a.contract.write(methodDeposit, wei, new(big.Int).SetUint64(id))
	return a.submit(ctx, call, "Deposit successful!")
}

// Release pays the seller.
func (a *Aggregator) Release(ctx context.Context, id uint64) (*ledger.Receipt, error) {
	return a.settle(ctx, methodRelease, id, "Escrow released successfully!")
}

// Refund returns the funds to the buyer.
func (a *Aggregator) Refund(ctx context.Context, id uint64) (*ledger.Receipt, error) {
	return a.settle(ctx, methodRefund, id, "Escrow refunded successfully!")
}

// RefundExpired refunds an escrow past its expiry.
func (a *Aggregator) RefundExpired(ctx context.Context, id uint64) (*ledger.Receipt, error) {
	return a.settle(ctx, methodRefundExpired, id, "Expired escrow refunded successfully!")
}

// DisputeMark flags the escrow as disputed.
func (a *Aggregator) DisputeMark(ctx context.Context, id uint64) (*ledger.Receipt, error) {
	return a.settle(ctx, methodDispute, id, "Escrow marked as disputed!")
}

// settle submits a single-id call. Eligibility is left to the ledger.
func (a *Aggregator) settle(ctx context.Context, method string, id uint64, success string) (*ledger.Receipt, error) {
	if err := a.requireAccount(); err != nil {
		return nil, a.reject(err)
	}
	return a.submit(ctx, a.contract.write(method, nil, new(big.Int).SetUint64(id)), success)
}

func (a *Aggregator) submit(ctx context.Context, call ledger.Call, success string) (*ledger.Receipt, error) {
	req, err := txctl.NewRequest(call, txctl.WithSuccessMessage(success))
	if err != nil {
		return nil, a.reject(err)
	}
	return a.ctrl.SubmitAsync(ctx, req)
}

func (a *Aggregator) validateCreate(p CreateParams) (createArgs, error) {
	if err := a.requireAccount(); err != nil {
		return createArgs{}, err
	}
	seller, err := parseAddress("seller", p.Seller, true)
	if err != nil {
		return createArgs{}, err
	}
	arbiter, err := parseAddress("arbiter", p.Arbiter, false)
	if err != nil {
		return createArgs{}, err
	}
	amount, err := ParseAmount("amount", p.Amount)
	if err != nil {
		return createArgs{}, err
	}
	if p.ExpiryDays <= 0 {
		return createArgs{}, txctl.Invalid("expiryDays", "expiry days must be greater than 0")
	}
	return createArgs{
		seller:  seller,
		arbiter: arbiter,
		amount:  amount,
		days:    big.NewInt(p.ExpiryDays),
	}, nil
}

func (a *Aggregator) requireAccount() error {
	if _, ok := a.caller(); !ok {
		return txctl.Invalid("wallet", "wallet not connected")
	}
	return nil
}

func (a *Aggregator) reject(err error) error {
	a.notifier.ShowError(invalidInputTitle, err.Error())
	return err
}

// parseAddress validates a hex address. An empty optional address is the
// zero address.
func parseAddress(field, s string, required bool) (common.Address, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		if required {
			return common.Address{}, txctl.Invalid(field, "address is required")
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, txctl.Invalid(field, "invalid address")
	}
	return common.HexToAddress(trimmed), nil
}
