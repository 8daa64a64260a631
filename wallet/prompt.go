package wallet

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"escrowdesk/ledger"
)

// Summary describes a transaction awaiting approval.
type Summary struct {
	From    common.Address
	To      common.Address
	Value   *big.Int
	Gas     uint64
	Nonce   uint64
	ChainID *big.Int
}

// ConfirmFunc asks the operator to approve a transaction.
type ConfirmFunc func(ctx context.Context, s Summary) (bool, error)

// PromptSigner asks for approval before delegating to the wrapped signer.
// A refusal is reported as ledger.ErrUserRejected.
type PromptSigner struct {
	Signer  ledger.Signer
	Confirm ConfirmFunc
}

// Account delegates to the wrapped signer.
func (p *PromptSigner) Account() (common.Address, bool) {
	return p.Signer.Account()
}

// SignTx prompts, then signs.
func (p *PromptSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if p.Confirm != nil {
		from, _ := p.Signer.Account()
		var to common.Address
		if tx.To() != nil {
			to = *tx.To()
		}
		ok, err := p.Confirm(ctx, Summary{
			From:    from,
			To:      to,
			Value:   tx.Value(),
			Gas:     tx.Gas(),
			Nonce:   tx.Nonce(),
			ChainID: chainID,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ledger.ErrUserRejected, err)
		}
		if !ok {
			return nil, ledger.ErrUserRejected
		}
	}
	return p.Signer.SignTx(ctx, tx, chainID)
}

// TerminalConfirm prints s to out and reads a y/N answer from in.
func TerminalConfirm(in io.Reader, out io.Writer) ConfirmFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, s Summary) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		value := decimal.Zero
		if s.Value != nil {
			value = decimal.NewFromBigInt(s.Value, -18)
		}
		fmt.Fprintf(out, "Sign transaction\n  from:  %s\n  to:    %s\n  value: %s\n  gas:   %d\n  nonce: %d\n",
			s.From.Hex(), s.To.Hex(), value.String(), s.Gas, s.Nonce)
		fmt.Fprint(out, "Approve? [y/N]: ")
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}
