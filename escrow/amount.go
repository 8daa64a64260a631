package escrow

import (
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"escrowdesk/txctl"
)

// Decimals is the number of fraction digits between the display unit and the
// ledger's minor unit.
const Decimals = 18

// FormatAmount renders minor units as a decimal string without trailing zeros.
func FormatAmount(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -Decimals).String()
}

// ParseAmount converts a positive decimal string into minor units. More than
// Decimals fraction digits, non-positive values and values beyond uint256 are
// rejected.
func ParseAmount(field, s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, txctl.Invalid(field, "amount is required")
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, txctl.Invalid(field, "amount must be a decimal number")
	}
	if !d.IsPositive() {
		return nil, txctl.Invalid(field, "amount must be greater than 0")
	}
	scaled := d.Shift(Decimals)
	if !scaled.IsInteger() {
		return nil, txctl.Invalid(field, "amount has more than 18 fraction digits")
	}
	wei := scaled.BigInt()
	if _, overflow := uint256.FromBig(wei); overflow {
		return nil, txctl.Invalid(field, "amount is too large")
	}
	return wei, nil
}
