package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowdesk/ledger"
)

// FetchIDs reads the ids of every escrow the caller participates in.
func FetchIDs(ctx context.Context, r ledger.Reader, c *Contract, caller common.Address) ([]uint64, error) {
	values, err := r.Read(ctx, c.read(methodByUser, caller))
	if err != nil {
		return nil, fmt.Errorf("escrow: %s: %w", methodByUser, err)
	}
	return decodeIDs(values)
}

// FetchAgreements reads the details of every id in one batch. Records whose
// query failed are reported in the second return value and omitted from the
// first; order follows ids.
func FetchAgreements(ctx context.Context, r ledger.Reader, c *Contract, ids []uint64) ([]Agreement, map[uint64]error, error) {
	if len(ids) == 0 {
		return []Agreement{}, nil, nil
	}
	calls := make([]ledger.ReadCall, len(ids))
	for i, id := range ids {
		calls[i] = c.read(methodDetails, new(big.Int).SetUint64(id))
	}
	results, err := r.BatchRead(ctx, calls)
	if err != nil {
		return nil, nil, fmt.Errorf("escrow: %s batch: %w", methodDetails, err)
	}
	if len(results) != len(ids) {
		return nil, nil, fmt.Errorf("escrow: %s batch: expected %d results, got %d", methodDetails, len(ids), len(results))
	}
	agreements := make([]Agreement, 0, len(ids))
	var failed map[uint64]error
	for i, res := range results {
		var a Agreement
		err := res.Err
		if err == nil {
			a, err = decodeAgreement(res.Values)
		}
		if err != nil {
			if failed == nil {
				failed = make(map[uint64]error)
			}
			failed[ids[i]] = err
			continue
		}
		agreements = append(agreements, a)
	}
	return agreements, failed, nil
}

// DeriveView computes the presentation fields of a at time now.
func DeriveView(a Agreement, now time.Time) View {
	v := View{
		Agreement:  a,
		AmountText: FormatAmount(a.Amount),
		StatusText: a.Status.String(),
	}
	if a.Amount != nil {
		v.Amount = new(big.Int).Set(a.Amount)
	}
	if a.Status.Terminal() {
		return v
	}
	left := int64(a.ExpiresAt.Sub(now) / time.Second)
	if a.ExpiresAt.IsZero() || left <= 0 {
		return v
	}
	rem := Remaining{Days: left / 86400, Hours: (left % 86400) / 3600}
	v.Remaining = &rem
	v.RemainingText = rem.String()
	return v
}

// DeriveViews applies DeriveView to every agreement.
func DeriveViews(agreements []Agreement, now time.Time) []View {
	views := make([]View, len(agreements))
	for i, a := range agreements {
		views[i] = DeriveView(a, now)
	}
	return views
}

// FilterByRole keeps the views where caller holds role. Addresses compare
// case-insensitively on their hex form.
func FilterByRole(views []View, role Role, caller common.Address) []View {
	out := make([]View, 0, len(views))
	for _, v := range views {
		if matchesRole(v.Agreement, role, caller) {
			out = append(out, v)
		}
	}
	return out
}

func matchesRole(a Agreement, role Role, caller common.Address) bool {
	switch role {
	case RoleBuyer:
		return sameAddress(a.Buyer, caller)
	case RoleSeller:
		return sameAddress(a.Seller, caller)
	case RoleArbiter:
		return sameAddress(a.Arbiter, caller)
	default:
		return true
	}
}

func sameAddress(a, b common.Address) bool {
	return strings.EqualFold(a.Hex(), b.Hex())
}
