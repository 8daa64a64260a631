// Package escrow composes ledger reads into role-filtered views of escrow
// agreements and routes escrow mutations through the transaction controller.
package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the on-ledger agreement status. Unknown raw values are kept.
type Status uint8

const (
	StatusPending Status = iota
	StatusCompleted
	StatusRefunded
	StatusDisputed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusCompleted:
		return "Completed"
	case StatusRefunded:
		return "Refunded"
	case StatusDisputed:
		return "Disputed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the agreement has been settled.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

// Role selects which side of an agreement the caller is on.
type Role uint8

const (
	RoleAll Role = iota
	RoleBuyer
	RoleSeller
	RoleArbiter
)

func (r Role) String() string {
	switch r {
	case RoleBuyer:
		return "buyer"
	case RoleSeller:
		return "seller"
	case RoleArbiter:
		return "arbiter"
	default:
		return "all"
	}
}

// ParseRole parses a role name. The empty string selects all roles.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return RoleAll, nil
	case "buyer":
		return RoleBuyer, nil
	case "seller":
		return RoleSeller, nil
	case "arbiter":
		return RoleArbiter, nil
	}
	return RoleAll, fmt.Errorf("escrow: unknown role %q", s)
}

// Agreement is one escrow record as stored on the ledger.
type Agreement struct {
	ID        uint64         `json:"id"`
	Buyer     common.Address `json:"buyer"`
	Seller    common.Address `json:"seller"`
	Arbiter   common.Address `json:"arbiter"`
	Amount    *big.Int       `json:"amountWei"`
	ExpiresAt time.Time      `json:"expiresAt"`
	Status    Status         `json:"status"`
	Funded    bool           `json:"isFunded"`
}

// HasArbiter reports whether an arbiter was appointed.
func (a Agreement) HasArbiter() bool {
	return a.Arbiter != (common.Address{})
}

// Remaining is the whole time left before expiry.
type Remaining struct {
	Days  int64 `json:"days"`
	Hours int64 `json:"hours"`
}

func (r Remaining) String() string {
	return fmt.Sprintf("%dd %dh", r.Days, r.Hours)
}

// View is an agreement plus presentation fields derived at read time.
type View struct {
	Agreement
	AmountText    string     `json:"amount"`
	Remaining     *Remaining `json:"remaining,omitempty"`
	RemainingText string     `json:"remainingTime,omitempty"`
	StatusText    string     `json:"statusText"`
}

// Selection holds the detail and required funds for the escrow chosen for a
// deposit.
type Selection struct {
	ID            uint64   `json:"id"`
	Selected      bool     `json:"selected"`
	Detail        *View    `json:"detail,omitempty"`
	RequiredFunds string   `json:"requiredFunds,omitempty"`
	RequiredWei   *big.Int `json:"requiredWei,omitempty"`
}

// Snapshot is the result of the latest successful read of the caller's
// escrows.
type Snapshot struct {
	Caller      common.Address `json:"caller"`
	IDs         []uint64       `json:"ids"`
	Views       []View         `json:"views"`
	RefreshedAt time.Time      `json:"refreshedAt"`
}
