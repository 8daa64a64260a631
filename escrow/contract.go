package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"escrowdesk/ledger"
)

const contractABI = `[
{"type":"function","name":"createEscrow","stateMutability":"payable","inputs":[{"name":"seller","type":"address"},{"name":"arbiter","type":"address"},{"name":"expiryDays","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"createUnfundedEscrow","stateMutability":"nonpayable","inputs":[{"name":"seller","type":"address"},{"name":"arbiter","type":"address"},{"name":"amount","type":"uint256"},{"name":"expiryDays","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"depositToEscrow","stateMutability":"payable","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"releaseEscrow","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"refundEscrow","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"refundExpiredEscrow","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"disputeEscrow","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"getEscrowsByUser","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},
{"type":"function","name":"getEscrowDetails","stateMutability":"view","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[{"name":"","type":"tuple","internalType":"struct Escrow.EscrowAgreement","components":[
  {"name":"id","type":"uint256"},
  {"name":"buyer","type":"address"},
  {"name":"seller","type":"address"},
  {"name":"arbiter","type":"address"},
  {"name":"amount","type":"uint256"},
  {"name":"expiresAt","type":"uint256"},
  {"name":"status","type":"uint8"},
  {"name":"isFunded","type":"bool"}]}]},
{"type":"function","name":"getRequiredFunds","stateMutability":"view","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getEscrowCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

const (
	methodCreate         = "createEscrow"
	methodCreateUnfunded = "createUnfundedEscrow"
	methodDeposit        = "depositToEscrow"
	methodRelease        = "releaseEscrow"
	methodRefund         = "refundEscrow"
	methodRefundExpired  = "refundExpiredEscrow"
	methodDispute        = "disputeEscrow"
	methodByUser         = "getEscrowsByUser"
	methodDetails        = "getEscrowDetails"
	methodRequiredFunds  = "getRequiredFunds"
	methodCount          = "getEscrowCount"
)

var parsedABI = sync.OnceValues(func() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(contractABI))
})

// ABI returns the parsed escrow contract interface.
func ABI() (*abi.ABI, error) {
	parsed, err := parsedABI()
	if err != nil {
		return nil, fmt.Errorf("escrow: parse abi: %w", err)
	}
	return &parsed, nil
}

// Contract binds the escrow ABI to a deployed address.
type Contract struct {
	address common.Address
	abi     *abi.ABI
}

// NewContract binds the escrow contract at address.
func NewContract(address common.Address) (*Contract, error) {
	if address == (common.Address{}) {
		return nil, errors.New("escrow: contract address required")
	}
	parsed, err := ABI()
	if err != nil {
		return nil, err
	}
	return &Contract{address: address, abi: parsed}, nil
}

// Address returns the bound contract address.
func (c *Contract) Address() common.Address {
	return c.address
}

func (c *Contract) write(method string, value *big.Int, args ...any) ledger.Call {
	return ledger.Call{To: c.address, ABI: c.abi, Method: method, Args: args, Value: value}
}

func (c *Contract) read(method string, args ...any) ledger.ReadCall {
	return ledger.ReadCall{To: c.address, ABI: c.abi, Method: method, Args: args}
}

// agreementTuple mirrors the getEscrowDetails return tuple.
type agreementTuple struct {
	Id        *big.Int
	Buyer     common.Address
	Seller    common.Address
	Arbiter   common.Address
	Amount    *big.Int
	ExpiresAt *big.Int
	Status    uint8
	IsFunded  bool
}

// maxExpiry caps on-chain expiries that time.Time cannot represent usefully, so
// a far-future escrow reads as active rather than expired.
var (
	maxExpiry     = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)
	maxExpiryUnix = big.NewInt(maxExpiry.Unix())
)

func decodeAgreement(values []any) (a Agreement, err error) {
	if len(values) != 1 {
		return Agreement{}, fmt.Errorf("escrow: details: expected 1 value, got %d", len(values))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("escrow: details: unexpected shape: %v", r)
		}
	}()
	raw := *abi.ConvertType(values[0], new(agreementTuple)).(*agreementTuple)
	id, err := toID(raw.Id)
	if err != nil {
		return Agreement{}, err
	}
	amount := new(big.Int)
	if raw.Amount != nil {
		amount.Set(raw.Amount)
	}
	var expires time.Time
	switch {
	case raw.ExpiresAt == nil:
	case raw.ExpiresAt.Cmp(maxExpiryUnix) > 0:
		expires = maxExpiry
	default:
		expires = time.Unix(raw.ExpiresAt.Int64(), 0).UTC()
	}
	return Agreement{
		ID:        id,
		Buyer:     raw.Buyer,
		Seller:    raw.Seller,
		Arbiter:   raw.Arbiter,
		Amount:    amount,
		ExpiresAt: expires,
		Status:    Status(raw.Status),
		Funded:    raw.IsFunded,
	}, nil
}

func decodeIDs(values []any) ([]uint64, error) {
	if len(values) != 1 {
		return nil, fmt.Errorf("escrow: ids: expected 1 value, got %d", len(values))
	}
	raw, ok := values[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("escrow: ids: unexpected type %T", values[0])
	}
	ids := make([]uint64, 0, len(raw))
	for _, v := range raw {
		id, err := toID(v)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func decodeUint(values []any) (*big.Int, error) {
	if len(values) != 1 {
		return nil, fmt.Errorf("escrow: expected 1 value, got %d", len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("escrow: unexpected type %T", values[0])
	}
	return new(big.Int).Set(v), nil
}

func toID(v *big.Int) (uint64, error) {
	if v == nil || v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("escrow: id %v out of range", v)
	}
	return v.Uint64(), nil
}
