package escrow

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestDeriveViewRemaining(t *testing.T) {
	base := Agreement{ID: 1, Amount: ether("0.1"), Status: StatusPending}

	active := base
	active.ExpiresAt = testNow.Add(2*24*time.Hour + 5*time.Hour + 30*time.Minute)
	v := DeriveView(active, testNow)
	require.NotNil(t, v.Remaining)
	require.Equal(t, Remaining{Days: 2, Hours: 5}, *v.Remaining)
	require.Equal(t, "2d 5h", v.RemainingText)
	require.Equal(t, "0.1", v.AmountText)
	require.Equal(t, "Pending", v.StatusText)

	expired := base
	expired.ExpiresAt = testNow.Add(-time.Minute)
	require.Nil(t, DeriveView(expired, testNow).Remaining)

	atExpiry := base
	atExpiry.ExpiresAt = testNow
	require.Nil(t, DeriveView(atExpiry, testNow).Remaining)

	settled := base
	settled.ExpiresAt = testNow.Add(time.Hour)
	settled.Status = StatusCompleted
	require.Nil(t, DeriveView(settled, testNow).Remaining)

	odd := base
	odd.Status = Status(9)
	require.Equal(t, "Unknown", DeriveView(odd, testNow).StatusText)
}

func TestDecodeClampsFarFutureExpiry(t *testing.T) {
	for name, expiresAt := range map[string]*big.Int{
		"beyond int64":     new(big.Int).Lsh(big.NewInt(1), 200),
		"beyond year 9999": big.NewInt(1 << 62),
	} {
		t.Run(name, func(t *testing.T) {
			a, err := decodeAgreement([]any{agreementTuple{
				Id: big.NewInt(7), Buyer: alice, Seller: bob,
				Amount: ether("1"), ExpiresAt: expiresAt, Status: uint8(StatusPending),
			}})
			require.NoError(t, err)
			require.Equal(t, maxExpiry, a.ExpiresAt)

			v := DeriveView(a, testNow)
			require.NotNil(t, v.Remaining)
			require.Positive(t, v.Remaining.Days)
		})
	}

	a, err := decodeAgreement([]any{agreementTuple{
		Id: big.NewInt(8), Amount: ether("1"), ExpiresAt: big.NewInt(testNow.Unix()),
	}})
	require.NoError(t, err)
	require.Equal(t, testNow, a.ExpiresAt)
}

func TestDeriveViewDoesNotShareAmount(t *testing.T) {
	a := Agreement{Amount: big.NewInt(10)}
	v := DeriveView(a, testNow)
	v.Amount.SetInt64(99)
	require.Equal(t, big.NewInt(10), a.Amount)
}

func TestFilterByRoleMatchesAddresses(t *testing.T) {
	lower := common.HexToAddress("0xabcdefabcdefabcdefabcdefabcdefabcdefabcd")
	views := []View{
		{Agreement: Agreement{ID: 1, Buyer: lower}},
		{Agreement: Agreement{ID: 2, Seller: lower}},
	}
	mixed := common.HexToAddress("0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD")
	require.Equal(t, []uint64{1}, ids(FilterByRole(views, RoleBuyer, mixed)))
	require.Empty(t, FilterByRole(views, RoleArbiter, mixed))
	require.Len(t, FilterByRole(views, RoleAll, mixed), 2)
}

func TestParseRole(t *testing.T) {
	for in, want := range map[string]Role{"": RoleAll, "Buyer": RoleBuyer, "seller": RoleSeller, " ARBITER ": RoleArbiter} {
		got, err := ParseRole(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseRole("owner")
	require.Error(t, err)
}

func TestAmountConversion(t *testing.T) {
	wei, err := ParseAmount("amount", "0.1")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100_000_000_000_000_000), wei)
	require.Equal(t, "0.1", FormatAmount(wei))

	wei, err = ParseAmount("amount", " 12 ")
	require.NoError(t, err)
	require.Equal(t, "12", FormatAmount(wei))
	require.Equal(t, "0", FormatAmount(nil))

	for _, bad := range []string{"", "0", "-1", "abc", "0.0000000000000000001", "1e80"} {
		_, err := ParseAmount("amount", bad)
		require.Error(t, err, bad)
	}
}
