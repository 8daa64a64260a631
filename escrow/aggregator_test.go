package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"escrowdesk/ledger"
	"escrowdesk/txctl"
)

func ids(views []View) []uint64 {
	out := make([]uint64, 0, len(views))
	for _, v := range views {
		out = append(out, v.ID)
	}
	return out
}

func TestListByRoleFiltersOnCallerRole(t *testing.T) {
	h := newHarness(t, staticAccount{addr: alice, connected: true}, ledger.FuncWriter{})
	future := testNow.Add(72 * time.Hour)
	h.chain.add(1, alice, bob, common.Address{}, "1.5", future, StatusPending, true)
	h.chain.add(2, bob, alice, carol, "2", future, StatusPending, true)
	h.chain.add(3, bob, carol, alice, "0.25", future, StatusDisputed, true)
	h.chain.add(4, bob, carol, mallory, "9", future, StatusPending, true)

	ctx := context.Background()
	buyer, err := h.agg.ListByRole(ctx, RoleBuyer)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, ids(buyer))
	require.Equal(t, "1.5", buyer[0].AmountText)
	require.False(t, buyer[0].HasArbiter())

	seller, err := h.agg.ListByRole(ctx, RoleSeller)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, ids(seller))

	arbiter, err := h.agg.ListByRole(ctx, RoleArbiter)
	require.NoError(t, err)
	require.Equal(t, []uint64{3}, ids(arbiter))
	require.Equal(t, "Disputed", arbiter[0].StatusText)

	all, err := h.agg.ListByRole(ctx, RoleAll)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, ids(all))

	require.Equal(t, 4, h.chain.count(methodByUser))
	require.Equal(t, 4, h.chain.batchCount())
	require.Equal(t, []uint64{2}, ids(h.agg.Cached(RoleSeller)))
}

func TestListByRoleWithoutAccountIsEmpty(t *testing.T) {
	h := newHarness(t, staticAccount{}, ledger.FuncWriter{})
	h.chain.add(1, alice, bob, common.Address{}, "1", testNow.Add(time.Hour), StatusPending, true)

	views, err := h.agg.ListByRole(context.Background(), RoleBuyer)
	require.NoError(t, err)
	require.Empty(t, views)
	require.NotNil(t, views)
	require.Zero(t, h.chain.count(methodByUser))
}

func TestListSkipsUnreadableRecords(t *testing.T) {
	h := newHarness(t, staticAccount{addr: alice, connected: true}, ledger.FuncWriter{})
	h.chain.add(1, alice, bob, common.Address{}, "1", testNow.Add(time.Hour), StatusPending, true)

	agreements, failed, err := FetchAgreements(context.Background(), h.chain, h.chain.contract, []uint64{1, 99})
	require.NoError(t, err)
	require.Len(t, agreements, 1)
	require.Contains(t, failed, uint64(99))
}

func TestDepositScenarioRefreshesOnce(t *testing.T) {
	var h *harness
	w := ledger.FuncWriter{
		WaitFunc: func(_ context.Context, handle common.Hash) (*ledger.Receipt, error) {
			h.chain.fund(1)
			return &ledger.Receipt{Handle: handle, Status: ledger.ReceiptSucceeded}, nil
		},
	}
	h = newHarness(t, staticAccount{addr: alice, connected: true}, w)
	h.chain.add(1, alice, bob, common.Address{}, "0.1", testNow.Add(48*time.Hour), StatusPending, false)
	ctx := context.Background()

	_, err := h.agg.ListByRole(ctx, RoleBuyer)
	require.NoError(t, err)
	sel, err := h.agg.SelectForDeposit(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "0.1", sel.RequiredFunds)
	require.False(t, sel.Detail.Funded)
	h.chain.resetCounters()

	receipt, err := h.agg.Deposit(ctx, 1, "0.1")
	require.NoError(t, err)
	require.True(t, receipt.Succeeded())

	sent := h.sent.all()
	require.Len(t, sent, 1)
	require.Equal(t, methodDeposit, sent[0].Method)
	require.Equal(t, big.NewInt(100_000_000_000_000_000), sent[0].Value)

	require.Equal(t, 1, h.chain.count(methodByUser))
	require.Equal(t, 1, h.chain.batchCount())
	require.Equal(t, 1, h.chain.count(methodDetails))
	require.Equal(t, 1, h.chain.count(methodRequiredFunds))

	cached := h.agg.Cached(RoleBuyer)
	require.Len(t, cached, 1)
	require.True(t, cached[0].Funded)
	require.True(t, h.agg.Selection().Detail.Funded)
	require.Equal(t, "0", h.agg.Selection().RequiredFunds)
	require.Equal(t, []string{"loading", "success:Deposit successful!"}, h.notes.snapshot())
	require.Equal(t, txctl.PhaseConfirmed, h.ctrl.State().Phase)
}

func TestDepositValidationNeverReachesLedger(t *testing.T) {
	h := newHarness(t, staticAccount{addr: alice, connected: true}, ledger.FuncWriter{})
	h.chain.add(1, alice, bob, common.Address{}, "0.1", testNow.Add(time.Hour), StatusPending, false)
	h.chain.add(2, alice, bob, common.Address{}, "0.1", testNow.Add(time.Hour), StatusPending, true)
	ctx := context.Background()

	_, err := h.agg.Deposit(ctx, 1, "0")
	kind, _ := txctl.KindOf(err)
	require.Equal(t, txctl.KindValidation, kind)

	_, err = h.agg.SelectForDeposit(ctx, 1)
	require.NoError(t, err)
	_, err = h.agg.Deposit(ctx, 1, "0.2")
	require.ErrorContains(t, err, "exceeds required funds")

	_, err = h.agg.SelectForDeposit(ctx, 2)
	require.NoError(t, err)
	_, err = h.agg.Deposit(ctx, 2, "0.1")
	require.ErrorContains(t, err, "already funded")

	disconnected := newHarness(t, staticAccount{}, ledger.FuncWriter{})
	_, err = disconnected.agg.Deposit(ctx, 1, "0.1")
	require.ErrorContains(t, err, "wallet not connected")

	require.Empty(t, h.sent.all())
	require.Empty(t, disconnected.sent.all())
	require.Len(t, h.notes.snapshot(), 3)
	require.Equal(t, txctl.PhaseIdle, h.ctrl.State().Phase)
}

func TestReleaseByNonPartyFailsOnLedger(t *testing.T) {
	w := ledger.FuncWriter{
		WaitFunc: func(_ context.Context, handle common.Hash) (*ledger.Receipt, error) {
			return &ledger.Receipt{Handle: handle, Status: ledger.ReceiptReverted}, nil
		},
	}
	h := newHarness(t, staticAccount{addr: mallory, connected: true}, w)
	h.chain.add(1, alice, bob, carol, "1", testNow.Add(time.Hour), StatusPending, true)

	_, err := h.agg.Release(context.Background(), 1)
	require.Error(t, err)
	var txErr *txctl.Error
	require.True(t, errors.As(err, &txErr))
	require.Equal(t, txctl.KindConfirmation, txErr.Kind)

	require.Len(t, h.sent.all(), 1)
	require.Equal(t, methodRelease, h.sent.all()[0].Method)
	require.Equal(t, txctl.PhaseFailed, h.ctrl.State().Phase)
	require.Equal(t, []string{"loading", "error:Transaction reverted on the ledger"}, h.notes.snapshot())
	require.Zero(t, h.chain.count(methodByUser))
}

func TestRapidCreateUnfundedRejectsSecond(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	w := ledger.FuncWriter{
		SendFunc: func(context.Context, ledger.Call) (common.Hash, error) {
			entered <- struct{}{}
			<-release
			return common.HexToHash("0x01"), nil
		},
	}
	h := newHarness(t, staticAccount{addr: alice, connected: true}, w)
	params := CreateParams{Seller: bob.Hex(), Amount: "0.5", ExpiryDays: 7}

	first := make(chan error, 1)
	go func() {
		_, err := h.agg.CreateUnfunded(context.Background(), params)
		first <- err
	}()
	<-entered

	_, err := h.agg.CreateUnfunded(context.Background(), params)
	require.ErrorIs(t, err, txctl.ErrBusy)

	close(release)
	require.NoError(t, <-first)

	sent := h.sent.all()
	require.Len(t, sent, 1)
	require.Equal(t, methodCreateUnfunded, sent[0].Method)
	require.Nil(t, sent[0].Value)
	require.Equal(t, []any{bob, common.Address{}, ether("0.5"), big.NewInt(7)}, sent[0].Args)
	require.Equal(t, []string{"loading", "success:Unfunded escrow created successfully!"}, h.notes.snapshot())
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, staticAccount{addr: alice, connected: true}, ledger.FuncWriter{})
	ctx := context.Background()

	cases := []struct {
		name   string
		params CreateParams
		field  string
	}{
		{"missing seller", CreateParams{Amount: "1", ExpiryDays: 1}, "seller"},
		{"bad seller", CreateParams{Seller: "0x1234", Amount: "1", ExpiryDays: 1}, "seller"},
		{"bad arbiter", CreateParams{Seller: bob.Hex(), Arbiter: "carol", Amount: "1", ExpiryDays: 1}, "arbiter"},
		{"zero amount", CreateParams{Seller: bob.Hex(), Amount: "0", ExpiryDays: 1}, "amount"},
		{"too precise", CreateParams{Seller: bob.Hex(), Amount: "0.0000000000000000001", ExpiryDays: 1}, "amount"},
		{"zero days", CreateParams{Seller: bob.Hex(), Amount: "1", ExpiryDays: 0}, "expiryDays"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.agg.Create(ctx, tc.params)
			var verr *txctl.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			require.Equal(t, tc.field, verr.Field)
		})
	}
	require.Empty(t, h.sent.all())
	require.Len(t, h.notes.snapshot(), len(cases))

	receipt, err := h.agg.Create(ctx, CreateParams{Seller: bob.Hex(), Arbiter: carol.Hex(), Amount: "2", ExpiryDays: 30})
	require.NoError(t, err)
	require.True(t, receipt.Succeeded())
	sent := h.sent.all()
	require.Equal(t, methodCreate, sent[0].Method)
	require.Equal(t, ether("2"), sent[0].Value)
	require.Equal(t, []any{bob, carol, big.NewInt(30)}, sent[0].Args)
}

func TestSettlementMethodsAndMessages(t *testing.T) {
	h := newHarness(t, staticAccount{addr: alice, connected: true}, ledger.FuncWriter{})
	ctx := context.Background()
	steps := []struct {
		run     func(context.Context, uint64) (*ledger.Receipt, error)
		method  string
		message string
	}{
		{h.agg.Release, methodRelease, "Escrow released successfully!"},
		{h.agg.Refund, methodRefund, "Escrow refunded successfully!"},
		{h.agg.RefundExpired, methodRefundExpired, "Expired escrow refunded successfully!"},
		{h.agg.DisputeMark, methodDispute, "Escrow marked as disputed!"},
	}
	for i, step := range steps {
		_, err := step.run(ctx, 5)
		require.NoError(t, err)
		sent := h.sent.all()
		require.Equal(t, step.method, sent[i].Method)
		require.Equal(t, []any{big.NewInt(5)}, sent[i].Args)
		notes := h.notes.snapshot()
		require.Equal(t, "success:"+step.message, notes[len(notes)-1])
	}
}

func TestSupersededSelectionIsDiscarded(t *testing.T) {
	h := newHarness(t, staticAccount{addr: alice, connected: true}, ledger.FuncWriter{})
	h.chain.add(1, alice, bob, common.Address{}, "1", testNow.Add(time.Hour), StatusPending, false)
	h.chain.add(2, alice, bob, common.Address{}, "2", testNow.Add(time.Hour), StatusPending, false)
	h.chain.blockID = 1
	h.chain.gate = make(chan struct{})
	h.chain.entered = make(chan struct{}, 1)

	first := make(chan error, 1)
	go func() {
		_, err := h.agg.SelectForDeposit(context.Background(), 1)
		first <- err
	}()
	<-h.chain.entered

	sel, err := h.agg.SelectForDeposit(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, "2", sel.RequiredFunds)

	close(h.chain.gate)
	require.ErrorIs(t, <-first, ErrSelectionChanged)
	require.Equal(t, uint64(2), h.agg.Selection().ID)
	require.Equal(t, "2", h.agg.Selection().Detail.AmountText)

	h.agg.ClearSelection()
	require.False(t, h.agg.Selection().Selected)
}

func TestStaleLoadDoesNotReplaceNewerSnapshot(t *testing.T) {
	h := newHarness(t, staticAccount{addr: alice, connected: true}, ledger.FuncWriter{})
	h.chain.add(1, alice, bob, common.Address{}, "1", testNow.Add(time.Hour), StatusPending, true)
	h.chain.gate = make(chan struct{})
	h.chain.entered = make(chan struct{}, 1)
	h.chain.holdIDs = true

	older := make(chan []View, 1)
	go func() {
		views, err := h.agg.ListByRole(context.Background(), RoleAll)
		if err != nil {
			t.Errorf("list: %v", err)
		}
		older <- views
	}()
	<-h.chain.entered

	h.chain.add(2, bob, alice, common.Address{}, "2", testNow.Add(time.Hour), StatusPending, true)
	require.NoError(t, h.agg.RefreshAll(context.Background()))
	require.Equal(t, []uint64{1, 2}, h.agg.Snapshot().IDs)

	close(h.chain.gate)
	require.Equal(t, []uint64{1}, ids(<-older))
	require.Equal(t, []uint64{1, 2}, h.agg.Snapshot().IDs)
	require.Equal(t, []uint64{1, 2}, ids(h.agg.Cached(RoleAll)))
}

func TestCount(t *testing.T) {
	h := newHarness(t, staticAccount{}, ledger.FuncWriter{})
	h.chain.add(1, alice, bob, common.Address{}, "1", testNow, StatusPending, true)
	h.chain.add(2, alice, bob, common.Address{}, "1", testNow, StatusPending, true)

	n, err := h.agg.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)
}
