package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"escrowdesk/config"
	"escrowdesk/escrow"
	"escrowdesk/escrow/escrowsim"
	"escrowdesk/notify"
	"escrowdesk/observability/logging"
)

var (
	contractAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	buyer        = common.HexToAddress("0x1111111111111111111111111111111111111111")
	seller       = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Ledger.RPCURL = "http://unused"
	cfg.Ledger.Contract = contractAddr.Hex()
	cfg.Journal.Path = ":memory:"
	cfg.Notify.HistoryCapacity = 16
	cfg.Notify.TerminalTTL.Duration = time.Minute
	cfg.Transactions.ConfirmTimeout.Duration = time.Second
	return cfg
}

func TestAppWiresMutationThroughAllSurfaces(t *testing.T) {
	sim := escrowsim.New(contractAddr)
	sim.Connect(buyer)
	a, err := New(context.Background(), testConfig(), WithLedger(sim))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.Nil(t, a.Users)

	_, err = a.Escrow.CreateUnfunded(context.Background(), escrow.CreateParams{
		Seller: seller.Hex(), Amount: "1.5", ExpiryDays: 3,
	})
	require.NoError(t, err)

	views := a.Escrow.Cached(escrow.RoleBuyer)
	require.Len(t, views, 1)
	require.Equal(t, "1.5", views[0].AmountText)

	visible := a.Hub.Visible()
	require.Len(t, visible, 1)
	require.Equal(t, notify.KindSuccess, visible[0].Kind)
	require.Equal(t, "Unfunded escrow created successfully!", visible[0].Description)
	_, loading := a.Notifier.ActiveLoading()
	require.False(t, loading)

	attempts, err := a.Journal.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, "createUnfundedEscrow", attempts[0].Method)
	require.Equal(t, "confirmed", attempts[0].Phase)
}

func TestAppUserDirectoryOptional(t *testing.T) {
	cfg := testConfig()
	cfg.UserDir.BaseURL = "http://directory.local/api"
	a, err := New(context.Background(), cfg, WithLedger(escrowsim.New(contractAddr)))
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Users)
}

func TestAppRejectsBadContract(t *testing.T) {
	cfg := testConfig()
	cfg.Ledger.Contract = ""
	_, err := New(context.Background(), cfg, WithLedger(escrowsim.New(contractAddr)))
	require.Error(t, err)

	_, err = New(context.Background(), nil)
	require.Error(t, err)
}

func TestAppRunsExtraClosersLast(t *testing.T) {
	var closed []string
	a, err := New(context.Background(), testConfig(),
		WithLedger(escrowsim.New(contractAddr)),
		WithCloser(func() error { closed = append(closed, "log"); return nil }))
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.Equal(t, []string{"log"}, closed)

	// A failed New still releases what the caller handed over.
	closed = nil
	cfg := testConfig()
	cfg.Ledger.Contract = ""
	_, err = New(context.Background(), cfg,
		WithLedger(escrowsim.New(contractAddr)),
		WithCloser(func() error { closed = append(closed, "log"); return nil }))
	require.Error(t, err)
	require.Equal(t, []string{"log"}, closed)
}

func TestWalletAttrsMaskKeyPaths(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("wallet signer configured", walletAttrs(config.Wallet{
		Keystore:       "/home/alice/.ethereum/keystore/UTC--key.json",
		PrivateKeyFile: "/home/alice/secrets/buyer.key",
		PrivateKeyEnv:  "ESCROWDESK_PRIVATE_KEY",
		Prompt:         true,
	})...)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, logging.RedactedValue, entry["keystore"])
	require.Equal(t, logging.RedactedValue, entry["private_key_file"])
	require.Equal(t, "ESCROWDESK_PRIVATE_KEY", entry["private_key_env"])
	require.Equal(t, false, entry["inline_key"])
	require.Equal(t, true, entry["prompt"])
	require.NotContains(t, buf.String(), "alice")
}

func TestWalletAttrsLeaveEmptyPathsEmpty(t *testing.T) {
	attrs := walletAttrs(config.Wallet{PrivateKey: "0xabc"})
	keystore := attrs[0].(slog.Attr)
	require.Equal(t, "keystore", keystore.Key)
	require.Equal(t, "", keystore.Value.String())
	inline := attrs[3].(slog.Attr)
	require.True(t, inline.Value.Bool())
}
