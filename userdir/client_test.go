package userdir

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"escrowdesk/txctl"
)

type directory struct {
	mu    sync.Mutex
	users map[string]User
	posts int
}

func newDirectory(t *testing.T) (*directory, *Client) {
	t.Helper()
	d := &directory{users: make(map[string]User)}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/users/wallet/", func(w http.ResponseWriter, r *http.Request) {
		addr := strings.TrimPrefix(r.URL.Path, "/api/users/wallet/")
		d.mu.Lock()
		user, ok := d.users[strings.ToLower(addr)]
		d.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "User not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": user})
	})
	mux.HandleFunc("/api/users", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var reg Registration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		d.mu.Lock()
		d.posts++
		key := strings.ToLower(reg.WalletAddress)
		user, ok := d.users[key]
		if !ok {
			user.ID = "user-" + key[2:6]
		}
		user.Name, user.WalletAddress, user.Role = reg.Name, reg.WalletAddress, reg.Role
		d.users[key] = user
		d.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": user})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return d, New(srv.URL+"/api/", srv.Client())
}

func TestRegisterThenLookup(t *testing.T) {
	d, client := newDirectory(t)
	addr := common.HexToAddress("0x9f8f72aa9304c8b593d555f12ef6589cc3a579a2")
	ctx := context.Background()

	needs, err := client.NeedsRegistration(ctx, addr)
	require.NoError(t, err)
	require.True(t, needs)

	user, err := client.Register(ctx, Registration{Name: " Ada ", WalletAddress: addr.Hex(), Role: "retailer"})
	require.NoError(t, err)
	require.Equal(t, "Ada", user.Name)
	require.Equal(t, RoleRetailer, user.Role)

	got, err := client.Lookup(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)

	needs, err = client.NeedsRegistration(ctx, addr)
	require.NoError(t, err)
	require.False(t, needs)

	_, err = client.Register(ctx, Registration{Name: "Ada L", WalletAddress: addr.Hex(), Role: RoleLogistic})
	require.NoError(t, err)
	got, err = client.Lookup(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)
	require.Equal(t, RoleLogistic, got.Role)
	require.Equal(t, 2, d.posts)
}

func TestLookupMissing(t *testing.T) {
	_, client := newDirectory(t)
	_, err := client.Lookup(context.Background(), common.HexToAddress("0x01"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	d, client := newDirectory(t)
	valid := "0x9f8f72aa9304c8b593d555f12ef6589cc3a579a2"
	cases := map[string]Registration{
		"name":          {WalletAddress: valid, Role: RoleCustomer},
		"walletAddress": {Name: "x", WalletAddress: "0x123", Role: RoleCustomer},
		"role":          {Name: "x", WalletAddress: valid, Role: "ADMIN"},
	}
	for field, reg := range cases {
		_, err := client.Register(context.Background(), reg)
		var verr *txctl.ValidationError
		require.ErrorAs(t, err, &verr, field)
		require.Equal(t, field, verr.Field)
	}
	require.Zero(t, d.posts)
}

func TestServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"error":"Failed to get user"}`))
	}))
	defer srv.Close()
	client := New(srv.URL, nil)
	_, err := client.NeedsRegistration(context.Background(), common.HexToAddress("0x01"))
	require.ErrorContains(t, err, "Failed to get user")
}
