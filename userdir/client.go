// Package userdir is a client for the user directory service that maps wallet
// addresses to registered profiles.
package userdir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowdesk/txctl"
)

// Role is a directory role.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleRetailer Role = "RETAILER"
	RoleLogistic Role = "LOGISTIC"
)

// ErrNotFound is returned when no profile exists for an address.
var ErrNotFound = errors.New("userdir: user not found")

var walletPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// User is a registered profile.
type User struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	WalletAddress string `json:"walletAddress"`
	Role          Role   `json:"role"`
}

// Registration is the create-or-update payload.
type Registration struct {
	Name          string `json:"name"`
	WalletAddress string `json:"walletAddress"`
	Role          Role   `json:"role"`
}

// Validate applies the directory's schema rules.
func (r Registration) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return txctl.Invalid("name", "name is required")
	}
	if !walletPattern.MatchString(r.WalletAddress) {
		return txctl.Invalid("walletAddress", "invalid wallet address")
	}
	if _, err := ParseRole(string(r.Role)); err != nil {
		return err
	}
	return nil
}

// ParseRole normalises s to a directory role.
func ParseRole(s string) (Role, error) {
	switch role := Role(strings.ToUpper(strings.TrimSpace(s))); role {
	case RoleCustomer, RoleRetailer, RoleLogistic:
		return role, nil
	}
	return "", txctl.Invalid("role", fmt.Sprintf("unknown role %q", s))
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Client talks to the directory's REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client rooted at baseURL (for example http://host/api).
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Lookup fetches the profile registered for addr.
func (c *Client) Lookup(ctx context.Context, addr common.Address) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/users/wallet/"+url.PathEscape(addr.Hex()), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Register creates or updates the profile for reg.WalletAddress.
func (c *Client) Register(ctx context.Context, reg Registration) (*User, error) {
	reg.Name = strings.TrimSpace(reg.Name)
	if role, err := ParseRole(string(reg.Role)); err == nil {
		reg.Role = role
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	var user User
	if err := c.do(ctx, http.MethodPost, "/users", reg, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// NeedsRegistration reports whether addr has no profile yet.
func (c *Client) NeedsRegistration(ctx context.Context, addr common.Address) (bool, error) {
	_, err := c.Lookup(ctx, addr)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, ErrNotFound):
		return true, nil
	default:
		return false, err
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("userdir %s %s: status=%d body=%s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("userdir %s %s: status=%d: %s", method, path, resp.StatusCode, msg)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
