package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"escrowdesk/ledger"
)

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Ledger.RPCURL) == "" {
		return fmt.Errorf("ledger: rpc_url must be configured")
	}
	if _, err := url.Parse(c.Ledger.RPCURL); err != nil {
		return fmt.Errorf("ledger: rpc_url: %w", err)
	}
	if !common.IsHexAddress(c.Ledger.Contract) {
		return fmt.Errorf("ledger: contract %q is not a hex address", c.Ledger.Contract)
	}
	if !ledger.KnownNetwork(c.Ledger.Network) {
		return fmt.Errorf("ledger: unknown network %q", c.Ledger.Network)
	}
	if c.Ledger.RateLimit < 0 {
		return fmt.Errorf("ledger: rate_limit must not be negative")
	}
	if c.Transactions.PollInterval.Duration < 0 || c.Transactions.ConfirmTimeout.Duration < 0 {
		return fmt.Errorf("transactions: durations must be positive")
	}
	if c.Transactions.TerminalDelay.Duration < 0 {
		return fmt.Errorf("transactions: terminal_delay must not be negative")
	}
	keys := 0
	for _, v := range []string{c.Wallet.PrivateKey, c.Wallet.PrivateKeyEnv, c.Wallet.PrivateKeyFile, c.Wallet.Keystore} {
		if strings.TrimSpace(v) != "" {
			keys++
		}
	}
	if keys > 1 {
		return fmt.Errorf("wallet: configure only one of private_key, private_key_env, private_key_file, keystore")
	}
	if c.UserDir.BaseURL != "" {
		if u, err := url.Parse(c.UserDir.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("userdir: base_url %q is not an absolute URL", c.UserDir.BaseURL)
		}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("api: rate_limit must not be negative")
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return 0, fmt.Errorf("log: level %q: %w", level, err)
	}
	return l, nil
}
