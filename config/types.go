package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be written as "5s" in TOML or YAML.
type Duration struct {
	time.Duration

	set bool
}

// IsSet reports whether the value came from a config file, so an explicit
// "0s" can be told apart from an omitted key.
func (d Duration) IsSet() bool {
	return d.set
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := string(text)
	if raw == "" {
		d.Duration, d.set = 0, false
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration, d.set = parsed, true
	return nil
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// MarshalText renders the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Ledger configures the JSON-RPC endpoint and the escrow contract.
type Ledger struct {
	RPCURL    string  `toml:"rpc_url" yaml:"rpc_url"`
	Contract  string  `toml:"contract" yaml:"contract"`
	ChainID   uint64  `toml:"chain_id" yaml:"chain_id"`
	Network   string  `toml:"network" yaml:"network"`
	GasLimit  uint64  `toml:"gas_limit" yaml:"gas_limit"`
	RateLimit float64 `toml:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `toml:"rate_burst" yaml:"rate_burst"`

	// Confirmations is the block depth a receipt needs before it counts.
	Confirmations uint64 `toml:"confirmations" yaml:"confirmations"`
}

// Transactions tunes the transaction controller.
type Transactions struct {
	PollInterval   Duration `toml:"poll_interval" yaml:"poll_interval"`
	ConfirmTimeout Duration `toml:"confirm_timeout" yaml:"confirm_timeout"`
	TerminalDelay  Duration `toml:"terminal_delay" yaml:"terminal_delay"`
	SuccessMessage string   `toml:"success_message" yaml:"success_message"`
}

// Wallet names the signing key. Only one key location should be set.
type Wallet struct {
	PrivateKey     string `toml:"private_key" yaml:"private_key"`
	PrivateKeyEnv  string `toml:"private_key_env" yaml:"private_key_env"`
	PrivateKeyFile string `toml:"private_key_file" yaml:"private_key_file"`
	Keystore       string `toml:"keystore" yaml:"keystore"`
	PassphraseEnv  string `toml:"passphrase_env" yaml:"passphrase_env"`
	Prompt         bool   `toml:"prompt" yaml:"prompt"`
}

// UserDir points at the user directory API.
type UserDir struct {
	BaseURL string   `toml:"base_url" yaml:"base_url"`
	Timeout Duration `toml:"timeout" yaml:"timeout"`
}

// Journal configures the SQLite transaction journal.
type Journal struct {
	Path string `toml:"path" yaml:"path"`
}

// Notify configures the notification hub.
type Notify struct {
	HistoryCapacity int      `toml:"history_capacity" yaml:"history_capacity"`
	TerminalTTL     Duration `toml:"terminal_ttl" yaml:"terminal_ttl"`
}

// Log configures structured logging.
type Log struct {
	Level string `toml:"level" yaml:"level"`
	Env   string `toml:"env" yaml:"env"`
	File  string `toml:"file" yaml:"file"`
}

// API configures the local HTTP API.
type API struct {
	Listen        string  `toml:"listen" yaml:"listen"`
	JWTSecret     string  `toml:"jwt_secret" yaml:"jwt_secret"`
	JWTSecretEnv  string  `toml:"jwt_secret_env" yaml:"jwt_secret_env"`
	JWTSecretFile string  `toml:"jwt_secret_file" yaml:"jwt_secret_file"`
	JWTIssuer     string  `toml:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience   string  `toml:"jwt_audience" yaml:"jwt_audience"`
	RateLimit     float64 `toml:"rate_limit" yaml:"rate_limit"`
	RateBurst     int     `toml:"rate_burst" yaml:"rate_burst"`
}

// Telemetry configures OTLP export. An empty endpoint disables export.
type Telemetry struct {
	Endpoint string            `toml:"endpoint" yaml:"endpoint"`
	Insecure bool              `toml:"insecure" yaml:"insecure"`
	Headers  map[string]string `toml:"headers" yaml:"headers"`
	Metrics  bool              `toml:"metrics" yaml:"metrics"`
	Traces   bool              `toml:"traces" yaml:"traces"`
}
