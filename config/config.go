// Package config loads escrowdesk configuration from TOML or YAML files with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Ledger       Ledger       `toml:"ledger" yaml:"ledger"`
	Transactions Transactions `toml:"transactions" yaml:"transactions"`
	Wallet       Wallet       `toml:"wallet" yaml:"wallet"`
	UserDir      UserDir      `toml:"userdir" yaml:"userdir"`
	Journal      Journal      `toml:"journal" yaml:"journal"`
	Notify       Notify       `toml:"notify" yaml:"notify"`
	Log          Log          `toml:"log" yaml:"log"`
	API          API          `toml:"api" yaml:"api"`
	Telemetry    Telemetry    `toml:"telemetry" yaml:"telemetry"`
}

// Load reads the configuration at path. The format follows the extension:
// .yaml/.yml use YAML, anything else TOML. An empty path yields defaults plus
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.API.normalise(); err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Ledger.Network == "" {
		cfg.Ledger.Network = "sepolia"
	}
	if cfg.Ledger.Confirmations == 0 {
		cfg.Ledger.Confirmations = 1
	}
	if cfg.Ledger.RateBurst <= 0 {
		cfg.Ledger.RateBurst = 10
	}
	if cfg.Transactions.PollInterval.Duration == 0 {
		cfg.Transactions.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Transactions.ConfirmTimeout.Duration == 0 {
		cfg.Transactions.ConfirmTimeout.Duration = 5 * time.Minute
	}
	// "0s" shows terminal notifications immediately; only an omitted key defaults.
	if cfg.Transactions.TerminalDelay.Duration == 0 && !cfg.Transactions.TerminalDelay.IsSet() {
		cfg.Transactions.TerminalDelay.Duration = 100 * time.Millisecond
	}
	if cfg.UserDir.Timeout.Duration == 0 {
		cfg.UserDir.Timeout.Duration = 10 * time.Second
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = "escrowdesk.db"
	}
	if cfg.Notify.HistoryCapacity <= 0 {
		cfg.Notify.HistoryCapacity = 256
	}
	if cfg.Notify.TerminalTTL.Duration == 0 {
		cfg.Notify.TerminalTTL.Duration = 5 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Env == "" {
		cfg.Log.Env = "dev"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8087"
	}
	if cfg.API.JWTIssuer == "" {
		cfg.API.JWTIssuer = "escrowdesk"
	}
	if cfg.API.RateLimit == 0 {
		cfg.API.RateLimit = 20
	}
	if cfg.API.RateBurst <= 0 {
		cfg.API.RateBurst = 40
	}
}

// applyEnv overlays ESCROWDESK_* variables onto cfg.
func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"ESCROWDESK_RPC_URL":       &cfg.Ledger.RPCURL,
		"ESCROWDESK_CONTRACT":      &cfg.Ledger.Contract,
		"ESCROWDESK_NETWORK":       &cfg.Ledger.Network,
		"ESCROWDESK_USERDIR_URL":   &cfg.UserDir.BaseURL,
		"ESCROWDESK_JOURNAL_PATH":  &cfg.Journal.Path,
		"ESCROWDESK_LOG_LEVEL":     &cfg.Log.Level,
		"ESCROWDESK_LOG_FILE":      &cfg.Log.File,
		"ESCROWDESK_ENV":           &cfg.Log.Env,
		"ESCROWDESK_LISTEN":        &cfg.API.Listen,
		"ESCROWDESK_OTLP_ENDPOINT": &cfg.Telemetry.Endpoint,
		"ESCROWDESK_KEYSTORE":      &cfg.Wallet.Keystore,
	}
	for name, dst := range str {
		if value, ok := os.LookupEnv(name); ok && strings.TrimSpace(value) != "" {
			*dst = strings.TrimSpace(value)
		}
	}
	if raw := strings.TrimSpace(os.Getenv("ESCROWDESK_CHAIN_ID")); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parse ESCROWDESK_CHAIN_ID: %w", err)
		}
		cfg.Ledger.ChainID = id
	}
	if raw := strings.TrimSpace(os.Getenv("ESCROWDESK_CONFIRM_TIMEOUT")); raw != "" {
		if err := cfg.Transactions.ConfirmTimeout.UnmarshalText([]byte(raw)); err != nil {
			return fmt.Errorf("parse ESCROWDESK_CONFIRM_TIMEOUT: %w", err)
		}
	}
	return nil
}

// normalise resolves the JWT secret from its literal, env or file source.
func (a *API) normalise() error {
	a.JWTSecret = strings.TrimSpace(a.JWTSecret)
	a.JWTSecretEnv = strings.TrimSpace(a.JWTSecretEnv)
	a.JWTSecretFile = strings.TrimSpace(a.JWTSecretFile)
	if a.JWTSecret != "" {
		return nil
	}
	switch {
	case a.JWTSecretEnv != "":
		value := strings.TrimSpace(os.Getenv(a.JWTSecretEnv))
		if value == "" {
			return fmt.Errorf("jwt_secret_env %s is empty", a.JWTSecretEnv)
		}
		a.JWTSecret = value
	case a.JWTSecretFile != "":
		contents, err := os.ReadFile(a.JWTSecretFile)
		if err != nil {
			return fmt.Errorf("read jwt_secret_file: %w", err)
		}
		a.JWTSecret = strings.TrimSpace(string(contents))
	}
	return nil
}
