// Package wallet provides transaction signers backed by local key material.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNoKey is returned when a KeySource names no key material.
var ErrNoKey = errors.New("wallet: no key configured")

// KeySigner signs with an in-memory secp256k1 key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner wraps key.
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// Account returns the signing address. A KeySigner is always connected.
func (s *KeySigner) Account() (common.Address, bool) {
	return s.addr, true
}

// SignTx signs tx for chainID with the latest applicable signer.
func (s *KeySigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if chainID == nil {
		return nil, errors.New("wallet: chain id required")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// KeySource names where the signing key lives. Exactly one of PrivateKey,
// PrivateKeyEnv, PrivateKeyFile or Keystore should be set; the first
// non-empty one wins in that order.
type KeySource struct {
	PrivateKey     string
	PrivateKeyEnv  string
	PrivateKeyFile string
	Keystore       string
	Passphrase     func() (string, error)
}

// Configured reports whether any key location is set.
func (src KeySource) Configured() bool {
	return strings.TrimSpace(src.PrivateKey) != "" ||
		strings.TrimSpace(src.PrivateKeyEnv) != "" ||
		strings.TrimSpace(src.PrivateKeyFile) != "" ||
		strings.TrimSpace(src.Keystore) != ""
}

// Load resolves the key described by src.
func Load(src KeySource) (*KeySigner, error) {
	switch {
	case strings.TrimSpace(src.PrivateKey) != "":
		return fromHex(src.PrivateKey)
	case strings.TrimSpace(src.PrivateKeyEnv) != "":
		name := strings.TrimSpace(src.PrivateKeyEnv)
		value, ok := os.LookupEnv(name)
		if !ok || strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("wallet: environment variable %s is empty", name)
		}
		return fromHex(value)
	case strings.TrimSpace(src.PrivateKeyFile) != "":
		data, err := os.ReadFile(strings.TrimSpace(src.PrivateKeyFile))
		if err != nil {
			return nil, fmt.Errorf("wallet: read key file: %w", err)
		}
		return fromHex(string(data))
	case strings.TrimSpace(src.Keystore) != "":
		return fromKeystore(strings.TrimSpace(src.Keystore), src.Passphrase)
	}
	return nil, ErrNoKey
}

func fromHex(raw string) (*KeySigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("wallet: parse private key: %w", err)
	}
	return NewKeySigner(key), nil
}

func fromKeystore(path string, passphrase func() (string, error)) (*KeySigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wallet: read keystore: %w", err)
	}
	if passphrase == nil {
		return nil, errors.New("wallet: keystore passphrase source required")
	}
	pass, err := passphrase()
	if err != nil {
		return nil, err
	}
	key, err := keystore.DecryptKey(data, pass)
	if err != nil {
		return nil, fmt.Errorf("wallet: decrypt keystore: %w", err)
	}
	return NewKeySigner(key.PrivateKey), nil
}
