package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var explorers = map[string]string{
	"mainnet":  "https://etherscan.io",
	"sepolia":  "https://sepolia.etherscan.io",
	"optimism": "https://optimistic.etherscan.io",
	"arbitrum": "https://arbiscan.io",
	"base":     "https://basescan.org",
}

// ExplorerURL returns a block explorer link for the transaction handle. An
// empty string is returned for unknown networks or an empty handle.
func ExplorerURL(network string, handle common.Hash) string {
	base, ok := explorers[strings.ToLower(strings.TrimSpace(network))]
	if !ok || handle == (common.Hash{}) {
		return ""
	}
	return base + "/tx/" + handle.Hex()
}

// KnownNetwork reports whether name has an explorer or is the local dev chain.
func KnownNetwork(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	_, ok := explorers[name]
	return ok || name == "local"
}
