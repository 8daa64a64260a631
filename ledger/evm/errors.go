package evm

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/rpc"

	"escrowdesk/ledger"
)

// codeUserRejected is the EIP-1193 provider code for a declined request.
const codeUserRejected = 4001

// classify maps node and signer failures onto the ledger sentinels while
// keeping the original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ledger.ErrUserRejected),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrUnreachable):
		return err
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeUserRejected {
		return fmt.Errorf("%w: %v", ledger.ErrUserRejected, err)
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "insufficient funds") {
		return fmt.Errorf("%w: %v", ledger.ErrInsufficientFunds, err)
	}
	if strings.Contains(lower, "user rejected") || strings.Contains(lower, "user denied") {
		return fmt.Errorf("%w: %v", ledger.ErrUserRejected, err)
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) || errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %v", ledger.ErrUnreachable, err)
	}
	return err
}
