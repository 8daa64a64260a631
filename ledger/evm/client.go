// Package evm implements the ledger ports against an Ethereum JSON-RPC node.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"escrowdesk/ledger"
)

const (
	defaultPollInterval = 2 * time.Second
	tracerName          = "escrowdesk/ledger/evm"
)

// Backend is the subset of the Ethereum RPC surface used by the client.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Batcher issues several JSON-RPC requests in one round trip.
type Batcher interface {
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
}

// Client implements ledger.Writer, ledger.ReceiptWaiter and ledger.Reader.
type Client struct {
	backend Backend
	batcher Batcher
	signer  ledger.Signer
	limiter *rate.Limiter
	logger  *slog.Logger
	tracer  trace.Tracer

	gasLimit      uint64
	pollInterval  time.Duration
	confirmations uint64

	chainMu sync.Mutex
	chainID *big.Int
}

// Option customises the client.
type Option func(*Client)

// WithSigner installs the account used to authorise writes.
func WithSigner(signer ledger.Signer) Option {
	return func(c *Client) {
		c.signer = signer
	}
}

// WithGasLimit fixes the gas limit instead of estimating it. A fixed limit
// lets calls that would revert reach the ledger and fail there.
func WithGasLimit(limit uint64) Option {
	return func(c *Client) {
		c.gasLimit = limit
	}
}

// WithPollInterval overrides the receipt polling cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithConfirmations sets the block depth a receipt needs before it is reported.
func WithConfirmations(n uint64) Option {
	return func(c *Client) {
		c.confirmations = n
	}
}

// WithRateLimit bounds the request rate sent to the node.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithChainID pins the chain id and skips the eth_chainId lookup.
func WithChainID(id *big.Int) Option {
	return func(c *Client) {
		if id != nil {
			c.chainID = new(big.Int).Set(id)
		}
	}
}

// WithLogger overrides the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBatcher overrides the batch transport. Without one BatchRead falls
// back to sequential reads.
func WithBatcher(b Batcher) Option {
	return func(c *Client) {
		c.batcher = b
	}
}

// New constructs a client over an existing backend.
func New(backend Backend, opts ...Option) *Client {
	c := &Client{
		backend:       backend,
		logger:        slog.Default(),
		tracer:        otel.Tracer(tracerName),
		pollInterval:  defaultPollInterval,
		confirmations: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Dial connects to the JSON-RPC endpoint.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	rc, err := rpc.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrUnreachable, err)
	}
	all := append([]Option{WithBatcher(rc)}, opts...)
	return New(ethclient.NewClient(rc), all...), nil
}

// Account reports the connected signing account.
func (c *Client) Account() (common.Address, bool) {
	if c == nil || c.signer == nil {
		return common.Address{}, false
	}
	return c.signer.Account()
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) chain(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("chain id: %w", err))
	}
	c.chainID = id
	return id, nil
}

// Send builds, signs and broadcasts the call.
func (c *Client) Send(ctx context.Context, call ledger.Call) (hash common.Hash, err error) {
	ctx, span := c.tracer.Start(ctx, "evm.send", trace.WithAttributes(attribute.String("method", call.Method)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	from, ok := c.Account()
	if !ok {
		return common.Hash{}, ledger.ErrNoAccount
	}
	data, err := call.Pack()
	if err != nil {
		return common.Hash{}, err
	}
	if err := c.wait(ctx); err != nil {
		return common.Hash{}, err
	}
	chainID, err := c.chain(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, classify(fmt.Errorf("nonce: %w", err))
	}
	value := new(big.Int)
	if call.Value != nil {
		value.Set(call.Value)
	}
	to := call.To
	gas := c.gasLimit
	if gas == 0 {
		gas, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
		if err != nil {
			return common.Hash{}, classify(fmt.Errorf("estimate gas: %w", err))
		}
	}
	tx, err := c.buildTx(ctx, chainID, nonce, gas, to, value, data)
	if err != nil {
		return common.Hash{}, err
	}
	signed, err := c.signer.SignTx(ctx, tx, chainID)
	if err != nil {
		return common.Hash{}, classify(err)
	}
	if err := c.wait(ctx); err != nil {
		return common.Hash{}, err
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, classify(fmt.Errorf("send transaction: %w", err))
	}
	c.logger.Debug("transaction broadcast",
		slog.String("method", call.Method),
		slog.String("hash", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce))
	return signed.Hash(), nil
}

func (c *Client) buildTx(ctx context.Context, chainID *big.Int, nonce, gas uint64, to common.Address, value *big.Int, data []byte) (*gethtypes.Transaction, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("fetch head: %w", err))
	}
	if head == nil || head.BaseFee == nil {
		price, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, classify(fmt.Errorf("gas price: %w", err))
		}
		return gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     data,
		}), nil
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("gas tip: %w", err))
	}
	feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	}), nil
}

// WaitForReceipt polls until the transaction is included with the configured
// depth, the context ends or the node returns an error.
func (c *Client) WaitForReceipt(ctx context.Context, handle common.Hash) (*ledger.Receipt, error) {
	if handle == (common.Hash{}) {
		return nil, fmt.Errorf("tx hash required")
	}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.poll(ctx, handle)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) poll(ctx context.Context, handle common.Hash) (*ledger.Receipt, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	receipt, err := c.backend.TransactionReceipt(ctx, handle)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, classify(fmt.Errorf("fetch receipt: %w", err))
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return nil, nil
	}
	if c.confirmations > 1 {
		header, err := c.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, classify(fmt.Errorf("fetch head: %w", err))
		}
		if header == nil || header.Number == nil {
			return nil, nil
		}
		depth := new(big.Int).Sub(header.Number, receipt.BlockNumber)
		depth.Add(depth, big.NewInt(1))
		if depth.Cmp(new(big.Int).SetUint64(c.confirmations)) < 0 {
			return nil, nil
		}
	}
	status := ledger.ReceiptReverted
	if receipt.Status == gethtypes.ReceiptStatusSuccessful {
		status = ledger.ReceiptSucceeded
	}
	return &ledger.Receipt{
		Handle:      handle,
		Status:      status,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

// Read executes a single eth_call against the latest block.
func (c *Client) Read(ctx context.Context, call ledger.ReadCall) ([]any, error) {
	data, err := call.Pack()
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	to := call.To
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("call %s: %w", call.Method, err))
	}
	return call.Unpack(out)
}

// BatchRead executes the queries in one JSON-RPC batch. Per-query failures are
// reported in the matching result; the returned error covers the transport.
func (c *Client) BatchRead(ctx context.Context, calls []ledger.ReadCall) ([]ledger.ReadResult, error) {
	results := make([]ledger.ReadResult, len(calls))
	if len(calls) == 0 {
		return results, nil
	}
	if c.batcher == nil {
		for i, call := range calls {
			values, err := c.Read(ctx, call)
			results[i] = ledger.ReadResult{Values: values, Err: err}
		}
		return results, nil
	}

	ctx, span := c.tracer.Start(ctx, "evm.batch_read", trace.WithAttributes(attribute.Int("calls", len(calls))))
	defer span.End()

	elems := make([]rpc.BatchElem, 0, len(calls))
	index := make([]int, 0, len(calls))
	for i, call := range calls {
		data, err := call.Pack()
		if err != nil {
			results[i].Err = err
			continue
		}
		elems = append(elems, rpc.BatchElem{
			Method: "eth_call",
			Args: []any{map[string]any{
				"to":   call.To,
				"data": hexutil.Bytes(data),
			}, "latest"},
			Result: new(hexutil.Bytes),
		})
		index = append(index, i)
	}
	if len(elems) == 0 {
		return results, nil
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if err := c.batcher.BatchCallContext(ctx, elems); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, classify(fmt.Errorf("batch call: %w", err))
	}
	for j, elem := range elems {
		i := index[j]
		if elem.Error != nil {
			results[i].Err = fmt.Errorf("call %s: %w", calls[i].Method, elem.Error)
			continue
		}
		raw, _ := elem.Result.(*hexutil.Bytes)
		if raw == nil {
			results[i].Err = fmt.Errorf("call %s: empty result", calls[i].Method)
			continue
		}
		results[i].Values, results[i].Err = calls[i].Unpack(*raw)
	}
	return results, nil
}
