package escrow

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"escrowdesk/ledger"
	"escrowdesk/txctl"
)

var (
	contractAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	alice        = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob          = common.HexToAddress("0x2222222222222222222222222222222222222222")
	carol        = common.HexToAddress("0x3333333333333333333333333333333333333333")
	mallory      = common.HexToAddress("0x4444444444444444444444444444444444444444")
	testNow      = time.Unix(1_700_000_000, 0).UTC()
)

func ether(s string) *big.Int {
	wei, err := ParseAmount("amount", s)
	if err != nil {
		panic(err)
	}
	return wei
}

// fakeChain answers escrow reads from memory, encoding and decoding through
// the real contract ABI.
type fakeChain struct {
	mu       sync.Mutex
	contract *Contract
	escrows  map[uint64]*agreementTuple
	required map[uint64]*big.Int
	reads    map[string]int
	batches  int

	blockID uint64
	gate    chan struct{}
	entered chan struct{}

	// holdIDs delays the next id lookup's reply, already read, until gate closes.
	holdIDs bool
}

func newFakeChain(t *testing.T) *fakeChain {
	t.Helper()
	contract, err := NewContract(contractAddr)
	require.NoError(t, err)
	return &fakeChain{
		contract: contract,
		escrows:  make(map[uint64]*agreementTuple),
		required: make(map[uint64]*big.Int),
		reads:    make(map[string]int),
	}
}

func (f *fakeChain) add(id uint64, buyer, seller, arbiter common.Address, amount string, expires time.Time, status Status, funded bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escrows[id] = &agreementTuple{
		Id:        new(big.Int).SetUint64(id),
		Buyer:     buyer,
		Seller:    seller,
		Arbiter:   arbiter,
		Amount:    ether(amount),
		ExpiresAt: big.NewInt(expires.Unix()),
		Status:    uint8(status),
		IsFunded:  funded,
	}
	if funded {
		f.required[id] = new(big.Int)
	} else {
		f.required[id] = ether(amount)
	}
}

func (f *fakeChain) fund(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escrows[id].IsFunded = true
	f.required[id] = new(big.Int)
}

func (f *fakeChain) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[method]
}

func (f *fakeChain) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches
}

func (f *fakeChain) resetCounters() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = make(map[string]int)
	f.batches = 0
}

func (f *fakeChain) Read(ctx context.Context, call ledger.ReadCall) ([]any, error) {
	f.mu.Lock()
	f.reads[call.Method]++
	gate, entered := f.gateFor(call)
	held := f.holdIDs && call.Method == methodByUser
	if held {
		f.holdIDs = false
	}
	f.mu.Unlock()
	if held {
		values, err := f.respond(call)
		entered <- struct{}{}
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return values, err
	}
	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.respond(call)
}

func (f *fakeChain) BatchRead(_ context.Context, calls []ledger.ReadCall) ([]ledger.ReadResult, error) {
	f.mu.Lock()
	f.batches++
	f.mu.Unlock()
	results := make([]ledger.ReadResult, len(calls))
	for i, call := range calls {
		values, err := f.respond(call)
		results[i] = ledger.ReadResult{Values: values, Err: err}
	}
	return results, nil
}

func (f *fakeChain) gateFor(call ledger.ReadCall) (chan struct{}, chan struct{}) {
	if f.gate == nil || call.Method != methodDetails {
		return nil, nil
	}
	if id, ok := call.Args[0].(*big.Int); ok && id.Uint64() == f.blockID {
		return f.gate, f.entered
	}
	return nil, nil
}

func (f *fakeChain) respond(call ledger.ReadCall) ([]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	method := f.contract.abi.Methods[call.Method]
	var (
		data []byte
		err  error
	)
	switch call.Method {
	case methodByUser:
		user := call.Args[0].(common.Address)
		ids := []*big.Int{}
		for _, id := range sortedIDs(f.escrows) {
			e := f.escrows[id]
			if e.Buyer == user || e.Seller == user || e.Arbiter == user {
				ids = append(ids, new(big.Int).SetUint64(id))
			}
		}
		data, err = method.Outputs.Pack(ids)
	case methodDetails:
		id := call.Args[0].(*big.Int).Uint64()
		e, ok := f.escrows[id]
		if !ok {
			return nil, errors.New("execution reverted: escrow does not exist")
		}
		data, err = method.Outputs.Pack(*e)
	case methodRequiredFunds:
		id := call.Args[0].(*big.Int).Uint64()
		data, err = method.Outputs.Pack(f.required[id])
	case methodCount:
		data, err = method.Outputs.Pack(big.NewInt(int64(len(f.escrows))))
	default:
		return nil, errors.New("unsupported method " + call.Method)
	}
	if err != nil {
		return nil, err
	}
	return call.Unpack(data)
}

func sortedIDs(m map[uint64]*agreementTuple) []uint64 {
	var max uint64
	for id := range m {
		if id > max {
			max = id
		}
	}
	out := make([]uint64, 0, len(m))
	for id := uint64(0); id <= max; id++ {
		if _, ok := m[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

type staticAccount struct {
	addr      common.Address
	connected bool
}

func (a staticAccount) Account() (common.Address, bool) {
	return a.addr, a.connected
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) ShowLoading(string, string) string {
	n.record("loading")
	return "loading"
}

func (n *recordingNotifier) ShowSuccess(_, description string) {
	n.record("success:" + description)
}

func (n *recordingNotifier) ShowError(_, description string) {
	n.record("error:" + description)
}

func (n *recordingNotifier) record(call string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, call)
}

func (n *recordingNotifier) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

type sentCalls struct {
	mu    sync.Mutex
	calls []ledger.Call
}

func (s *sentCalls) add(c ledger.Call) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	return len(s.calls)
}

func (s *sentCalls) all() []ledger.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.Call(nil), s.calls...)
}

type harness struct {
	chain *fakeChain
	ctrl  *txctl.Controller
	agg   *Aggregator
	notes *recordingNotifier
	sent  *sentCalls
}

func newHarness(t *testing.T, account Account, w ledger.FuncWriter) *harness {
	t.Helper()
	chain := newFakeChain(t)
	notes := &recordingNotifier{}
	sent := &sentCalls{}
	send := w.SendFunc
	w.SendFunc = func(ctx context.Context, call ledger.Call) (common.Hash, error) {
		n := sent.add(call)
		if send != nil {
			return send(ctx, call)
		}
		return common.BigToHash(big.NewInt(int64(n))), nil
	}
	ctrl := txctl.New(w, w, txctl.WithNotifier(notes), txctl.WithMetrics(nil))
	t.Cleanup(ctrl.Close)
	agg := New(chain, ctrl, chain.contract, account,
		WithNotifier(notes),
		WithMetrics(nil),
		WithClock(func() time.Time { return testNow }))
	return &harness{chain: chain, ctrl: ctrl, agg: agg, notes: notes, sent: sent}
}
