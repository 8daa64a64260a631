package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"escrowdesk/ledger"
	"escrowdesk/observability"
	"escrowdesk/txctl"
)

const tracerName = "escrowdesk/escrow"

// ErrSelectionChanged is returned when a newer selection superseded the one
// whose reads just completed.
var ErrSelectionChanged = errors.New("escrow: selection changed")

// Account reports the connected account.
type Account interface {
	Account() (common.Address, bool)
}

// Submitter is the part of the transaction controller the aggregator uses.
type Submitter interface {
	SubmitAsync(ctx context.Context, req txctl.Request) (*ledger.Receipt, error)
	SetOnSuccess(fn txctl.SuccessFunc)
}

// Notifier reports validation failures.
type Notifier interface {
	ShowError(title, description string)
}

// Option customises the aggregator.
type Option func(*Aggregator)

// WithNotifier installs the notifier used for validation failures.
func WithNotifier(n Notifier) Option {
	return func(a *Aggregator) {
		if n != nil {
			a.notifier = n
		}
	}
}

// WithLogger overrides the aggregator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock overrides the clock used to derive remaining time.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.EscrowMetrics) Option {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

// Aggregator reads and derives the caller's escrows and submits escrow
// mutations through the controller.
type Aggregator struct {
	reader   ledger.Reader
	ctrl     Submitter
	contract *Contract
	account  Account
	notifier Notifier
	logger   *slog.Logger
	metrics  *observability.EscrowMetrics
	tracer   trace.Tracer
	now      func() time.Time

	mu        sync.Mutex
	snapshot  Snapshot
	selection Selection
	selGen    uint64
	// loadGen numbers loads as they start; snapGen is the load that produced
	// the current snapshot.
	loadGen uint64
	snapGen uint64
}

// New constructs an aggregator and registers its refresh as the controller's
// success callback.
func New(reader ledger.Reader, ctrl Submitter, contract *Contract, account Account, opts ...Option) *Aggregator {
	a := &Aggregator{
		reader:   reader,
		ctrl:     ctrl,
		contract: contract,
		account:  account,
		notifier: nopNotifier{},
		logger:   slog.Default(),
		metrics:  observability.Escrow(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if ctrl != nil {
		ctrl.SetOnSuccess(a.onTxSuccess)
	}
	return a
}

func (a *Aggregator) onTxSuccess(ctx context.Context, receipt *ledger.Receipt) {
	if err := a.RefreshAll(ctx); err != nil {
		a.logger.Warn("refresh after confirmation failed",
			slog.String("handle", receipt.Handle.Hex()),
			slog.Any("error", err))
	}
}

func (a *Aggregator) caller() (common.Address, bool) {
	if a.account == nil {
		return common.Address{}, false
	}
	return a.account.Account()
}

// ListByRole reads the caller's escrows and returns those where the caller
// holds role. Without a connected account the result is empty. A read that
// finishes after a newer one has stored its snapshot leaves that snapshot alone.
func (a *Aggregator) ListByRole(ctx context.Context, role Role) ([]View, error) {
	caller, ok := a.caller()
	if !ok {
		a.mu.Lock()
		a.loadGen++
		a.snapGen = a.loadGen
		a.snapshot = Snapshot{RefreshedAt: a.now()}
		a.mu.Unlock()
		return []View{}, nil
	}
	snap, err := a.load(ctx, caller)
	if err != nil {
		return nil, err
	}
	return FilterByRole(snap.Views, role, caller), nil
}

// Cached filters the latest snapshot without reading the ledger.
func (a *Aggregator) Cached(role Role) []View {
	a.mu.Lock()
	snap := a.snapshot
	a.mu.Unlock()
	return FilterByRole(snap.Views, role, snap.Caller)
}

// Snapshot returns the latest snapshot.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot
}

// Lookup returns a view from the latest snapshot.
func (a *Aggregator) Lookup(id uint64) (View, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, v := range a.snapshot.Views {
		if v.ID == id {
			return v, true
		}
	}
	return View{}, false
}

func (a *Aggregator) load(ctx context.Context, caller common.Address) (snap Snapshot, err error) {
	ctx, span := a.tracer.Start(ctx, "escrow.load", trace.WithAttributes(attribute.String("caller", caller.Hex())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	a.mu.Lock()
	a.loadGen++
	gen := a.loadGen
	a.mu.Unlock()

	start := a.now()
	ids, err := FetchIDs(ctx, a.reader, a.contract, caller)
	a.metrics.ObserveRead(methodByUser, a.now().Sub(start), err)
	if err != nil {
		return Snapshot{}, err
	}

	start = a.now()
	agreements, failed, err := FetchAgreements(ctx, a.reader, a.contract, ids)
	a.metrics.ObserveRead(methodDetails, a.now().Sub(start), err)
	if err != nil {
		return Snapshot{}, err
	}
	for id, ferr := range failed {
		a.logger.Warn("escrow record unreadable", slog.Uint64("escrow_id", id), slog.Any("error", ferr))
	}

	now := a.now()
	snap = Snapshot{
		Caller:      caller,
		IDs:         ids,
		Views:       DeriveViews(agreements, now),
		RefreshedAt: now,
	}
	a.mu.Lock()
	stale := gen < a.snapGen
	if !stale {
		a.snapshot = snap
		a.snapGen = gen
	}
	a.mu.Unlock()
	if stale {
		a.logger.Debug("discarding snapshot from an older load", slog.Uint64("load", gen))
		return snap, nil
	}
	a.metrics.SetRecords(len(snap.Views))
	return snap, nil
}

// RefreshAll re-issues every read: the caller's ids and details and, when an
// escrow is selected, its detail and required funds.
func (a *Aggregator) RefreshAll(ctx context.Context) error {
	var errs []error
	if caller, ok := a.caller(); ok {
		if _, err := a.load(ctx, caller); err != nil {
			errs = append(errs, err)
		}
	}
	a.mu.Lock()
	sel := a.selection
	a.mu.Unlock()
	if sel.Selected {
		if _, err := a.SelectForDeposit(ctx, sel.ID); err != nil && !errors.Is(err, ErrSelectionChanged) {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	a.metrics.RecordRefresh(err)
	return err
}

// SelectForDeposit selects id and reads its detail and required funds
// concurrently. Results for a selection superseded while the reads were in
// flight are discarded with ErrSelectionChanged.
func (a *Aggregator) SelectForDeposit(ctx context.Context, id uint64) (Selection, error) {
	a.mu.Lock()
	a.selGen++
	gen := a.selGen
	if a.selection.ID != id || !a.selection.Selected {
		a.selection = Selection{ID: id, Selected: true}
	}
	a.mu.Unlock()

	ctx, span := a.tracer.Start(ctx, "escrow.select", trace.WithAttributes(attribute.Int64("escrow_id", int64(id))))
	defer span.End()

	var (
		detail   Agreement
		required *big.Int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := a.now()
		values, err := a.reader.Read(gctx, a.contract.read(methodDetails, new(big.Int).SetUint64(id)))
		a.metrics.ObserveRead(methodDetails, a.now().Sub(start), err)
		if err != nil {
			return fmt.Errorf("escrow: %s: %w", methodDetails, err)
		}
		detail, err = decodeAgreement(values)
		return err
	})
	g.Go(func() error {
		start := a.now()
		values, err := a.reader.Read(gctx, a.contract.read(methodRequiredFunds, new(big.Int).SetUint64(id)))
		a.metrics.ObserveRead(methodRequiredFunds, a.now().Sub(start), err)
		if err != nil {
			return fmt.Errorf("escrow: %s: %w", methodRequiredFunds, err)
		}
		required, err = decodeUint(values)
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Selection{}, err
	}

	view := DeriveView(detail, a.now())
	sel := Selection{
		ID:            id,
		Selected:      true,
		Detail:        &view,
		RequiredFunds: FormatAmount(required),
		RequiredWei:   required,
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.selGen || !a.selection.Selected || a.selection.ID != id {
		return Selection{}, ErrSelectionChanged
	}
	a.selection = sel
	return sel, nil
}

// Selection returns the current selection.
func (a *Aggregator) Selection() Selection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selection
}

// ClearSelection forgets the selected escrow.
func (a *Aggregator) ClearSelection() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.selGen++
	a.selection = Selection{}
}

// Count reads the total number of escrows on the contract.
func (a *Aggregator) Count(ctx context.Context) (uint64, error) {
	start := a.now()
	values, err := a.reader.Read(ctx, a.contract.read(methodCount))
	a.metrics.ObserveRead(methodCount, a.now().Sub(start), err)
	if err != nil {
		return 0, fmt.Errorf("escrow: %s: %w", methodCount, err)
	}
	n, err := decodeUint(values)
	if err != nil {
		return 0, err
	}
	return toID(n)
}

type nopNotifier struct{}

func (nopNotifier) ShowError(string, string) {}
