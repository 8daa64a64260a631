// Package txctl drives one ledger write at a time through signing,
// submission and confirmation, reporting progress through a Notifier.
package txctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"escrowdesk/ledger"
	"escrowdesk/observability"
)

const (
	DefaultSuccessMessage = "Transaction completed successfully"
	LoadingTitle          = "Processing transaction"
	LoadingDescription    = "Please confirm in your wallet"
	SuccessTitle          = "Transaction successful"
	ErrorTitle            = "Transaction failed"

	tracerName = "escrowdesk/txctl"
)

// Notifier presents lifecycle progress.
type Notifier interface {
	ShowLoading(title, description string) string
	ShowSuccess(title, description string)
	ShowError(title, description string)
}

// SuccessFunc runs once per confirmed handle, before SubmitAsync returns.
type SuccessFunc func(ctx context.Context, receipt *ledger.Receipt)

// Transition records one applied phase change.
type Transition struct {
	Attempt uint64
	Method  string
	From    Phase
	To      Phase
	Event   Event
	Handle  common.Hash
	Err     error
	At      time.Time
}

// Observer receives every applied transition, in order, while the controller
// lock is held. Observers must not call back into the controller.
type Observer interface {
	ObserveTransition(t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(t Transition)

// ObserveTransition calls f.
func (f ObserverFunc) ObserveTransition(t Transition) { f(t) }

// State is a snapshot of the controller.
type State struct {
	Phase           Phase           `json:"phase"`
	Handle          common.Hash     `json:"handle"`
	SuccessConsumed bool            `json:"successConsumed"`
	Attempt         uint64          `json:"attempt"`
	Method          string          `json:"method,omitempty"`
	LastError       error           `json:"-"`
	Receipt         *ledger.Receipt `json:"receipt,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Option customises the controller.
type Option func(*Controller)

// WithNotifier installs the progress notifier.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithLogger overrides the controller logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the controller clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithDefaultSuccessMessage replaces the success text used when a request
// carries none.
func WithDefaultSuccessMessage(msg string) Option {
	return func(c *Controller) {
		if msg != "" {
			c.successMessage = msg
		}
	}
}

// WithConfirmTimeout bounds how long a submitted transaction is watched.
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.confirmTimeout = d
		}
	}
}

// WithObserver registers a transition observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.TxMetrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

type outcome struct {
	receipt *ledger.Receipt
	err     error
}

// Controller owns the lifecycle of one in-flight ledger write.
type Controller struct {
	writer         ledger.Writer
	receipts       ledger.ReceiptWaiter
	notifier       Notifier
	logger         *slog.Logger
	metrics        *observability.TxMetrics
	tracer         trace.Tracer
	now            func() time.Time
	successMessage string
	confirmTimeout time.Duration
	observers      []Observer

	closing context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	state     State
	request   Request
	started   time.Time
	seq       uint64
	onSuccess SuccessFunc
	waiter    chan outcome
}

// New constructs a controller over the ledger ports.
func New(writer ledger.Writer, receipts ledger.ReceiptWaiter, opts ...Option) *Controller {
	closing, stop := context.WithCancel(context.Background())
	c := &Controller{
		writer:         writer,
		receipts:       receipts,
		notifier:       nopNotifier{},
		logger:         slog.Default(),
		metrics:        observability.Transactions(),
		tracer:         otel.Tracer(tracerName),
		now:            time.Now,
		successMessage: DefaultSuccessMessage,
		closing:        closing,
		stop:           stop,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.state.UpdatedAt = c.now()
	return c
}

// SetOnSuccess registers the callback run after each confirmed handle.
func (c *Controller) SetOnSuccess(fn SuccessFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSuccess = fn
}

// State returns a snapshot of the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether a transaction is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Phase.Busy()
}

// Submit accepts the request and runs its lifecycle in the background.
// Cancelling ctx after Submit returns does not stop the lifecycle.
func (c *Controller) Submit(ctx context.Context, req Request) error {
	attempt, _, err := c.begin(req, false)
	if err != nil {
		return err
	}
	c.launch(ctx, attempt, req)
	return nil
}

// SubmitAsync accepts the request and waits for the terminal outcome. If ctx
// ends first the lifecycle continues and ctx.Err() is returned.
func (c *Controller) SubmitAsync(ctx context.Context, req Request) (*ledger.Receipt, error) {
	attempt, done, err := c.begin(req, true)
	if err != nil {
		return nil, err
	}
	c.launch(ctx, attempt, req)
	select {
	case out := <-done:
		return out.receipt, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reset returns the controller to Idle and forgets the current handle. Late
// results from the discarded attempt are ignored.
func (c *Controller) Reset() {
	c.mu.Lock()
	var done chan outcome
	if c.state.Phase != PhaseIdle {
		c.applyLocked(EventReset, nil)
	}
	done, c.waiter = c.waiter, nil
	c.state = State{Phase: PhaseIdle, UpdatedAt: c.state.UpdatedAt}
	c.request = Request{}
	c.mu.Unlock()
	deliver(done, outcome{err: ErrStaleResponse})
}

// Close stops background lifecycles and waits for them to exit.
func (c *Controller) Close() {
	c.stop()
	c.wg.Wait()
}

// ObserveReceipt feeds a confirmation for handle into the controller. It is
// idempotent per handle: the success notification and callback run at most
// once. A receipt for a handle other than the current one returns
// ErrStaleResponse.
func (c *Controller) ObserveReceipt(handle common.Hash, receipt *ledger.Receipt) error {
	if receipt == nil {
		return errors.New("txctl: receipt required")
	}
	c.mu.Lock()
	if handle == (common.Hash{}) || handle != c.state.Handle {
		c.mu.Unlock()
		c.metrics.RecordStale()
		return ErrStaleResponse
	}
	if c.state.SuccessConsumed {
		c.mu.Unlock()
		return nil
	}
	if c.state.Phase != PhaseConfirming {
		c.mu.Unlock()
		c.metrics.RecordStale()
		return ErrStaleResponse
	}
	if !receipt.Succeeded() {
		txErr := &Error{Kind: KindConfirmation, Handle: handle, Err: ErrReverted}
		done := c.failLocked(txErr)
		c.mu.Unlock()
		deliver(done, outcome{receipt: receipt, err: txErr})
		return nil
	}

	c.state.SuccessConsumed = true
	c.state.Receipt = receipt
	c.applyLocked(EventConfirmed, nil)
	msg := c.request.SuccessMessage()
	if msg == "" {
		msg = c.successMessage
	}
	c.notifier.ShowSuccess(SuccessTitle, msg)
	c.metrics.ObserveLifecycle(c.state.Method, "confirmed", c.now().Sub(c.started))
	cb := c.onSuccess
	done := c.waiter
	c.waiter = nil
	c.mu.Unlock()

	if cb != nil {
		cb(c.closing, receipt)
	}
	deliver(done, outcome{receipt: receipt})
	return nil
}

func (c *Controller) begin(req Request, wait bool) (uint64, chan outcome, error) {
	if !req.valid() {
		return 0, nil, Invalid("request", "empty request")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing.Err() != nil {
		return 0, nil, ErrClosed
	}
	if c.state.Phase.Busy() {
		c.metrics.RecordBusy()
		return 0, nil, ErrBusy
	}
	c.seq++
	c.state = State{
		Phase:     c.state.Phase,
		Attempt:   c.seq,
		Method:    req.Method(),
		UpdatedAt: c.state.UpdatedAt,
	}
	c.request = req
	c.started = c.now()
	c.applyLocked(EventSubmit, nil)
	c.notifier.ShowLoading(LoadingTitle, LoadingDescription)
	var done chan outcome
	if wait {
		done = make(chan outcome, 1)
	}
	c.waiter = done
	return c.seq, done, nil
}

func (c *Controller) launch(ctx context.Context, attempt uint64, req Request) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.closing, cancel)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer stop()
		defer cancel()
		c.run(runCtx, attempt, req)
	}()
}

func (c *Controller) run(ctx context.Context, attempt uint64, req Request) {
	ctx, span := c.tracer.Start(ctx, "txctl.lifecycle", trace.WithAttributes(
		attribute.String("method", req.Method()),
		attribute.Int64("attempt", int64(attempt)),
	))
	defer span.End()

	handle, err := c.writer.Send(ctx, req.Call())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.submissionFailed(attempt, err)
		return
	}
	span.SetAttributes(attribute.String("handle", handle.Hex()))
	if !c.signed(attempt, handle) {
		return
	}

	waitCtx := ctx
	if c.confirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.confirmTimeout)
		defer cancel()
	}
	receipt, err := c.receipts.WaitForReceipt(waitCtx, handle)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.confirmationFailed(attempt, handle, err)
		return
	}
	if err := c.ObserveReceipt(handle, receipt); err != nil {
		c.logger.Debug("receipt ignored",
			slog.String("handle", handle.Hex()),
			slog.Uint64("attempt", attempt),
			slog.String("reason", err.Error()))
	}
}

func (c *Controller) signed(attempt uint64, handle common.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Attempt != attempt || c.state.Phase != PhaseAwaitingSignature {
		c.metrics.RecordStale()
		c.logger.Info("stale submission ignored",
			slog.String("handle", handle.Hex()),
			slog.Uint64("attempt", attempt))
		return false
	}
	if c.state.Handle != handle {
		c.state.Handle = handle
		c.state.SuccessConsumed = false
	}
	c.applyLocked(EventSigned, nil)
	c.applyLocked(EventWatching, nil)
	return true
}

func (c *Controller) submissionFailed(attempt uint64, err error) {
	kind := KindSubmission
	if errors.Is(err, ledger.ErrUserRejected) {
		kind = KindSignatureRejected
	}
	txErr := &Error{Kind: kind, Err: err}

	c.mu.Lock()
	if c.state.Attempt != attempt || c.state.Phase != PhaseAwaitingSignature {
		c.mu.Unlock()
		c.metrics.RecordStale()
		return
	}
	done := c.failLocked(txErr)
	// Pre-submission failures leave nothing on the ledger to track.
	c.applyLocked(EventReset, nil)
	c.mu.Unlock()
	deliver(done, outcome{err: txErr})
}

func (c *Controller) confirmationFailed(attempt uint64, handle common.Hash, err error) {
	txErr := &Error{Kind: KindConfirmation, Handle: handle, Err: err}
	c.mu.Lock()
	if c.state.Attempt != attempt || c.state.Handle != handle || c.state.Phase != PhaseConfirming {
		c.mu.Unlock()
		c.metrics.RecordStale()
		return
	}
	done := c.failLocked(txErr)
	c.mu.Unlock()
	deliver(done, outcome{err: txErr})
}

func (c *Controller) failLocked(txErr *Error) chan outcome {
	c.state.LastError = txErr
	c.applyLocked(EventFailed, txErr)
	c.notifier.ShowError(ErrorTitle, describe(txErr))
	c.metrics.RecordFailure(txErr.Kind.String())
	c.metrics.ObserveLifecycle(c.state.Method, "failed", c.now().Sub(c.started))
	c.logger.Warn("transaction failed",
		slog.String("method", c.state.Method),
		slog.Uint64("attempt", c.state.Attempt),
		slog.String("kind", txErr.Kind.String()),
		slog.String("handle", txErr.Handle.Hex()),
		slog.Any("error", txErr.Err))
	done := c.waiter
	c.waiter = nil
	return done
}

func (c *Controller) applyLocked(ev Event, err error) {
	from := c.state.Phase
	to, ok := Next(from, ev)
	if !ok {
		c.logger.Error("invalid transition",
			slog.String("phase", from.String()),
			slog.String("event", ev.String()),
			slog.Any("error", fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev, from)))
		return
	}
	now := c.now()
	c.state.Phase = to
	c.state.UpdatedAt = now
	t := Transition{
		Attempt: c.state.Attempt,
		Method:  c.state.Method,
		From:    from,
		To:      to,
		Event:   ev,
		Handle:  c.state.Handle,
		Err:     err,
		At:      now,
	}
	c.metrics.RecordTransition(from.String(), to.String())
	for _, o := range c.observers {
		o.ObserveTransition(t)
	}
	c.logger.Debug("transaction transition",
		slog.Uint64("attempt", t.Attempt),
		slog.String("phase", to.String()),
		slog.String("event", ev.String()))
}

func deliver(done chan outcome, out outcome) {
	if done == nil {
		return
	}
	select {
	case done <- out:
	default:
	}
}

func describe(err *Error) string {
	switch err.Kind {
	case KindSignatureRejected:
		return "Transaction was rejected in the wallet"
	case KindSubmission:
		switch {
		case errors.Is(err.Err, ledger.ErrInsufficientFunds):
			return "Insufficient funds to cover the transaction"
		case errors.Is(err.Err, ledger.ErrNoAccount):
			return "Connect a wallet to continue"
		case errors.Is(err.Err, ledger.ErrUnreachable):
			return "Could not reach the ledger node"
		}
	case KindConfirmation:
		switch {
		case errors.Is(err.Err, ErrReverted):
			return "Transaction reverted on the ledger"
		case errors.Is(err.Err, context.DeadlineExceeded):
			return "Timed out waiting for confirmation"
		}
	}
	return err.Err.Error()
}

type nopNotifier struct{}

func (nopNotifier) ShowLoading(string, string) string { return "" }
func (nopNotifier) ShowSuccess(string, string)        {}
func (nopNotifier) ShowError(string, string)          {}
