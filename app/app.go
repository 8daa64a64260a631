// Package app wires configuration into a running escrowdesk: ledger client,
// signer, notification surfaces, transaction controller, escrow aggregator,
// user directory and journal.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"escrowdesk/config"
	"escrowdesk/escrow"
	"escrowdesk/journal"
	"escrowdesk/ledger"
	"escrowdesk/ledger/evm"
	"escrowdesk/notify"
	"escrowdesk/observability/logging"
	"escrowdesk/txctl"
	"escrowdesk/userdir"
	"escrowdesk/wallet"
)

// Ledger is everything the app needs from a ledger connection.
type Ledger interface {
	ledger.Reader
	ledger.Writer
	ledger.ReceiptWaiter
	Account() (common.Address, bool)
}

// App holds the wired components.
type App struct {
	Config     *config.Config
	Ledger     Ledger
	Hub        *notify.Hub
	Notifier   *notify.Coordinator
	Controller *txctl.Controller
	Escrow     *escrow.Aggregator
	Journal    *journal.Store
	Users      *userdir.Client

	logger  *slog.Logger
	closers []func() error
}

type options struct {
	logger   *slog.Logger
	ledger   Ledger
	confirm  wallet.ConfirmFunc
	surfaces []notify.Surface
	http     *http.Client
	closers  []func() error
}

// Option customises New.
type Option func(*options)

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLedger skips dialing and uses l directly.
func WithLedger(l Ledger) Option {
	return func(o *options) { o.ledger = l }
}

// WithConfirm overrides the signing prompt used when wallet.prompt is set.
func WithConfirm(fn wallet.ConfirmFunc) Option {
	return func(o *options) { o.confirm = fn }
}

// WithSurface adds a notification surface next to the hub and the log.
func WithSurface(s notify.Surface) Option {
	return func(o *options) {
		if s != nil {
			o.surfaces = append(o.surfaces, s)
		}
	}
}

// WithHTTPClient sets the client used for the user directory.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.http = c }
}

// WithCloser registers fn to run after every component has closed, including
// when New itself fails.
func WithCloser(fn func() error) Option {
	return func(o *options) {
		if fn != nil {
			o.closers = append(o.closers, fn)
		}
	}
}

// New builds the application from cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	a := &App{Config: cfg, logger: o.logger}
	a.closers = append(a.closers, o.closers...)
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Journal, err = journal.Open(cfg.Journal.Path, o.logger.With(slog.String("component", "journal")))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	a.closers = append(a.closers, a.Journal.Close)

	if o.ledger != nil {
		a.Ledger = o.ledger
	} else {
		a.Ledger, err = dialLedger(ctx, cfg, o)
		if err != nil {
			return nil, err
		}
	}

	a.Hub = notify.NewHub(
		notify.WithHistoryCapacity(cfg.Notify.HistoryCapacity),
		notify.WithTerminalTTL(cfg.Notify.TerminalTTL.Duration),
	)
	surfaces := append([]notify.Surface{a.Hub, notify.LogSurface{Logger: o.logger.With(slog.String("component", "notify"))}}, o.surfaces...)
	a.Notifier = notify.NewCoordinator(notify.Multi(surfaces...),
		notify.WithTerminalDelay(cfg.Transactions.TerminalDelay.Duration))

	ctrlOpts := []txctl.Option{
		txctl.WithNotifier(a.Notifier),
		txctl.WithLogger(o.logger.With(slog.String("component", "txctl"))),
		txctl.WithConfirmTimeout(cfg.Transactions.ConfirmTimeout.Duration),
		txctl.WithObserver(a.Journal),
	}
	if msg := cfg.Transactions.SuccessMessage; msg != "" {
		ctrlOpts = append(ctrlOpts, txctl.WithDefaultSuccessMessage(msg))
	}
	a.Controller = txctl.New(a.Ledger, a.Ledger, ctrlOpts...)
	a.closers = append(a.closers, func() error { a.Controller.Close(); return nil })

	contract, err := escrow.NewContract(common.HexToAddress(cfg.Ledger.Contract))
	if err != nil {
		return nil, err
	}
	a.Escrow = escrow.New(a.Ledger, a.Controller, contract, a.Ledger,
		escrow.WithNotifier(a.Notifier),
		escrow.WithLogger(o.logger.With(slog.String("component", "escrow"))))

	if cfg.UserDir.BaseURL != "" {
		client := o.http
		if client == nil {
			client = &http.Client{Timeout: cfg.UserDir.Timeout.Duration}
		}
		a.Users = userdir.New(cfg.UserDir.BaseURL, client)
	}
	return a, nil
}

func dialLedger(ctx context.Context, cfg *config.Config, o options) (Ledger, error) {
	evmOpts := []evm.Option{
		evm.WithLogger(o.logger.With(slog.String("component", "ledger"))),
		evm.WithPollInterval(cfg.Transactions.PollInterval.Duration),
		evm.WithGasLimit(cfg.Ledger.GasLimit),
		evm.WithConfirmations(cfg.Ledger.Confirmations),
		evm.WithRateLimit(cfg.Ledger.RateLimit, cfg.Ledger.RateBurst),
	}
	if cfg.Ledger.ChainID != 0 {
		evmOpts = append(evmOpts, evm.WithChainID(new(big.Int).SetUint64(cfg.Ledger.ChainID)))
	}
	signer, err := loadSigner(cfg.Wallet, o.confirm)
	switch {
	case errors.Is(err, wallet.ErrNoKey):
		o.logger.Warn("no wallet key configured; mutations will be rejected")
	case err != nil:
		return nil, err
	default:
		o.logger.Info("wallet signer configured", walletAttrs(cfg.Wallet)...)
		evmOpts = append(evmOpts, evm.WithSigner(signer))
	}
	client, err := evm.Dial(ctx, cfg.Ledger.RPCURL, evmOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial ledger: %w", err)
	}
	return client, nil
}

func loadSigner(w config.Wallet, confirm wallet.ConfirmFunc) (ledger.Signer, error) {
	src := wallet.KeySource{
		PrivateKey:     w.PrivateKey,
		PrivateKeyEnv:  w.PrivateKeyEnv,
		PrivateKeyFile: w.PrivateKeyFile,
		Keystore:       w.Keystore,
		Passphrase:     wallet.NewPassphraseSource(w.PassphraseEnv).Get,
	}
	key, err := wallet.Load(src)
	if err != nil {
		return nil, err
	}
	if !w.Prompt {
		return key, nil
	}
	if confirm == nil {
		confirm = wallet.TerminalConfirm(os.Stdin, os.Stderr)
	}
	return &wallet.PromptSigner{Signer: key, Confirm: confirm}, nil
}

// walletAttrs describes where the signing key came from without leaking paths.
func walletAttrs(w config.Wallet) []any {
	return []any{
		logging.MaskField("keystore", w.Keystore),
		logging.MaskField("private_key_file", w.PrivateKeyFile),
		slog.String("private_key_env", w.PrivateKeyEnv),
		slog.Bool("inline_key", w.PrivateKey != ""),
		slog.Bool("prompt", w.Prompt),
	}
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
