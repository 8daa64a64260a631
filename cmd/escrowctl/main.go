package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"escrowdesk/app"
	"escrowdesk/config"
	"escrowdesk/ledger"
	"escrowdesk/observability/logging"
	"escrowdesk/txctl"
)

// newLogger is swapped in tests to observe the log closer.
var newLogger = logging.New

type opener func(ctx context.Context, cfg *config.Config, surface *termSurface) (*app.App, error)

type cli struct {
	stdout io.Writer
	stderr io.Writer
	open   opener
	load   func(path string) (*config.Config, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	c := &cli{
		stdout: os.Stdout,
		stderr: os.Stderr,
		open:   openApp,
		load:   config.Load,
	}
	code := c.run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func openApp(ctx context.Context, cfg *config.Config, surface *termSurface) (*app.App, error) {
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	// Command output owns stdout; logs go to stderr, and only warnings by default.
	if level < slog.LevelWarn && os.Getenv("ESCROWDESK_LOG_LEVEL") == "" {
		level = slog.LevelWarn
	}
	logger, logCloser := newLogger(logging.Options{
		Service: "escrowctl",
		Env:     cfg.Log.Env,
		Level:   level,
		File:    cfg.Log.File,
		Output:  os.Stderr,
	})
	// The process exits as soon as the outcome is known.
	cfg.Transactions.TerminalDelay.Duration = 0
	// The log file outlives every component, so it closes last with the app.
	return app.New(ctx, cfg,
		app.WithLogger(logger),
		app.WithSurface(surface),
		app.WithCloser(logCloser.Close))
}

func (c *cli) run(ctx context.Context, argv []string) int {
	root := flag.NewFlagSet("escrowctl", flag.ContinueOnError)
	root.SetOutput(c.stderr)
	configPath := root.String("config", os.Getenv("ESCROWDESK_CONFIG"), "path to a TOML or YAML config file")
	if err := root.Parse(argv); err != nil {
		return 2
	}
	args := root.Args()
	if len(args) == 0 {
		fmt.Fprintln(c.stderr, usage())
		return 1
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(c.stderr, "unknown command: %s\n", args[0])
		fmt.Fprintln(c.stderr, usage())
		return 1
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	exec := cmd.bind(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, err := c.load(*configPath)
	if err != nil {
		fmt.Fprintf(c.stderr, "load config: %v\n", err)
		return 1
	}
	surface := &termSurface{out: c.stderr}
	a, err := c.open(ctx, cfg, surface)
	if err != nil {
		fmt.Fprintf(c.stderr, "start: %v\n", err)
		return 1
	}
	defer a.Close()

	if err := exec(ctx, &env{cli: c, app: a}); err != nil {
		c.printError(err)
		return 1
	}
	return 0
}

func (c *cli) printError(err error) {
	var invalid *txctl.ValidationError
	switch {
	case errors.As(err, &invalid):
		fmt.Fprintf(c.stderr, "invalid %s: %s\n", invalid.Field, invalid.Reason)
	case errors.Is(err, txctl.ErrBusy):
		fmt.Fprintln(c.stderr, "another transaction is still in flight")
	case errors.Is(err, ledger.ErrUserRejected):
		fmt.Fprintln(c.stderr, "transaction rejected at the signing prompt")
	default:
		fmt.Fprintf(c.stderr, "error: %v\n", err)
	}
}

// env is what a bound command runs against.
type env struct {
	*cli
	app *app.App
}

func (e *env) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, string(data))
	return nil
}

func usage() string {
	var b strings.Builder
	b.WriteString("escrowctl usage:\n  escrowctl [--config PATH] <command> [options]\n\nCommands:\n")
	for _, name := range commandOrder {
		fmt.Fprintf(&b, "  %-16s %s\n", name, commands[name].summary)
	}
	return b.String()
}
