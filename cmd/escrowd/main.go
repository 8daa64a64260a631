package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowdesk/app"
	"escrowdesk/config"
	"escrowdesk/observability/logging"
	telemetry "escrowdesk/observability/otel"
	"escrowdesk/services/escrowd"
)

const (
	serviceName     = "escrowd"
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", os.Getenv("ESCROWDESK_CONFIG"), "path to a TOML or YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger, logCloser := logging.New(logging.Options{
		Service: serviceName,
		Env:     cfg.Log.Env,
		Level:   level,
		File:    cfg.Log.File,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelCfg := telemetry.FromSettings(serviceName, cfg.Log.Env, cfg.Telemetry)
	for k, v := range telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")) {
		if otelCfg.Headers == nil {
			otelCfg.Headers = map[string]string{}
		}
		otelCfg.Headers[k] = v
	}
	shutdownTelemetry, err := telemetry.Init(ctx, otelCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	a, err := app.New(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           escrowd.NewServer(a).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if cfg.API.JWTSecret == "" {
		logger.Warn("api authentication disabled; bind to a loopback address only", slog.String("listen", cfg.API.Listen))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening", slog.String("listen", cfg.API.Listen), slog.String("network", cfg.Ledger.Network))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down escrowd")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
