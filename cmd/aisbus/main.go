// Command aisbus runs the packet relay described by a YAML document.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/aisbus/internal/adapters"
	"github.com/coachpo/aisbus/internal/infra/config"
	httpserver "github.com/coachpo/aisbus/internal/infra/server/http"
	"github.com/coachpo/aisbus/internal/infra/telemetry"
	aislog "github.com/coachpo/aisbus/internal/log"
)

const (
	defaultConfigPath            = "config/aisbus.yaml"
	meterName                    = "aisbus"
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	runtimeShutdownTimeout       = 20 * time.Second
	lifecycleShutdownTimeout     = 5 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
)

type options struct {
	configPath   string
	console      bool
	exitWhenDone bool
}

func main() {
	opts := parseFlags(os.Args[1:])
	ctx, cancel := newSignalContext()
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseFlags(args []string) options {
	fs := flag.NewFlagSet("aisbus", flag.ExitOnError)
	cfgPath := fs.String("config", "", fmt.Sprintf("Path to the relay configuration file (default: %s)", defaultConfigPath))
	console := fs.Bool("console", false, "Human-readable log output")
	exitWhenDone := fs.Bool("exit-when-done", false, "Shut down once every provider has finished")
	_ = fs.Parse(args)
	return options{configPath: *cfgPath, console: *console, exitWhenDone: *exitWhenDone}
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func run(ctx context.Context, opts options) error {
	configPath := resolveConfigPath(opts.configPath)
	doc, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := doc.Log.Logger()
	logCfg.Console = logCfg.Console || opts.console
	aislog.Configure(logCfg)
	logger := aislog.WithComponent("main")
	logger.Info().
		Str("config", configPath).
		Int("providers", len(doc.Providers)).
		Int("consumers", len(doc.Consumers)).
		Msg("configuration loaded")

	telemetryProvider, err := initTelemetry(ctx, logger, doc.Telemetry)
	if err != nil {
		return err
	}

	providers, consumers := adapters.Registries()
	rt, err := config.Build(ctx, doc, providers, consumers,
		config.WithLogger(aislog.WithComponent("runtime")),
		config.WithMeter(telemetryProvider.Meter(meterName)))
	if err != nil {
		shutdownTelemetry(logger, telemetryProvider)
		return fmt.Errorf("build runtime: %w", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	if err := rt.Start(runCtx); err != nil {
		runCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{runtime: rt, telemetry: telemetryProvider})
		return fmt.Errorf("start runtime: %w", err)
	}

	var lifecycle conc.WaitGroup
	providersDone := make(chan struct{})
	lifecycle.Go(func() {
		defer close(providersDone)
		if err := rt.Wait(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("waiting for providers")
		}
	})

	controlServer := buildControlServer(doc.Control, rt, providers.Types(), consumers.Types())
	if controlServer != nil {
		startControlServer(&lifecycle, logger, controlServer)
		logger.Info().Str("addr", controlServer.Addr).Msg("control API listening")
	}

	logger.Info().Msg("relay started; awaiting shutdown signal")
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received, initiating graceful shutdown")
	case <-waitChannel(opts.exitWhenDone, providersDone):
		logger.Info().Msg("all providers finished, initiating graceful shutdown")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:    controlServer,
		runtime:   rt,
		runCancel: runCancel,
		lifecycle: &lifecycle,
		telemetry: telemetryProvider,
	})
	logger.Info().Dur("elapsed", time.Since(shutdownStart)).Msg("shutdown completed")
	return nil
}

// waitChannel yields done only when exiting on provider completion is enabled.
func waitChannel(enabled bool, done <-chan struct{}) <-chan struct{} {
	if !enabled {
		return nil
	}
	return done
}

func initTelemetry(ctx context.Context, logger zerolog.Logger, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := cfg.Provider()
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Info().
			Str("endpoint", telemetryCfg.OTLPEndpoint).
			Str("service", telemetryCfg.ServiceName).
			Msg("telemetry initialized")
	} else {
		logger.Info().Msg("telemetry disabled")
	}
	return provider, nil
}

func shutdownTelemetry(logger zerolog.Logger, provider *telemetry.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := provider.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("telemetry shutdown")
	}
}

func buildControlServer(cfg config.ControlConfig, rt *config.Runtime, providerTypes, consumerTypes []string) *http.Server {
	if cfg.Addr == "" {
		return nil
	}
	handler := httpserver.NewHandler(httpserver.Dependencies{
		Bus:           rt.Bus,
		Providers:     rt.Providers,
		Subscriptions: rt.Subscriptions,
		Document:      rt.Document,
		ProviderTypes: providerTypes,
		ConsumerTypes: consumerTypes,
	})
	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = controlReadHeaderTimeout
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func startControlServer(lifecycle *conc.WaitGroup, logger zerolog.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("control server")
		}
	})
}

type gracefulShutdownConfig struct {
	server    *http.Server
	runtime   *config.Runtime
	runCancel context.CancelFunc
	lifecycle *conc.WaitGroup
	telemetry *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger zerolog.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info().Str("step", name).Msg("shutdown step started")
		if err := fn(stepCtx); err != nil {
			logger.Error().Err(err).Str("step", name).Msg("shutdown step failed")
		} else {
			logger.Info().Str("step", name).Msg("shutdown step completed")
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, cfg.server.Shutdown)
	}

	if cfg.runtime != nil {
		shutdownStep("stopping runtime", runtimeShutdownTimeout, cfg.runtime.Shutdown)
	}

	if cfg.runCancel != nil {
		cfg.runCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("AISBUS_CONFIG"); env != "" {
		return env
	}
	return filepath.Clean(defaultConfigPath)
}
