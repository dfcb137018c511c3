// Command swapbookd mirrors the swap contract order book and serves it over
// HTTP and a WebSocket notification stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/swapbook/errs"
	"github.com/coachpo/swapbook/internal/bus"
	"github.com/coachpo/swapbook/internal/chain"
	"github.com/coachpo/swapbook/internal/config"
	"github.com/coachpo/swapbook/internal/engine"
	"github.com/coachpo/swapbook/internal/observability"
	"github.com/coachpo/swapbook/internal/pricefeed"
	"github.com/coachpo/swapbook/internal/server"
	"github.com/coachpo/swapbook/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	engineShutdownTimeout    = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	initialRetryDelay        = 2 * time.Second
	maxRetryDelay            = time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "swapbookd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, err := config.Load(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zl, err := observability.NewZapLogger(appCfg.LoggingConfig())
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	logger := zl.Named("swapbookd")
	observability.SetLogger(zl)
	logger.Info("configuration initialised",
		observability.F("env", appCfg.Environment),
		observability.F("contract", appCfg.Chain.Contract),
		observability.F("seeds", len(appCfg.Tokens.Seeds)))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}

	oracle, runOracle, err := newOracle(appCfg, zl)
	if err != nil {
		return fmt.Errorf("initialise price feed: %w", err)
	}

	eng, err := engine.New(appCfg.EngineConfig(),
		chain.EthDialer(appCfg.Chain.RPCURL, appCfg.Chain.DialTimeout),
		oracle,
		engine.WithLogger(zl.Named("engine")))
	if err != nil {
		return fmt.Errorf("initialise engine: %w", err)
	}

	srv := server.New(appCfg.ServerConfig(), eng, zl.Named("server"))

	var lifecycle conc.WaitGroup
	if runOracle != nil {
		lifecycle.Go(func() {
			if err := runOracle(ctx); err != nil {
				logger.Warn("price feed stopped", observability.Err(err))
			}
		})
	}
	lifecycle.Go(func() {
		if err := srv.Run(ctx); err != nil {
			logger.Error("http server stopped", observability.Err(err))
			cancel()
		}
	})
	lifecycle.Go(func() {
		if err := superviseEngine(ctx, logger, eng); err != nil {
			logger.Error("order sync abandoned", observability.Err(err))
			cancel()
		}
	})

	logger.Info("swapbookd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	shutdownErr := performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     srv,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		engine:     eng,
		telemetry:  telemetryProvider,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))
	_ = zl.Sync()
	return shutdownErr
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("SWAPBOOK_CONFIG"); env != "" {
		return env
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger observability.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	provider, err := telemetry.NewProvider(ctx, appCfg.TelemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		cfg := provider.Config()
		logger.Info("telemetry initialized",
			observability.F("endpoint", cfg.OTLPEndpoint),
			observability.F("service", cfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

// newOracle picks the HTTP feed when a URL is configured and the static table
// otherwise. The returned run function is nil when nothing needs polling.
func newOracle(appCfg config.AppConfig, logger observability.Logger) (engine.Oracle, func(context.Context) error, error) {
	if appCfg.Prices.URL == "" {
		return pricefeed.NewStatic(appCfg.StaticPrices(), logger), nil, nil
	}
	oracle, err := pricefeed.NewHTTPOracle(appCfg.PriceFeedConfig(), nil, logger)
	if err != nil {
		return nil, nil, err
	}
	return oracle, oracle.Run, nil
}

// superviseEngine runs the initial sync and, whenever the event connection
// gives up, runs it again so the failed connection is restarted.
func superviseEngine(ctx context.Context, logger observability.Logger, eng *engine.Engine) error {
	failed := make(chan struct{}, 1)
	id := eng.Subscribe(bus.TopicConnectionFailed, func(context.Context, bus.Notification) {
		select {
		case failed <- struct{}{}:
		default:
		}
	})
	defer eng.Unsubscribe(id)

	for {
		if err := initializeEngine(ctx, logger, eng); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-failed:
			logger.Warn("event connection failed; restarting")
		}
	}
}

// initializeEngine retries the initial sync until it succeeds, fails
// permanently or ctx ends.
func initializeEngine(ctx context.Context, logger observability.Logger, eng *engine.Engine) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialRetryDelay
	bo.MaxInterval = maxRetryDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := eng.Initialize(ctx)
		switch {
		case err == nil:
			return struct{}{}, nil
		case ctx.Err() != nil:
			return struct{}{}, backoff.Permanent(ctx.Err())
		case errs.Is(err, errs.CodeInvalid), errs.Is(err, errs.CodeClosed):
			return struct{}{}, backoff.Permanent(err)
		default:
			return struct{}{}, err
		}
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("order sync failed; retrying",
				observability.Err(err),
				observability.F("retry_in", next.String()))
		}))
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

type gracefulShutdownConfig struct {
	server     *server.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	engine     *engine.Engine
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) error {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
			return
		}
		logger.Info("shutdown: " + name + " completed")
	}

	if cfg.server != nil {
		shutdownStep("stopping http server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Info("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitDone(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.engine != nil {
		shutdownStep("cleaning up engine", engineShutdownTimeout, func(stepCtx context.Context) error {
			return waitDone(stepCtx, cfg.engine.Cleanup)
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
	return observability.JoinErrors(logger, "shutdown", failures)
}

func waitDone(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout: %w", ctx.Err())
	}
}
