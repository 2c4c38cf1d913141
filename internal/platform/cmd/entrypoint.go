// Package cmd holds the startup plumbing shared by broseph commands: env and
// flag parsing, logger construction, and the telemetry lifecycle around a
// service run loop.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/broseph/broseph/internal/platform/config"
	"github.com/broseph/broseph/internal/platform/logging"
	"github.com/broseph/broseph/internal/platform/otel"
)

const defaultTelemetryShutdown = 5 * time.Second

// Service names used for the logger "service" field and the otel resource.
const (
	ServiceGroups = "groups"
	ServiceWorker = "worker"
)

// RunFunc is a service run loop. It receives the process logger and returns
// when ctx ends or the service fails.
type RunFunc func(ctx context.Context, logger *zap.Logger) error

// Options controls Run.
type Options struct {
	// Logging configures the process logger. Ignored when Logger is set.
	Logging logging.Config
	// Logger overrides logger construction, mainly for tests.
	Logger *zap.Logger
	// TelemetryShutdown bounds the tracer flush on exit.
	TelemetryShutdown time.Duration
}

// ParseConfig loads BROSEPH_ environment defaults into cfg.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnv(cfg)
}

// ParseArgs applies command-line flags on top of the env defaults already
// bound to fs.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// Run builds the process logger, starts tracing for service, and executes
// run. The tracer is flushed and the logger synced before Run returns.
func Run(ctx context.Context, service string, options Options, run RunFunc) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return errors.New("service name is required")
	}
	if run == nil {
		return errors.New("run function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	logger := options.Logger
	if logger == nil {
		built, err := logging.New(service, options.Logging)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		logger = built
		defer func() { _ = logger.Sync() }()
	}

	shutdown, err := otel.Setup(ctx, service)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		timeout := options.TelemetryShutdown
		if timeout <= 0 {
			timeout = defaultTelemetryShutdown
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	started := time.Now()
	logger.Info("service starting")
	err = run(ctx, logger)
	logger.Info("service stopped", zap.Duration("uptime", time.Since(started)), zap.Error(err))
	return err
}
