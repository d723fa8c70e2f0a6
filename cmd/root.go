// Package cmd defines the threadharvest command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/threadharvest/internal/app"
	"github.com/JakeFAU/threadharvest/internal/config"
	"github.com/JakeFAU/threadharvest/internal/logging"
	"github.com/JakeFAU/threadharvest/internal/metrics"
	"github.com/JakeFAU/threadharvest/internal/telemetry"
)

// runtimeKeyType is the context key for the loaded runtime.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime is what every subcommand needs before it builds the app.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	tracer *sdktrace.TracerProvider
}

// newApp is the application factory. Tests replace it to inject fakes.
var newApp = func(cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(cfg, app.Options{Logger: logger})
}

// newRootCmd builds the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "threadharvest",
		Short: "Resumable forum crawler that feeds a deduplicated chunk corpus.",
		Long: `threadharvest crawls forum listing pages, extracts every thread once,
checkpoints progress after each thread and delivers deduplicated text
chunks to an ingestion sink. Interrupted runs resume where they stopped.`,
		SilenceUsage: true,

		// Only configuration and logging are set up here. State files and
		// network clients are opened by each subcommand once its own
		// arguments are validated.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				File:        cfg.Logging.File,
			})
			if err != nil {
				return err
			}
			tp, err := telemetry.InitTracerProvider(cmd.Context(), "threadharvest")
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger, tracer: tp}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			rt, ok := cmd.Context().Value(runtimeKey).(*runtime)
			if !ok {
				return
			}
			if rt.tracer != nil {
				if err := rt.tracer.Shutdown(context.WithoutCancel(cmd.Context())); err != nil {
					rt.logger.Warn("tracer shutdown failed", zap.Error(err))
				}
			}
			_ = rt.logger.Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(
		newCrawlCmd(),
		newIngestCmd(),
		newStatusCmd(),
		newResetCmd(),
	)
	return cmd
}

// Execute runs the CLI until completion or SIGINT/SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// withApp builds the app, runs fn and closes the app afterwards.
func withApp(rt *runtime, fn func(*app.App) error) (err error) {
	a, err := newApp(rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close application: %w", cerr))
		}
	}()
	return fn(a)
}

// serveMetrics starts the metrics listener when configured. The returned
// function stops it.
func serveMetrics(ctx context.Context, rt *runtime) func() {
	if rt.cfg.Metrics.Addr == "" {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := metrics.Serve(ctx, rt.cfg.Metrics.Addr, rt.logger); err != nil {
			rt.logger.Warn("metrics listener failed", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
