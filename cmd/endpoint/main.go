// Package main provides the media-endpoint worker: one process per session,
// streaming RTP and following updates written to the shared registry.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skypro1111/media-orchestrator/internal/launch"
	"github.com/skypro1111/media-orchestrator/internal/logging"
	"github.com/skypro1111/media-orchestrator/internal/registry"
	"github.com/skypro1111/media-orchestrator/internal/telemetry"
	"github.com/skypro1111/media-orchestrator/internal/worker"
)

// exitError carries the process exit code
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error {
	return &exitError{code: launch.ExitUsage, err: err}
}

var (
	opts    launch.Options
	updates = make(chan os.Signal, 1)
)

var rootCmd = &cobra.Command{
	Use:           "media-endpoint",
	Short:         "Stream one RTP session on behalf of media-server",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runEndpoint,
}

func init() {
	launch.BindFlags(rootCmd.Flags(), &opts)
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})
}

func main() {
	// Subscribe before anything else so an early update is queued, not fatal
	signal.Notify(updates, launch.UpdateSignal)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "media-endpoint: %v\n", err)

		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(launch.ExitFailure)
	}
}

func runEndpoint(cmd *cobra.Command, _ []string) error {
	if err := opts.Validate(); err != nil {
		return usageError(err)
	}

	logger := slog.New(logging.NewHandler(os.Stderr, "text", &slog.HandlerOptions{
		Level: logging.ParseLevel(opts.LogLevel),
	})).With(slog.Int("pid", os.Getpid()))

	reg, err := registry.Open(registry.Config{Name: opts.SharedMem, Dir: opts.ShmDir})
	if err != nil {
		return fmt.Errorf("failed to attach session registry: %w", err)
	}
	defer reg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := worker.New(worker.Config{
		Options:  opts,
		Registry: reg,
		Factory:  worker.MediaFactory(logger),
		Reporter: newReporter(logger),
		Updates:  updates,
		Logger:   logger,
	})

	if err := w.Run(ctx); err != nil {
		if errors.Is(err, worker.ErrSetup) {
			return &exitError{code: launch.ExitSetupFailure, err: err}
		}
		return err
	}
	return nil
}

// newReporter returns the telemetry client from the environment, or nil when telemetry is off
func newReporter(logger *slog.Logger) worker.Reporter {
	cfg := telemetry.Config{MaxRetries: 2}.Overlay(telemetry.WorkerEnv)
	if !cfg.Enabled() {
		logger.Debug("Telemetry disabled")
		return nil
	}

	client, err := telemetry.NewClient(cfg, logger)
	if err != nil {
		logger.Warn("Telemetry disabled", slog.String("error", err.Error()))
		return nil
	}
	return client
}
