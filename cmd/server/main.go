// Package main provides the media-server entry point: the HTTP API, the
// control loop and the reaper around a shared session registry.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/skypro1111/media-orchestrator/internal/config"
	"github.com/skypro1111/media-orchestrator/internal/logging"
	"github.com/skypro1111/media-orchestrator/internal/metrics"
	"github.com/skypro1111/media-orchestrator/internal/orchestrator"
	"github.com/skypro1111/media-orchestrator/internal/registry"
	"github.com/skypro1111/media-orchestrator/internal/server"
)

const (
	serviceName    = "media-server"
	serviceVersion = "1.0.0"
)

var rootCmd = &cobra.Command{
	Use:           serviceName,
	Short:         "Orchestrate audio streaming endpoint processes",
	Version:       serviceVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the sessions of a running media-server",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to configuration file (defaults apply when empty)")
	rootCmd.PersistentFlags().IntP("port", "p", 0, "HTTP API port (default 9090)")
	rootCmd.Flags().StringP("wavefile", "w", "", "WAVE file played by client endpoints")
	rootCmd.Flags().StringP("codec", "c", "", "Endpoint codec: pcmu or pcma")

	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies command-line and environment overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if f := cmd.Flags().Lookup("wavefile"); f != nil && f.Changed {
		cfg.Worker.Wavefile = f.Value.String()
	}
	if f := cmd.Flags().Lookup("codec"); f != nil && f.Changed {
		cfg.Worker.Codec = f.Value.String()
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, logCloser := logging.New(cfg.Logging)
	defer logCloser.Close()

	regCfg := cfg.RegistryLocation()
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("api_address", cfg.Server.Addr()),
		slog.String("registry", regCfg.Name),
		slog.Int("capacity", regCfg.Capacity),
		slog.String("worker_binary", cfg.Worker.Binary),
		slog.String("wavefile", cfg.Worker.Wavefile),
		slog.String("codec", cfg.Worker.Codec),
		slog.Bool("telemetry", cfg.Telemetry.Enabled()),
	)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.NewMetrics(promReg)

	if cfg.Worker.LogDir != "" {
		if err := os.MkdirAll(cfg.Worker.LogDir, 0o755); err != nil {
			return fmt.Errorf("failed to create worker log dir: %w", err)
		}
	}

	// Bind the API port before taking ownership of the registry, so a second
	// instance on the same port exits without touching the live block
	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr(), err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Registry: regCfg,
		Spawner: &orchestrator.ExecSpawner{
			Binary:    cfg.Worker.Binary,
			Base:      cfg.WorkerOptions(),
			Telemetry: cfg.Telemetry,
			LogDir:    cfg.Worker.LogDir,
			Logger:    logger,
		},
		Logger:  logger,
		Metrics: appMetrics,
	})
	if err != nil {
		ln.Close()
		return err
	}
	orch.Start()

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Addr:     cfg.Server.Addr(),
		Listener: ln,
		Gatherer: promReg,
	}, logger, orch.Registry, orch, appMetrics)

	if err := httpServer.Start(); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeoutDuration())
		defer cancel()
		orch.Shutdown(shutdownCtx)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("api_address", httpServer.Addr()),
	)
	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeoutDuration())
	defer cancel()

	// Reverse order: stop accepting requests, then drain and tear down the orchestrator
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping orchestrator", slog.String("error", err.Error()))
	}

	logger.Info("Service stopped")
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	reg, err := registry.Open(cfg.RegistryLocation())
	if err != nil {
		return fmt.Errorf("is media-server running? %w", err)
	}
	defer reg.Close()

	var out string
	if err := reg.WithLock(func() (err error) {
		out, err = reg.Render()
		return err
	}); err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}
