package orchestrator

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/skypro1111/media-orchestrator/internal/launch"
	"github.com/skypro1111/media-orchestrator/internal/registry"
	"github.com/skypro1111/media-orchestrator/internal/telemetry"
)

// ExecSpawner starts endpoint workers as detached child processes
type ExecSpawner struct {
	Binary    string
	Base      launch.Options   // orchestrator-wide worker settings
	Telemetry telemetry.Config // forwarded through the worker environment
	LogDir    string           // per-worker output files; empty discards output
	Logger    *slog.Logger
}

// Spawn starts a worker for session and returns its pid without waiting for it
func (s *ExecSpawner) Spawn(session registry.Session) (int, error) {
	inv := launch.NewInvocation(s.Binary, session, s.Base, s.Telemetry)
	cmd, err := inv.Command()
	if err != nil {
		return 0, err
	}

	if s.LogDir != "" {
		path := filepath.Join(s.LogDir, fmt.Sprintf("endpoint-%d.log", session.Port))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("failed to open worker log: %w", err)
		}
		// The child keeps its own descriptor
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}
	pid := cmd.Process.Pid

	// Exit status is collected by the Reaper
	if err := cmd.Process.Release(); err != nil {
		s.Logger.Warn("Failed to release worker handle",
			slog.Int("pid", pid),
			slog.String("error", err.Error()),
		)
	}

	s.Logger.Debug("Worker process started",
		slog.Int("pid", pid),
		slog.String("path", cmd.Path),
		slog.Any("args", cmd.Args[1:]),
	)
	return pid, nil
}
