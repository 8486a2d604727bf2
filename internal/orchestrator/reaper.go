package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/skypro1111/media-orchestrator/internal/launch"
	"github.com/skypro1111/media-orchestrator/internal/metrics"
)

// Exit classes reported by the Reaper
const (
	ExitClean        = "clean"
	ExitSetupFailure = "setup_failure"
	ExitError        = "error"
	ExitSignaled     = "signaled"
)

// ExitStatus describes one reaped worker
type ExitStatus struct {
	PID    int
	Code   int         // exit code, -1 when signaled
	Signal unix.Signal // terminating signal, 0 when exited
	Class  string
}

// Reaper collects exited child processes so none linger as zombies.
// It never touches the registry.
type Reaper struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	// OnExit, when set, is called for every reaped child
	OnExit func(ExitStatus)
}

// NewReaper creates a reaper
func NewReaper(logger *slog.Logger, m *metrics.Metrics) *Reaper {
	return &Reaper{logger: logger, metrics: m}
}

// Run reaps on every SIGCHLD until ctx is cancelled
func (r *Reaper) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGCHLD)
	defer signal.Stop(sigCh)

	// Children may have exited before the subscription
	r.Reap()

	for {
		select {
		case <-ctx.Done():
			r.Reap()
			return nil
		case <-sigCh:
			// SIGCHLD coalesces: one notification may stand for several exits
			r.Reap()
		}
	}
}

// Reap collects every child that has already exited and returns how many it found
func (r *Reaper) Reap() int {
	reaped := 0
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || pid <= 0 {
			// ECHILD: no children at all; 0: none exited yet
			return reaped
		}
		reaped++

		status := classify(pid, ws)
		r.metrics.RecordWorkerExit(status.Class)

		attrs := []any{
			slog.Int("pid", status.PID),
			slog.String("class", status.Class),
		}
		if status.Signal != 0 {
			attrs = append(attrs, slog.String("signal", unix.SignalName(status.Signal)))
		} else {
			attrs = append(attrs, slog.Int("exit_code", status.Code))
		}
		if status.Class == ExitClean {
			r.logger.Info("Worker exited", attrs...)
		} else {
			r.logger.Warn("Worker exited abnormally", attrs...)
		}

		if r.OnExit != nil {
			r.OnExit(status)
		}
	}
}

// classify maps a wait status onto an exit class
func classify(pid int, ws unix.WaitStatus) ExitStatus {
	if ws.Signaled() {
		return ExitStatus{PID: pid, Code: -1, Signal: ws.Signal(), Class: ExitSignaled}
	}

	status := ExitStatus{PID: pid, Code: ws.ExitStatus()}
	switch status.Code {
	case launch.ExitOK:
		status.Class = ExitClean
	case launch.ExitSetupFailure:
		status.Class = ExitSetupFailure
	default:
		status.Class = ExitError
	}
	return status
}
