package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/skypro1111/media-orchestrator/internal/launch"
	"github.com/skypro1111/media-orchestrator/internal/registry"
	"github.com/skypro1111/media-orchestrator/internal/telemetry"
)

// ErrSetup reports that the media endpoint could not be created
var ErrSetup = errors.New("media setup failed")

// DefaultReportInterval is the period of server-side quality observations
const DefaultReportInterval = 10 * time.Second

// State is a worker life-cycle state
type State int32

const (
	StateStarting State = iota
	StateStreaming
	StateWaitingForUpdate
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateWaitingForUpdate:
		return "waiting_for_update"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Endpoint is the media transport driven by the worker
type Endpoint interface {
	Start(remoteAddr string, remotePort int) error
	Stop()
	Quality() (float64, bool)
	Close() error
}

// EndpointFactory creates an endpoint for the given options
type EndpointFactory func(opts launch.Options) (Endpoint, error)

// Reporter receives quality observations
type Reporter interface {
	Write(ctx context.Context, observations ...telemetry.Observation) error
}

// Config wires a Worker
type Config struct {
	Options        launch.Options
	Registry       *registry.Registry
	Factory        EndpointFactory
	Reporter       Reporter         // optional
	Updates        <-chan os.Signal // update notifications
	ReportInterval time.Duration
	PID            int // defaults to os.Getpid()
	Logger         *slog.Logger
}

// Worker runs a single session
type Worker struct {
	opts           launch.Options
	registry       *registry.Registry
	factory        EndpointFactory
	reporter       Reporter
	updates        <-chan os.Signal
	reportInterval time.Duration
	pid            int
	logger         *slog.Logger

	state atomic.Int32
}

// New creates a worker in the Starting state
func New(cfg Config) *Worker {
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultReportInterval
	}
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}

	return &Worker{
		opts:           cfg.Options,
		registry:       cfg.Registry,
		factory:        cfg.Factory,
		reporter:       cfg.Reporter,
		updates:        cfg.Updates,
		reportInterval: cfg.ReportInterval,
		pid:            cfg.PID,
		logger:         cfg.Logger.With(slog.Int("port", cfg.Options.LocalPort)),
	}
}

// State returns the current state
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Options returns the parameters currently in effect
func (w *Worker) Options() launch.Options {
	return w.opts
}

func (w *Worker) setState(next State) {
	prev := State(w.state.Swap(int32(next)))
	w.logger.Info("Worker state changed",
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
	)
}

// Run executes the session until its lease expires or ctx is cancelled.
// The registry record is removed on every exit path.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateStarting)

	ep, err := w.factory(w.opts)
	if err != nil {
		w.stop(nil)
		return fmt.Errorf("%w: %v", ErrSetup, err)
	}

	for {
		w.setState(StateStreaming)
		if err := ep.Start(w.opts.RemoteAddr, w.opts.RemotePort); err != nil {
			w.stop(ep)
			return fmt.Errorf("failed to start media stream: %w", err)
		}
		w.logger.Info("Streaming",
			slog.String("remote", fmt.Sprintf("%s:%d", w.opts.RemoteAddr, w.opts.RemotePort)),
			slog.Duration("duration", w.opts.SessionDuration()),
			slog.Bool("server", w.opts.Server),
		)

		var updated bool
		if w.opts.Server {
			updated = w.serve(ctx, ep)
		} else {
			updated = w.send(ctx, ep)
		}
		if !updated {
			w.stop(ep)
			return nil
		}

		next, ok := w.reload()
		if !ok {
			w.stop(ep)
			return nil
		}

		// A role change needs an endpoint in the other direction
		if next.Server != w.opts.Server {
			if err := ep.Close(); err != nil {
				w.logger.Warn("Failed to close media endpoint on role change", slog.String("error", err.Error()))
			}
			w.opts = next
			if ep, err = w.factory(w.opts); err != nil {
				w.stop(nil)
				return fmt.Errorf("%w: %v", ErrSetup, err)
			}
			continue
		}
		w.opts = next
	}
}

// send streams the file for one duration, then waits for an update.
// It reports whether an update arrived.
func (w *Worker) send(ctx context.Context, ep Endpoint) bool {
	d := w.opts.SessionDuration()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	ep.Stop()
	w.report(ctx, ep, telemetry.DirectionTX)

	w.setState(StateWaitingForUpdate)
	return w.waitForUpdate(ctx, 2*d, nil, nil)
}

// serve keeps receiving and reporting until an update arrives or the lease runs out
func (w *Worker) serve(ctx context.Context, ep Endpoint) bool {
	ticker := time.NewTicker(w.reportInterval)
	defer ticker.Stop()

	w.setState(StateWaitingForUpdate)
	updated := w.waitForUpdate(ctx, 2*w.opts.SessionDuration(), ticker.C, func() {
		w.report(ctx, ep, telemetry.DirectionRX)
	})

	ep.Stop()
	return updated
}

// waitForUpdate blocks until an update, the timeout or cancellation, calling onTick on every tick
func (w *Worker) waitForUpdate(ctx context.Context, timeout time.Duration, tick <-chan time.Time, onTick func()) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker cancelled")
			return false
		case <-timer.C:
			w.logger.Info("Session lease expired", slog.Duration("timeout", timeout))
			return false
		case sig := <-w.updates:
			w.logger.Debug("Update notification received", slog.String("signal", sig.String()))
			return true
		case <-tick:
			onTick()
		}
	}
}

// reload reads this worker's record. ok is false when the session no longer belongs to it.
func (w *Worker) reload() (launch.Options, bool) {
	var rec registry.Session
	err := w.registry.WithLock(func() (err error) {
		rec, err = w.registry.Fetch(int32(w.opts.LocalPort))
		return err
	})

	switch {
	case errors.Is(err, registry.ErrNotFound):
		w.logger.Warn("Own record missing on update, stopping")
		return launch.Options{}, false
	case err != nil:
		// Keep the current parameters
		w.logger.Error("Failed to read own record", slog.String("error", err.Error()))
		return w.opts, true
	case int(rec.PID) != w.pid:
		w.logger.Warn("Session reassigned to another process, stopping",
			slog.Int("owner_pid", int(rec.PID)),
		)
		return launch.Options{}, false
	}

	next := w.opts
	next.Apply(rec)
	w.logger.Info("Session updated",
		slog.String("remote", fmt.Sprintf("%s:%d", next.RemoteAddr, next.RemotePort)),
		slog.Int("duration_ms", next.Duration),
		slog.Bool("server", next.Server),
	)
	return next, true
}

// report sends the endpoint's quality for the last window
func (w *Worker) report(ctx context.Context, ep Endpoint, direction string) {
	mos, ok := ep.Quality()
	if !ok {
		w.logger.Debug("No media in report window", slog.String("direction", direction))
		return
	}
	w.logger.Info("Quality", slog.String("direction", direction), slog.Float64("mos", mos))

	if w.reporter == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	obs := telemetry.Observation{Direction: direction, Port: w.opts.LocalPort, MOS: mos}
	if err := w.reporter.Write(writeCtx, obs); err != nil {
		w.logger.Warn("Failed to report quality", slog.String("error", err.Error()))
	}
}

// stop removes this worker's record if it still owns it and releases media
func (w *Worker) stop(ep Endpoint) {
	w.setState(StateStopped)

	port := int32(w.opts.LocalPort)
	err := w.registry.WithLock(func() error {
		rec, err := w.registry.Fetch(port)
		if err != nil {
			return err
		}
		if int(rec.PID) != w.pid {
			w.logger.Info("Record owned by another process, leaving it", slog.Int("owner_pid", int(rec.PID)))
			return nil
		}
		return w.registry.Remove(port)
	})
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		w.logger.Error("Failed to remove own record", slog.String("error", err.Error()))
	}

	if ep != nil {
		ep.Stop()
		if err := ep.Close(); err != nil {
			w.logger.Warn("Failed to close media endpoint", slog.String("error", err.Error()))
		}
	}
}
