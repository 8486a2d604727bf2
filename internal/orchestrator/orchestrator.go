package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/media-orchestrator/internal/metrics"
	"github.com/skypro1111/media-orchestrator/internal/registry"
)

// Config wires an Orchestrator
type Config struct {
	Registry registry.Config
	Spawner  Spawner
	Signaler Signaler
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Orchestrator owns the registry, the task queue, the control loop and the reaper
type Orchestrator struct {
	Registry   *registry.Registry
	Queue      *Queue
	Controller *Controller
	Reaper     *Reaper

	logger  *slog.Logger
	metrics *metrics.Metrics

	cancelReaper context.CancelFunc
	loopDone     chan struct{}
	reaperDone   chan struct{}
	stopOnce     sync.Once
	stopErr      error
}

// New creates the shared registry and the components around it
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Spawner == nil {
		return nil, errors.New("spawner is required")
	}
	if cfg.Signaler == nil {
		cfg.Signaler = UnixSignaler{}
	}

	reg, err := registry.Create(cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create session registry: %w", err)
	}
	cfg.Metrics.SetSessions(0, reg.Cap())

	q := NewQueue()
	return &Orchestrator{
		Registry:   reg,
		Queue:      q,
		Controller: NewController(reg, q, cfg.Spawner, cfg.Signaler, cfg.Logger, cfg.Metrics),
		Reaper:     NewReaper(cfg.Logger, cfg.Metrics),
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Start launches the control loop and the reaper
func (o *Orchestrator) Start() {
	o.loopDone = make(chan struct{})
	o.reaperDone = make(chan struct{})

	go func() {
		defer close(o.loopDone)
		o.Controller.Run(context.Background())
	}()

	var ctx context.Context
	ctx, o.cancelReaper = context.WithCancel(context.Background())
	go func() {
		defer close(o.reaperDone)
		o.Reaper.Run(ctx)
	}()

	o.logger.Info("Orchestrator started",
		slog.String("registry", o.Registry.Name()),
		slog.Int("capacity", o.Registry.Cap()),
	)
}

// Submit enqueues a stream request and returns its request id
func (o *Orchestrator) Submit(s registry.Session) (string, error) {
	task := Task{Session: s, RequestID: uuid.NewString(), Accepted: time.Now()}
	if err := o.Queue.Push(task); err != nil {
		return "", err
	}
	o.metrics.RecordTaskEnqueued(o.Queue.Len())
	return task.RequestID, nil
}

// Shutdown tears down in reverse order of construction: the queue stops accepting,
// the control loop drains, the reaper stops, the registry is destroyed
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopOnce.Do(func() {
		o.Queue.Close()

		if o.loopDone != nil {
			select {
			case <-o.loopDone:
			case <-ctx.Done():
				o.logger.Warn("Control loop did not drain in time",
					slog.Int("pending_tasks", o.Queue.Len()),
				)
				// Wait only for the task in flight; the registry must outlive it
				o.Controller.Abandon()
				<-o.loopDone
			}
		}

		if o.cancelReaper != nil {
			o.cancelReaper()
			<-o.reaperDone
		}

		o.stopErr = o.Registry.Close()
		o.logger.Info("Orchestrator stopped")
	})
	return o.stopErr
}

// Pending returns the number of queued tasks
func (o *Orchestrator) Pending() int {
	return o.Queue.Len()
}
