package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/skypro1111/media-orchestrator/internal/metrics"
	"github.com/skypro1111/media-orchestrator/internal/registry"
)

// Spawner starts a worker process for a session and returns its pid
type Spawner interface {
	Spawn(session registry.Session) (int, error)
}

// Signaler delivers directed signals to worker processes
type Signaler interface {
	// Notify tells a worker its record changed
	Notify(pid int) error
	// Terminate asks a worker to stop
	Terminate(pid int) error
}

// Controller is the single consumer of the task queue
type Controller struct {
	registry *registry.Registry
	queue    *Queue
	spawner  Spawner
	signaler Signaler
	logger   *slog.Logger
	metrics  *metrics.Metrics

	abandoned atomic.Bool
}

// NewController creates a control loop over reg fed by q
func NewController(reg *registry.Registry, q *Queue, spawner Spawner, signaler Signaler,
	logger *slog.Logger, m *metrics.Metrics) *Controller {
	return &Controller{
		registry: reg,
		queue:    q,
		spawner:  spawner,
		signaler: signaler,
		logger:   logger,
		metrics:  m,
	}
}

// Run applies tasks in FIFO order until the queue is closed and drained.
// Cancelling ctx closes the queue; queued tasks are still applied.
func (c *Controller) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.queue.Close)
	defer stop()

	c.logger.Info("Control loop started")
	for {
		task, ok := c.queue.Pop()
		if !ok {
			c.logger.Info("Control loop stopped")
			return nil
		}
		if c.abandoned.Load() {
			c.logger.Warn("Dropping task during shutdown",
				slog.String("request_id", task.RequestID),
				slog.Int("port", int(task.Session.Port)),
			)
			continue
		}

		start := time.Now()
		outcome, err := c.Apply(task)
		c.metrics.RecordTask(outcome, time.Since(start).Seconds())
		c.metrics.SetQueueDepth(c.queue.Len())
		c.metrics.SetSessions(c.registry.Len(), c.registry.Cap())

		if err != nil {
			c.logger.Error("Task failed",
				slog.String("request_id", task.RequestID),
				slog.Int("port", int(task.Session.Port)),
				slog.String("outcome", outcome),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Abandon closes the queue and makes Run drop the tasks still queued
func (c *Controller) Abandon() {
	c.abandoned.Store(true)
	c.queue.Close()
}

// Apply carries out one task: hot update of a live worker, otherwise a cold start
func (c *Controller) Apply(task Task) (string, error) {
	s := task.Session
	logger := c.logger.With(
		slog.String("request_id", task.RequestID),
		slog.Int("port", int(s.Port)),
	)

	existing, found, err := c.fetch(s.Port)
	if err != nil {
		return metrics.OutcomeRegistryError, err
	}

	if found {
		// Keep the owner; the rest of the record comes from the request
		s.PID = existing.PID

		err := c.registry.WithLock(func() error { return c.registry.Update(s) })
		switch {
		case err == nil:
			sigErr := c.signaler.Notify(int(s.PID))
			if sigErr == nil {
				logger.Info("Session updated",
					slog.Int("pid", int(s.PID)),
					slog.String("dest", fmt.Sprintf("%s:%d", s.DestAddress, s.DestPort)),
					slog.Int("duration_ms", int(s.Duration)),
					slog.String("role", s.Role()),
				)
				return metrics.OutcomeHotUpdate, nil
			}

			logger.Warn("Worker unreachable, evicting stale record",
				slog.Int("pid", int(s.PID)),
				slog.String("error", sigErr.Error()),
			)
			if err := c.evict(s.Port, s.PID); err != nil {
				return metrics.OutcomeRegistryError, err
			}
		case errors.Is(err, registry.ErrNotFound):
			// The worker removed its record after the fetch
			logger.Debug("Record vanished before update")
		default:
			return metrics.OutcomeRegistryError, fmt.Errorf("failed to update session: %w", err)
		}
	}

	return c.coldStart(logger, s)
}

// fetch looks up port under the lock
func (c *Controller) fetch(port int32) (registry.Session, bool, error) {
	var s registry.Session
	err := c.registry.WithLock(func() (err error) {
		s, err = c.registry.Fetch(port)
		return err
	})
	switch {
	case err == nil:
		return s, true, nil
	case errors.Is(err, registry.ErrNotFound):
		return registry.Session{}, false, nil
	default:
		return registry.Session{}, false, fmt.Errorf("failed to fetch session: %w", err)
	}
}

// evict removes the record for port if stalePID still owns it
func (c *Controller) evict(port int32, stalePID int32) error {
	removed := false
	err := c.registry.WithLock(func() error {
		current, err := c.registry.Fetch(port)
		if err != nil {
			return err
		}
		if current.PID != stalePID {
			return nil
		}
		if err := c.registry.Remove(port); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("failed to evict stale session: %w", err)
	}
	if removed {
		c.metrics.RecordStaleEviction()
	}
	return nil
}

// coldStart spawns a worker, then records it
func (c *Controller) coldStart(logger *slog.Logger, s registry.Session) (string, error) {
	pid, err := c.spawner.Spawn(s)
	if err != nil {
		return metrics.OutcomeSpawnFailure, fmt.Errorf("failed to spawn worker: %w", err)
	}
	c.metrics.RecordWorkerSpawned()
	s.PID = int32(pid)

	if err := c.registry.WithLock(func() error { return c.registry.Add(s) }); err != nil {
		// Do not leave a worker streaming without a record
		if termErr := c.signaler.Terminate(pid); termErr != nil {
			logger.Warn("Failed to terminate unrecorded worker",
				slog.Int("pid", pid),
				slog.String("error", termErr.Error()),
			)
		}
		if errors.Is(err, registry.ErrCapacityExceeded) {
			return metrics.OutcomeCapacity, err
		}
		return metrics.OutcomeRegistryError, fmt.Errorf("failed to record session: %w", err)
	}

	logger.Info("Worker started",
		slog.Int("pid", pid),
		slog.String("dest", fmt.Sprintf("%s:%d", s.DestAddress, s.DestPort)),
		slog.Int("duration_ms", int(s.Duration)),
		slog.String("role", s.Role()),
	)
	return metrics.OutcomeColdStart, nil
}
