package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/skypro1111/media-orchestrator/internal/launch"
	"github.com/skypro1111/media-orchestrator/internal/registry"
	"github.com/skypro1111/media-orchestrator/internal/telemetry"
)

const testPID = 31337

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type startCall struct {
	addr string
	port int
}

// fakeEndpoint records calls and reports a fixed quality
type fakeEndpoint struct {
	mu       sync.Mutex
	starts   []startCall
	stops    int
	closed   bool
	closeErr error
	mos      float64
	started  chan startCall
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{mos: 4.2, started: make(chan startCall, 16)}
}

func (f *fakeEndpoint) Start(addr string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := startCall{addr, port}
	f.starts = append(f.starts, call)
	f.started <- call
	return nil
}

func (f *fakeEndpoint) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeEndpoint) Quality() (float64, bool) {
	return f.mos, true
}

func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func (f *fakeEndpoint) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeReporter collects observations
type fakeReporter struct {
	mu  sync.Mutex
	obs []telemetry.Observation
}

func (f *fakeReporter) Write(_ context.Context, obs ...telemetry.Observation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, obs...)
	return nil
}

func (f *fakeReporter) count(direction string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.obs {
		if o.Direction == direction {
			n++
		}
	}
	return n
}

type fixture struct {
	reg      *registry.Registry
	endpoint *fakeEndpoint
	reporter *fakeReporter
	updates  chan os.Signal
	worker   *Worker
	factory  int
}

func newFixture(t *testing.T, opts launch.Options) *fixture {
	t.Helper()
	reg, err := registry.NewLocal(8)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	// The orchestrator records the worker under its pid
	rec := opts.Session(testPID)
	if err := reg.WithLock(func() error { return reg.Add(rec) }); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	f := &fixture{
		reg:      reg,
		endpoint: newFakeEndpoint(),
		reporter: &fakeReporter{},
		updates:  make(chan os.Signal, 1),
	}
	f.worker = New(Config{
		Options:  opts,
		Registry: reg,
		Factory: func(launch.Options) (Endpoint, error) {
			f.factory++
			return f.endpoint, nil
		},
		Reporter:       f.reporter,
		Updates:        f.updates,
		ReportInterval: 10 * time.Millisecond,
		PID:            testPID,
		Logger:         testLogger(),
	})
	return f
}

func (f *fixture) run(ctx context.Context) chan error {
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()
	return done
}

func (f *fixture) fetch(t *testing.T, port int) (registry.Session, error) {
	t.Helper()
	var s registry.Session
	err := f.reg.WithLock(func() (err error) {
		s, err = f.reg.Fetch(int32(port))
		return err
	})
	return s, err
}

func clientOptions(durationMs int) launch.Options {
	return launch.Options{
		LocalPort:  4000,
		RemoteAddr: "127.0.0.1",
		RemotePort: 5000,
		Duration:   durationMs,
		Codec:      "pcmu",
		Wavefile:   "sample.wav",
	}
}

func waitState(t *testing.T, w *Worker, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for w.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for state %s, at %s", want, w.State())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Worker did not stop")
		return nil
	}
}

func TestClientExitRemovesRecord(t *testing.T) {
	f := newFixture(t, clientOptions(30))

	if err := waitDone(t, f.run(context.Background())); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if f.worker.State() != StateStopped {
		t.Errorf("Expected stopped state, got %s", f.worker.State())
	}
	if _, err := f.fetch(t, 4000); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Expected record to be removed, got %v", err)
	}
	if !f.endpoint.isClosed() {
		t.Error("Expected the endpoint to be closed")
	}
	if got := f.reporter.count(telemetry.DirectionTX); got != 1 {
		t.Errorf("Expected one TX observation, got %d", got)
	}
}

func TestClientHotUpdate(t *testing.T) {
	f := newFixture(t, clientOptions(40))
	done := f.run(context.Background())

	first := <-f.endpoint.started
	if first != (startCall{"127.0.0.1", 5000}) {
		t.Errorf("Unexpected first start %+v", first)
	}

	waitState(t, f.worker, StateWaitingForUpdate)

	// The control loop rewrites the record, then signals
	update := registry.Session{Port: 4000, DestAddress: "10.0.0.9", DestPort: 6000, Duration: 40, PID: testPID, Client: true}
	if err := f.reg.WithLock(func() error { return f.reg.Update(update) }); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	f.updates <- syscall.SIGUSR1

	select {
	case second := <-f.endpoint.started:
		if second != (startCall{"10.0.0.9", 6000}) {
			t.Errorf("Expected restart towards 10.0.0.9:6000, got %+v", second)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Worker did not restart streaming after the update")
	}

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if f.factory != 1 {
		t.Errorf("Expected the endpoint to be reused, factory called %d times", f.factory)
	}
	if _, err := f.fetch(t, 4000); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Expected record to be removed, got %v", err)
	}
}

func TestPendingUpdatesCoalesce(t *testing.T) {
	f := newFixture(t, clientOptions(40))

	// Two notifications before the worker even starts waiting: one restart
	f.updates <- syscall.SIGUSR1
	select {
	case f.updates <- syscall.SIGUSR1:
	default:
	}

	done := f.run(context.Background())
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if n := len(f.endpoint.starts); n != 2 {
		t.Errorf("Expected 2 streaming runs, got %d", n)
	}
}

func TestServerReportsUntilLease(t *testing.T) {
	opts := clientOptions(60)
	opts.Server = true
	f := newFixture(t, opts)

	if err := waitDone(t, f.run(context.Background())); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := f.reporter.count(telemetry.DirectionRX); got < 2 {
		t.Errorf("Expected periodic RX observations, got %d", got)
	}
	if got := f.reporter.count(telemetry.DirectionTX); got != 0 {
		t.Errorf("Expected no TX observations from a server, got %d", got)
	}
	if _, err := f.fetch(t, 4000); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Expected record to be removed, got %v", err)
	}
}

func TestRoleChangeRecreatesEndpoint(t *testing.T) {
	f := newFixture(t, clientOptions(30))
	done := f.run(context.Background())

	<-f.endpoint.started
	waitState(t, f.worker, StateWaitingForUpdate)

	update := registry.Session{Port: 4000, DestAddress: "127.0.0.1", DestPort: 5000, Duration: 30, PID: testPID, Client: false}
	if err := f.reg.WithLock(func() error { return f.reg.Update(update) }); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	f.updates <- syscall.SIGUSR1

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if f.factory != 2 {
		t.Errorf("Expected a second endpoint for the server role, factory called %d times", f.factory)
	}
	if !f.worker.Options().Server {
		t.Error("Expected the worker to end in server role")
	}
}

func TestRoleChangeLogsCloseError(t *testing.T) {
	f := newFixture(t, clientOptions(30))
	f.endpoint.closeErr = errors.New("socket already closed")
	var logs bytes.Buffer
	f.worker.logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	done := f.run(context.Background())

	<-f.endpoint.started
	waitState(t, f.worker, StateWaitingForUpdate)

	update := registry.Session{Port: 4000, DestAddress: "127.0.0.1", DestPort: 5000, Duration: 30, PID: testPID, Client: false}
	if err := f.reg.WithLock(func() error { return f.reg.Update(update) }); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	f.updates <- syscall.SIGUSR1

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	out := logs.String()
	if !strings.Contains(out, "Failed to close media endpoint on role change") || !strings.Contains(out, "socket already closed") {
		t.Errorf("Expected the close error to be logged, got %q", out)
	}
}

func TestStopsWhenRecordReassigned(t *testing.T) {
	f := newFixture(t, clientOptions(30))
	done := f.run(context.Background())

	waitState(t, f.worker, StateWaitingForUpdate)

	// Another worker now owns the port
	replacement := clientOptions(30).Session(99)
	if err := f.reg.WithLock(func() error { return f.reg.Update(replacement) }); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	f.updates <- syscall.SIGUSR1

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	s, err := f.fetch(t, 4000)
	if err != nil {
		t.Fatalf("Expected the replacement record to survive, got %v", err)
	}
	if s.PID != 99 {
		t.Errorf("Expected pid 99, got %d", s.PID)
	}
	if len(f.endpoint.starts) != 1 {
		t.Errorf("Expected no restart, got %d starts", len(f.endpoint.starts))
	}
}

func TestStopsWhenRecordMissing(t *testing.T) {
	f := newFixture(t, clientOptions(30))
	done := f.run(context.Background())

	waitState(t, f.worker, StateWaitingForUpdate)
	if err := f.reg.WithLock(func() error { return f.reg.Remove(4000) }); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	f.updates <- syscall.SIGUSR1

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(f.endpoint.starts) != 1 {
		t.Errorf("Expected no restart, got %d starts", len(f.endpoint.starts))
	}
}

func TestCancellationRunsStopPath(t *testing.T) {
	f := newFixture(t, clientOptions(60000))
	ctx, cancel := context.WithCancel(context.Background())
	done := f.run(ctx)

	<-f.endpoint.started
	cancel()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := f.fetch(t, 4000); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Expected record to be removed, got %v", err)
	}
}

func TestSetupFailure(t *testing.T) {
	f := newFixture(t, clientOptions(30))
	f.worker.factory = func(launch.Options) (Endpoint, error) {
		return nil, fmt.Errorf("port 4000 already in use")
	}

	err := waitDone(t, f.run(context.Background()))
	if !errors.Is(err, ErrSetup) {
		t.Fatalf("Expected ErrSetup, got %v", err)
	}
	if f.worker.State() != StateStopped {
		t.Errorf("Expected stopped state, got %s", f.worker.State())
	}
	if _, err := f.fetch(t, 4000); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Expected record to be removed, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateStarting:         "starting",
		StateStreaming:        "streaming",
		StateWaitingForUpdate: "waiting_for_update",
		StateStopped:          "stopped",
		State(9):              "state(9)",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}
