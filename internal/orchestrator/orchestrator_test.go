package orchestrator

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/media-orchestrator/internal/registry"
)

func TestOrchestratorLifecycle(t *testing.T) {
	cfg := registry.Config{Name: "/media_server_shm_test", Dir: t.TempDir(), Capacity: 8}
	sig := newFakeSignaler()

	o, err := New(Config{
		Registry: cfg,
		Spawner:  &fakeSpawner{signaler: sig},
		Signaler: sig,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	o.Start()

	id, err := o.Submit(registry.Session{Port: 4000, DestAddress: "127.0.0.1", DestPort: 5000})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("Expected a UUID request id, got %q", id)
	}

	// A peer attached by name sees the record once the loop applies the task
	peer, err := registry.Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer peer.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		var s registry.Session
		err := peer.WithLock(func() (err error) {
			s, err = peer.Fetch(4000)
			return err
		})
		if err == nil {
			if s.PID == 0 {
				t.Errorf("Expected a recorded pid, got %+v", s)
			}
			break
		}
		if !errors.Is(err, registry.ErrNotFound) || time.Now().After(deadline) {
			t.Fatalf("Record never appeared: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if _, err := o.Submit(registry.Session{Port: 4001, DestAddress: "127.0.0.1", DestPort: 5000}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed after shutdown, got %v", err)
	}

	path, _ := registry.Path(cfg)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected registry to be unlinked, stat returned %v", err)
	}

	// Shutdown is idempotent
	if err := o.Shutdown(ctx); err != nil {
		t.Errorf("Second shutdown failed: %v", err)
	}
}

func TestNewRequiresSpawner(t *testing.T) {
	if _, err := New(Config{Logger: testLogger()}); err == nil {
		t.Error("Expected error without a spawner")
	}
}
