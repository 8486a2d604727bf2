package orchestrator

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/media-orchestrator/internal/registry"
)

func taskFor(port int32) Task {
	return Task{Session: registry.Session{Port: port, DestAddress: "127.0.0.1", DestPort: 5000}}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	for port := int32(1); port <= 100; port++ {
		if err := q.Push(taskFor(port)); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}
	if q.Len() != 100 {
		t.Errorf("Expected 100 tasks, got %d", q.Len())
	}

	for port := int32(1); port <= 100; port++ {
		task, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop returned closed at %d", port)
		}
		if task.Session.Port != port {
			t.Fatalf("Expected port %d, got %d", port, task.Session.Port)
		}
	}
}

func TestQueueCloseDrains(t *testing.T) {
	q := NewQueue()
	q.Push(taskFor(1))
	q.Push(taskFor(2))
	q.Close()

	if !q.Closed() {
		t.Error("Expected queue to report closed")
	}
	if err := q.Push(taskFor(3)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}

	for _, want := range []int32{1, 2} {
		task, ok := q.Pop()
		if !ok || task.Session.Port != want {
			t.Fatalf("Expected port %d, got %d (ok=%t)", want, task.Session.Port, ok)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Expected drained queue to report ok=false")
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	got := make(chan Task, 1)

	go func() {
		task, _ := q.Pop()
		got <- task
	}()

	select {
	case <-got:
		t.Fatal("Pop returned before any push")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push(taskFor(42))
	select {
	case task := <-got:
		if task.Session.Port != 42 {
			t.Errorf("Expected port 42, got %d", task.Session.Port)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake up after push")
	}
}

func TestQueueCloseWakesConsumer(t *testing.T) {
	q := NewQueue()
	done := make(chan bool, 1)

	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Expected ok=false after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake the consumer")
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue()
	const producers, perProducer = 8, 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(taskFor(int32(p*perProducer + i + 1)))
			}
		}(p)
	}

	seen := make(map[int32]bool)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for {
			task, ok := q.Pop()
			if !ok {
				return
			}
			seen[task.Session.Port] = true
		}
	}()

	wg.Wait()
	q.Close()
	<-consumed

	if len(seen) != producers*perProducer {
		t.Errorf("Expected %d distinct tasks, got %d", producers*perProducer, len(seen))
	}
}
