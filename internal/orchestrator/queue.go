package orchestrator

import (
	"errors"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/skypro1111/media-orchestrator/internal/registry"
)

// ErrQueueClosed is returned by Push after Close
var ErrQueueClosed = errors.New("task queue closed")

// Task is one stream request waiting for the control loop
type Task struct {
	Session   registry.Session
	RequestID string
	Accepted  time.Time
}

// Queue is an unbounded FIFO of tasks shared by any number of producers and one consumer
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  *queue.Queue
	closed bool
}

// NewQueue creates an empty open queue
func NewQueue() *Queue {
	q := &Queue{tasks: queue.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a task and wakes the consumer
func (q *Queue) Push(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.tasks.Add(t)
	q.cond.Signal()
	return nil
}

// Pop blocks until a task is available. After Close it keeps returning the
// remaining tasks and reports ok=false once the queue is drained.
func (q *Queue) Pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.tasks.Length() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.tasks.Length() == 0 {
		return Task{}, false
	}
	return q.tasks.Remove().(Task), true
}

// Close stops accepting tasks and wakes every waiting consumer
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued tasks
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Length()
}

// Closed reports whether Close has been called
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
