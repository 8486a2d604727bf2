package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Config describes where a shared registry lives
type Config struct {
	Name     string // attach name, e.g. "/media_server_shm_9090"
	Dir      string // directory backing the shared memory, e.g. "/dev/shm"
	Capacity int    // slot count; only used by Create
}

// backing provides the storage-specific lock and teardown
type backing interface {
	lock() error
	unlock() error
	close() error
}

// Registry is a fixed-capacity session directory.
//
// The slots form a single chain starting at head: the first count hops are the
// active sessions in insertion order, the rest of the chain is the free pool.
// Every operation except Lock, Unlock, Held, Close, Len and Cap expects the caller to hold the lock.
type Registry struct {
	mem      []byte
	capacity int
	name     string
	owner    bool
	backing  backing

	mu     sync.Mutex
	held   atomic.Bool
	closed atomic.Bool
}

// NewLocal creates a heap-backed registry that is not shared with other processes
func NewLocal(capacity int) (*Registry, error) {
	if capacity < 1 || capacity > MaxCapacity {
		return nil, fmt.Errorf("capacity must be between 1 and %d, got %d", MaxCapacity, capacity)
	}

	mem := make([]byte, LayoutSize(capacity))
	initLayout(mem, capacity)

	return &Registry{
		mem:      mem,
		capacity: capacity,
		owner:    true,
		backing:  localBacking{},
	}, nil
}

// Name returns the attach name, empty for local registries
func (r *Registry) Name() string {
	return r.name
}

// Owner reports whether this handle created the registry
func (r *Registry) Owner() bool {
	return r.owner
}

// Cap returns the fixed capacity
func (r *Registry) Cap() int {
	return r.capacity
}

// Len returns the number of active sessions. It reads without locking, so the
// value is only a hint unless the caller holds the lock.
func (r *Registry) Len() int {
	return r.count()
}

// Held reports whether the lock is currently taken through this handle
func (r *Registry) Held() bool {
	return r.held.Load()
}

// Lock acquires the registry lock for this goroutine and process
func (r *Registry) Lock() error {
	if r.closed.Load() {
		return ErrClosed
	}

	r.mu.Lock()
	if err := r.backing.lock(); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	r.held.Store(true)
	return nil
}

// Unlock releases the lock taken by Lock
func (r *Registry) Unlock() error {
	if !r.held.Load() {
		return ErrNotLocked
	}

	r.held.Store(false)
	err := r.backing.unlock()
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to release registry lock: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the registry lock
func (r *Registry) WithLock(fn func() error) error {
	if err := r.Lock(); err != nil {
		return err
	}
	fnErr := fn()
	if err := r.Unlock(); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}

// Close releases the lock if this handle holds it, detaches the storage and,
// for the owning handle, destroys it
func (r *Registry) Close() error {
	if r.closed.Swap(true) {
		return nil
	}

	var errs []error
	if r.held.Load() {
		if err := r.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.backing.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// walk follows n hops from head and returns the slot reached
func (r *Registry) walk(n int) (int, error) {
	idx, err := r.index(r.rawHead())
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		if idx, err = r.index(r.rawNext(idx)); err != nil {
			return 0, err
		}
	}
	return idx, nil
}

// find locates the active slot holding port and its predecessor (noSlot for head)
func (r *Registry) find(port int32) (int, int, error) {
	count := r.count()
	if count < 0 || count > r.capacity {
		return 0, 0, fmt.Errorf("%w: count %d outside [0,%d]", ErrCorrupt, count, r.capacity)
	}

	prev := noSlot
	next := r.rawHead()
	for i := 0; i < count; i++ {
		idx, err := r.index(next)
		if err != nil {
			return 0, 0, err
		}
		if r.slotPort(idx) == port {
			return idx, prev, nil
		}
		prev = idx
		next = r.rawNext(idx)
	}
	return 0, 0, fmt.Errorf("%w: port %d", ErrNotFound, port)
}

// Add appends a session after the current active records
func (r *Registry) Add(s Session) error {
	if err := s.Validate(); err != nil {
		return err
	}

	if _, _, err := r.find(s.Port); err == nil {
		return fmt.Errorf("%w: port %d", ErrDuplicate, s.Port)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	count := r.count()
	if count >= r.capacity {
		return fmt.Errorf("%w: %d of %d slots in use", ErrCapacityExceeded, count, r.capacity)
	}

	// The first free slot is exactly count hops from head
	idx, err := r.walk(count)
	if err != nil {
		return err
	}

	r.writeSession(idx, s)
	r.setCount(count + 1)
	return nil
}

// Update replaces every field of the session stored under s.Port
func (r *Registry) Update(s Session) error {
	if err := s.Validate(); err != nil {
		return err
	}

	idx, _, err := r.find(s.Port)
	if err != nil {
		return err
	}

	r.writeSession(idx, s)
	return nil
}

// Remove deletes the session for port and returns its slot to the free pool,
// keeping the remaining sessions in insertion order
func (r *Registry) Remove(port int32) error {
	idx, prev, err := r.find(port)
	if err != nil {
		return err
	}

	// Unlink
	next := r.rawNext(idx)
	if prev == noSlot {
		r.setHead(next)
	} else {
		r.setNext(prev, next)
	}
	count := r.count() - 1
	r.setCount(count)
	r.clearSession(idx)

	// Sole record removed: the whole chain is free, put the slot back at head
	if count == 0 {
		r.setNext(idx, r.rawHead())
		r.setHead(idx)
		return nil
	}

	// Splice the freed slot right after the last active one
	tail, err := r.walk(count - 1)
	if err != nil {
		return err
	}
	r.setNext(idx, r.rawNext(tail))
	r.setNext(tail, idx)
	return nil
}

// Fetch returns a copy of the session stored for port
func (r *Registry) Fetch(port int32) (Session, error) {
	idx, _, err := r.find(port)
	if err != nil {
		return Session{}, err
	}
	return r.readSession(idx), nil
}

// List returns the active sessions in insertion order
func (r *Registry) List() ([]Session, error) {
	count := r.count()
	if count < 0 || count > r.capacity {
		return nil, fmt.Errorf("%w: count %d outside [0,%d]", ErrCorrupt, count, r.capacity)
	}

	sessions := make([]Session, 0, count)
	if count == 0 {
		return sessions, nil
	}

	idx, err := r.index(r.rawHead())
	if err != nil {
		return nil, err
	}
	for i := 0; i < count; i++ {
		if i > 0 {
			if idx, err = r.index(r.rawNext(idx)); err != nil {
				return nil, err
			}
		}
		sessions = append(sessions, r.readSession(idx))
	}
	return sessions, nil
}

// Render formats the active sessions one per line
func (r *Registry) Render() (string, error) {
	sessions, err := r.List()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, s := range sessions {
		b.WriteString(s.String())
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// Check verifies the chain: it visits every slot exactly once, ends in the
// terminator, and its first count hops hold distinct non-zero ports
func (r *Registry) Check() error {
	count := r.count()
	if count < 0 || count > r.capacity {
		return fmt.Errorf("%w: count %d outside [0,%d]", ErrCorrupt, count, r.capacity)
	}

	seen := make([]bool, r.capacity)
	ports := make(map[int32]struct{}, count)
	next := r.rawHead()
	for i := 0; i < r.capacity; i++ {
		idx, err := r.index(next)
		if err != nil {
			return err
		}
		if seen[idx] {
			return fmt.Errorf("%w: slot %d visited twice", ErrCorrupt, idx)
		}
		seen[idx] = true

		if i < count {
			port := r.slotPort(idx)
			if port == 0 {
				return fmt.Errorf("%w: active slot %d has no port", ErrCorrupt, idx)
			}
			if _, dup := ports[port]; dup {
				return fmt.Errorf("%w: port %d stored twice", ErrCorrupt, port)
			}
			ports[port] = struct{}{}
		}
		next = r.rawNext(idx)
	}
	if next != noSlot {
		return fmt.Errorf("%w: chain does not terminate after %d slots", ErrCorrupt, r.capacity)
	}
	return nil
}

// localBacking is used by heap registries; the in-process mutex is the whole lock
type localBacking struct{}

func (localBacking) lock() error   { return nil }
func (localBacking) unlock() error { return nil }
func (localBacking) close() error  { return nil }
