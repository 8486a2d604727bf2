package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultDir is where POSIX shared memory objects live on Linux
const DefaultDir = "/dev/shm"

// shmBacking is a memory-mapped file locked with flock
type shmBacking struct {
	fd      int
	mem     []byte
	path    string
	owner   bool
	ownerFd int // flock on path+ownerSuffix, held for the owner handle's lifetime
}

const ownerSuffix = ".owner"

// Path returns the file backing the named registry
func Path(cfg Config) (string, error) {
	name := strings.TrimPrefix(cfg.Name, "/")
	if name == "" || strings.ContainsRune(name, '/') {
		return "", fmt.Errorf("invalid registry name %q", cfg.Name)
	}
	dir := cfg.Dir
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, name), nil
}

// Create makes a new shared registry, replacing any stale block with the same name.
// It fails with ErrInUse while another live handle owns the name.
// Only the orchestrator calls Create; closing the returned handle destroys the block.
func Create(cfg Config) (*Registry, error) {
	if cfg.Capacity < 1 || cfg.Capacity > MaxCapacity {
		return nil, fmt.Errorf("capacity must be between 1 and %d, got %d", MaxCapacity, cfg.Capacity)
	}
	path, err := Path(cfg)
	if err != nil {
		return nil, err
	}

	ownerFd, err := acquireOwner(path + ownerSuffix)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o660)
	if err != nil {
		releaseOwner(path+ownerSuffix, ownerFd)
		return nil, fmt.Errorf("failed to create shared memory %s: %w", path, err)
	}

	size := LayoutSize(cfg.Capacity)
	// Truncating to zero first guarantees the block starts zeroed
	if err := unix.Ftruncate(fd, 0); err != nil {
		unix.Close(fd)
		releaseOwner(path+ownerSuffix, ownerFd)
		return nil, fmt.Errorf("failed to truncate shared memory %s: %w", path, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		releaseOwner(path+ownerSuffix, ownerFd)
		return nil, fmt.Errorf("failed to size shared memory %s: %w", path, err)
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		releaseOwner(path+ownerSuffix, ownerFd)
		return nil, fmt.Errorf("failed to map shared memory %s: %w", path, err)
	}

	b := &shmBacking{fd: fd, mem: mem, path: path, owner: true, ownerFd: ownerFd}
	r := &Registry{
		mem:      mem,
		capacity: cfg.Capacity,
		name:     cfg.Name,
		owner:    true,
		backing:  b,
	}

	// Initialise under the lock so an early attacher never sees a half-built chain
	if err := r.WithLock(func() error {
		initLayout(mem, cfg.Capacity)
		return nil
	}); err != nil {
		b.close()
		return nil, err
	}
	return r, nil
}

// Open attaches to a registry created by another process without reinitialising it
func Open(cfg Config) (*Registry, error) {
	path, err := Path(cfg)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open shared memory %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to stat shared memory %s: %w", path, err)
	}
	if st.Size < HeaderSize || st.Size > int64(LayoutSize(MaxCapacity)) {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrCorrupt, path, st.Size)
	}

	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to map shared memory %s: %w", path, err)
	}

	b := &shmBacking{fd: fd, mem: mem, path: path, ownerFd: -1}
	capacity, err := checkHeader(mem)
	if err != nil {
		b.close()
		return nil, err
	}
	if cfg.Capacity != 0 && cfg.Capacity != capacity {
		b.close()
		return nil, fmt.Errorf("%w: expected capacity %d, found %d", ErrCorrupt, cfg.Capacity, capacity)
	}

	return &Registry{
		mem:      mem,
		capacity: capacity,
		name:     cfg.Name,
		backing:  b,
	}, nil
}

// acquireOwner takes a non-blocking exclusive flock on the owner file.
// The lock dies with its process, so a crashed owner never blocks a restart.
func acquireOwner(lockPath string) (int, error) {
	for {
		fd, err := unix.Open(lockPath, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o660)
		if err != nil {
			return -1, fmt.Errorf("failed to open owner lock %s: %w", lockPath, err)
		}

		if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
			unix.Close(fd)
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EWOULDBLOCK):
				return -1, fmt.Errorf("%w: %s", ErrInUse, strings.TrimSuffix(lockPath, ownerSuffix))
			default:
				return -1, fmt.Errorf("failed to lock %s: %w", lockPath, err)
			}
		}

		// A departing owner unlinks the file; a lock on the unlinked inode guards nothing
		var held, current unix.Stat_t
		if err := unix.Fstat(fd, &held); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("failed to stat owner lock %s: %w", lockPath, err)
		}
		if err := unix.Stat(lockPath, &current); err == nil && held.Dev == current.Dev && held.Ino == current.Ino {
			return fd, nil
		}
		unix.Close(fd)
	}
}

// releaseOwner unlinks the owner file before dropping the lock
func releaseOwner(lockPath string, fd int) error {
	var errs []error
	if err := unix.Unlink(lockPath); err != nil && !errors.Is(err, unix.ENOENT) {
		errs = append(errs, fmt.Errorf("failed to unlink %s: %w", lockPath, err))
	}
	if err := unix.Close(fd); err != nil {
		errs = append(errs, fmt.Errorf("failed to close %s: %w", lockPath, err))
	}
	return errors.Join(errs...)
}

func (b *shmBacking) lock() error {
	for {
		err := unix.Flock(b.fd, unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func (b *shmBacking) unlock() error {
	return unix.Flock(b.fd, unix.LOCK_UN)
}

func (b *shmBacking) close() error {
	var errs []error
	if b.mem != nil {
		if err := unix.Munmap(b.mem); err != nil {
			errs = append(errs, fmt.Errorf("failed to unmap %s: %w", b.path, err))
		}
		b.mem = nil
	}
	if b.fd >= 0 {
		if err := unix.Close(b.fd); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", b.path, err))
		}
		b.fd = -1
	}
	if b.owner {
		if err := unix.Unlink(b.path); err != nil && !errors.Is(err, unix.ENOENT) {
			errs = append(errs, fmt.Errorf("failed to unlink %s: %w", b.path, err))
		}
		if b.ownerFd >= 0 {
			if err := releaseOwner(b.path+ownerSuffix, b.ownerFd); err != nil {
				errs = append(errs, err)
			}
			b.ownerFd = -1
		}
	}
	return errors.Join(errs...)
}
