package registry

import "errors"

// Registry errors. Callers match them with errors.Is.
var (
	ErrCapacityExceeded = errors.New("registry capacity exceeded")
	ErrNotFound         = errors.New("session not found")
	ErrDuplicate        = errors.New("session already registered")
	ErrLockUnavailable  = errors.New("registry lock unavailable")
	ErrNotLocked        = errors.New("registry lock not held")
	ErrCorrupt          = errors.New("registry layout corrupt")
	ErrInvalidSession   = errors.New("invalid session")
	ErrClosed           = errors.New("registry closed")
	ErrInUse            = errors.New("registry owned by a live process")
)
