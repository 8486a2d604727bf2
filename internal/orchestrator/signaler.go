package orchestrator

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/skypro1111/media-orchestrator/internal/launch"
)

// UnixSignaler delivers signals with kill(2)
type UnixSignaler struct{}

// Notify sends the update signal to pid
func (UnixSignaler) Notify(pid int) error {
	return send(pid, launch.UpdateSignal)
}

// Terminate sends SIGTERM to pid
func (UnixSignaler) Terminate(pid int) error {
	return send(pid, unix.SIGTERM)
}

func send(pid int, sig unix.Signal) error {
	// pid 0 and negative pids address process groups
	if pid <= 0 {
		return fmt.Errorf("refusing to signal pid %d: %w", pid, unix.ESRCH)
	}
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("kill(%d, %s): %w", pid, unix.SignalName(sig), err)
	}
	return nil
}
