package registry

import (
	"fmt"
	"strings"
)

// Session is one active audio stream, keyed by its local port
type Session struct {
	Port        int32  `json:"port"`
	DestAddress string `json:"dest_address"`
	DestPort    int32  `json:"dest_port"`
	Duration    int32  `json:"duration_ms"` // 0 selects the worker default
	PID         int32  `json:"pid"`
	Client      bool   `json:"client"`
}

// Validate checks that the session can be stored in a slot
func (s Session) Validate() error {
	if s.Port == 0 {
		return fmt.Errorf("%w: port must be non-zero", ErrInvalidSession)
	}
	if len(s.DestAddress) > MaxAddressLen {
		return fmt.Errorf("%w: destination address %q longer than %d bytes",
			ErrInvalidSession, s.DestAddress, MaxAddressLen)
	}
	if strings.IndexByte(s.DestAddress, 0) >= 0 {
		return fmt.Errorf("%w: destination address contains NUL", ErrInvalidSession)
	}
	return nil
}

// Role returns "client" or "server"
func (s Session) Role() string {
	if s.Client {
		return "client"
	}
	return "server"
}

// String renders the session as a single status line
func (s Session) String() string {
	client := 0
	if s.Client {
		client = 1
	}
	return fmt.Sprintf("source port: %-8d dest port: %-8d dest addr: %-16s duration: %-8d pid: %-8d client: %-8d",
		s.Port, s.DestPort, s.DestAddress, s.Duration, s.PID, client)
}
