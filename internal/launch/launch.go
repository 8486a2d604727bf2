package launch

import (
	"fmt"
	"math"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/skypro1111/media-orchestrator/internal/media"
	"github.com/skypro1111/media-orchestrator/internal/registry"
	"github.com/skypro1111/media-orchestrator/internal/telemetry"
)

// Worker flag names
const (
	FlagLocalPort  = "local-port"
	FlagRemoteAddr = "remote-addr"
	FlagRemotePort = "remote-port"
	FlagDuration   = "duration"
	FlagWavefile   = "wavefile"
	FlagCodec      = "codec"
	FlagSharedMem  = "shared-mem"
	FlagShmDir     = "shm-dir"
	FlagServer     = "server"
	FlagLogLevel   = "log-level"
)

// UpdateSignal tells a worker to re-read its registry record
const UpdateSignal = unix.SIGUSR1

// Worker exit codes
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitUsage        = 2
	ExitSetupFailure = 3
)

// Defaults shared by the orchestrator and the endpoint binary
const (
	DefaultDuration   = 60 * time.Second
	DefaultWavefile   = "sample.wav"
	DefaultRemoteAddr = "127.0.0.1"
	DefaultRemotePort = 5000
	DefaultLocalPort  = 4000
	DefaultSharedMem  = "/media_server_shm"
)

// passthroughEnv lists variables a worker inherits besides telemetry settings
var passthroughEnv = []string{"PATH", "HOME", "TMPDIR", "TZ"}

// Options are the parameters of one worker invocation
type Options struct {
	LocalPort  int
	RemoteAddr string
	RemotePort int
	Duration   int // milliseconds, 0 selects DefaultDuration
	Wavefile   string
	Codec      string
	SharedMem  string
	ShmDir     string
	Server     bool
	LogLevel   string
}

// Invocation is a complete, validated description of a worker process
type Invocation struct {
	Binary    string
	Options   Options
	Telemetry telemetry.Config
}

// NewInvocation derives a worker invocation for session from the orchestrator-wide base options
func NewInvocation(binary string, session registry.Session, base Options, tel telemetry.Config) Invocation {
	opts := base
	opts.LocalPort = int(session.Port)
	opts.RemoteAddr = session.DestAddress
	opts.RemotePort = int(session.DestPort)
	opts.Duration = int(session.Duration)
	opts.Server = !session.Client

	return Invocation{Binary: binary, Options: opts, Telemetry: tel}
}

// BindFlags registers the worker flags on fs, writing parsed values into o
func BindFlags(fs *pflag.FlagSet, o *Options) {
	fs.IntVar(&o.LocalPort, FlagLocalPort, DefaultLocalPort, "Local RTP port")
	fs.StringVar(&o.RemoteAddr, FlagRemoteAddr, DefaultRemoteAddr, "Remote RTP address")
	fs.IntVar(&o.RemotePort, FlagRemotePort, DefaultRemotePort, "Remote RTP port")
	fs.IntVar(&o.Duration, FlagDuration, 0, "Call duration in milliseconds (0 = 60s)")
	fs.StringVar(&o.Wavefile, FlagWavefile, DefaultWavefile, "WAVE audio file (mono 8000Hz 16-bit)")
	fs.StringVar(&o.Codec, FlagCodec, string(media.CodecPCMU), "ITU G.711 codec: pcmu or pcma")
	fs.StringVar(&o.SharedMem, FlagSharedMem, DefaultSharedMem, "Name of the registry shared with media-server")
	fs.StringVar(&o.ShmDir, FlagShmDir, registry.DefaultDir, "Directory holding shared memory objects")
	fs.BoolVar(&o.Server, FlagServer, false, "Server (receive) mode instead of client (send) mode")
	fs.StringVar(&o.LogLevel, FlagLogLevel, "info", "Log level: debug, info, warn, error")
}

// Validate checks the options before they reach a spawn call
func (o Options) Validate() error {
	if o.LocalPort < 1 || o.LocalPort > math.MaxUint16 {
		return fmt.Errorf("invalid local port %d", o.LocalPort)
	}
	if o.RemotePort < 1 || o.RemotePort > math.MaxUint16 {
		return fmt.Errorf("invalid remote port %d", o.RemotePort)
	}
	if len(o.RemoteAddr) > registry.MaxAddressLen {
		return fmt.Errorf("remote address %q longer than %d bytes", o.RemoteAddr, registry.MaxAddressLen)
	}
	if ip := net.ParseIP(o.RemoteAddr); ip == nil || ip.To4() == nil {
		return fmt.Errorf("remote address %q is not an IPv4 address", o.RemoteAddr)
	}
	if o.Duration < 0 {
		return fmt.Errorf("invalid duration %d", o.Duration)
	}
	if _, err := media.ParseCodec(o.Codec); err != nil {
		return err
	}
	if !o.Server && o.Wavefile == "" {
		return fmt.Errorf("client mode requires a wavefile")
	}
	if _, err := registry.Path(registry.Config{Name: o.SharedMem, Dir: o.ShmDir}); err != nil {
		return err
	}
	return nil
}

// SessionDuration returns the effective streaming duration
func (o Options) SessionDuration() time.Duration {
	if o.Duration <= 0 {
		return DefaultDuration
	}
	return time.Duration(o.Duration) * time.Millisecond
}

// Session converts the options into the registry record they describe
func (o Options) Session(pid int) registry.Session {
	return registry.Session{
		Port:        int32(o.LocalPort),
		DestAddress: o.RemoteAddr,
		DestPort:    int32(o.RemotePort),
		Duration:    int32(o.Duration),
		PID:         int32(pid),
		Client:      !o.Server,
	}
}

// Apply overwrites the per-session options with the values of a registry record
func (o *Options) Apply(s registry.Session) {
	o.RemoteAddr = s.DestAddress
	o.RemotePort = int(s.DestPort)
	o.Duration = int(s.Duration)
	o.Server = !s.Client
}

// Validate checks the whole invocation
func (s Invocation) Validate() error {
	if s.Binary == "" {
		return fmt.Errorf("worker binary not configured")
	}
	if err := s.Options.Validate(); err != nil {
		return fmt.Errorf("worker options: %w", err)
	}
	return nil
}

// Args returns the worker argv without the program name
func (s Invocation) Args() []string {
	o := s.Options
	args := []string{
		"--" + FlagLocalPort + "=" + strconv.Itoa(o.LocalPort),
		"--" + FlagRemoteAddr + "=" + o.RemoteAddr,
		"--" + FlagRemotePort + "=" + strconv.Itoa(o.RemotePort),
		"--" + FlagDuration + "=" + strconv.Itoa(o.Duration),
		"--" + FlagWavefile + "=" + o.Wavefile,
		"--" + FlagCodec + "=" + o.Codec,
		"--" + FlagSharedMem + "=" + o.SharedMem,
	}
	if o.ShmDir != "" {
		args = append(args, "--"+FlagShmDir+"="+o.ShmDir)
	}
	if o.LogLevel != "" {
		args = append(args, "--"+FlagLogLevel+"="+o.LogLevel)
	}
	if o.Server {
		args = append(args, "--"+FlagServer)
	}
	return args
}

// Env returns the worker environment: a few inherited variables plus telemetry settings
func (s Invocation) Env() []string {
	var env []string
	for _, key := range passthroughEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return append(env, s.Telemetry.Environ()...)
}

// Command validates the invocation and returns a ready-to-start command running in its own session
func (s Invocation) Command() (*exec.Cmd, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	path, err := exec.LookPath(s.Binary)
	if err != nil {
		return nil, fmt.Errorf("worker binary %q: %w", s.Binary, err)
	}

	cmd := exec.Command(path, s.Args()...)
	cmd.Env = s.Env()
	// New session: the worker outlives signals aimed at the orchestrator's group
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd, nil
}
