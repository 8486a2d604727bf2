package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// EndpointConfig holds the parameters of one RTP endpoint
type EndpointConfig struct {
	BindAddress string
	LocalPort   int
	Codec       Codec
	Samples     []int16 // audio played in send mode, looped
	Send        bool    // send (client) instead of receive (server)
	ReadTimeout time.Duration
}

// UDPEndpoint sends or receives one G.711 RTP stream
type UDPEndpoint struct {
	conn   *net.UDPConn
	config EndpointConfig
	logger *slog.Logger

	// Stream state
	cancel context.CancelFunc
	wg     sync.WaitGroup
	remote *net.UDPAddr

	// Sender state survives restarts so the stream stays continuous
	framer   *framer
	position int

	mu            sync.Mutex
	stats         receiverStats
	packetsSent   uint64
	windowSent    uint64
	parseErrors   uint64
	foreignPacket uint64
}

// EndpointStatistics is a snapshot of endpoint counters
type EndpointStatistics struct {
	PacketsSent     uint64 `json:"packets_sent"`
	PacketsReceived uint64 `json:"packets_received"`
	ParseErrors     uint64 `json:"parse_errors"`
	ForeignPackets  uint64 `json:"foreign_packets"`
}

// NewUDPEndpoint binds the local RTP port
func NewUDPEndpoint(cfg EndpointConfig, logger *slog.Logger) (*UDPEndpoint, error) {
	if cfg.Send && len(cfg.Samples) == 0 {
		return nil, fmt.Errorf("send mode requires audio samples")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	if cfg.Codec == "" {
		cfg.Codec = CodecPCMU
	}

	addr := &net.UDPAddr{Port: cfg.LocalPort}
	if cfg.BindAddress != "" {
		if addr.IP = net.ParseIP(cfg.BindAddress); addr.IP == nil {
			return nil, fmt.Errorf("invalid bind address %q", cfg.BindAddress)
		}
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}

	return &UDPEndpoint{
		conn:   conn,
		config: cfg,
		logger: logger,
		framer: newFramer(cfg.Codec.PayloadType()),
	}, nil
}

// LocalAddr returns the bound address
func (e *UDPEndpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Start begins streaming with the given peer. A running stream is stopped first.
func (e *UDPEndpoint) Start(remoteAddr string, remotePort int) error {
	ip := net.ParseIP(remoteAddr)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid remote address %q", remoteAddr)
	}
	if remotePort < 1 || remotePort > 65535 {
		return fmt.Errorf("invalid remote port %d", remotePort)
	}

	e.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.remote = &net.UDPAddr{IP: ip.To4(), Port: remotePort}

	e.wg.Add(1)
	if e.config.Send {
		go e.sendLoop(ctx, e.remote)
	} else {
		go e.receiveLoop(ctx)
	}

	e.logger.Info("Media stream started",
		slog.String("local", e.LocalAddr().String()),
		slog.String("remote", e.remote.String()),
		slog.String("codec", string(e.config.Codec)),
		slog.Bool("send", e.config.Send),
	)
	return nil
}

// Stop halts the current stream and waits for its goroutine
func (e *UDPEndpoint) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	// Unblock a pending read
	e.conn.SetReadDeadline(time.Now())
	e.wg.Wait()
	e.cancel = nil
}

// Quality returns the MOS estimate for the window since the previous call.
// ok is false when nothing was sent or received in the window.
func (e *UDPEndpoint) Quality() (mos float64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config.Send {
		sent := e.windowSent
		e.windowSent = 0
		if sent == 0 {
			return 0, false
		}
		// No receiver reports: assume a clean path
		return MOS(0, 0), true
	}

	if !e.stats.started {
		return 0, false
	}
	loss := e.stats.lossPercent()
	e.stats.reset()
	return MOS(loss, 0), true
}

// GetStatistics returns the endpoint counters
func (e *UDPEndpoint) GetStatistics() EndpointStatistics {
	e.mu.Lock()
	defer e.mu.Unlock()

	return EndpointStatistics{
		PacketsSent:     e.packetsSent,
		PacketsReceived: e.stats.received,
		ParseErrors:     e.parseErrors,
		ForeignPackets:  e.foreignPacket,
	}
}

// Close stops streaming and releases the port
func (e *UDPEndpoint) Close() error {
	e.Stop()
	return e.conn.Close()
}

// sendLoop paces one frame every 20 ms, looping over the audio
func (e *UDPEndpoint) sendLoop(ctx context.Context, remote *net.UDPAddr) {
	defer e.wg.Done()

	ticker := time.NewTicker(FrameIntervalMs * time.Millisecond)
	defer ticker.Stop()

	frame := make([]int16, FrameSamples)
	payload := make([]byte, 0, FrameSamples)
	marker := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Fill the next frame, wrapping to the start of the file
		for i := range frame {
			frame[i] = e.config.Samples[e.position]
			e.position = (e.position + 1) % len(e.config.Samples)
		}

		payload = e.config.Codec.Encode(frame, payload)
		packet, err := e.framer.next(payload, marker)
		if err != nil {
			e.logger.Error("Failed to build RTP packet", slog.String("error", err.Error()))
			return
		}
		marker = false

		if _, err := e.conn.WriteToUDP(packet, remote); err != nil {
			e.logger.Debug("Failed to send RTP packet",
				slog.String("remote", remote.String()),
				slog.String("error", err.Error()),
			)
		} else {
			e.mu.Lock()
			e.packetsSent++
			e.windowSent++
			e.mu.Unlock()
		}
	}
}

// receiveLoop reads RTP packets and tracks sequence continuity
func (e *UDPEndpoint) receiveLoop(ctx context.Context) {
	defer e.wg.Done()

	buffer := make([]byte, 2048)
	payloadType := e.config.Codec.PayloadType()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Set read deadline to check for cancellation periodically
		if err := e.conn.SetReadDeadline(time.Now().Add(e.config.ReadTimeout)); err != nil {
			e.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			return
		}

		n, _, err := e.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Error("Failed to read RTP packet", slog.String("error", err.Error()))
			continue
		}

		packet, err := ParsePacket(buffer[:n])
		if err != nil {
			e.mu.Lock()
			e.parseErrors++
			e.mu.Unlock()
			e.logger.Debug("Failed to parse RTP packet", slog.String("error", err.Error()))
			continue
		}

		e.mu.Lock()
		if packet.PayloadType != payloadType {
			e.foreignPacket++
		} else {
			e.stats.observe(packet.SequenceNumber)
		}
		e.mu.Unlock()
	}
}
