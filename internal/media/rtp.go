package media

import (
	"fmt"
	"math/rand"

	"github.com/pion/rtp"
)

// RTP constants
const (
	RTPVersion = 2

	// Frame timing for 8 kHz G.711
	SampleRate      = 8000
	FrameSamples    = 160
	FrameIntervalMs = 20
)

// ParsePacket parses an RTP packet. CSRCs, extensions and padding are
// removed from the payload.
func ParsePacket(data []byte) (*rtp.Packet, error) {
	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to parse RTP packet: %w", err)
	}
	if packet.Version != RTPVersion {
		return nil, fmt.Errorf("unsupported RTP version %d", packet.Version)
	}
	return packet, nil
}

// framer numbers and timestamps the outgoing frames of one synchronization source.
// It outlives stream restarts so the peer sees a single continuous stream.
type framer struct {
	packet    rtp.Packet
	sequencer rtp.Sequencer
	buf       []byte
}

func newFramer(payloadType uint8) *framer {
	return &framer{
		packet: rtp.Packet{Header: rtp.Header{
			Version:     RTPVersion,
			PayloadType: payloadType,
			Timestamp:   rand.Uint32(),
			SSRC:        rand.Uint32(),
		}},
		sequencer: rtp.NewRandomSequencer(),
	}
}

// next marshals payload as the following frame. marker flags the start of a talkspurt.
// The returned slice is reused by the next call.
func (f *framer) next(payload []byte, marker bool) ([]byte, error) {
	f.packet.Marker = marker
	f.packet.SequenceNumber = f.sequencer.NextSequenceNumber()
	f.packet.Payload = payload

	size := f.packet.MarshalSize()
	if cap(f.buf) < size {
		f.buf = make([]byte, size)
	}
	n, err := f.packet.MarshalTo(f.buf[:size])
	if err != nil {
		return nil, fmt.Errorf("failed to marshal RTP packet: %w", err)
	}

	f.packet.Timestamp += FrameSamples
	return f.buf[:n], nil
}
