package media

import "math"

// E-model constants for G.711 with packet loss concealment
const (
	lossRobustness = 10.0
	delayKnee      = 177.3
	baseR          = 94.2
)

// MOS estimates the mean opinion score (1.0 to 4.5) from the packet loss
// percentage (0-100) and the round trip time in milliseconds
func MOS(lossPercent, rttMs float64) float64 {
	if math.IsNaN(lossPercent) || lossPercent < 0 {
		lossPercent = 0
	}
	if lossPercent > 100 {
		lossPercent = 100
	}
	if math.IsNaN(rttMs) || rttMs < 0 {
		rttMs = 0
	}

	// Delay impairment
	ld := 0.024 * rttMs
	if rttMs > delayKnee {
		ld += 0.11 * (rttMs - delayKnee)
	}

	// Loss impairment
	le := 95 * lossPercent / (lossPercent + lossRobustness)

	r := baseR - ld - le
	if r <= 0 {
		return 1
	}
	if r >= 100 {
		return 4.5
	}
	return 1 + 0.035*r + r*(r-60)*(100-r)*7e-6
}

// receiverStats tracks RTP sequence continuity for one reporting window
type receiverStats struct {
	started  bool
	baseSeq  uint32 // extended
	maxSeq   uint32 // extended
	received uint64
}

// observe records the arrival of seq
func (s *receiverStats) observe(seq uint16) {
	if !s.started {
		s.started = true
		s.baseSeq = uint32(seq)
		s.maxSeq = uint32(seq)
		s.received = 1
		return
	}

	s.received++

	// Extend seq relative to the highest one seen, allowing one wrap either way
	cycles := s.maxSeq &^ 0xFFFF
	ext := cycles | uint32(seq)
	delta := int32(ext - s.maxSeq)
	switch {
	case delta < -(1 << 15):
		ext += 1 << 16
	case delta > 1<<15 && cycles > 0:
		ext -= 1 << 16
	}

	if ext > s.maxSeq {
		s.maxSeq = ext
	}
	if ext < s.baseSeq {
		s.baseSeq = ext
	}
}

// lossPercent returns the share of expected packets that never arrived
func (s *receiverStats) lossPercent() float64 {
	if !s.started {
		return 100
	}
	expected := uint64(s.maxSeq-s.baseSeq) + 1
	if s.received >= expected {
		return 0
	}
	return 100 * float64(expected-s.received) / float64(expected)
}

// reset starts a new window continuing from the current highest sequence
func (s *receiverStats) reset() {
	*s = receiverStats{}
}
