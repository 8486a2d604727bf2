package media

import (
	"fmt"
	"strings"
)

// Codec names accepted on the command line
type Codec string

const (
	CodecPCMU Codec = "pcmu"
	CodecPCMA Codec = "pcma"
)

// Static RTP payload types for G.711
const (
	PayloadTypePCMU = 0
	PayloadTypePCMA = 8
)

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// alawSegEnd holds the upper bound of each A-law segment
var alawSegEnd = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

// ParseCodec resolves a codec name; empty selects pcmu
func ParseCodec(name string) (Codec, error) {
	switch Codec(strings.ToLower(strings.TrimSpace(name))) {
	case "", CodecPCMU:
		return CodecPCMU, nil
	case CodecPCMA:
		return CodecPCMA, nil
	default:
		return "", fmt.Errorf("unsupported codec %q (use pcmu or pcma)", name)
	}
}

// PayloadType returns the RTP payload type of the codec
func (c Codec) PayloadType() uint8 {
	if c == CodecPCMA {
		return PayloadTypePCMA
	}
	return PayloadTypePCMU
}

// Encode compresses 16-bit PCM into one byte per sample
func (c Codec) Encode(samples []int16, dst []byte) []byte {
	dst = dst[:0]
	for _, s := range samples {
		if c == CodecPCMA {
			dst = append(dst, linearToALaw(s))
		} else {
			dst = append(dst, linearToULaw(s))
		}
	}
	return dst
}

// Decode expands G.711 bytes back into 16-bit PCM
func (c Codec) Decode(payload []byte) []int16 {
	out := make([]int16, len(payload))
	for i, b := range payload {
		if c == CodecPCMA {
			out[i] = alawToLinear(b)
		} else {
			out[i] = ulawToLinear(b)
		}
	}
	return out
}

func linearToULaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return byte(^(sign | exponent<<4 | mantissa))
}

func ulawToLinear(u byte) int16 {
	u = ^u
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	s := ((mantissa << 3) + ulawBias) << exponent
	if u&0x80 != 0 {
		return int16(ulawBias - s)
	}
	return int16(s - ulawBias)
}

func linearToALaw(sample int16) byte {
	pcm := int(sample) >> 3
	mask := 0xD5
	if pcm < 0 {
		mask = 0x55
		pcm = -pcm - 1
	}

	seg := 0
	for seg < len(alawSegEnd) && pcm > alawSegEnd[seg] {
		seg++
	}
	if seg >= len(alawSegEnd) {
		return byte(0x7F ^ mask)
	}

	aval := seg << 4
	if seg < 2 {
		aval |= (pcm >> 1) & 0x0F
	} else {
		aval |= (pcm >> seg) & 0x0F
	}
	return byte(aval ^ mask)
}

func alawToLinear(a byte) int16 {
	a ^= 0x55
	t := int(a&0x0F) << 4
	seg := int(a&0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}
