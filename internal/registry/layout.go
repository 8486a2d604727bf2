package registry

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Layout constants for the shared block.
// Header: [Magic:4][Version:2][Capacity:2][Head:2][Count:2][Reserved:4]
// Slot:   [Port:4][DestPort:4][DestAddress:16][Duration:4][PID:4][Client:2][Next:2]
const (
	layoutMagic   = 0x4752534d // "MSRG"
	layoutVersion = 1

	HeaderSize = 16
	SlotSize   = 36

	// AddressSize is the fixed address field, NUL padded
	AddressSize   = 16
	MaxAddressLen = AddressSize - 1

	// MaxCapacity is bounded by the int16 slot indices
	MaxCapacity     = 1<<15 - 1
	DefaultCapacity = 1000

	offMagic    = 0
	offVersion  = 4
	offCapacity = 6
	offHead     = 8
	offCount    = 10

	offPort     = 0
	offDestPort = 4
	offAddress  = 8
	offDuration = 24
	offPID      = 28
	offClient   = 32
	offNext     = 34

	noSlot = -1
)

var le = binary.LittleEndian

// LayoutSize returns the number of bytes needed for a registry of the given capacity
func LayoutSize(capacity int) int {
	return HeaderSize + capacity*SlotSize
}

// initLayout zeroes mem and chains every slot into the free pool
func initLayout(mem []byte, capacity int) {
	clear(mem)
	le.PutUint32(mem[offMagic:], layoutMagic)
	le.PutUint16(mem[offVersion:], layoutVersion)
	le.PutUint16(mem[offCapacity:], uint16(capacity))
	le.PutUint16(mem[offHead:], 0)
	le.PutUint16(mem[offCount:], 0)

	for i := 0; i < capacity-1; i++ {
		le.PutUint16(mem[HeaderSize+i*SlotSize+offNext:], uint16(int16(i+1)))
	}
	last := noSlot
	le.PutUint16(mem[HeaderSize+(capacity-1)*SlotSize+offNext:], uint16(int16(last)))
}

// checkHeader validates a header written by another process
func checkHeader(mem []byte) (int, error) {
	if len(mem) < HeaderSize {
		return 0, fmt.Errorf("%w: block too small (%d bytes)", ErrCorrupt, len(mem))
	}
	if magic := le.Uint32(mem[offMagic:]); magic != layoutMagic {
		return 0, fmt.Errorf("%w: bad magic 0x%08x", ErrCorrupt, magic)
	}
	if version := le.Uint16(mem[offVersion:]); version != layoutVersion {
		return 0, fmt.Errorf("%w: unsupported layout version %d", ErrCorrupt, version)
	}
	capacity := int(le.Uint16(mem[offCapacity:]))
	if capacity < 1 || capacity > MaxCapacity {
		return 0, fmt.Errorf("%w: capacity %d out of range", ErrCorrupt, capacity)
	}
	if len(mem) != LayoutSize(capacity) {
		return 0, fmt.Errorf("%w: block is %d bytes, capacity %d needs %d",
			ErrCorrupt, len(mem), capacity, LayoutSize(capacity))
	}
	return capacity, nil
}

func (r *Registry) rawHead() int {
	return int(int16(le.Uint16(r.mem[offHead:])))
}

func (r *Registry) setHead(idx int) {
	le.PutUint16(r.mem[offHead:], uint16(int16(idx)))
}

func (r *Registry) count() int {
	return int(int16(le.Uint16(r.mem[offCount:])))
}

func (r *Registry) setCount(n int) {
	le.PutUint16(r.mem[offCount:], uint16(int16(n)))
}

// slot returns the bytes of slot idx; idx must already be validated
func (r *Registry) slot(idx int) []byte {
	off := HeaderSize + idx*SlotSize
	return r.mem[off : off+SlotSize]
}

// index validates a slot index read from shared memory
func (r *Registry) index(idx int) (int, error) {
	if idx < 0 || idx >= r.capacity {
		return 0, fmt.Errorf("%w: slot index %d outside [0,%d)", ErrCorrupt, idx, r.capacity)
	}
	return idx, nil
}

func (r *Registry) rawNext(idx int) int {
	return int(int16(le.Uint16(r.slot(idx)[offNext:])))
}

func (r *Registry) setNext(idx, next int) {
	le.PutUint16(r.slot(idx)[offNext:], uint16(int16(next)))
}

func (r *Registry) slotPort(idx int) int32 {
	return int32(le.Uint32(r.slot(idx)[offPort:]))
}

// readSession decodes slot idx
func (r *Registry) readSession(idx int) Session {
	b := r.slot(idx)
	addr := b[offAddress : offAddress+AddressSize]
	if n := bytes.IndexByte(addr, 0); n >= 0 {
		addr = addr[:n]
	}
	return Session{
		Port:        int32(le.Uint32(b[offPort:])),
		DestPort:    int32(le.Uint32(b[offDestPort:])),
		DestAddress: string(addr),
		Duration:    int32(le.Uint32(b[offDuration:])),
		PID:         int32(le.Uint32(b[offPID:])),
		Client:      le.Uint16(b[offClient:]) != 0,
	}
}

// writeSession encodes s into slot idx, leaving the successor index untouched
func (r *Registry) writeSession(idx int, s Session) {
	b := r.slot(idx)
	le.PutUint32(b[offPort:], uint32(s.Port))
	le.PutUint32(b[offDestPort:], uint32(s.DestPort))
	addr := b[offAddress : offAddress+AddressSize]
	clear(addr)
	copy(addr, s.DestAddress)
	le.PutUint32(b[offDuration:], uint32(s.Duration))
	le.PutUint32(b[offPID:], uint32(s.PID))
	var client uint16
	if s.Client {
		client = 1
	}
	le.PutUint16(b[offClient:], client)
}

// clearSession wipes the record part of slot idx
func (r *Registry) clearSession(idx int) {
	clear(r.slot(idx)[:offNext])
}
