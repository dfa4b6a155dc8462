// internal/dict/slot.go
package dict

import "sync/atomic"

// Slot is a live value shared between the bus master and its consumer.
// Bits are stored as 0 or 1.
type Slot struct {
	v atomic.Int32
}

func NewSlot(v int32) *Slot {
	s := &Slot{}
	s.v.Store(v)
	return s
}

func (s *Slot) Load() int32 { return s.v.Load() }
func (s *Slot) Store(v int32) { s.v.Store(v) }

func (s *Slot) CompareAndSwap(old, v int32) bool { return s.v.CompareAndSwap(old, v) }

func (s *Slot) Bool() bool { return s.v.Load() != 0 }

func (s *Slot) SetBool(b bool) {
	if b {
		s.v.Store(1)
	} else {
		s.v.Store(0)
	}
}

// prevCache remembers the last value known to be on the device.
// Bit 16 marks the cache as valid.
type prevCache struct {
	v atomic.Uint32
}

const prevValid = 1 << 16

func (p *prevCache) load() (uint16, bool) {
	v := p.v.Load()
	return uint16(v), v&prevValid != 0
}

func (p *prevCache) store(w uint16) { p.v.Store(prevValid | uint32(w)) }

func (p *prevCache) reset() { p.v.Store(0) }
