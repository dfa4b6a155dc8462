// internal/dict/register.go
package dict

import "fmt"

// Register binds one device register to a consumer slot.
//
// Min and Max are in live units. The wire value is live*Scale truncated
// toward zero; a zero Scale means 1.
type Register struct {
	Address uint16
	Name    string
	Kind    Kind
	Min     int32
	Max     int32
	Access  Access
	Scale   float32
	Slot    *Slot

	prev prevCache
}

func (r *Register) scale() float32 {
	if r.Scale == 0 {
		return 1
	}
	return r.Scale
}

// encode converts a live value to wire form.
func (r *Register) encode(live int32) (uint16, bool) {
	if live < r.Min || live > r.Max {
		return 0, false
	}
	w := int32(float32(live) * r.scale())
	lo, hi := r.Kind.bounds()
	if w < lo || w > hi {
		return 0, false
	}
	return uint16(w), true
}

// decode converts a wire value to a live value.
func (r *Register) decode(w uint16) (int32, error) {
	var v int32
	switch r.Kind {
	case KindInt16, KindInt8:
		v = int32(int16(w))
	default:
		v = int32(w)
	}
	lo, hi := r.Kind.bounds()
	if v < lo || v > hi {
		return 0, fmt.Errorf("%w: addr %d wire 0x%04x not %s", ErrOutOfRange, r.Address, w, r.Kind)
	}

	live := int32(float32(v) / r.scale())
	if live < r.Min || live > r.Max {
		return 0, fmt.Errorf("%w: addr %d value %d outside [%d,%d]", ErrOutOfRange, r.Address, live, r.Min, r.Max)
	}
	return live, nil
}

// Wire returns the value to put on the bus. ok is false when the live
// value is out of bounds; such an entry is never written.
func (r *Register) Wire() (uint16, bool) {
	return r.encode(r.Slot.Load())
}

// Changed reports whether the live value differs from what was last
// written to or read from the device.
func (r *Register) Changed() bool {
	w, ok := r.Wire()
	if !ok {
		return false
	}
	p, valid := r.prev.load()
	return !valid || p != w
}

// modified reports whether v differs from a valid cached device value.
// An uncached entry is not modified: nothing has been exchanged yet.
func (r *Register) modified(v int32) bool {
	w, ok := r.encode(v)
	if !ok {
		return false
	}
	p, valid := r.prev.load()
	return valid && p != w
}

// Commit records w as the value now held by the device.
func (r *Register) Commit(w uint16) { r.prev.store(w) }

// Forget drops the cached device value; the next pass writes it again.
func (r *Register) Forget() { r.prev.reset() }

// Store ingests a value read from the device into the slot.
//
// A writable entry the consumer modified since the last exchange keeps
// its slot and cache and Store returns ErrPending, so the next write
// pass still sends the consumer's value.
func (r *Register) Store(w uint16) (old, live int32, err error) {
	live, err = r.decode(w)
	if err != nil {
		return 0, 0, err
	}
	old = r.Slot.Load()
	if r.Access.Writable() && r.modified(old) {
		return old, old, fmt.Errorf("%w: addr %d", ErrPending, r.Address)
	}
	if !r.Slot.CompareAndSwap(old, live) {
		return old, old, fmt.Errorf("%w: addr %d", ErrPending, r.Address)
	}

	// Cache the re-encoded value so truncation does not cause a write-back.
	if rw, ok := r.encode(live); ok {
		r.Commit(rw)
	}
	return old, live, nil
}
