// internal/dict/bit.go
package dict

import "fmt"

// Bit binds one coil or discrete input to a consumer slot.
type Bit struct {
	Address uint16
	Name    string
	Access  Access
	Slot    *Slot

	prev prevCache
}

func (b *Bit) Wire() bool { return b.Slot.Bool() }

func (b *Bit) Changed() bool {
	p, valid := b.prev.load()
	return !valid || (p != 0) != b.Wire()
}

func (b *Bit) Commit(v bool) {
	if v {
		b.prev.store(1)
	} else {
		b.prev.store(0)
	}
}

func (b *Bit) Forget() { b.prev.reset() }

func (b *Bit) modified(v int32) bool {
	p, valid := b.prev.load()
	return valid && (p != 0) != (v != 0)
}

// Store ingests a value read from the device into the slot. Like
// Register.Store it keeps a pending consumer value and returns ErrPending.
func (b *Bit) Store(v bool) (old, live int32, err error) {
	if v {
		live = 1
	}
	old = b.Slot.Load()
	if b.Access.Writable() && b.modified(old) {
		return old, old, fmt.Errorf("%w: addr %d", ErrPending, b.Address)
	}
	if !b.Slot.CompareAndSwap(old, live) {
		return old, old, fmt.Errorf("%w: addr %d", ErrPending, b.Address)
	}
	b.Commit(v)
	return old, live, nil
}
