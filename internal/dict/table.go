// internal/dict/table.go
package dict

import (
	"errors"
	"fmt"
)

// span tracks the bound addresses of one table.
// Addresses are strictly increasing in bind order.
type span struct {
	area  Area
	addrs []uint16
	index map[uint16]int
}

func (s *span) add(addr uint16) error {
	if n := len(s.addrs); n > 0 && addr <= s.addrs[n-1] {
		return fmt.Errorf("dict: %s address %d not above %d", s.area, addr, s.addrs[n-1])
	}
	if s.index == nil {
		s.index = make(map[uint16]int)
	}
	s.index[addr] = len(s.addrs)
	s.addrs = append(s.addrs, addr)
	return nil
}

func (s *span) find(addr uint16) (int, error) {
	i, ok := s.index[addr]
	if !ok {
		return 0, fmt.Errorf("%w: %s %d", ErrNoSuchRegister, s.area, addr)
	}
	return i, nil
}

// covers rejects any range that leaves [start,end] of the table.
func (s *span) covers(start uint16, n int) error {
	if len(s.addrs) == 0 {
		return fmt.Errorf("%w: %s table empty", ErrNoSuchRegister, s.area)
	}
	last := int(start) + n - 1
	if n <= 0 || start < s.addrs[0] || last > int(s.addrs[len(s.addrs)-1]) {
		return fmt.Errorf("%w: %s %d..%d outside %d..%d",
			ErrNoSuchRegister, s.area, start, last, s.addrs[0], s.addrs[len(s.addrs)-1])
	}
	return nil
}

func (s *span) Area() Area { return s.area }
func (s *span) Len() int { return len(s.addrs) }

func (s *span) Start() uint16 {
	if len(s.addrs) == 0 {
		return 0
	}
	return s.addrs[0]
}

func (s *span) End() uint16 {
	if len(s.addrs) == 0 {
		return 0
	}
	return s.addrs[len(s.addrs)-1]
}

// RegisterTable is the holding or input register table of a dictionary.
type RegisterTable struct {
	span
	entries []*Register
}

func NewRegisterTable(area Area) *RegisterTable {
	return &RegisterTable{span: span{area: area}}
}

// Bind appends an entry. A nil slot is allocated.
func (t *RegisterTable) Bind(r *Register) error {
	if r == nil {
		return fmt.Errorf("dict: nil register")
	}
	if !r.Kind.valid() {
		return fmt.Errorf("dict: %s %d: invalid kind %s", t.area, r.Address, r.Kind)
	}
	if r.Min > r.Max {
		return fmt.Errorf("dict: %s %d: min %d above max %d", t.area, r.Address, r.Min, r.Max)
	}
	if r.Scale < 0 {
		return fmt.Errorf("dict: %s %d: negative scale", t.area, r.Address)
	}
	if t.area == Input && r.Access != ReadOnly {
		r.Access = ReadOnly
	}
	if err := t.add(r.Address); err != nil {
		return err
	}
	if r.Slot == nil {
		r.Slot = NewSlot(0)
	}
	t.entries = append(t.entries, r)
	return nil
}

func (t *RegisterTable) Lookup(addr uint16) (*Register, error) {
	i, err := t.find(addr)
	if err != nil {
		return nil, err
	}
	return t.entries[i], nil
}

// Entries returns the entries in address order. The slice is shared.
func (t *RegisterTable) Entries() []*Register { return t.entries }

// Ingest stores a response for values starting at start.
// Unbound addresses inside the span are padding and are skipped, as are
// write-only entries. Writable entries modified by the consumer while the
// read was in flight are left alone and listed in Held.
func (t *RegisterTable) Ingest(start uint16, values []uint16) (IngestResult, error) {
	var res IngestResult
	if err := t.covers(start, len(values)); err != nil {
		return res, err
	}

	for i, w := range values {
		addr := start + uint16(i)
		idx, ok := t.index[addr]
		if !ok {
			continue
		}
		r := t.entries[idx]
		if !r.Access.Readable() {
			continue
		}

		old, live, err := r.Store(w)
		switch {
		case errors.Is(err, ErrPending):
			res.Held = append(res.Held, addr)
			continue
		case err != nil:
			res.Rejected = append(res.Rejected, addr)
			continue
		}
		if old != live {
			res.Changes = append(res.Changes, Change{
				Area: t.area, Address: addr, Name: r.Name, Old: old, New: live, Wire: w,
			})
		}
	}
	return res, nil
}

// BitTable is the coil or discrete input table of a dictionary.
type BitTable struct {
	span
	entries []*Bit
}

func NewBitTable(area Area) *BitTable {
	return &BitTable{span: span{area: area}}
}

func (t *BitTable) Bind(b *Bit) error {
	if b == nil {
		return fmt.Errorf("dict: nil bit")
	}
	if t.area == Discrete && b.Access != ReadOnly {
		b.Access = ReadOnly
	}
	if err := t.add(b.Address); err != nil {
		return err
	}
	if b.Slot == nil {
		b.Slot = NewSlot(0)
	}
	t.entries = append(t.entries, b)
	return nil
}

func (t *BitTable) Lookup(addr uint16) (*Bit, error) {
	i, err := t.find(addr)
	if err != nil {
		return nil, err
	}
	return t.entries[i], nil
}

func (t *BitTable) Entries() []*Bit { return t.entries }

func (t *BitTable) Ingest(start uint16, values []bool) (IngestResult, error) {
	var res IngestResult
	if err := t.covers(start, len(values)); err != nil {
		return res, err
	}

	for i, v := range values {
		addr := start + uint16(i)
		idx, ok := t.index[addr]
		if !ok {
			continue
		}
		b := t.entries[idx]
		if !b.Access.Readable() {
			continue
		}

		old, live, err := b.Store(v)
		if err != nil {
			res.Held = append(res.Held, addr)
			continue
		}
		if old != live {
			var w uint16
			if v {
				w = 1
			}
			res.Changes = append(res.Changes, Change{
				Area: t.area, Address: addr, Name: b.Name, Old: old, New: live, Wire: w,
			})
		}
	}
	return res, nil
}
