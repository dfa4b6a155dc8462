// internal/dict/dict_test.go
package dict

import (
	"errors"
	"testing"
)

func reg(addr uint16, access Access) *Register {
	return &Register{Address: addr, Kind: KindUint16, Min: 0, Max: 65535, Access: access}
}

func TestBind_RequiresIncreasingAddresses(t *testing.T) {
	tbl := NewRegisterTable(Holding)
	if err := tbl.Bind(reg(5, ReadWrite)); err != nil {
		t.Fatalf("Bind(5) err=%v", err)
	}
	if err := tbl.Bind(reg(5, ReadWrite)); err == nil {
		t.Fatalf("expected error for duplicate address")
	}
	if err := tbl.Bind(reg(3, ReadWrite)); err == nil {
		t.Fatalf("expected error for descending address")
	}
	if tbl.Start() != 5 || tbl.End() != 5 || tbl.Len() != 1 {
		t.Fatalf("span=%d..%d len=%d", tbl.Start(), tbl.End(), tbl.Len())
	}
}

func TestLookup_Miss(t *testing.T) {
	tbl := NewRegisterTable(Holding)
	_ = tbl.Bind(reg(1, ReadWrite))

	if _, err := tbl.Lookup(2); !errors.Is(err, ErrNoSuchRegister) {
		t.Fatalf("expected ErrNoSuchRegister, got %v", err)
	}
}

func TestIngest_SkipsPaddingAndWriteOnly(t *testing.T) {
	tbl := NewRegisterTable(Holding)
	a, b, c := reg(1, ReadWrite), reg(2, WriteOnly), reg(4, ReadOnly)
	for _, r := range []*Register{a, b, c} {
		if err := tbl.Bind(r); err != nil {
			t.Fatalf("Bind err=%v", err)
		}
	}
	b.Slot.Store(7)

	res, err := tbl.Ingest(1, []uint16{10, 20, 30, 40})
	if err != nil {
		t.Fatalf("Ingest err=%v", err)
	}

	if a.Slot.Load() != 10 || c.Slot.Load() != 40 {
		t.Fatalf("slots a=%d c=%d", a.Slot.Load(), c.Slot.Load())
	}
	if b.Slot.Load() != 7 {
		t.Fatalf("write-only slot overwritten: %d", b.Slot.Load())
	}
	if len(res.Changes) != 2 {
		t.Fatalf("changes=%+v, want 2", res.Changes)
	}
}

func TestIngest_RangeOutsideTable(t *testing.T) {
	tbl := NewRegisterTable(Input)
	_ = tbl.Bind(reg(10, ReadOnly))
	_ = tbl.Bind(reg(12, ReadOnly))

	for _, c := range []struct {
		start uint16
		n     int
	}{
		{9, 2},
		{11, 3},
		{10, 0},
	} {
		if _, err := tbl.Ingest(c.start, make([]uint16, c.n)); !errors.Is(err, ErrNoSuchRegister) {
			t.Fatalf("Ingest(%d,%d): expected ErrNoSuchRegister, got %v", c.start, c.n, err)
		}
	}
}

func TestIngest_UnchangedValueEmitsNothing(t *testing.T) {
	tbl := NewRegisterTable(Holding)
	r := reg(1, ReadWrite)
	_ = tbl.Bind(r)
	r.Slot.Store(42)

	res, err := tbl.Ingest(1, []uint16{42})
	if err != nil {
		t.Fatalf("Ingest err=%v", err)
	}
	if len(res.Changes) != 0 {
		t.Fatalf("unexpected changes %+v", res.Changes)
	}
	if r.Changed() {
		t.Fatalf("value just read must not be pending a write")
	}
}

func TestRegister_ScaleAndBounds(t *testing.T) {
	r := &Register{Address: 1, Kind: KindInt16, Min: -50, Max: 100, Scale: 10, Slot: NewSlot(-5)}

	w, ok := r.Wire()
	if !ok || int16(w) != -50 {
		t.Fatalf("Wire()=%d,%v want -50,true", int16(w), ok)
	}

	r.Slot.Store(101)
	if _, ok := r.Wire(); ok {
		t.Fatalf("out-of-bounds live value must not be writable")
	}
	if r.Changed() {
		t.Fatalf("invalid value must not count as changed")
	}

	if _, _, err := r.Store(0x7000); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if _, live, err := r.Store(255); err != nil || live != 25 {
		t.Fatalf("Store(255)=%d,%v want 25", live, err)
	}
	// 255 truncates to 25, re-encoded as 250: no write-back.
	if r.Changed() {
		t.Fatalf("truncated read triggered a write-back")
	}
}

func TestRegister_KindRanges(t *testing.T) {
	cases := []struct {
		kind Kind
		wire uint16
		ok   bool
		live int32
	}{
		{KindUint8, 0x00FF, true, 255},
		{KindUint8, 0x0100, false, 0},
		{KindInt8, 0xFF80, true, -128},
		{KindInt8, 0x0080, false, 0},
		{KindInt16, 0x8000, true, -32768},
		{KindUint16, 0xFFFF, true, 65535},
	}
	for _, c := range cases {
		r := &Register{Kind: c.kind, Min: -40000, Max: 70000, Slot: NewSlot(0)}
		_, live, err := r.Store(c.wire)
		if c.ok != (err == nil) {
			t.Fatalf("%s 0x%04x: err=%v, want ok=%v", c.kind, c.wire, err, c.ok)
		}
		if c.ok && live != c.live {
			t.Fatalf("%s 0x%04x: live=%d, want %d", c.kind, c.wire, live, c.live)
		}
	}
}

func TestRegister_CommitClearsChanged(t *testing.T) {
	r := &Register{Kind: KindUint16, Max: 100, Slot: NewSlot(3)}
	if !r.Changed() {
		t.Fatalf("uncached entry must be pending")
	}
	w, _ := r.Wire()
	r.Commit(w)
	if r.Changed() {
		t.Fatalf("committed entry still pending")
	}
	r.Slot.Store(4)
	if !r.Changed() {
		t.Fatalf("modified entry not pending")
	}
	r.Forget()
	r.Slot.Store(3)
	if !r.Changed() {
		t.Fatalf("forgotten entry not pending")
	}
}

func TestBitTable_Ingest(t *testing.T) {
	tbl := NewBitTable(Coils)
	on := &Bit{Address: 17, Access: ReadWrite}
	wo := &Bit{Address: 19, Access: WriteOnly}
	_ = tbl.Bind(on)
	_ = tbl.Bind(wo)

	res, err := tbl.Ingest(17, []bool{true, true, true})
	if err != nil {
		t.Fatalf("Ingest err=%v", err)
	}
	if !on.Slot.Bool() || wo.Slot.Bool() {
		t.Fatalf("slots on=%v wo=%v", on.Slot.Bool(), wo.Slot.Bool())
	}
	if len(res.Changes) != 1 || res.Changes[0].Address != 17 {
		t.Fatalf("changes=%+v", res.Changes)
	}
	if on.Changed() {
		t.Fatalf("value just read must not be pending")
	}
}

func TestDictionary_AreaSelection(t *testing.T) {
	d := New(3)
	if _, err := d.Registers(Coils); err == nil {
		t.Fatalf("expected error for bit area")
	}
	if tbl, err := d.Bits(Discrete); err != nil || tbl.Area() != Discrete {
		t.Fatalf("Bits(Discrete)=%v,%v", tbl, err)
	}
}

func TestIngest_KeepsConsumerValuePendingWrite(t *testing.T) {
	tbl := NewRegisterTable(Holding)
	r, ro := reg(1, ReadWrite), reg(2, ReadOnly)
	_ = tbl.Bind(r)
	_ = tbl.Bind(ro)
	r.Commit(5)
	ro.Commit(5)

	// The consumer changes both after the read went out.
	r.Slot.Store(7)
	ro.Slot.Store(7)

	res, err := tbl.Ingest(1, []uint16{5, 5})
	if err != nil {
		t.Fatalf("Ingest err=%v", err)
	}
	if r.Slot.Load() != 7 || !r.Changed() {
		t.Fatalf("consumer write lost: slot=%d pending=%v", r.Slot.Load(), r.Changed())
	}
	if w, _ := r.Wire(); w != 7 {
		t.Fatalf("wire=%d, want 7", w)
	}
	if ro.Slot.Load() != 5 {
		t.Fatalf("read-only slot=%d, want device value 5", ro.Slot.Load())
	}
	if len(res.Held) != 1 || res.Held[0] != 1 {
		t.Fatalf("held=%v, want [1]", res.Held)
	}
	if len(res.Changes) != 1 || res.Changes[0].Address != 2 {
		t.Fatalf("changes=%+v", res.Changes)
	}

	// Once written, the next read is stored again.
	w, _ := r.Wire()
	r.Commit(w)
	if _, err := tbl.Ingest(1, []uint16{8, 5}); err != nil {
		t.Fatalf("Ingest err=%v", err)
	}
	if r.Slot.Load() != 8 || r.Changed() {
		t.Fatalf("slot=%d pending=%v after settled read", r.Slot.Load(), r.Changed())
	}
}

func TestBitTable_IngestKeepsPendingCoil(t *testing.T) {
	tbl := NewBitTable(Coils)
	c := &Bit{Address: 3, Access: ReadWrite}
	_ = tbl.Bind(c)
	c.Commit(false)
	c.Slot.SetBool(true)

	res, err := tbl.Ingest(3, []bool{false})
	if err != nil {
		t.Fatalf("Ingest err=%v", err)
	}
	if !c.Slot.Bool() || !c.Changed() {
		t.Fatalf("coil write lost: slot=%v pending=%v", c.Slot.Bool(), c.Changed())
	}
	if len(res.Held) != 1 || len(res.Changes) != 0 {
		t.Fatalf("held=%v changes=%+v", res.Held, res.Changes)
	}
}
