// internal/frame/frame_test.go
package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/goburrow/modbus"
)

func samplePDU() *modbus.ProtocolDataUnit {
	return &modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeReadHoldingRegisters,
		Data:         []byte{0x00, 0x00, 0x00, 0x0A},
	}
}

func TestCRC16_KnownVector(t *testing.T) {
	got := CRC16([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A})
	if got != 0xCDC5 {
		t.Fatalf("crc=0x%04x, want 0xCDC5", got)
	}
}

func TestLRC_SumsToZero(t *testing.T) {
	b := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03}
	sum := LRC(b)
	for _, v := range b {
		sum += v
	}
	if sum != 0 {
		t.Fatalf("byte sum with lrc = %d, want 0", sum)
	}
}

func TestRTU_MatchesGoburrowPackager(t *testing.T) {
	h := modbus.NewRTUClientHandler("")
	h.SlaveId = 0x11
	want, err := h.Encode(samplePDU())
	if err != nil {
		t.Fatalf("goburrow encode: %v", err)
	}

	got, err := RTU{}.Encode(0x11, samplePDU())
	if err != nil {
		t.Fatalf("Encode err=%v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("frame=% x, want % x", got, want)
	}
}

func TestASCII_MatchesGoburrowPackager(t *testing.T) {
	h := modbus.NewASCIIClientHandler("")
	h.SlaveId = 0x11
	want, err := h.Encode(samplePDU())
	if err != nil {
		t.Fatalf("goburrow encode: %v", err)
	}

	got, err := ASCII{}.Encode(0x11, samplePDU())
	if err != nil {
		t.Fatalf("Encode err=%v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("frame=%q, want %q", got, want)
	}
}

func TestCodecs_RoundTrip(t *testing.T) {
	for _, c := range []Codec{RTU{}, ASCII{}, NewCPN(0x01)} {
		adu, err := c.Encode(0x05, samplePDU())
		if err != nil {
			t.Fatalf("%s: Encode err=%v", c.Name(), err)
		}
		if len(adu) < c.MinSize() || len(adu) > c.MaxSize() {
			t.Fatalf("%s: frame size %d outside [%d,%d]", c.Name(), len(adu), c.MinSize(), c.MaxSize())
		}

		addr, pdu, err := c.Decode(adu)
		if err != nil {
			t.Fatalf("%s: Decode err=%v", c.Name(), err)
		}

		wantAddr := byte(0x05)
		if c.Name() == "cpn" {
			// CPN reports the sender.
			wantAddr = 0x01
		}
		if addr != wantAddr {
			t.Fatalf("%s: addr=%d, want %d", c.Name(), addr, wantAddr)
		}
		if pdu.FunctionCode != samplePDU().FunctionCode || !bytes.Equal(pdu.Data, samplePDU().Data) {
			t.Fatalf("%s: pdu=%+v", c.Name(), pdu)
		}
	}
}

func TestRTU_SingleBitFlipFailsCRC(t *testing.T) {
	adu, err := RTU{}.Encode(0x05, samplePDU())
	if err != nil {
		t.Fatalf("Encode err=%v", err)
	}

	for i := range adu {
		for bit := 0; bit < 8; bit++ {
			bad := append([]byte(nil), adu...)
			bad[i] ^= 1 << bit

			if _, _, err := (RTU{}).Decode(bad); !errors.Is(err, ErrBadFrame) {
				t.Fatalf("byte %d bit %d: expected ErrBadFrame, got %v", i, bit, err)
			}
		}
	}
}

func TestRTU_DecodeDoesNotAliasInput(t *testing.T) {
	adu, _ := RTU{}.Encode(0x05, samplePDU())
	_, pdu, err := RTU{}.Decode(adu)
	if err != nil {
		t.Fatalf("Decode err=%v", err)
	}
	adu[2] = 0xFF
	if pdu.Data[0] != 0x00 {
		t.Fatalf("decoded pdu shares the frame buffer")
	}
}

func TestRTU_EncodeRejectsOversize(t *testing.T) {
	pdu := &modbus.ProtocolDataUnit{FunctionCode: 0x10, Data: make([]byte, 253)}
	if _, err := (RTU{}).Encode(1, pdu); !errors.Is(err, ErrFrameTooLong) {
		t.Fatalf("expected ErrFrameTooLong, got %v", err)
	}
}

func TestASCII_RejectsBadLRC(t *testing.T) {
	adu, _ := ASCII{}.Encode(0x05, samplePDU())
	// last hex digit before CRLF belongs to the LRC
	i := len(adu) - 3
	if adu[i] == '0' {
		adu[i] = '1'
	} else {
		adu[i] = '0'
	}
	if _, _, err := (ASCII{}).Decode(adu); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}
}

func TestCPN_SequenceWraps(t *testing.T) {
	c := NewCPN(0)
	c.seq = cpnMaxSeq - 1

	seqOf := func() uint16 {
		adu, err := c.Encode(1, samplePDU())
		if err != nil {
			t.Fatalf("Encode err=%v", err)
		}
		return uint16(adu[cpnOffSeq]) | uint16(adu[cpnOffSeq+1])<<8
	}

	if got := seqOf(); got != cpnMaxSeq {
		t.Fatalf("seq=%d, want %d", got, cpnMaxSeq)
	}
	if got := seqOf(); got != 1 {
		t.Fatalf("seq after wrap=%d, want 1", got)
	}
}

func TestCPN_RejectsCorruption(t *testing.T) {
	c := NewCPN(0x10)
	adu, _ := c.Encode(0x02, samplePDU())

	cases := map[string]func(b []byte){
		"length": func(b []byte) { b[cpnOffLength]++ },
		"crc":    func(b []byte) { b[cpnOffCRC] ^= 0x01 },
		"data":   func(b []byte) { b[cpnOffData] ^= 0x80 },
	}
	for name, mutate := range cases {
		bad := append([]byte(nil), adu...)
		mutate(bad)
		if _, _, err := c.Decode(bad); !errors.Is(err, ErrBadFrame) {
			t.Fatalf("%s: expected ErrBadFrame, got %v", name, err)
		}
	}
}

func TestNew_UnknownFraming(t *testing.T) {
	if _, err := New("tcp", 0); err == nil {
		t.Fatalf("expected error for unknown framing")
	}
}

func TestCPN_LeadingBytesIgnored(t *testing.T) {
	c := NewCPN(0x10)
	adu, _ := c.Encode(0x02, samplePDU())
	if adu[0] != 0 || adu[1] != 0 {
		t.Fatalf("leading bytes % x, want zero", adu[:2])
	}

	adu[0], adu[1] = 0xA5, 0x5A
	src, pdu, err := c.Decode(adu)
	if err != nil {
		t.Fatalf("Decode err=%v", err)
	}
	if src != 0x10 || pdu.FunctionCode != samplePDU().FunctionCode {
		t.Fatalf("src=%#x fc=%#x", src, pdu.FunctionCode)
	}
}
