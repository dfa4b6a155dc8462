// internal/master/fakes_test.go
package master

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/goburrow/modbus"

	"github.com/caosq/GreeIntense/internal/dict"
	"github.com/caosq/GreeIntense/internal/frame"
	"github.com/caosq/GreeIntense/internal/link"
	"github.com/caosq/GreeIntense/internal/registry"
)

type sentFrame struct {
	addr uint8
	fc   byte
	data []byte
}

// fakeSlave plays every slave on the bus from inside Link.Send.
type fakeSlave struct {
	e     *Engine
	codec frame.Codec

	mu        sync.Mutex
	holding   map[uint16]uint16
	coils     map[uint16]bool
	silent    bool
	exception byte
	replyFrom uint8
	replyFC   byte
	sent      []sentFrame

	// gate, when set, holds Send until it is closed.
	gate chan struct{}
}

func newFakeSlave() *fakeSlave {
	return &fakeSlave{
		codec:   frame.RTU{},
		holding: map[uint16]uint16{},
		coils:   map[uint16]bool{},
	}
}

func (s *fakeSlave) Sent() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentFrame(nil), s.sent...)
}

func (s *fakeSlave) Send(addr byte, pdu *modbus.ProtocolDataUnit) error {
	s.mu.Lock()
	s.sent = append(s.sent, sentFrame{addr: addr, fc: pdu.FunctionCode, data: append([]byte(nil), pdu.Data...)})
	silent, gate := s.silent, s.gate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.e.LinkEvent(link.Event{Kind: link.EventFrameSent})
	if addr == 0 || silent {
		return nil
	}

	from := addr
	if s.replyFrom != 0 {
		from = s.replyFrom
	}
	adu, _ := s.codec.Encode(from, s.respond(pdu))
	s.e.LinkEvent(link.Event{Kind: link.EventFrameReceived, Frame: adu})
	return nil
}

func (s *fakeSlave) respond(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exception != 0 {
		return &modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode | 0x80, Data: []byte{s.exception}}
	}
	fc := req.FunctionCode
	if s.replyFC != 0 {
		fc = s.replyFC
	}

	start := binary.BigEndian.Uint16(req.Data[0:])
	count := binary.BigEndian.Uint16(req.Data[2:])

	switch req.FunctionCode {
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		out := []byte{byte(2 * count)}
		for i := uint16(0); i < count; i++ {
			out = binary.BigEndian.AppendUint16(out, s.holding[start+i])
		}
		return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: out}

	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		bits := make([]bool, count)
		for i := range bits {
			bits[i] = s.coils[start+uint16(i)]
		}
		packed := packBits(bits)
		return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: append([]byte{byte(len(packed))}, packed...)}

	case modbus.FuncCodeWriteSingleRegister:
		s.holding[start] = count
	case modbus.FuncCodeWriteMultipleRegisters:
		for i := uint16(0); i < count; i++ {
			s.holding[start+i] = binary.BigEndian.Uint16(req.Data[5+2*i:])
		}
	}
	return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: append([]byte(nil), req.Data[:4]...)}
}

type harness struct {
	e     *Engine
	slave *fakeSlave
	reg   *registry.Registry
	dev   registry.Handle
	regs  []*dict.Register
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	reg, err := registry.New(registry.Config{MinAddress: 1, MaxAddress: 5, OfflineWindow: time.Hour})
	if err != nil {
		t.Fatalf("registry.New err=%v", err)
	}
	t.Cleanup(reg.Close)

	h, err := reg.Register(1, 1)
	if err != nil {
		t.Fatalf("Register err=%v", err)
	}
	var regs []*dict.Register
	for a := uint16(0); a < 3; a++ {
		r := &dict.Register{Address: a, Kind: dict.KindUint16, Max: 1000}
		if err := reg.BindRegister(h, dict.Holding, r); err != nil {
			t.Fatalf("BindRegister err=%v", err)
		}
		regs = append(regs, r)
	}

	slave := newFakeSlave()
	e, err := New(Config{ResponseTimeout: 30 * time.Millisecond, TurnaroundDelay: 5 * time.Millisecond},
		frame.RTU{}, slave, reg, opts...)
	if err != nil {
		t.Fatalf("New err=%v", err)
	}
	slave.e = e

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	e.LinkEvent(link.Event{Kind: link.EventReady})
	return &harness{e: e, slave: slave, reg: reg, dev: h, regs: regs}
}
