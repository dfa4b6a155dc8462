// internal/link/driver_test.go
package link

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/caosq/GreeIntense/internal/frame"
)

type fakePort struct {
	in chan []byte

	mu      sync.Mutex
	written bytes.Buffer
}

func newFakePort() *fakePort {
	return &fakePort{in: make(chan []byte, 8)}
}

func (p *fakePort) Read(b []byte) (int, error) {
	chunk, ok := <-p.in
	if !ok {
		return 0, errors.New("closed")
	}
	return copy(b, chunk), nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

type recorder struct {
	events []Event
}

func (r *recorder) sink(e Event) { r.events = append(r.events, e) }

func newStepDriver(t *testing.T) (*Driver, *recorder) {
	t.Helper()
	r := &recorder{}
	d, err := New(newFakePort(), frame.RTU{}, time.Millisecond, r.sink, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return d, r
}

func TestDriver_InitSilenceEmitsReady(t *testing.T) {
	d, r := newStepDriver(t)

	// noise before the first silence is ignored
	d.onByte(0x55)
	d.onSilence()

	if len(r.events) != 1 || r.events[0].Kind != EventReady {
		t.Fatalf("events=%+v, want one Ready", r.events)
	}
	if d.rx != rxIdle {
		t.Fatalf("rx=%d, want idle", d.rx)
	}
}

func TestDriver_SilenceCompletesFrame(t *testing.T) {
	d, r := newStepDriver(t)
	d.onSilence() // Ready

	adu, _ := frame.RTU{}.Encode(1, &modbus.ProtocolDataUnit{FunctionCode: 3, Data: []byte{0, 0, 0, 1}})
	for _, b := range adu {
		d.onByte(b)
	}
	d.onSilence()

	if len(r.events) != 2 {
		t.Fatalf("expected Ready + FrameReceived, got %+v", r.events)
	}
	got := r.events[1]
	if got.Kind != EventFrameReceived || !bytes.Equal(got.Frame, adu) {
		t.Fatalf("event=%+v, want frame % x", got, adu)
	}
}

func TestDriver_ShortFrameDropped(t *testing.T) {
	d, r := newStepDriver(t)
	d.onSilence()

	for _, b := range []byte{1, 2, 3} { // below the RTU minimum of 4
		d.onByte(b)
	}
	d.onSilence()

	if len(r.events) != 1 {
		t.Fatalf("short frame produced events: %+v", r.events)
	}
}

func TestDriver_OverflowDiscardsUntilSilence(t *testing.T) {
	d, r := newStepDriver(t)
	d.onSilence()

	for i := 0; i < (frame.RTU{}).MaxSize()+10; i++ {
		d.onByte(byte(i))
	}
	if d.rx != rxError {
		t.Fatalf("rx=%d, want error", d.rx)
	}
	d.onSilence()

	if len(r.events) != 1 {
		t.Fatalf("overflowed frame produced events: %+v", r.events)
	}
	if d.rx != rxIdle {
		t.Fatalf("rx=%d, want idle after silence", d.rx)
	}
}

func TestDriver_SendRefusedWhileReceiving(t *testing.T) {
	d, _ := newStepDriver(t)
	d.onSilence()
	d.onByte(0x01)

	req := sendReq{adu: []byte{1, 2, 3, 4}, done: make(chan error, 1)}
	d.onSend(req)

	if err := <-req.done; !errors.Is(err, ErrLinkBusy) {
		t.Fatalf("expected ErrLinkBusy, got %v", err)
	}
}

func TestDriver_SendRefusedBeforeReady(t *testing.T) {
	d, _ := newStepDriver(t)

	req := sendReq{adu: []byte{1, 2, 3, 4}, done: make(chan error, 1)}
	d.onSend(req)

	if err := <-req.done; !errors.Is(err, ErrLinkBusy) {
		t.Fatalf("expected ErrLinkBusy, got %v", err)
	}
}

func TestDriver_RunEndToEnd(t *testing.T) {
	port := newFakePort()
	events := make(chan Event, 8)

	d, err := New(port, frame.RTU{}, 2*time.Millisecond, func(e Event) { events <- e }, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-done
		close(port.in)
	}()

	next := func() Event {
		select {
		case e := <-events:
			return e
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event")
			return Event{}
		}
	}

	if e := next(); e.Kind != EventReady {
		t.Fatalf("first event=%v, want ready", e.Kind)
	}

	pdu := &modbus.ProtocolDataUnit{FunctionCode: 6, Data: []byte{0, 1, 0, 2}}
	if err := d.Send(7, pdu); err != nil {
		t.Fatalf("Send err=%v", err)
	}
	if e := next(); e.Kind != EventFrameSent {
		t.Fatalf("event=%v, want frame_sent", e.Kind)
	}
	want, _ := frame.RTU{}.Encode(7, pdu)
	if got := port.Written(); !bytes.Equal(got, want) {
		t.Fatalf("written=% x, want % x", got, want)
	}

	// reply arrives in two chunks
	port.in <- want[:3]
	port.in <- want[3:]
	e := next()
	if e.Kind != EventFrameReceived || !bytes.Equal(e.Frame, want) {
		t.Fatalf("event=%+v, want frame % x", e, want)
	}
}

func TestSilenceFor(t *testing.T) {
	cases := []struct {
		baud    int
		framing string
		want    time.Duration
	}{
		{9600, "rtu", 4 * time.Millisecond},
		{19200, "rtu", 2 * time.Millisecond},
		{38400, "rtu", 1750 * time.Microsecond},
		{115200, "cpn", 1750 * time.Microsecond},
		{9600, "ascii", time.Second},
	}
	for _, c := range cases {
		if got := SilenceFor(c.baud, c.framing); got != c.want {
			t.Fatalf("SilenceFor(%d,%s)=%v, want %v", c.baud, c.framing, got, c.want)
		}
	}
}
