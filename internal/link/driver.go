// internal/link/driver.go
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goburrow/modbus"
	"github.com/goburrow/serial"
	"github.com/rs/zerolog"

	"github.com/caosq/GreeIntense/internal/frame"
)

// ErrLinkBusy is returned by Send while a frame is being received
// or transmitted.
var ErrLinkBusy = errors.New("link: busy")

// ErrStopped is returned by Send once Run has returned.
var ErrStopped = errors.New("link: stopped")

type EventKind int

const (
	// EventReady is emitted once, after the first silence window.
	EventReady EventKind = iota + 1
	EventFrameReceived
	EventFrameSent
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventFrameReceived:
		return "frame_received"
	case EventFrameSent:
		return "frame_sent"
	default:
		return "unknown"
	}
}

// Event is what the driver hands to its sink.
// Frame is owned by the receiver.
type Event struct {
	Kind  EventKind
	Frame []byte
}

// Sink consumes driver events. It is called from the driver goroutine.
type Sink func(Event)

type rxState int

const (
	rxInit rxState = iota
	rxIdle
	rxReceiving
	rxError
)

type txState int

const (
	txIdle txState = iota
	txTransmitting
)

type sendReq struct {
	adu  []byte
	done chan error
}

// Driver is the receive/transmit state machine of one serial line.
//
// All state is owned by the Run goroutine. Bytes from the port, silence
// timer expiries and send requests are all delivered into that loop.
type Driver struct {
	port    io.ReadWriter
	codec   frame.Codec
	silence time.Duration
	sink    Sink
	log     zerolog.Logger

	chunks chan []byte
	sends  chan sendReq
	stop   chan struct{}

	// loop-owned
	rx      rxState
	tx      txState
	buf     []byte
	pending []byte
	timer   *time.Timer
}

// New builds a driver. Nothing runs until Run is called.
func New(port io.ReadWriter, codec frame.Codec, silence time.Duration, sink Sink, log zerolog.Logger) (*Driver, error) {
	if port == nil {
		return nil, errors.New("link: port required")
	}
	if codec == nil {
		return nil, errors.New("link: codec required")
	}
	if silence <= 0 {
		return nil, errors.New("link: silence window must be > 0")
	}
	if sink == nil {
		sink = func(Event) {}
	}

	t := time.NewTimer(time.Hour)
	t.Stop()

	return &Driver{
		port:    port,
		codec:   codec,
		silence: silence,
		sink:    sink,
		log:     log.With().Str("component", "link").Str("framing", codec.Name()).Logger(),
		chunks:  make(chan []byte, 16),
		sends:   make(chan sendReq),
		stop:    make(chan struct{}),
		buf:     make([]byte, 0, codec.MaxSize()),
		timer:   t,
	}, nil
}

// Run owns the line until ctx is cancelled or the port fails.
func (d *Driver) Run(ctx context.Context) error {
	defer close(d.stop)

	readErr := make(chan error, 1)
	go d.readLoop(readErr)

	// Init: the bus must be silent for one window before we are ready.
	d.arm()

	for {
		select {
		case <-ctx.Done():
			d.disarm()
			return ctx.Err()

		case err := <-readErr:
			d.disarm()
			return fmt.Errorf("link: read: %w", err)

		case chunk := <-d.chunks:
			for _, b := range chunk {
				d.onByte(b)
			}

		case <-d.timer.C:
			d.onSilence()

		case req := <-d.sends:
			d.onSend(req)
		}
	}
}

// Send encodes and transmits one frame. It returns once the frame has
// been handed to the port; EventFrameSent follows through the sink.
func (d *Driver) Send(addr byte, pdu *modbus.ProtocolDataUnit) error {
	adu, err := d.codec.Encode(addr, pdu)
	if err != nil {
		return err
	}

	req := sendReq{adu: adu, done: make(chan error, 1)}
	select {
	case d.sends <- req:
	case <-d.stop:
		return ErrStopped
	}
	return <-req.done
}

func (d *Driver) readLoop(errc chan<- error) {
	buf := make([]byte, d.codec.MaxSize())
	for {
		n, err := d.port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case d.chunks <- chunk:
			case <-d.stop:
				return
			}
		}
		if err != nil && !errors.Is(err, serial.ErrTimeout) {
			errc <- err
			return
		}
		select {
		case <-d.stop:
			return
		default:
		}
	}
}

// ---- receive path ----

func (d *Driver) onByte(b byte) {
	switch d.rx {
	case rxInit, rxError:
		// wait for the line to go quiet

	case rxIdle:
		d.buf = append(d.buf[:0], b)
		d.rx = rxReceiving

	case rxReceiving:
		if len(d.buf) >= d.codec.MaxSize() {
			d.log.Warn().Int("max", d.codec.MaxSize()).Msg("frame overflow, discarding until silence")
			d.rx = rxError
		} else {
			d.buf = append(d.buf, b)
		}
	}
	d.arm()
}

func (d *Driver) onSilence() {
	switch d.rx {
	case rxInit:
		d.log.Info().Dur("silence", d.silence).Msg("link ready")
		d.sink(Event{Kind: EventReady})

	case rxReceiving:
		if len(d.buf) < d.codec.MinSize() {
			d.log.Debug().Int("len", len(d.buf)).Msg("short frame dropped")
			break
		}
		f := make([]byte, len(d.buf))
		copy(f, d.buf)
		d.sink(Event{Kind: EventFrameReceived, Frame: f})

	case rxError:
		d.log.Debug().Msg("overflowed frame dropped")
	}

	d.rx = rxIdle
	d.buf = d.buf[:0]
}

// ---- transmit path ----

func (d *Driver) onSend(req sendReq) {
	if d.rx != rxIdle || d.tx != txIdle {
		req.done <- ErrLinkBusy
		return
	}

	d.tx = txTransmitting
	d.pending = req.adu

	var err error
	for d.tx == txTransmitting && err == nil {
		err = d.onTxEmpty()
	}
	d.tx = txIdle
	d.pending = nil

	// Reply first: the caller may be the sink's owner.
	req.done <- err
	if err != nil {
		d.log.Warn().Err(err).Msg("transmit failed")
		return
	}
	d.sink(Event{Kind: EventFrameSent})
}

// onTxEmpty pushes what is left of the pending frame to the port.
func (d *Driver) onTxEmpty() error {
	if len(d.pending) == 0 {
		d.tx = txIdle
		return nil
	}
	n, err := d.port.Write(d.pending)
	d.pending = d.pending[n:]
	if err != nil {
		return fmt.Errorf("link: write: %w", err)
	}
	return nil
}

// ---- silence timer ----

func (d *Driver) arm() {
	d.disarm()
	d.timer.Reset(d.silence)
}

func (d *Driver) disarm() {
	if !d.timer.Stop() {
		select {
		case <-d.timer.C:
		default:
		}
	}
}
