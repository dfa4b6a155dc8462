// internal/master/engine.go
package master

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/caosq/GreeIntense/internal/dict"
	"github.com/caosq/GreeIntense/internal/frame"
	"github.com/caosq/GreeIntense/internal/link"
	"github.com/caosq/GreeIntense/internal/registry"
)

const (
	DefaultResponseTimeout = 500 * time.Millisecond
	DefaultTurnaroundDelay = 100 * time.Millisecond

	// maxPDUData is the largest PDU payload any framing carries.
	maxPDUData = 252

	// completionSlack covers queueing ahead of the response timer.
	completionSlack = 250 * time.Millisecond
)

// Link is the transmit side of the line driver.
type Link interface {
	Send(addr byte, pdu *modbus.ProtocolDataUnit) error
}

// Observer sees every finished request.
type Observer interface {
	RequestDone(function byte, addr uint8, err error, elapsed time.Duration)
}

// Recovery holds one callback per ErrorProcess class. Nil entries are skipped.
type Recovery struct {
	ResponseTimeout func(addr uint8, err error)
	ReceiveData     func(addr uint8, err error)
	ExecuteFunction func(addr uint8, err error)
	RespondData     func(addr uint8, err error)
}

type Config struct {
	ResponseTimeout time.Duration
	TurnaroundDelay time.Duration
}

type eventKind int

const (
	evReady eventKind = iota + 1
	evFrameReceived
	evTransmitted
	evSend
	evTimer
)

type event struct {
	kind  eventKind
	frame []byte
	req   *request
	seq   uint64
}

const (
	reqWaiting int32 = iota
	reqClaimed
	reqAbandoned
)

type request struct {
	addr   uint8
	pdu    modbus.ProtocolDataUnit
	ingest bool
	start  time.Time

	state atomic.Int32

	// written by the engine before done is closed
	regs []uint16
	bits []bool
	err  error
	done chan struct{}
}

func (r *request) broadcast() bool { return r.addr == 0 }

// claim marks the request as being executed; false if the caller gave up.
func (r *request) claim() bool { return r.state.CompareAndSwap(reqWaiting, reqClaimed) }

// abandon gives up on a request that has not started executing.
func (r *request) abandon() bool { return r.state.CompareAndSwap(reqWaiting, reqAbandoned) }

// Engine is the master protocol state machine for one bus.
//
// Exactly one request is in flight at a time. The in-flight lock is a
// one-slot channel taken by the request call and released by the engine
// when the request finishes, whatever the outcome.
type Engine struct {
	cfg      Config
	codec    frame.Codec
	link     Link
	reg      *registry.Registry
	handlers map[byte]Handler
	observer Observer
	recovery Recovery
	log      zerolog.Logger

	mu       sync.Mutex
	onChange []func(dict.Change)

	events  chan event
	lock    chan struct{}
	stopped chan struct{}

	// owned by the in-flight lock holder
	scratch []byte

	// owned by the Run goroutine
	ready bool
	cur   *request
	seq   uint64
	timer *time.Timer
}

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }
func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }
func WithRecovery(r Recovery) Option { return func(e *Engine) { e.recovery = r } }

// WithHandler replaces the handler for one function code.
func WithHandler(fc byte, h Handler) Option {
	return func(e *Engine) { e.handlers[fc] = h }
}

func New(cfg Config, codec frame.Codec, l Link, reg *registry.Registry, opts ...Option) (*Engine, error) {
	if codec == nil {
		return nil, errors.New("master: codec required")
	}
	if l == nil {
		return nil, errors.New("master: link required")
	}
	if reg == nil {
		return nil, errors.New("master: registry required")
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.TurnaroundDelay <= 0 {
		cfg.TurnaroundDelay = DefaultTurnaroundDelay
	}

	e := &Engine{
		cfg:      cfg,
		codec:    codec,
		link:     l,
		reg:      reg,
		handlers: defaultHandlers(),
		log:      zerolog.Nop(),
		events:   make(chan event, 32),
		lock:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		scratch:  make([]byte, 0, maxPDUData),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With().Str("component", "master").Logger()
	return e, nil
}

// OnValueChanged registers a consumer callback. Callbacks run on the
// engine goroutine and must not block.
func (e *Engine) OnValueChanged(fn func(dict.Change)) {
	e.mu.Lock()
	e.onChange = append(e.onChange, fn)
	e.mu.Unlock()
}

// LinkEvent is the link driver's sink.
func (e *Engine) LinkEvent(ev link.Event) {
	switch ev.Kind {
	case link.EventReady:
		e.post(event{kind: evReady})
	case link.EventFrameReceived:
		e.post(event{kind: evFrameReceived, frame: ev.Frame})
	case link.EventFrameSent:
		e.post(event{kind: evTransmitted})
	}
}

func (e *Engine) post(ev event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.stopped:
		return false
	}
}

// Run processes events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)

	for {
		select {
		case <-ctx.Done():
			if e.cur != nil {
				e.finish(&RequestError{Kind: KindMasterBusy, Addr: e.cur.addr, Function: e.cur.pdu.FunctionCode, Err: ErrStopped})
			}
			return ctx.Err()

		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev event) {
	switch ev.kind {
	case evReady:
		e.ready = true
		e.log.Info().Msg("bus ready")

	case evSend:
		e.transmit(ev.req)

	case evTransmitted:
		if e.cur == nil {
			return
		}
		if e.cur.broadcast() {
			e.arm(e.cfg.TurnaroundDelay)
		} else {
			e.arm(e.cfg.ResponseTimeout)
		}

	case evTimer:
		if e.cur == nil || ev.seq != e.seq {
			return
		}
		if e.cur.broadcast() {
			e.executeBroadcast()
			return
		}
		e.errorProcess(KindResponseTimeout, nil)

	case evFrameReceived:
		e.received(ev.frame)
	}
}

func (e *Engine) transmit(req *request) {
	e.cur = req
	if !e.ready {
		e.finish(&RequestError{Kind: KindMasterBusy, Addr: req.addr, Function: req.pdu.FunctionCode, Err: errors.New("link not ready")})
		return
	}

	e.log.Debug().Uint8("addr", req.addr).Uint8("fc", req.pdu.FunctionCode).Int("len", len(req.pdu.Data)).Msg("send")
	if err := e.link.Send(req.addr, &req.pdu); err != nil {
		// No FrameSent will follow; the response timer still bounds the request.
		e.log.Warn().Err(err).Uint8("addr", req.addr).Msg("send failed")
		if req.broadcast() {
			e.finish(&RequestError{Kind: KindResponseTimeout, Addr: 0, Function: req.pdu.FunctionCode, Err: err})
			return
		}
		e.arm(e.cfg.ResponseTimeout)
	}
}

func (e *Engine) received(adu []byte) {
	if e.cur == nil || e.cur.broadcast() {
		e.log.Debug().Int("len", len(adu)).Msg("unsolicited frame dropped")
		return
	}

	addr, pdu, err := e.codec.Decode(adu)
	if err != nil {
		e.errorProcess(KindReceiveData, err)
		return
	}
	if addr != e.cur.addr {
		e.errorProcess(KindReceiveData, fmt.Errorf("reply from %d while waiting on %d", addr, e.cur.addr))
		return
	}
	e.execute(pdu)
}

func (e *Engine) execute(resp *modbus.ProtocolDataUnit) {
	req := e.cur
	fc := req.pdu.FunctionCode

	if resp.FunctionCode&0x80 != 0 {
		var code byte
		if len(resp.Data) > 0 {
			code = resp.Data[0]
		}
		e.finish(&ExceptionError{
			ModbusError: modbus.ModbusError{FunctionCode: resp.FunctionCode, ExceptionCode: code},
			Addr:        req.addr,
		})
		return
	}
	if resp.FunctionCode != fc {
		e.errorProcess(KindRespondData, fmt.Errorf("response fc 0x%02x to request fc 0x%02x", resp.FunctionCode, fc))
		return
	}

	h := e.handlers[fc]
	if h == nil {
		e.errorProcess(KindExecuteFunction, fmt.Errorf("no handler for fc 0x%02x", fc))
		return
	}
	if !req.claim() {
		e.finish(nil)
		return
	}

	dev, _ := e.reg.Find(req.addr)
	x := &Exchange{Addr: req.addr, Request: &req.pdu, Response: resp, Device: dev, Ingest: req.ingest}
	if err := h(x); err != nil {
		e.errorProcess(handlerKind(err), err)
		return
	}

	req.regs, req.bits = x.Registers, x.Bits
	e.deliver(x)
	e.finish(nil)
}

// executeBroadcast runs the handler once per configured address with no
// response wait in between.
func (e *Engine) executeBroadcast() {
	req := e.cur
	fc := req.pdu.FunctionCode

	h := e.handlers[fc]
	if h == nil {
		e.errorProcess(KindExecuteFunction, fmt.Errorf("no handler for fc 0x%02x", fc))
		return
	}
	if !req.claim() {
		e.finish(nil)
		return
	}

	lo, hi := e.reg.Range()
	var firstErr error
	for a := int(lo); a <= int(hi); a++ {
		dev, _ := e.reg.Find(uint8(a))
		x := &Exchange{Addr: uint8(a), Request: &req.pdu, Device: dev, Ingest: req.ingest}
		if err := h(x); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.deliver(x)
	}
	if firstErr != nil {
		e.errorProcess(handlerKind(firstErr), firstErr)
		return
	}
	e.finish(nil)
}

func handlerKind(err error) ErrorKind {
	if errors.Is(err, dict.ErrNoSuchRegister) {
		return KindNoSuchRegister
	}
	return KindExecuteFunction
}

func (e *Engine) deliver(x *Exchange) {
	if len(x.Rejected) > 0 {
		e.log.Warn().Uint8("addr", x.Addr).Interface("addresses", x.Rejected).Msg("values outside bounds ignored")
	}
	if len(x.Held) > 0 {
		e.log.Debug().Uint8("addr", x.Addr).Interface("addresses", x.Held).Msg("pending writes kept over read values")
	}
	if len(x.Changes) == 0 {
		return
	}

	e.mu.Lock()
	fns := e.onChange
	e.mu.Unlock()

	for _, c := range x.Changes {
		c.Device = x.Addr
		for _, fn := range fns {
			fn(c)
		}
	}
}

func (e *Engine) errorProcess(kind ErrorKind, cause error) {
	req := e.cur
	err := &RequestError{Kind: kind, Addr: req.addr, Function: req.pdu.FunctionCode, Err: cause}

	var cb func(uint8, error)
	switch kind {
	case KindResponseTimeout:
		cb = e.recovery.ResponseTimeout
	case KindReceiveData:
		cb = e.recovery.ReceiveData
	case KindRespondData:
		cb = e.recovery.RespondData
	default:
		cb = e.recovery.ExecuteFunction
	}
	if cb != nil {
		cb(req.addr, err)
	}

	e.log.Debug().Err(err).Msg("request failed")
	e.finish(err)
}

// finish completes the current request and releases the in-flight lock.
func (e *Engine) finish(err error) {
	req := e.cur
	e.cur = nil
	e.disarm()

	req.err = err
	if e.observer != nil {
		e.observer.RequestDone(req.pdu.FunctionCode, req.addr, err, time.Since(req.start))
	}
	close(req.done)
	e.release()
}

// ---- timers ----

// arm starts a one-shot timer that posts back into the event queue.
// Bumping seq invalidates any timer already in flight.
func (e *Engine) arm(d time.Duration) {
	e.disarm()
	seq := e.seq
	e.timer = time.AfterFunc(d, func() { e.post(event{kind: evTimer, seq: seq}) })
}

func (e *Engine) disarm() {
	e.seq++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// ---- in-flight lock ----

func (e *Engine) acquire(timeout time.Duration) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	default:
	}
	if timeout <= 0 {
		return ErrMasterBusy
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-t.C:
		return ErrMasterBusy
	case <-e.stopped:
		return ErrStopped
	}
}

func (e *Engine) release() { <-e.lock }
