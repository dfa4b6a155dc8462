// internal/scan/scanner.go
package scan

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/caosq/GreeIntense/internal/dict"
	"github.com/caosq/GreeIntense/internal/master"
	"github.com/caosq/GreeIntense/internal/registry"
)

// Client is the request API the scanner drives. *master.Engine satisfies it.
type Client interface {
	ReadHoldingRegisters(addr uint8, start, count uint16, timeout time.Duration) ([]uint16, error)
	ReadInputRegisters(addr uint8, start, count uint16, timeout time.Duration) ([]uint16, error)
	ReadCoils(addr uint8, start, count uint16, timeout time.Duration) ([]bool, error)
	ReadDiscreteInputs(addr uint8, start, count uint16, timeout time.Duration) ([]bool, error)
	WriteHoldingRegisters(addr uint8, start uint16, values []uint16, timeout time.Duration) error
	WriteCoils(addr uint8, start uint16, values []bool, timeout time.Duration) error
	Probe(addr uint8, cmd registry.TestCommand, timeout time.Duration) error
}

// Reporter is told the outcome of every device visit.
type Reporter interface {
	DeviceScanned(addr uint8, online bool, err error)
}

// Gateway runs its own supervision at the start of every cycle.
type Gateway interface {
	Cycle()
}

const (
	DefaultInterval       = 50 * time.Millisecond
	DefaultRequestTimeout = 200 * time.Millisecond
)

var (
	DefaultRegisterLimits = Limits{MaxInterval: 10, MaxCount: 50}
	DefaultBitLimits      = Limits{MaxInterval: 80, MaxCount: 400}
)

type Config struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	Registers      Limits
	Bits           Limits
}

// Scanner keeps every registered device synchronized with its dictionary.
// One Scanner per bus; it is not re-entrant.
type Scanner struct {
	cfg       Config
	client    Client
	reg       *registry.Registry
	log       zerolog.Logger
	reporters []Reporter
	gateway   Gateway
	onCycle   func(time.Duration)
}

type Option func(*Scanner)

func WithLogger(l zerolog.Logger) Option { return func(s *Scanner) { s.log = l } }
func WithReporter(r Reporter) Option { return func(s *Scanner) { s.reporters = append(s.reporters, r) } }
func WithGateway(g Gateway) Option { return func(s *Scanner) { s.gateway = g } }

// WithCycleHook is called after every cycle with its duration.
func WithCycleHook(fn func(time.Duration)) Option { return func(s *Scanner) { s.onCycle = fn } }

func New(cfg Config, client Client, reg *registry.Registry, opts ...Option) (*Scanner, error) {
	if client == nil {
		return nil, errors.New("scan: client required")
	}
	if reg == nil {
		return nil, errors.New("scan: registry required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Registers == (Limits{}) {
		cfg.Registers = DefaultRegisterLimits
	}
	if cfg.Bits == (Limits{}) {
		cfg.Bits = DefaultBitLimits
	}
	if cfg.Registers.MaxInterval == 0 || cfg.Registers.MaxCount == 0 || cfg.Bits.MaxInterval == 0 || cfg.Bits.MaxCount == 0 {
		return nil, errors.New("scan: limits must be > 0")
	}
	if cfg.Registers.MaxCount > master.MaxReadRegisters || cfg.Registers.MaxCount > master.MaxWriteRegisters {
		return nil, errors.New("scan: register count exceeds one frame")
	}
	if cfg.Bits.MaxCount > master.MaxReadBits {
		return nil, errors.New("scan: bit count exceeds one frame")
	}

	s := &Scanner{cfg: cfg, client: client, reg: reg, log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("component", "scan").Logger()
	return s, nil
}

// ScanOnce performs exactly one cycle: gateway supervision, tests of
// offline devices, re-tests of suspect devices, then one pass over every
// online device outside its offline window.
func (s *Scanner) ScanOnce() {
	began := time.Now()

	if s.gateway != nil {
		s.gateway.Cycle()
	}

	devs := s.reg.Devices()
	for _, d := range devs {
		if !d.Aux() && !d.Online() {
			s.testOffline(d)
		}
	}
	for _, d := range devs {
		if !d.Aux() && d.Online() && d.TestRequested() {
			s.testOnline(d)
		}
	}
	for _, d := range devs {
		if d.Aux() || !d.Online() || d.PendingOffline() {
			continue
		}
		err := s.ScanDevice(d)
		s.report(d, err)
	}

	if s.onCycle != nil {
		s.onCycle(time.Since(began))
	}
}

// ScanDevice runs one write or read pass on a device depending on its
// state and phase, then flips the phase.
func (s *Scanner) ScanDevice(d *registry.Device) error {
	if d.Dictionary() == nil {
		return nil
	}

	var err error
	switch {
	case !d.Synchronized():
		err = s.WriteTables(d, false)
		if !errors.Is(err, errAbandon) && d.DataReady() {
			if rerr := s.ReadTables(d); rerr != nil && (err == nil || errors.Is(rerr, errAbandon)) {
				err = rerr
			}
		}
		// Per-request faults do not block synchronization; a lost device does.
		if !errors.Is(err, errAbandon) {
			d.SetSynchronized(true)
			s.log.Debug().Uint8("addr", d.Address()).Msg("device synchronized")
		}
	case d.Phase() == registry.PhaseWrite:
		err = s.WriteTables(d, true)
	case d.DataReady():
		err = s.ReadTables(d)
	}

	d.TogglePhase()
	return err
}

// ---- device tests ----

func (s *Scanner) testOffline(d *registry.Device) {
	if d.PendingOffline() {
		return
	}
	err := s.client.Probe(d.Address(), d.Test(), s.cfg.RequestTimeout)
	if master.KindOf(err) == master.KindMasterBusy {
		return
	}
	if err != nil {
		d.ArmOffline()
		s.log.Debug().Err(err).Uint8("addr", d.Address()).Msg("device still offline")
		s.report(d, err)
		return
	}

	d.SetOnline(true)
	d.SetSynchronized(false)
	d.ClearTest()
	s.log.Info().Uint8("addr", d.Address()).Str("device", d.Name()).Msg("device online")
	s.report(d, nil)
}

func (s *Scanner) testOnline(d *registry.Device) {
	err := s.client.Probe(d.Address(), d.Test(), s.cfg.RequestTimeout)
	if master.KindOf(err) == master.KindMasterBusy {
		return
	}
	d.ClearTest()
	if err == nil {
		return
	}

	d.SetOnline(false)
	d.SetSynchronized(false)
	d.ArmOffline()
	s.log.Warn().Err(err).Uint8("addr", d.Address()).Str("device", d.Name()).Msg("device offline")
	s.report(d, err)
}

func (s *Scanner) report(d *registry.Device, err error) {
	for _, r := range s.reporters {
		r.DeviceScanned(d.Address(), d.Online(), err)
	}
}

// ---- table passes ----

// WriteTables writes holding registers then coils. With checkPrev unset
// every writable entry is written.
func (s *Scanner) WriteTables(d *registry.Device, checkPrev bool) error {
	return s.passes(d, func(a dict.Area) error { return s.WriteArea(d, a, checkPrev) }, dict.Holding, dict.Coils)
}

// ReadTables reads holding registers, coils, input registers and
// discrete inputs in that order.
func (s *Scanner) ReadTables(d *registry.Device) error {
	return s.passes(d, func(a dict.Area) error { return s.ReadArea(d, a) }, dict.Holding, dict.Coils, dict.Input, dict.Discrete)
}

func (s *Scanner) passes(d *registry.Device, fn func(dict.Area) error, areas ...dict.Area) error {
	var first error
	for _, a := range areas {
		err := fn(a)
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		if errors.Is(err, errAbandon) {
			return first
		}
	}
	return first
}

// errAbandon wraps faults that end the device's cycle.
var errAbandon = errors.New("scan: device cycle abandoned")

type abandoned struct{ err error }

func (a abandoned) Error() string { return a.err.Error() }
func (a abandoned) Unwrap() []error { return []error{a.err, errAbandon} }

// fault applies the recovery policy and returns the error to propagate.
func (s *Scanner) fault(d *registry.Device, area dict.Area, r Range, err error) error {
	ev := s.log.Warn()
	abandon := false

	switch master.KindOf(err) {
	case master.KindResponseTimeout:
		d.RequestTest()
		d.SetSynchronized(false)
		abandon = true
	case master.KindReceiveData, master.KindExecuteFunction, master.KindRespondData:
		d.RequestTest()
	case master.KindNoSuchRegister:
		ev = s.log.Error()
	case master.KindMasterBusy:
		abandon = true
	}

	ev.Err(err).
		Uint8("addr", d.Address()).
		Str("area", area.String()).
		Uint16("start", r.Start).
		Uint16("count", r.Count).
		Msg("request failed")

	if abandon {
		return abandoned{err}
	}
	return err
}

// WriteArea writes one table of a device.
func (s *Scanner) WriteArea(d *registry.Device, area dict.Area, checkPrev bool) error {
	dc := d.Dictionary()
	if dc == nil {
		return nil
	}

	var first error
	switch area {
	case dict.Holding:
		entries := dc.Holding.Entries()
		points := registerPoints(entries)
		for _, run := range PlanWrites(points, s.cfg.Registers, !checkPrev) {
			values := make([]uint16, len(run.Index))
			for i, idx := range run.Index {
				values[i] = points[idx].Wire
			}
			if err := s.client.WriteHoldingRegisters(d.Address(), run.Start, values, s.cfg.RequestTimeout); err != nil {
				err = s.fault(d, area, Range{Start: run.Start, Count: uint16(len(values))}, err)
				if errors.Is(err, errAbandon) {
					return err
				}
				if first == nil {
					first = err
				}
				continue
			}
			for i, idx := range run.Index {
				entries[idx].Commit(values[i])
			}
		}

	case dict.Coils:
		entries := dc.Coils.Entries()
		points := bitPoints(entries)
		for _, run := range PlanWrites(points, s.cfg.Bits, !checkPrev) {
			values := make([]bool, len(run.Index))
			for i, idx := range run.Index {
				values[i] = points[idx].Wire != 0
			}
			if err := s.client.WriteCoils(d.Address(), run.Start, values, s.cfg.RequestTimeout); err != nil {
				err = s.fault(d, area, Range{Start: run.Start, Count: uint16(len(values))}, err)
				if errors.Is(err, errAbandon) {
					return err
				}
				if first == nil {
					first = err
				}
				continue
			}
			for i, idx := range run.Index {
				entries[idx].Commit(values[i])
			}
		}
	}
	return first
}

// ReadArea reads one table of a device. The engine stores the values.
func (s *Scanner) ReadArea(d *registry.Device, area dict.Area) error {
	dc := d.Dictionary()
	if dc == nil {
		return nil
	}

	var (
		ranges []Range
		read   func(addr uint8, start, count uint16, timeout time.Duration) error
	)
	switch area {
	case dict.Holding:
		ranges = PlanReads(registerPoints(dc.Holding.Entries()), s.cfg.Registers)
		read = func(a uint8, st, n uint16, t time.Duration) error {
			_, err := s.client.ReadHoldingRegisters(a, st, n, t)
			return err
		}
	case dict.Input:
		ranges = PlanReads(registerPoints(dc.Input.Entries()), s.cfg.Registers)
		read = func(a uint8, st, n uint16, t time.Duration) error {
			_, err := s.client.ReadInputRegisters(a, st, n, t)
			return err
		}
	case dict.Coils:
		ranges = PlanReads(bitPoints(dc.Coils.Entries()), s.cfg.Bits)
		read = func(a uint8, st, n uint16, t time.Duration) error {
			_, err := s.client.ReadCoils(a, st, n, t)
			return err
		}
	case dict.Discrete:
		ranges = PlanReads(bitPoints(dc.Discrete.Entries()), s.cfg.Bits)
		read = func(a uint8, st, n uint16, t time.Duration) error {
			_, err := s.client.ReadDiscreteInputs(a, st, n, t)
			return err
		}
	default:
		return nil
	}

	var first error
	for _, r := range ranges {
		if err := read(d.Address(), r.Start, r.Count, s.cfg.RequestTimeout); err != nil {
			err = s.fault(d, area, r, err)
			if errors.Is(err, errAbandon) {
				return err
			}
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func registerPoints(entries []*dict.Register) []Point {
	out := make([]Point, len(entries))
	for i, r := range entries {
		w, ok := r.Wire()
		out[i] = Point{
			Addr:     r.Address,
			Readable: r.Access.Readable(),
			Writable: r.Access.Writable(),
			Valid:    ok,
			Pending:  r.Changed(),
			Wire:     w,
		}
	}
	return out
}

func bitPoints(entries []*dict.Bit) []Point {
	out := make([]Point, len(entries))
	for i, b := range entries {
		var w uint16
		if b.Wire() {
			w = 1
		}
		out[i] = Point{
			Addr:     b.Address,
			Readable: b.Access.Readable(),
			Writable: b.Access.Writable(),
			Valid:    true,
			Pending:  b.Changed(),
			Wire:     w,
		}
	}
	return out
}
