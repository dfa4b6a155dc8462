// internal/registry/device.go
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/caosq/GreeIntense/internal/dict"
)

// Phase alternates a synchronized device between writing and reading.
type Phase uint32

const (
	PhaseWrite Phase = iota
	PhaseRead
)

func (p Phase) String() string {
	if p == PhaseRead {
		return "read"
	}
	return "write"
}

// TestMode selects what a device test does on the wire.
type TestMode uint8

const (
	TestReadHolding TestMode = iota
	TestReadInput
	TestWriteHolding
)

func (m TestMode) String() string {
	switch m {
	case TestReadInput:
		return "read_input"
	case TestWriteHolding:
		return "write_holding"
	default:
		return "read_holding"
	}
}

// TestCommand decides whether a device answers.
// With Match set, a read test also requires the value to equal Value.
type TestCommand struct {
	Mode    TestMode
	Address uint16
	Value   uint16
	Match   bool
}

// Device is one slave on the bus. State flags may be read from any
// goroutine; the scan engine is the only writer in normal operation.
type Device struct {
	handle Handle
	addr   uint8
	aux    bool

	mu       sync.RWMutex
	name     string
	protocol uint16
	dicts    map[uint16]*dict.Dictionary
	test     TestCommand

	online       atomic.Bool
	dataReady    atomic.Bool
	synchronized atomic.Bool
	testRequest  atomic.Bool
	phase        atomic.Uint32

	offline latch
}

func (d *Device) Handle() Handle { return d.handle }
func (d *Device) Address() uint8 { return d.addr }

// Aux devices are addressed outside the scan range and are driven by
// their own supervisor.
func (d *Device) Aux() bool { return d.aux }

func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

func (d *Device) SetName(name string) {
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
}

func (d *Device) Protocol() uint16 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.protocol
}

// Dictionary returns the dictionary of the active protocol, or nil.
func (d *Device) Dictionary() *dict.Dictionary {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dicts[d.protocol]
}

func (d *Device) Test() TestCommand {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.test
}

func (d *Device) SetTest(cmd TestCommand) {
	d.mu.Lock()
	d.test = cmd
	d.mu.Unlock()
}

func (d *Device) Online() bool { return d.online.Load() }
func (d *Device) SetOnline(v bool) { d.online.Store(v) }
func (d *Device) DataReady() bool { return d.dataReady.Load() }
func (d *Device) SetDataReady(v bool) { d.dataReady.Store(v) }

func (d *Device) Synchronized() bool { return d.synchronized.Load() }
func (d *Device) SetSynchronized(v bool) { d.synchronized.Store(v) }

// RequestTest asks the scan engine to re-test the device on its next pass.
func (d *Device) RequestTest() { d.testRequest.Store(true) }
func (d *Device) ClearTest() { d.testRequest.Store(false) }
func (d *Device) TestRequested() bool { return d.testRequest.Load() }

func (d *Device) Phase() Phase { return Phase(d.phase.Load()) }

// TogglePhase flips the phase and returns the new one.
func (d *Device) TogglePhase() Phase {
	for {
		old := d.phase.Load()
		next := uint32(PhaseRead)
		if Phase(old) == PhaseRead {
			next = uint32(PhaseWrite)
		}
		if d.phase.CompareAndSwap(old, next) {
			return Phase(next)
		}
	}
}

// PendingOffline is true while the offline window runs.
func (d *Device) PendingOffline() bool { return d.offline.pending.Load() }

// ArmOffline (re)starts the offline window.
func (d *Device) ArmOffline() { d.offline.arm() }

// latch is set by arm and cleared when its one-shot timer fires.
type latch struct {
	window  time.Duration
	pending atomic.Bool

	mu    sync.Mutex
	gen   uint64
	timer *time.Timer
}

func (l *latch) arm() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending.Store(true)
	if l.timer != nil {
		l.timer.Stop()
	}
	l.gen++
	gen := l.gen
	l.timer = time.AfterFunc(l.window, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.gen == gen {
			l.pending.Store(false)
		}
	})
}

func (l *latch) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	if l.timer != nil {
		l.timer.Stop()
	}
	l.pending.Store(false)
}
