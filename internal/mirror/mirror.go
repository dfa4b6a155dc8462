// internal/mirror/mirror.go
package mirror

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/caosq/GreeIntense/internal/dict"
	"github.com/caosq/GreeIntense/internal/registry"
	"github.com/caosq/GreeIntense/internal/status"
)

// endpointClient is the upstream contract. *modbus.EndpointClient
// satisfies it.
type endpointClient interface {
	WriteBits(unitID uint8, addr uint16, bits []bool) error
	WriteRegisters(unitID uint8, addr uint16, regs []uint16) error
}

// Target places one bus device in the upstream address space.
type Target struct {
	UnitID uint8

	// Offsets are per-function-code address deltas; a missing code means 0.
	Offsets map[int]uint16

	// StatusSlot selects the device's status block; nil disables it.
	StatusSlot *uint16
}

const DefaultQueue = 256

type Config struct {
	Queue int
}

type Option func(*Mirror)

func WithLogger(l zerolog.Logger) Option { return func(m *Mirror) { m.log = l } }

// WithDropHook is called for every change lost to a full queue.
func WithDropHook(fn func()) Option { return func(m *Mirror) { m.onDrop = fn } }

// Mirror forwards dictionary changes and device status upstream.
// Notify and DeviceScanned never block on the network; Run does the IO.
type Mirror struct {
	cli     endpointClient
	reg     *registry.Registry
	targets map[uint8]Target
	board   *status.Board
	log     zerolog.Logger
	onDrop  func()

	queue chan dict.Change
	kick  chan struct{}

	mu      sync.Mutex
	dirty   map[uint8]struct{}
	dropped uint64

	writers map[uint8]*deviceStatusWriter
}

func New(cfg Config, cli endpointClient, reg *registry.Registry, targets map[uint8]Target, opts ...Option) (*Mirror, error) {
	if cli == nil {
		return nil, errors.New("mirror: endpoint client required")
	}
	if reg == nil {
		return nil, errors.New("mirror: registry required")
	}
	if cfg.Queue <= 0 {
		cfg.Queue = DefaultQueue
	}

	m := &Mirror{
		cli:     cli,
		reg:     reg,
		targets: targets,
		board:   status.NewBoard(),
		log:     zerolog.Nop(),
		queue:   make(chan dict.Change, cfg.Queue),
		kick:    make(chan struct{}, 1),
		dirty:   make(map[uint8]struct{}),
		writers: make(map[uint8]*deviceStatusWriter),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With().Str("component", "mirror").Logger()

	for addr, t := range targets {
		if t.StatusSlot == nil {
			continue
		}
		id := status.Identity{Address: addr}
		if d, ok := reg.Find(addr); ok {
			id.Protocol = d.Protocol()
			id.Name = d.Name()
		}
		m.writers[addr] = newDeviceStatusWriter(cli, t.UnitID, *t.StatusSlot, id)
	}
	return m, nil
}

// Board exposes the status snapshots the mirror maintains.
func (m *Mirror) Board() *status.Board { return m.board }

// Dropped returns the number of changes lost to a full queue.
func (m *Mirror) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Notify queues a change for delivery. It is safe to call from the
// engine goroutine.
func (m *Mirror) Notify(c dict.Change) {
	if _, ok := m.targets[c.Device]; !ok {
		return
	}
	select {
	case m.queue <- c:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		if m.onDrop != nil {
			m.onDrop()
		}
	}
}

// DeviceScanned updates the device's status snapshot.
func (m *Mirror) DeviceScanned(addr uint8, online bool, err error) {
	_, changed := m.board.Observe(addr, online, err)
	if d, ok := m.reg.Find(addr); ok {
		if _, c := m.board.SetSynchronized(addr, online && d.Synchronized()); c {
			changed = true
		}
	}
	if !changed {
		return
	}
	if _, ok := m.writers[addr]; !ok {
		return
	}

	m.mu.Lock()
	m.dirty[addr] = struct{}{}
	m.mu.Unlock()

	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run delivers queued changes and status blocks until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	for _, addr := range m.statusAddrs() {
		m.writeStatus(addr)
	}

	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-m.queue:
			if err := m.writeChange(c); err != nil {
				m.log.Error().Err(err).
					Uint8("addr", c.Device).
					Str("area", c.Area.String()).
					Uint16("address", c.Address).
					Msg("mirror write failed")
			}

		case <-m.kick:
			m.mu.Lock()
			addrs := make([]uint8, 0, len(m.dirty))
			for a := range m.dirty {
				addrs = append(addrs, a)
			}
			clear(m.dirty)
			m.mu.Unlock()

			for _, a := range addrs {
				m.writeStatus(a)
			}

		case <-tick.C:
			for _, a := range m.board.Tick() {
				if _, ok := m.writers[a]; ok {
					m.writeStatus(a)
				}
			}
		}
	}
}

func (m *Mirror) writeChange(c dict.Change) error {
	t, ok := m.targets[c.Device]
	if !ok {
		return nil
	}
	addr := offsetForFC(t.Offsets, c.Area.ReadFunction()) + c.Address

	switch c.Area {
	case dict.Coils, dict.Discrete:
		return m.cli.WriteBits(t.UnitID, addr, []bool{c.New != 0})
	default:
		return m.cli.WriteRegisters(t.UnitID, addr, []uint16{c.Wire})
	}
}

func (m *Mirror) writeStatus(addr uint8) {
	w, ok := m.writers[addr]
	if !ok {
		return
	}
	snap, _ := m.board.Get(addr)
	if err := w.WriteStatus(snap); err != nil {
		m.log.Error().Err(err).Uint8("addr", addr).Msg("status write failed")
	}
}

func (m *Mirror) statusAddrs() []uint8 {
	out := make([]uint8, 0, len(m.writers))
	for a := range m.writers {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func offsetForFC(offsets map[int]uint16, fc byte) uint16 {
	if v, ok := offsets[int(fc)]; ok {
		return v
	}
	return 0
}
