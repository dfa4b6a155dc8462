// internal/registry/registry.go
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caosq/GreeIntense/internal/dict"
)

// Handle identifies a registered device. Handles are never reused.
type Handle int

var (
	ErrDuplicateAddress = errors.New("registry: address already registered")
	ErrUnknownDevice    = errors.New("registry: unknown device")
	ErrOutOfRange       = errors.New("registry: address outside scan range")
)

const DefaultOfflineWindow = 30 * time.Second

// Config bounds the addresses the master scans.
type Config struct {
	MinAddress    uint8
	MaxAddress    uint8
	OfflineWindow time.Duration
}

// Registry owns every device on one bus.
type Registry struct {
	cfg Config

	mu     sync.RWMutex
	arena  []*Device
	byAddr map[uint8]Handle
}

func New(cfg Config) (*Registry, error) {
	if cfg.MinAddress == 0 {
		return nil, errors.New("registry: min address must be >= 1")
	}
	if cfg.MaxAddress > 247 {
		return nil, errors.New("registry: max address must be <= 247")
	}
	if cfg.MinAddress > cfg.MaxAddress {
		return nil, fmt.Errorf("registry: min address %d above max %d", cfg.MinAddress, cfg.MaxAddress)
	}
	if cfg.OfflineWindow <= 0 {
		cfg.OfflineWindow = DefaultOfflineWindow
	}
	return &Registry{cfg: cfg, byAddr: make(map[uint8]Handle)}, nil
}

func (r *Registry) Range() (uint8, uint8) { return r.cfg.MinAddress, r.cfg.MaxAddress }

func (r *Registry) InRange(addr uint8) bool {
	return addr >= r.cfg.MinAddress && addr <= r.cfg.MaxAddress
}

// Accepts reports whether addr may be the target of a unicast request.
func (r *Registry) Accepts(addr uint8) bool {
	if r.InRange(addr) {
		return true
	}
	_, ok := r.Find(addr)
	return ok
}

// Register adds a device inside the scan range and starts its offline
// window; the first test happens once the window expires.
func (r *Registry) Register(addr uint8, protocol uint16) (Handle, error) {
	if !r.InRange(addr) {
		return 0, fmt.Errorf("%w: %d not in %d..%d", ErrOutOfRange, addr, r.cfg.MinAddress, r.cfg.MaxAddress)
	}
	return r.register(addr, protocol, false)
}

// RegisterAux adds a device that the scan loop does not visit.
func (r *Registry) RegisterAux(addr uint8, protocol uint16) (Handle, error) {
	if addr == 0 || addr > 247 {
		return 0, fmt.Errorf("registry: aux address %d invalid", addr)
	}
	return r.register(addr, protocol, true)
}

func (r *Registry) register(addr uint8, protocol uint16, aux bool) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byAddr[addr]; ok {
		return 0, fmt.Errorf("%w: %d", ErrDuplicateAddress, addr)
	}

	h := Handle(len(r.arena))
	d := &Device{
		handle:   h,
		addr:     addr,
		aux:      aux,
		protocol: protocol,
		dicts:    map[uint16]*dict.Dictionary{protocol: dict.New(protocol)},
		offline:  latch{window: r.cfg.OfflineWindow},
	}
	d.offline.arm()

	r.arena = append(r.arena, d)
	r.byAddr[addr] = h
	return h, nil
}

// Unregister removes a device and stops its timer.
func (r *Registry) Unregister(addr uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byAddr[addr]
	if !ok {
		return fmt.Errorf("%w: address %d", ErrUnknownDevice, addr)
	}
	r.arena[h].offline.stop()
	r.arena[h] = nil
	delete(r.byAddr, addr)
	return nil
}

func (r *Registry) Find(addr uint8) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byAddr[addr]
	if !ok {
		return nil, false
	}
	return r.arena[h], true
}

func (r *Registry) Get(h Handle) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h < 0 || int(h) >= len(r.arena) || r.arena[h] == nil {
		return nil, false
	}
	return r.arena[h], true
}

// Devices returns the live devices in registration order.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.byAddr))
	for _, d := range r.arena {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}

// Close stops every offline timer.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.arena {
		if d != nil {
			d.offline.stop()
		}
	}
}

// ---- binding ----

func (r *Registry) device(h Handle) (*Device, error) {
	d, ok := r.Get(h)
	if !ok {
		return nil, fmt.Errorf("%w: handle %d", ErrUnknownDevice, h)
	}
	return d, nil
}

// AddDictionary installs a dictionary for its protocol on a device.
func (r *Registry) AddDictionary(h Handle, dc *dict.Dictionary) error {
	d, err := r.device(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.dicts[dc.Protocol] = dc
	d.mu.Unlock()
	return nil
}

// SetProtocol switches the active dictionary.
func (r *Registry) SetProtocol(h Handle, protocol uint16) error {
	d, err := r.device(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.dicts[protocol]; !ok {
		d.dicts[protocol] = dict.New(protocol)
	}
	d.protocol = protocol
	return nil
}

// BindRegister adds a register entry to the active dictionary.
func (r *Registry) BindRegister(h Handle, area dict.Area, reg *dict.Register) error {
	d, err := r.device(h)
	if err != nil {
		return err
	}
	tbl, err := d.Dictionary().Registers(area)
	if err != nil {
		return err
	}
	return tbl.Bind(reg)
}

// BindBit adds a coil or discrete input entry to the active dictionary.
func (r *Registry) BindBit(h Handle, area dict.Area, b *dict.Bit) error {
	d, err := r.device(h)
	if err != nil {
		return err
	}
	tbl, err := d.Dictionary().Bits(area)
	if err != nil {
		return err
	}
	return tbl.Bind(b)
}
