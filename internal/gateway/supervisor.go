// internal/gateway/supervisor.go
package gateway

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/caosq/GreeIntense/internal/dict"
	"github.com/caosq/GreeIntense/internal/master"
	"github.com/caosq/GreeIntense/internal/registry"
)

// Client is the part of the request API the supervisor drives directly.
type Client interface {
	WriteHoldingRegisters(addr uint8, start uint16, values []uint16, timeout time.Duration) error
	ReadInputRegisters(addr uint8, start, count uint16, timeout time.Duration) ([]uint16, error)
}

// Tables moves whole dictionary tables. *scan.Scanner satisfies it.
type Tables interface {
	WriteArea(d *registry.Device, area dict.Area, checkPrev bool) error
	ReadArea(d *registry.Device, area dict.Area) error
}

const (
	DefaultModemAddress = 247
	DefaultRelayAddress = 200
	DefaultAttempts     = 5
	DefaultRetryDelay   = 200 * time.Millisecond
	DefaultInitTimeout  = 60 * time.Second
)

type Config struct {
	ModemAddress uint8
	RelayAddress uint8

	// The modem is tested by writing [Version, InitedValue] at
	// InitRegister and told to initialise with [Version, InitValue].
	Version      uint16
	InitRegister uint16
	InitValue    uint16
	InitedValue  uint16

	// TestRegister is the input register read to decide data readiness.
	TestRegister uint16

	Attempts       int
	RetryDelay     time.Duration
	InitTimeout    time.Duration
	RequestTimeout time.Duration
}

func (c *Config) defaults() {
	if c.ModemAddress == 0 {
		c.ModemAddress = DefaultModemAddress
	}
	if c.RelayAddress == 0 {
		c.RelayAddress = DefaultRelayAddress
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = master.DefaultResponseTimeout
	}
}

// Supervisor keeps a cellular modem and its relay unit in service.
// Both are auxiliary registry devices; the scan loop runs Cycle first
// in every pass.
type Supervisor struct {
	cfg    Config
	client Client
	tables Tables
	modem  *registry.Device
	relay  *registry.Device
	log    zerolog.Logger
	sleep  func(time.Duration)

	// ready is false while the modem initialises.
	ready atomic.Bool

	mu    sync.Mutex
	timer *time.Timer
}

type Option func(*Supervisor)

func WithLogger(l zerolog.Logger) Option { return func(s *Supervisor) { s.log = l } }

func New(cfg Config, client Client, tables Tables, reg *registry.Registry, opts ...Option) (*Supervisor, error) {
	if client == nil || tables == nil || reg == nil {
		return nil, errors.New("gateway: client, tables and registry required")
	}
	cfg.defaults()

	modem, ok := reg.Find(cfg.ModemAddress)
	if !ok {
		return nil, fmt.Errorf("gateway: modem %d not registered", cfg.ModemAddress)
	}
	relay, ok := reg.Find(cfg.RelayAddress)
	if !ok {
		return nil, fmt.Errorf("gateway: relay %d not registered", cfg.RelayAddress)
	}

	s := &Supervisor{
		cfg:    cfg,
		client: client,
		tables: tables,
		modem:  modem,
		relay:  relay,
		log:    zerolog.Nop(),
		sleep:  time.Sleep,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("component", "gateway").Logger()
	s.ready.Store(true)
	return s, nil
}

// Ready reports whether the supervisor is outside an init window.
func (s *Supervisor) Ready() bool { return s.ready.Load() }

// Cycle tests the modem and, if it answers, services both devices.
func (s *Supervisor) Cycle() {
	if !s.ready.Load() {
		return
	}

	if err := s.test(); err != nil {
		s.log.Warn().Err(err).Uint8("addr", s.cfg.ModemAddress).Msg("modem not initialised")
		s.initialise()
		return
	}

	if s.relay.Online() {
		if err := s.tables.WriteArea(s.relay, dict.Holding, false); err != nil {
			s.log.Warn().Err(err).Uint8("addr", s.cfg.RelayAddress).Msg("relay write failed")
		}
	}
	if s.modem.Online() && s.modem.DataReady() {
		if err := s.tables.ReadArea(s.modem, dict.Input); err != nil {
			s.log.Warn().Err(err).Uint8("addr", s.cfg.ModemAddress).Msg("modem read failed")
		}
	}
}

func (s *Supervisor) test() error {
	inited := []uint16{s.cfg.Version, s.cfg.InitedValue}

	var err error
	for n := 0; n < s.cfg.Attempts; n++ {
		err = s.client.WriteHoldingRegisters(s.cfg.ModemAddress, s.cfg.InitRegister, inited, s.cfg.RequestTimeout)
		if err == nil {
			break
		}
		if master.KindOf(err) == master.KindIllegalArgument {
			continue
		}
		s.sleep(s.cfg.RetryDelay)
	}
	if err != nil {
		return err
	}

	if !s.modem.Online() {
		s.log.Info().Uint8("addr", s.cfg.ModemAddress).Msg("gateway online")
	}
	s.modem.SetOnline(true)
	s.relay.SetOnline(true)

	if _, err := s.client.ReadInputRegisters(s.cfg.ModemAddress, s.cfg.TestRegister, 1, s.cfg.RequestTimeout); err == nil {
		s.modem.SetDataReady(true)
	}
	return nil
}

func (s *Supervisor) initialise() {
	cmd := []uint16{s.cfg.Version, s.cfg.InitValue}
	if err := s.client.WriteHoldingRegisters(s.cfg.ModemAddress, s.cfg.InitRegister, cmd, s.cfg.RequestTimeout); err != nil {
		s.log.Debug().Err(err).Msg("init command failed")
	}

	for _, d := range []*registry.Device{s.modem, s.relay} {
		d.SetOnline(false)
		d.SetDataReady(false)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready.Store(false)
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.cfg.InitTimeout, func() {
		s.ready.Store(true)
		s.log.Info().Msg("gateway init window elapsed")
	})
}

// Close stops the init timer.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
}
