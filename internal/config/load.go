// internal/config/load.go
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, defaults, validates and normalizes a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(raw)
}

// Parse is Load without the file.
func Parse(raw []byte) (*Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	Normalize(&cfg)
	return &cfg, nil
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	setInt := func(p *int, v int) {
		if *p == 0 {
			*p = v
		}
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}

	l := &cfg.Link
	setInt(&l.Baud, 9600)
	setInt(&l.DataBits, 8)
	setInt(&l.StopBits, 1)
	if l.Parity == "" {
		l.Parity = "N"
	}
	if l.Framing == "" {
		l.Framing = "rtu"
	}

	m := &cfg.Master
	if m.MinAddress == 0 {
		m.MinAddress = 1
	}
	if m.MaxAddress == 0 {
		m.MaxAddress = 20
	}
	setInt(&m.ResponseTimeoutMs, 500)
	setInt(&m.BroadcastDelayMs, 100)
	setInt(&m.LockTimeoutMs, 200)
	setInt(&m.OfflineWindowMs, 30000)

	s := &cfg.Scan
	setInt(&s.IntervalMs, 50)
	if s.Registers == (LimitsConfig{}) {
		s.Registers = LimitsConfig{MaxInterval: 10, MaxCount: 50}
	}
	if s.Bits == (LimitsConfig{}) {
		s.Bits = LimitsConfig{MaxInterval: 80, MaxCount: 400}
	}

	for i := range cfg.Protocols {
		p := &cfg.Protocols[i]
		for j := range p.Holding {
			defaultRegister(&p.Holding[j])
		}
		for j := range p.Input {
			defaultRegister(&p.Input[j])
		}
	}

	for i := range cfg.Devices {
		if cfg.Devices[i].DataReady == nil {
			ready := true
			cfg.Devices[i].DataReady = &ready
		}
	}

	if g := cfg.Gateway; g != nil {
		if g.ModemAddress == 0 {
			g.ModemAddress = 247
		}
		if g.RelayAddress == 0 {
			g.RelayAddress = 200
		}
		setInt(&g.Attempts, 5)
		setInt(&g.RetryDelayMs, 200)
		setInt(&g.InitTimeoutMs, 60000)
	}

	if mr := cfg.Mirror; mr != nil {
		setInt(&mr.TimeoutMs, 1000)
		setInt(&mr.Queue, 256)
	}
}

// An unset max takes the kind's upper bound; an unset scale is 1.
func defaultRegister(r *RegisterConfig) {
	if r.Scale == 0 {
		r.Scale = 1
	}
	if r.Min == 0 && r.Max == 0 {
		switch r.Kind {
		case "int16":
			r.Min, r.Max = -32768, 32767
		case "uint8":
			r.Max = 255
		case "int8":
			r.Min, r.Max = -128, 127
		default:
			r.Max = 65535
		}
	}
}
