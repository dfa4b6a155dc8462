// internal/config/build.go
package config

import (
	"fmt"
	"time"

	"github.com/caosq/GreeIntense/internal/dict"
	"github.com/caosq/GreeIntense/internal/registry"
)

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (m MasterConfig) ResponseTimeout() time.Duration { return ms(m.ResponseTimeoutMs) }
func (m MasterConfig) BroadcastDelay() time.Duration { return ms(m.BroadcastDelayMs) }
func (m MasterConfig) LockTimeout() time.Duration { return ms(m.LockTimeoutMs) }
func (m MasterConfig) OfflineWindow() time.Duration { return ms(m.OfflineWindowMs) }

func (s ScanConfig) Interval() time.Duration { return ms(s.IntervalMs) }

func (l LinkConfig) Silence() time.Duration { return time.Duration(l.SilenceUs) * time.Microsecond }

func (g GatewayConfig) RetryDelay() time.Duration { return ms(g.RetryDelayMs) }
func (g GatewayConfig) InitTimeout() time.Duration { return ms(g.InitTimeoutMs) }

func (m MirrorConfig) Timeout() time.Duration { return ms(m.TimeoutMs) }

// Protocol returns the protocol with the given id.
func (c *Config) Protocol(id uint16) (ProtocolConfig, bool) {
	for _, p := range c.Protocols {
		if p.ID == id {
			return p, true
		}
	}
	return ProtocolConfig{}, false
}

// TestCommand converts the protocol's test section.
func (p ProtocolConfig) TestCommand() registry.TestCommand {
	cmd := registry.TestCommand{Address: p.Test.Address, Value: p.Test.Value, Match: p.Test.Match}
	switch p.Test.Mode {
	case "read_input":
		cmd.Mode = registry.TestReadInput
	case "write_holding":
		cmd.Mode = registry.TestWriteHolding
	default:
		cmd.Mode = registry.TestReadHolding
	}
	return cmd
}

// Dictionary builds a fresh dictionary with its own slots. Every device
// gets its own instance even when protocols are shared.
func (p ProtocolConfig) Dictionary() (*dict.Dictionary, error) {
	dc := dict.New(p.ID)

	for area, regs := range map[dict.Area][]RegisterConfig{dict.Holding: p.Holding, dict.Input: p.Input} {
		tbl, _ := dc.Registers(area)
		for _, rc := range regs {
			r, err := rc.register()
			if err != nil {
				return nil, fmt.Errorf("protocol %d: %s %d: %w", p.ID, area, rc.Address, err)
			}
			if err := tbl.Bind(r); err != nil {
				return nil, fmt.Errorf("protocol %d: %w", p.ID, err)
			}
		}
	}

	for area, bits := range map[dict.Area][]BitConfig{dict.Coils: p.Coils, dict.Discrete: p.Discrete} {
		tbl, _ := dc.Bits(area)
		for _, bc := range bits {
			acc, err := dict.ParseAccess(bc.Access)
			if err != nil {
				return nil, fmt.Errorf("protocol %d: %s %d: %w", p.ID, area, bc.Address, err)
			}
			if err := tbl.Bind(&dict.Bit{Address: bc.Address, Name: bc.Name, Access: acc}); err != nil {
				return nil, fmt.Errorf("protocol %d: %w", p.ID, err)
			}
		}
	}
	return dc, nil
}

func (rc RegisterConfig) register() (*dict.Register, error) {
	kind, err := dict.ParseKind(rc.Kind)
	if err != nil {
		return nil, err
	}
	acc, err := dict.ParseAccess(rc.Access)
	if err != nil {
		return nil, err
	}

	// Start inside bounds so nothing invalid is written before the
	// consumer sets a value.
	initial := int32(0)
	if initial < rc.Min {
		initial = rc.Min
	} else if initial > rc.Max {
		initial = rc.Max
	}

	return &dict.Register{
		Address: rc.Address,
		Name:    rc.Name,
		Kind:    kind,
		Min:     rc.Min,
		Max:     rc.Max,
		Access:  acc,
		Scale:   rc.Scale,
		Slot:    dict.NewSlot(initial),
	}, nil
}

// Populate registers every configured device, the gateway devices
// included, and installs their dictionaries.
func (c *Config) Populate(reg *registry.Registry) error {
	add := func(name string, addr uint8, protocol uint16, aux, ready bool) error {
		p, ok := c.Protocol(protocol)
		if !ok {
			return fmt.Errorf("device %q: unknown protocol %d", name, protocol)
		}
		dc, err := p.Dictionary()
		if err != nil {
			return err
		}

		var h registry.Handle
		if aux {
			h, err = reg.RegisterAux(addr, protocol)
		} else {
			h, err = reg.Register(addr, protocol)
		}
		if err != nil {
			return fmt.Errorf("device %q: %w", name, err)
		}
		if err := reg.AddDictionary(h, dc); err != nil {
			return err
		}

		d, _ := reg.Get(h)
		d.SetName(name)
		d.SetTest(p.TestCommand())
		d.SetDataReady(ready)
		return nil
	}

	for _, d := range c.Devices {
		ready := d.DataReady == nil || *d.DataReady
		if err := add(d.Name, d.Address, d.Protocol, false, ready); err != nil {
			return err
		}
	}
	if g := c.Gateway; g != nil {
		if err := add("modem", g.ModemAddress, g.ModemProtocol, true, false); err != nil {
			return err
		}
		if err := add("relay", g.RelayAddress, g.RelayProtocol, true, false); err != nil {
			return err
		}
	}
	return nil
}
