// internal/config/validate.go
package config

import (
	"fmt"
	"strings"

	"github.com/caosq/GreeIntense/internal/dict"
	"github.com/caosq/GreeIntense/internal/status"
)

// Validate checks configuration correctness.
// It performs declarative validation only and never mutates cfg.
func Validate(cfg *Config) error {
	if err := validateLink(cfg.Link); err != nil {
		return err
	}

	m := cfg.Master
	if m.MinAddress < 1 || m.MinAddress > m.MaxAddress || m.MaxAddress > 247 {
		return fmt.Errorf("master: address range %d..%d invalid (need 1 <= min <= max <= 247)", m.MinAddress, m.MaxAddress)
	}
	for name, v := range map[string]int{
		"response_timeout_ms": m.ResponseTimeoutMs,
		"broadcast_delay_ms":  m.BroadcastDelayMs,
		"lock_timeout_ms":     m.LockTimeoutMs,
		"offline_window_ms":   m.OfflineWindowMs,
		"scan.interval_ms":    cfg.Scan.IntervalMs,
	} {
		if v <= 0 {
			return fmt.Errorf("master: %s must be > 0", name)
		}
	}
	if err := validateLimits("registers", cfg.Scan.Registers, 123); err != nil {
		return err
	}
	if err := validateLimits("bits", cfg.Scan.Bits, 2000); err != nil {
		return err
	}

	// ------------------------------------------------------------
	// PROTOCOLS
	// ------------------------------------------------------------

	protocols := make(map[uint16]bool)
	for _, p := range cfg.Protocols {
		if protocols[p.ID] {
			return fmt.Errorf("protocol %d: defined twice", p.ID)
		}
		protocols[p.ID] = true

		if err := validateProtocol(p); err != nil {
			return err
		}
	}

	// ------------------------------------------------------------
	// DEVICES
	// ------------------------------------------------------------

	seen := make(map[uint8]string)
	for _, d := range cfg.Devices {
		if d.Address < m.MinAddress || d.Address > m.MaxAddress {
			return fmt.Errorf("device %q: address %d outside %d..%d", d.Name, d.Address, m.MinAddress, m.MaxAddress)
		}
		if prev, ok := seen[d.Address]; ok {
			return fmt.Errorf("device %q: address %d already used by %q", d.Name, d.Address, prev)
		}
		seen[d.Address] = d.Name

		if !protocols[d.Protocol] {
			return fmt.Errorf("device %q: unknown protocol %d", d.Name, d.Protocol)
		}
		if err := asciiOnly(d.Name); err != nil {
			return fmt.Errorf("device %q: name %w", d.Name, err)
		}
		if d.Mirror != nil && cfg.Mirror == nil {
			return fmt.Errorf("device %q: mirror target set but no mirror endpoint configured", d.Name)
		}
	}

	if g := cfg.Gateway; g != nil {
		if err := validateGateway(g, m, protocols, seen); err != nil {
			return err
		}
	}

	if cfg.Mirror != nil {
		if cfg.Mirror.Endpoint == "" {
			return fmt.Errorf("mirror: endpoint required")
		}
		if err := validateMirrorGeometry(cfg); err != nil {
			return err
		}
	}

	return nil
}

func validateLink(l LinkConfig) error {
	if l.Port == "" {
		return fmt.Errorf("link: port required")
	}
	if l.Baud <= 0 {
		return fmt.Errorf("link: baud must be > 0")
	}
	switch strings.ToUpper(l.Parity) {
	case "N", "E", "O":
	default:
		return fmt.Errorf("link: parity %q must be N, E or O", l.Parity)
	}
	switch l.Framing {
	case "rtu", "ascii", "cpn":
	default:
		return fmt.Errorf("link: framing %q must be rtu, ascii or cpn", l.Framing)
	}
	if l.SilenceUs < 0 {
		return fmt.Errorf("link: silence_us must be >= 0")
	}
	return nil
}

func validateLimits(name string, l LimitsConfig, frame uint16) error {
	if l.MaxInterval == 0 || l.MaxCount == 0 {
		return fmt.Errorf("scan.%s: max_interval and max_count must be > 0", name)
	}
	if l.MaxCount > frame {
		return fmt.Errorf("scan.%s: max_count %d exceeds %d per frame", name, l.MaxCount, frame)
	}
	return nil
}

func validateProtocol(p ProtocolConfig) error {
	switch p.Test.Mode {
	case "", "read_holding", "read_input", "write_holding":
	default:
		return fmt.Errorf("protocol %d: unknown test mode %q", p.ID, p.Test.Mode)
	}

	regTables := map[string][]RegisterConfig{"holding": p.Holding, "input": p.Input}
	for table, entries := range regTables {
		addrs := make(map[uint16]bool)
		for _, r := range entries {
			if addrs[r.Address] {
				return fmt.Errorf("protocol %d: %s address %d defined twice", p.ID, table, r.Address)
			}
			addrs[r.Address] = true

			if _, err := dict.ParseKind(r.Kind); err != nil {
				return fmt.Errorf("protocol %d: %s %d: %w", p.ID, table, r.Address, err)
			}
			if _, err := dict.ParseAccess(r.Access); err != nil {
				return fmt.Errorf("protocol %d: %s %d: %w", p.ID, table, r.Address, err)
			}
			if r.Min > r.Max {
				return fmt.Errorf("protocol %d: %s %d: min %d above max %d", p.ID, table, r.Address, r.Min, r.Max)
			}
			if r.Scale <= 0 {
				return fmt.Errorf("protocol %d: %s %d: scale must be > 0", p.ID, table, r.Address)
			}
		}
	}

	bitTables := map[string][]BitConfig{"coils": p.Coils, "discrete": p.Discrete}
	for table, entries := range bitTables {
		addrs := make(map[uint16]bool)
		for _, b := range entries {
			if addrs[b.Address] {
				return fmt.Errorf("protocol %d: %s address %d defined twice", p.ID, table, b.Address)
			}
			addrs[b.Address] = true

			if _, err := dict.ParseAccess(b.Access); err != nil {
				return fmt.Errorf("protocol %d: %s %d: %w", p.ID, table, b.Address, err)
			}
		}
	}
	return nil
}

func validateGateway(g *GatewayConfig, m MasterConfig, protocols map[uint16]bool, devices map[uint8]string) error {
	for name, addr := range map[string]uint8{"modem_address": g.ModemAddress, "relay_address": g.RelayAddress} {
		if addr == 0 || addr > 247 {
			return fmt.Errorf("gateway: %s %d invalid", name, addr)
		}
		if addr >= m.MinAddress && addr <= m.MaxAddress {
			return fmt.Errorf("gateway: %s %d inside scanned range %d..%d", name, addr, m.MinAddress, m.MaxAddress)
		}
		if prev, ok := devices[addr]; ok {
			return fmt.Errorf("gateway: %s %d already used by %q", name, addr, prev)
		}
	}
	if g.ModemAddress == g.RelayAddress {
		return fmt.Errorf("gateway: modem and relay share address %d", g.ModemAddress)
	}
	if !protocols[g.ModemProtocol] {
		return fmt.Errorf("gateway: unknown modem protocol %d", g.ModemProtocol)
	}
	if !protocols[g.RelayProtocol] {
		return fmt.Errorf("gateway: unknown relay protocol %d", g.RelayProtocol)
	}
	if g.Attempts <= 0 || g.RetryDelayMs <= 0 || g.InitTimeoutMs <= 0 {
		return fmt.Errorf("gateway: attempts, retry_delay_ms and init_timeout_ms must be > 0")
	}
	return nil
}

// validateMirrorGeometry rejects upstream layouts where two devices would
// write the same address.
func validateMirrorGeometry(cfg *Config) error {
	type span struct {
		start  uint32
		end    uint32
		device string
	}

	protocols := make(map[uint16]ProtocolConfig, len(cfg.Protocols))
	for _, p := range cfg.Protocols {
		protocols[p.ID] = p
	}

	// Register areas and status blocks all land in upstream holding
	// registers; coils and discrete inputs land in upstream coils.
	// key = unit_id | upstream table
	spans := make(map[string][]span)
	claim := func(d DeviceConfig, table string, start, end uint32) error {
		if end > 0xFFFF {
			return fmt.Errorf("mirror: device %q %s range %d-%d exceeds address space", d.Name, table, start, end)
		}

		key := fmt.Sprintf("%d|%s", d.Mirror.UnitID, table)
		for _, s := range spans[key] {
			if !(end < s.start || start > s.end) {
				return fmt.Errorf(
					"mirror overlap: unit_id=%d %s range=%d-%d overlaps with device=%q range=%d-%d",
					d.Mirror.UnitID, table, start, end, s.device, s.start, s.end,
				)
			}
		}
		spans[key] = append(spans[key], span{start: start, end: end, device: d.Name})
		return nil
	}
	claimFC := func(d DeviceConfig, fc int, table string, lo, hi uint16) error {
		offset := uint32(d.Mirror.Offsets[fc])
		return claim(d, table, offset+uint32(lo), offset+uint32(hi))
	}

	// key = unit_id | status_slot
	statusOwner := make(map[string]string)

	for _, d := range cfg.Devices {
		if d.Mirror == nil {
			continue
		}
		p := protocols[d.Protocol]

		for fc, regs := range map[int][]RegisterConfig{3: p.Holding, 4: p.Input} {
			if lo, hi, ok := registerSpan(regs); ok {
				if err := claimFC(d, fc, "registers", lo, hi); err != nil {
					return err
				}
			}
		}
		for fc, bits := range map[int][]BitConfig{1: p.Coils, 2: p.Discrete} {
			if lo, hi, ok := bitSpan(bits); ok {
				if err := claimFC(d, fc, "coils", lo, hi); err != nil {
					return err
				}
			}
		}

		if d.Mirror.StatusSlot == nil {
			continue
		}
		slot := *d.Mirror.StatusSlot
		key := fmt.Sprintf("%d|%d", d.Mirror.UnitID, slot)
		if prev, exists := statusOwner[key]; exists {
			return fmt.Errorf(
				"status_slot collision: unit_id=%d slot=%d used by devices %q and %q",
				d.Mirror.UnitID, slot, prev, d.Name,
			)
		}
		statusOwner[key] = d.Name

		base := uint32(slot) * status.SlotsPerDevice
		if err := claim(d, "registers", base, base+status.SlotsPerDevice-1); err != nil {
			return err
		}
	}
	return nil
}

func registerSpan(regs []RegisterConfig) (lo, hi uint16, ok bool) {
	for i, r := range regs {
		if i == 0 || r.Address < lo {
			lo = r.Address
		}
		if i == 0 || r.Address > hi {
			hi = r.Address
		}
	}
	return lo, hi, len(regs) > 0
}

func bitSpan(bits []BitConfig) (lo, hi uint16, ok bool) {
	for i, b := range bits {
		if i == 0 || b.Address < lo {
			lo = b.Address
		}
		if i == 0 || b.Address > hi {
			hi = b.Address
		}
	}
	return lo, hi, len(bits) > 0
}

func asciiOnly(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7F {
			return fmt.Errorf("must contain ASCII characters only")
		}
	}
	return nil
}
