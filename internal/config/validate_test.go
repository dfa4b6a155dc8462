// internal/config/validate_test.go
package config

import (
	"strings"
	"testing"
)

// helper to build a valid config quickly
func base() *Config {
	cfg := &Config{
		Link: LinkConfig{Port: "/dev/ttyUSB0"},
		Protocols: []ProtocolConfig{
			{
				ID:      1,
				Holding: []RegisterConfig{{Address: 0}, {Address: 1}, {Address: 2}},
				Input:   []RegisterConfig{{Address: 0, Access: "ro"}},
				Coils:   []BitConfig{{Address: 0}},
			},
		},
		Devices: []DeviceConfig{
			{Name: "ahu-1", Address: 1, Protocol: 1},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

func mirrored(cfg *Config, unitID uint8, offsets map[int]uint16, slot *uint16) {
	cfg.Mirror = &MirrorConfig{Endpoint: "127.0.0.1:502"}
	for i := range cfg.Devices {
		cfg.Devices[i].Mirror = &DeviceMirrorConfig{UnitID: unitID, Offsets: offsets, StatusSlot: slot}
	}
}

func slot(v uint16) *uint16 { return &v }

func expectErr(t *testing.T, cfg *Config, contains string) {
	t.Helper()
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected error containing %q", contains)
	}
	if !strings.Contains(err.Error(), contains) {
		t.Fatalf("error %q does not mention %q", err, contains)
	}
}

// ---- tests ----

func TestValidate_BaseIsValid(t *testing.T) {
	if err := Validate(base()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_AddressRange(t *testing.T) {
	cfg := base()
	cfg.Master.MinAddress, cfg.Master.MaxAddress = 10, 5
	expectErr(t, cfg, "address range")

	cfg = base()
	cfg.Master.MaxAddress = 248
	expectErr(t, cfg, "address range")
}

func TestValidate_DeviceAddresses(t *testing.T) {
	cfg := base()
	cfg.Devices = append(cfg.Devices, DeviceConfig{Name: "dup", Address: 1, Protocol: 1})
	expectErr(t, cfg, "already used")

	cfg = base()
	cfg.Devices[0].Address = 30
	expectErr(t, cfg, "outside")

	cfg = base()
	cfg.Devices[0].Protocol = 9
	expectErr(t, cfg, "unknown protocol")
}

func TestValidate_ProtocolEntries(t *testing.T) {
	cfg := base()
	cfg.Protocols[0].Holding = append(cfg.Protocols[0].Holding, RegisterConfig{Address: 1, Scale: 1})
	expectErr(t, cfg, "defined twice")

	cfg = base()
	cfg.Protocols[0].Holding[0].Kind = "float"
	expectErr(t, cfg, "unknown kind")

	cfg = base()
	cfg.Protocols[0].Coils[0].Access = "maybe"
	expectErr(t, cfg, "unknown access")

	cfg = base()
	cfg.Protocols[0].Holding[0].Min, cfg.Protocols[0].Holding[0].Max = 5, 1
	expectErr(t, cfg, "above max")

	cfg = base()
	cfg.Protocols[0].Holding[0].Scale = -1
	expectErr(t, cfg, "scale")
}

func TestValidate_Limits(t *testing.T) {
	cfg := base()
	cfg.Scan.Registers.MaxCount = 124
	expectErr(t, cfg, "exceeds")
}

func TestValidate_GatewayOutsideScanRange(t *testing.T) {
	cfg := base()
	cfg.Gateway = &GatewayConfig{ModemProtocol: 1, RelayProtocol: 1}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.Gateway.RelayAddress = 5
	expectErr(t, cfg, "inside scanned range")
}

func TestValidate_MirrorNoOverlapWithOffsets(t *testing.T) {
	cfg := base()
	cfg.Devices = append(cfg.Devices, DeviceConfig{Name: "ahu-2", Address: 2, Protocol: 1})
	mirrored(cfg, 1, map[int]uint16{4: 100}, nil)
	cfg.Devices[1].Mirror.Offsets = map[int]uint16{3: 10, 4: 110, 1: 10}

	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MirrorOverlapSameUnit(t *testing.T) {
	cfg := base()
	cfg.Devices = append(cfg.Devices, DeviceConfig{Name: "ahu-2", Address: 2, Protocol: 1})
	mirrored(cfg, 1, map[int]uint16{4: 100}, nil)

	expectErr(t, cfg, "mirror overlap")
}

func TestValidate_MirrorOverlapDifferentUnitIsFine(t *testing.T) {
	cfg := base()
	cfg.Devices = append(cfg.Devices, DeviceConfig{Name: "ahu-2", Address: 2, Protocol: 1})
	mirrored(cfg, 1, map[int]uint16{4: 100}, nil)
	cfg.Devices[1].Mirror = &DeviceMirrorConfig{UnitID: 2, Offsets: map[int]uint16{4: 100}}

	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_HoldingAndInputShareUpstreamRegisters(t *testing.T) {
	cfg := base()
	mirrored(cfg, 1, nil, nil)
	expectErr(t, cfg, "mirror overlap")
}

func TestValidate_StatusSlotCollision(t *testing.T) {
	cfg := base()
	cfg.Devices = append(cfg.Devices, DeviceConfig{Name: "ahu-2", Address: 2, Protocol: 1})
	mirrored(cfg, 1, map[int]uint16{4: 100}, slot(10))
	cfg.Devices[1].Mirror.Offsets = map[int]uint16{3: 10, 4: 110, 1: 10}

	expectErr(t, cfg, "status_slot collision")
}

func TestValidate_StatusBlockOverlapsData(t *testing.T) {
	cfg := base()
	mirrored(cfg, 1, map[int]uint16{4: 100}, slot(0))
	expectErr(t, cfg, "mirror overlap")
}

func TestValidate_MirrorRequiresEndpoint(t *testing.T) {
	cfg := base()
	cfg.Devices[0].Mirror = &DeviceMirrorConfig{UnitID: 1}
	expectErr(t, cfg, "no mirror endpoint")
}
