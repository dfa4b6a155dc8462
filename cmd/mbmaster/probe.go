// cmd/mbmaster/probe.go
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/goburrow/modbus"

	"github.com/caosq/GreeIntense/internal/config"
	"github.com/caosq/GreeIntense/internal/master"
)

// probe reads holding registers straight through the goburrow RTU client.
// It owns the port, so the daemon must not be running.
func probe(w io.Writer, cfgPath string, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cfg.Link.Framing != "rtu" {
		return fmt.Errorf("probe: only rtu framing is supported, config uses %s", cfg.Link.Framing)
	}

	addr, start, count, err := parseProbeArgs(args)
	if err != nil {
		return err
	}

	h := modbus.NewRTUClientHandler(cfg.Link.Port)
	h.BaudRate = cfg.Link.Baud
	h.DataBits = cfg.Link.DataBits
	h.StopBits = cfg.Link.StopBits
	h.Parity = cfg.Link.Parity
	h.SlaveId = addr
	h.Timeout = cfg.Master.ResponseTimeout()
	h.RS485.Enabled = cfg.Link.RS485

	if err := h.Connect(); err != nil {
		return fmt.Errorf("probe: open %s: %w", cfg.Link.Port, err)
	}
	defer h.Close()

	raw, err := modbus.NewClient(h).ReadHoldingRegisters(start, count)
	if err != nil {
		return fmt.Errorf("probe: addr %d: %w", addr, err)
	}
	for i := 0; i+1 < len(raw); i += 2 {
		v := binary.BigEndian.Uint16(raw[i:])
		fmt.Fprintf(w, "%5d\t0x%04x\t%d\n", int(start)+i/2, v, int16(v))
	}
	return nil
}

func parseProbeArgs(args []string) (addr uint8, start, count uint16, err error) {
	a, err := strconv.ParseUint(args[0], 0, 8)
	if err != nil || a < 1 || a > 247 {
		return 0, 0, 0, fmt.Errorf("probe: address %q must be 1..247", args[0])
	}
	s, err := strconv.ParseUint(args[1], 0, 16)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("probe: start %q: %w", args[1], err)
	}
	c, err := strconv.ParseUint(args[2], 0, 16)
	if err != nil || c < 1 || c > master.MaxReadRegisters || s+c > 0x10000 {
		return 0, 0, 0, fmt.Errorf("probe: count %q must be 1..%d within the address space", args[2], master.MaxReadRegisters)
	}
	return uint8(a), uint16(s), uint16(c), nil
}
