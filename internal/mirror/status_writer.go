// internal/mirror/status_writer.go
package mirror

import (
	"errors"
	"fmt"
	"strings"

	"github.com/caosq/GreeIntense/internal/status"
)

// deviceStatusWriter delivers one device's status block. The first write
// and the first write after any failure re-assert the whole block.
type deviceStatusWriter struct {
	cli    endpointClient
	unitID uint8
	base   uint16
	id     status.Identity

	needFull bool
	last     status.Snapshot
}

func newDeviceStatusWriter(cli endpointClient, unitID uint8, slot uint16, id status.Identity) *deviceStatusWriter {
	return &deviceStatusWriter{
		cli:      cli,
		unitID:   unitID,
		base:     slot * status.SlotsPerDevice,
		id:       id,
		needFull: true,
	}
}

func (sw *deviceStatusWriter) WriteStatus(s status.Snapshot) error {
	if sw.needFull {
		if err := sw.cli.WriteRegisters(sw.unitID, sw.base, status.Encode(s, sw.id)); err != nil {
			return fmt.Errorf("status writer: full block write failed: %w", err)
		}
		sw.needFull = false
		sw.last = s
		return nil
	}

	prev, next := status.Live(sw.last), status.Live(s)
	var errs []string
	for slot := range next {
		if prev[slot] == next[slot] {
			continue
		}
		if err := sw.cli.WriteRegisters(sw.unitID, sw.base+uint16(slot), []uint16{next[slot]}); err != nil {
			errs = append(errs, fmt.Sprintf("slot%d write failed: %v", slot, err))
		}
	}

	if len(errs) > 0 {
		sw.needFull = true
		return errors.New("status writer: " + strings.Join(errs, " | "))
	}
	sw.last = s
	return nil
}
