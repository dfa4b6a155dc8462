// internal/master/handlers.go
package master

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/goburrow/modbus"

	"github.com/caosq/GreeIntense/internal/dict"
	"github.com/caosq/GreeIntense/internal/registry"
)

// Exchange is what a handler sees for one completed request.
// For broadcasts Response is nil and Addr is the address being applied.
type Exchange struct {
	Addr     uint8
	Request  *modbus.ProtocolDataUnit
	Response *modbus.ProtocolDataUnit
	Device   *registry.Device
	Ingest   bool

	// outputs
	Registers []uint16
	Bits      []bool
	Changes   []dict.Change
	Rejected  []uint16
	Held      []uint16
}

// Handler parses the response to one function code and applies it.
type Handler func(x *Exchange) error

func defaultHandlers() map[byte]Handler {
	return map[byte]Handler{
		modbus.FuncCodeReadCoils:              readBitsHandler(dict.Coils),
		modbus.FuncCodeReadDiscreteInputs:     readBitsHandler(dict.Discrete),
		modbus.FuncCodeReadHoldingRegisters:   readRegistersHandler(dict.Holding),
		modbus.FuncCodeReadInputRegisters:     readRegistersHandler(dict.Input),
		modbus.FuncCodeWriteSingleCoil:        writeEcho,
		modbus.FuncCodeWriteSingleRegister:    writeEcho,
		modbus.FuncCodeWriteMultipleCoils:     writeEcho,
		modbus.FuncCodeWriteMultipleRegisters: writeEcho,
	}
}

func errMismatch(got, want uint16) error {
	return fmt.Errorf("test value %d, expected %d", got, want)
}

func illegalValue(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalDataValue, fmt.Sprintf(format, args...))
}

func requestSpan(x *Exchange) (start, count uint16) {
	d := x.Request.Data
	return binary.BigEndian.Uint16(d[0:]), binary.BigEndian.Uint16(d[2:])
}

// echoes checks a write response that repeats the first n request bytes.
func echoes(x *Exchange, n int) error {
	if x.Response == nil {
		return nil
	}
	if len(x.Response.Data) != n || !bytes.Equal(x.Response.Data, x.Request.Data[:n]) {
		return illegalValue("write echo % x does not match request", x.Response.Data)
	}
	return nil
}

// ---- reads ----

func readRegistersHandler(area dict.Area) Handler {
	return func(x *Exchange) error {
		start, count := requestSpan(x)
		d := x.Response.Data
		if len(d) < 1 || int(d[0]) != 2*int(count) || len(d) != 1+int(d[0]) {
			return illegalValue("register byte count %d for quantity %d", len(d), count)
		}

		values := make([]uint16, count)
		for i := range values {
			values[i] = binary.BigEndian.Uint16(d[1+2*i:])
		}
		x.Registers = values
		return x.applyRegisters(area, start, values)
	}
}

func readBitsHandler(area dict.Area) Handler {
	return func(x *Exchange) error {
		start, count := requestSpan(x)
		d := x.Response.Data
		n := (int(count) + 7) / 8
		if len(d) < 1 || int(d[0]) != n || len(d) != 1+n {
			return illegalValue("bit byte count %d for quantity %d", len(d), count)
		}

		values := unpackBits(d[1:], int(count))
		x.Bits = values
		return x.applyBits(area, start, values)
	}
}

// ---- writes ----

// writeEcho checks the acknowledgement of FC05, FC06, FC15 and FC16:
// each echoes the first four request bytes. Written values are left to
// the issuer; slots are never overwritten with what was sent.
func writeEcho(x *Exchange) error {
	return echoes(x, 4)
}

// ---- dictionary ----

// applyRegisters stores values read from the device into its dictionary.
func (x *Exchange) applyRegisters(area dict.Area, start uint16, values []uint16) error {
	dc := x.dictionary()
	if dc == nil {
		return nil
	}
	tbl, err := dc.Registers(area)
	if err != nil {
		return err
	}
	res, err := tbl.Ingest(start, values)
	return x.collect(res, err)
}

func (x *Exchange) applyBits(area dict.Area, start uint16, values []bool) error {
	dc := x.dictionary()
	if dc == nil {
		return nil
	}
	tbl, err := dc.Bits(area)
	if err != nil {
		return err
	}
	res, err := tbl.Ingest(start, values)
	return x.collect(res, err)
}

func (x *Exchange) dictionary() *dict.Dictionary {
	if !x.Ingest || x.Device == nil {
		return nil
	}
	return x.Device.Dictionary()
}

func (x *Exchange) collect(res dict.IngestResult, err error) error {
	if err != nil {
		return err
	}
	x.Changes = append(x.Changes, res.Changes...)
	x.Rejected = append(x.Rejected, res.Rejected...)
	x.Held = append(x.Held, res.Held...)
	return nil
}
