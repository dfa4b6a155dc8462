// internal/master/request.go
package master

import (
	"encoding/binary"
	"time"

	"github.com/goburrow/modbus"

	"github.com/caosq/GreeIntense/internal/registry"
)

// Protocol quantity limits.
const (
	MaxReadRegisters  = 125
	MaxReadBits       = 2000
	MaxWriteRegisters = 123
	MaxWriteCoils     = 0x07B0
)

func (e *Engine) ReadHoldingRegisters(addr uint8, start, count uint16, timeout time.Duration) ([]uint16, error) {
	return e.readRegisters(modbus.FuncCodeReadHoldingRegisters, addr, start, count, timeout, true)
}

func (e *Engine) ReadInputRegisters(addr uint8, start, count uint16, timeout time.Duration) ([]uint16, error) {
	return e.readRegisters(modbus.FuncCodeReadInputRegisters, addr, start, count, timeout, true)
}

func (e *Engine) ReadCoils(addr uint8, start, count uint16, timeout time.Duration) ([]bool, error) {
	return e.readBits(modbus.FuncCodeReadCoils, addr, start, count, timeout)
}

func (e *Engine) ReadDiscreteInputs(addr uint8, start, count uint16, timeout time.Duration) ([]bool, error) {
	return e.readBits(modbus.FuncCodeReadDiscreteInputs, addr, start, count, timeout)
}

// WriteHoldingRegisters uses FC06 for a single value and FC16 otherwise.
// Address 0 broadcasts to every configured address.
func (e *Engine) WriteHoldingRegisters(addr uint8, start uint16, values []uint16, timeout time.Duration) error {
	n := len(values)
	if n == 1 {
		fc := byte(modbus.FuncCodeWriteSingleRegister)
		if err := e.checkWrite(addr, fc, start, 1, 1); err != nil {
			return err
		}
		_, err := e.do(addr, fc, timeout, true, func(b []byte) []byte {
			b = binary.BigEndian.AppendUint16(b, start)
			return binary.BigEndian.AppendUint16(b, values[0])
		})
		return err
	}

	fc := byte(modbus.FuncCodeWriteMultipleRegisters)
	if err := e.checkWrite(addr, fc, start, n, MaxWriteRegisters); err != nil {
		return err
	}
	_, err := e.do(addr, fc, timeout, true, func(b []byte) []byte {
		b = binary.BigEndian.AppendUint16(b, start)
		b = binary.BigEndian.AppendUint16(b, uint16(n))
		b = append(b, byte(2*n))
		for _, v := range values {
			b = binary.BigEndian.AppendUint16(b, v)
		}
		return b
	})
	return err
}

// WriteCoils uses FC05 for a single value and FC15 otherwise.
func (e *Engine) WriteCoils(addr uint8, start uint16, values []bool, timeout time.Duration) error {
	n := len(values)
	if n == 1 {
		fc := byte(modbus.FuncCodeWriteSingleCoil)
		if err := e.checkWrite(addr, fc, start, 1, 1); err != nil {
			return err
		}
		_, err := e.do(addr, fc, timeout, true, func(b []byte) []byte {
			b = binary.BigEndian.AppendUint16(b, start)
			return binary.BigEndian.AppendUint16(b, coilValue(values[0]))
		})
		return err
	}

	fc := byte(modbus.FuncCodeWriteMultipleCoils)
	if err := e.checkWrite(addr, fc, start, n, MaxWriteCoils); err != nil {
		return err
	}
	packed := packBits(values)
	if len(packed)+5 > maxPDUData {
		return illegal(addr, fc, "%d coils do not fit one frame", n)
	}
	_, err := e.do(addr, fc, timeout, true, func(b []byte) []byte {
		b = binary.BigEndian.AppendUint16(b, start)
		b = binary.BigEndian.AppendUint16(b, uint16(n))
		b = append(b, byte(len(packed)))
		return append(b, packed...)
	})
	return err
}

// Probe runs a device test command. Nothing is stored in the dictionary.
func (e *Engine) Probe(addr uint8, cmd registry.TestCommand, timeout time.Duration) error {
	switch cmd.Mode {
	case registry.TestWriteHolding:
		fc := byte(modbus.FuncCodeWriteSingleRegister)
		if err := e.checkWrite(addr, fc, cmd.Address, 1, 1); err != nil {
			return err
		}
		_, err := e.do(addr, fc, timeout, false, func(b []byte) []byte {
			b = binary.BigEndian.AppendUint16(b, cmd.Address)
			return binary.BigEndian.AppendUint16(b, cmd.Value)
		})
		return err

	default:
		fc := byte(modbus.FuncCodeReadHoldingRegisters)
		if cmd.Mode == registry.TestReadInput {
			fc = modbus.FuncCodeReadInputRegisters
		}
		regs, err := e.readRegisters(fc, addr, cmd.Address, 1, timeout, false)
		if err != nil {
			return err
		}
		if cmd.Match && regs[0] != cmd.Value {
			return &RequestError{
				Kind: KindRespondData, Addr: addr, Function: fc,
				Err: errMismatch(regs[0], cmd.Value),
			}
		}
		return nil
	}
}

func (e *Engine) readRegisters(fc byte, addr uint8, start, count uint16, timeout time.Duration, ingest bool) ([]uint16, error) {
	if err := e.checkRead(addr, fc, start, count, MaxReadRegisters); err != nil {
		return nil, err
	}
	req, err := e.do(addr, fc, timeout, ingest, func(b []byte) []byte {
		b = binary.BigEndian.AppendUint16(b, start)
		return binary.BigEndian.AppendUint16(b, count)
	})
	if err != nil {
		return nil, err
	}
	return req.regs, nil
}

func (e *Engine) readBits(fc byte, addr uint8, start, count uint16, timeout time.Duration) ([]bool, error) {
	if err := e.checkRead(addr, fc, start, count, MaxReadBits); err != nil {
		return nil, err
	}
	req, err := e.do(addr, fc, timeout, true, func(b []byte) []byte {
		b = binary.BigEndian.AppendUint16(b, start)
		return binary.BigEndian.AppendUint16(b, count)
	})
	if err != nil {
		return nil, err
	}
	return req.bits, nil
}

func (e *Engine) checkRead(addr uint8, fc byte, start, count uint16, max int) error {
	if addr == 0 {
		return illegal(addr, fc, "reads cannot be broadcast")
	}
	if !e.reg.Accepts(addr) {
		return illegal(addr, fc, "address outside configured range")
	}
	return checkSpan(addr, fc, start, int(count), max)
}

func (e *Engine) checkWrite(addr uint8, fc byte, start uint16, n, max int) error {
	if addr != 0 && !e.reg.Accepts(addr) {
		return illegal(addr, fc, "address outside configured range")
	}
	return checkSpan(addr, fc, start, n, max)
}

func checkSpan(addr uint8, fc byte, start uint16, n, max int) error {
	if n < 1 || n > max {
		return illegal(addr, fc, "quantity %d not in 1..%d", n, max)
	}
	if int(start)+n-1 > 0xFFFF {
		return illegal(addr, fc, "range %d+%d overflows the address space", start, n)
	}
	return nil
}

// do runs one request through the engine.
//
// timeout bounds the wait for the in-flight lock; zero means a single
// attempt. Completion is awaited for at least one response window. A
// caller that gives up before the reply is executed gets MasterBusy and
// the reply is not ingested.
func (e *Engine) do(addr uint8, fc byte, timeout time.Duration, ingest bool, build func([]byte) []byte) (*request, error) {
	deadline := time.Now().Add(timeout)

	if err := e.acquire(timeout); err != nil {
		return nil, &RequestError{Kind: KindMasterBusy, Addr: addr, Function: fc, Err: err}
	}

	// The scratch buffer belongs to the lock holder.
	e.scratch = build(e.scratch[:0])
	req := &request{
		addr:   addr,
		pdu:    modbus.ProtocolDataUnit{FunctionCode: fc, Data: e.scratch},
		ingest: ingest,
		start:  time.Now(),
		done:   make(chan struct{}),
	}
	if !e.post(event{kind: evSend, req: req}) {
		e.release()
		return nil, &RequestError{Kind: KindMasterBusy, Addr: addr, Function: fc, Err: ErrStopped}
	}

	wait := time.Until(deadline)
	if floor := e.cfg.ResponseTimeout + e.cfg.TurnaroundDelay + completionSlack; wait < floor {
		wait = floor
	}
	t := time.NewTimer(wait)
	defer t.Stop()

	select {
	case <-req.done:
	case <-t.C:
		if req.abandon() {
			return nil, &RequestError{Kind: KindMasterBusy, Addr: addr, Function: fc, Err: ErrCompletionWait}
		}
		<-req.done
	}
	if req.err != nil {
		return nil, req.err
	}
	return req, nil
}

func coilValue(v bool) uint16 {
	if v {
		return 0xFF00
	}
	return 0x0000
}

func packBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, v := range bits {
		if v {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func unpackBits(b []byte, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = b[i/8]&(1<<uint(i%8)) != 0
	}
	return out
}
