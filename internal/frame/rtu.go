// internal/frame/rtu.go
package frame

import (
	"github.com/goburrow/modbus"
)

const (
	rtuMinSize = 4
	rtuMaxSize = 256
)

// RTU is binary framing: address, PDU, CRC16 (low byte first).
type RTU struct{}

func (RTU) Name() string { return "rtu" }
func (RTU) MinSize() int { return rtuMinSize }
func (RTU) MaxSize() int { return rtuMaxSize }

func (RTU) Encode(addr byte, pdu *modbus.ProtocolDataUnit) ([]byte, error) {
	n := len(pdu.Data) + 4
	if n > rtuMaxSize {
		return nil, ErrFrameTooLong
	}

	adu := make([]byte, n)
	adu[0] = addr
	adu[1] = pdu.FunctionCode
	copy(adu[2:], pdu.Data)

	crc := CRC16(adu[:n-2])
	adu[n-2] = byte(crc)
	adu[n-1] = byte(crc >> 8)
	return adu, nil
}

func (RTU) Decode(adu []byte) (byte, *modbus.ProtocolDataUnit, error) {
	n := len(adu)
	if n < rtuMinSize || n > rtuMaxSize {
		return 0, nil, badFrame("rtu length %d", n)
	}

	want := CRC16(adu[:n-2])
	got := uint16(adu[n-2]) | uint16(adu[n-1])<<8
	if want != got {
		return 0, nil, badFrame("rtu crc 0x%04x, expected 0x%04x", got, want)
	}

	return adu[0], clonePDU(adu[1], adu[2:n-2]), nil
}
