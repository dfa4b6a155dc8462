// internal/frame/codec.go
package frame

import (
	"errors"
	"fmt"

	"github.com/goburrow/modbus"
)

var (
	// ErrBadFrame is wrapped by every Decode failure.
	ErrBadFrame = errors.New("frame: bad frame")

	// ErrFrameTooLong is returned by Encode when the PDU does not fit.
	ErrFrameTooLong = errors.New("frame: frame too long")
)

// Codec converts between (address, PDU) and on-wire frames.
//
// The address returned by Decode is the responder's address: for RTU and
// ASCII that is the first byte of the frame, for CPN the source field.
type Codec interface {
	Name() string
	Encode(addr byte, pdu *modbus.ProtocolDataUnit) ([]byte, error)
	Decode(adu []byte) (byte, *modbus.ProtocolDataUnit, error)

	// MinSize and MaxSize bound a frame the link accepts as complete.
	MinSize() int
	MaxSize() int
}

// New returns the codec for a framing name.
// source is the master's own address; only CPN puts it on the wire.
func New(framing string, source byte) (Codec, error) {
	switch framing {
	case "rtu", "":
		return RTU{}, nil
	case "ascii":
		return ASCII{}, nil
	case "cpn":
		return NewCPN(source), nil
	default:
		return nil, fmt.Errorf("frame: unknown framing %q", framing)
	}
}

func badFrame(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadFrame, fmt.Sprintf(format, args...))
}

func clonePDU(fc byte, data []byte) *modbus.ProtocolDataUnit {
	out := make([]byte, len(data))
	copy(out, data)
	return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: out}
}
