// internal/frame/ascii.go
package frame

import (
	"encoding/hex"
	"strings"

	"github.com/goburrow/modbus"
)

const (
	asciiStart = ':'
	asciiEnd   = "\r\n"

	// ':' + hex(addr, fc, lrc) + CRLF
	asciiMinSize = 9
	asciiMaxSize = 513
)

// ASCII is ':' + uppercase hex(address, PDU, LRC) + CRLF.
type ASCII struct{}

func (ASCII) Name() string { return "ascii" }
func (ASCII) MinSize() int { return asciiMinSize }
func (ASCII) MaxSize() int { return asciiMaxSize }

func (ASCII) Encode(addr byte, pdu *modbus.ProtocolDataUnit) ([]byte, error) {
	raw := make([]byte, 0, len(pdu.Data)+3)
	raw = append(raw, addr, pdu.FunctionCode)
	raw = append(raw, pdu.Data...)
	raw = append(raw, LRC(raw))

	n := 1 + 2*len(raw) + len(asciiEnd)
	if n > asciiMaxSize {
		return nil, ErrFrameTooLong
	}

	adu := make([]byte, 0, n)
	adu = append(adu, asciiStart)
	adu = append(adu, strings.ToUpper(hex.EncodeToString(raw))...)
	adu = append(adu, asciiEnd...)
	return adu, nil
}

func (ASCII) Decode(adu []byte) (byte, *modbus.ProtocolDataUnit, error) {
	n := len(adu)
	if n < asciiMinSize || n > asciiMaxSize {
		return 0, nil, badFrame("ascii length %d", n)
	}
	if adu[0] != asciiStart || string(adu[n-2:]) != asciiEnd {
		return 0, nil, badFrame("ascii delimiters")
	}

	body := adu[1 : n-2]
	if len(body)%2 != 0 {
		return 0, nil, badFrame("ascii odd hex length %d", len(body))
	}
	raw := make([]byte, len(body)/2)
	if _, err := hex.Decode(raw, body); err != nil {
		return 0, nil, badFrame("ascii hex: %v", err)
	}

	// The LRC makes the byte sum of the whole frame zero.
	if LRC(raw) != 0 {
		return 0, nil, badFrame("ascii lrc")
	}

	return raw[0], clonePDU(raw[1], raw[2:len(raw)-1]), nil
}
