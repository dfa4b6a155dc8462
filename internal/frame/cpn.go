// internal/frame/cpn.go
package frame

import (
	"encoding/binary"
	"sync"

	"github.com/goburrow/modbus"
)

// CPN header layout (all multi-byte fields little-endian). Bytes 0 and 1
// are outside the checksum; they are sent as zero and ignored on receive.
const (
	cpnOffLength = 4
	cpnOffCRC    = 10
	cpnOffSeq    = 12
	cpnHeaderLen = 18

	cpnOffFunc   = 18
	cpnOffSource = 20
	cpnOffDest   = 21
	cpnOffData   = 22

	cpnMinSize = cpnOffData
	cpnMaxData = 1000
	cpnMaxSize = cpnOffData + cpnMaxData

	cpnMaxSeq = 60000
)

// CPN is the extended header framing used by CPN controllers.
// Every encoded frame carries a sequence number in 1..60000.
type CPN struct {
	source byte

	mu  sync.Mutex
	seq uint16
}

// NewCPN returns a codec that stamps source as the sender address.
func NewCPN(source byte) *CPN {
	return &CPN{source: source}
}

func (*CPN) Name() string { return "cpn" }
func (*CPN) MinSize() int { return cpnMinSize }
func (*CPN) MaxSize() int { return cpnMaxSize }

func (c *CPN) nextSeq() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq >= cpnMaxSeq {
		c.seq = 0
	}
	c.seq++
	return c.seq
}

func (c *CPN) Encode(addr byte, pdu *modbus.ProtocolDataUnit) ([]byte, error) {
	if len(pdu.Data) > cpnMaxData {
		return nil, ErrFrameTooLong
	}

	adu := make([]byte, cpnOffData+len(pdu.Data))
	binary.LittleEndian.PutUint16(adu[cpnOffLength:], uint16(len(adu)-cpnHeaderLen))
	binary.LittleEndian.PutUint16(adu[cpnOffSeq:], c.nextSeq())
	adu[cpnOffFunc] = pdu.FunctionCode
	adu[cpnOffSource] = c.source
	adu[cpnOffDest] = addr
	copy(adu[cpnOffData:], pdu.Data)

	binary.LittleEndian.PutUint16(adu[cpnOffCRC:], cpnChecksum(adu))
	return adu, nil
}

func (c *CPN) Decode(adu []byte) (byte, *modbus.ProtocolDataUnit, error) {
	n := len(adu)
	if n < cpnMinSize || n > cpnMaxSize {
		return 0, nil, badFrame("cpn length %d", n)
	}
	if l := int(binary.LittleEndian.Uint16(adu[cpnOffLength:])); l != n-cpnHeaderLen {
		return 0, nil, badFrame("cpn length field %d, frame carries %d", l, n-cpnHeaderLen)
	}

	got := binary.LittleEndian.Uint16(adu[cpnOffCRC:])
	if want := cpnChecksum(adu); got != want {
		return 0, nil, badFrame("cpn crc 0x%04x, expected 0x%04x", got, want)
	}

	return adu[cpnOffSource], clonePDU(adu[cpnOffFunc], adu[cpnOffData:]), nil
}

// cpnChecksum is CRC16 over frame[2:] with the checksum field read as zero.
func cpnChecksum(adu []byte) uint16 {
	tmp := make([]byte, len(adu)-2)
	copy(tmp, adu[2:])
	tmp[cpnOffCRC-2] = 0
	tmp[cpnOffCRC-1] = 0
	return CRC16(tmp)
}
