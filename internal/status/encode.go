// internal/status/encode.go
package status

// Identity is the static part of a status block.
type Identity struct {
	Address  uint8
	Protocol uint16
	Name     string
}

// Encode builds a full status block. No IO.
func Encode(s Snapshot, id Identity) []uint16 {
	regs := make([]uint16, SlotsPerDevice)

	regs[SlotHealth] = s.Health
	regs[SlotLastErrorCode] = s.LastErrorCode
	regs[SlotSecondsInError] = s.SecondsInError
	regs[SlotOnline] = flag(s.Online)
	regs[SlotSynchronized] = flag(s.Synchronized)
	regs[SlotBusAddress] = uint16(id.Address)
	regs[SlotProtocol] = id.Protocol

	copy(regs[SlotNameStart:SlotNameEnd+1], EncodeName(id.Name))
	return regs
}

// EncodeName packs up to NameMaxChars characters into SlotNameSlots
// registers. Non-printable bytes become '?'.
func EncodeName(name string) []uint16 {
	out := make([]uint16, SlotNameSlots)

	b := []byte(name)
	if len(b) > NameMaxChars {
		b = b[:NameMaxChars]
	}
	for i, c := range b {
		if c < 0x20 || c > 0x7E {
			b[i] = '?'
		}
	}

	for i := 0; i < len(b); i++ {
		if i%2 == 0 {
			out[i/2] |= uint16(b[i]) << 8
		} else {
			out[i/2] |= uint16(b[i])
		}
	}
	return out
}

// Live returns the registers of slots 0..4 for s, for incremental writes.
func Live(s Snapshot) [SlotSynchronized + 1]uint16 {
	return [...]uint16{
		SlotHealth:         s.Health,
		SlotLastErrorCode:  s.LastErrorCode,
		SlotSecondsInError: s.SecondsInError,
		SlotOnline:         flag(s.Online),
		SlotSynchronized:   flag(s.Synchronized),
	}
}

func flag(v bool) uint16 {
	if v {
		return 1
	}
	return 0
}
