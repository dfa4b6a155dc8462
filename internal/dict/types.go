// internal/dict/types.go
package dict

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoSuchRegister is returned when an address or range is not
	// covered by a table.
	ErrNoSuchRegister = errors.New("dict: no such register")

	// ErrOutOfRange marks a value outside its entry's bounds or kind.
	ErrOutOfRange = errors.New("dict: value out of range")

	// ErrPending marks a read value dropped because the consumer changed
	// the entry after the last exchange with the device.
	ErrPending = errors.New("dict: consumer value pending write")
)

// Kind is the data kind carried in a 16-bit register.
type Kind uint8

const (
	KindUint16 Kind = iota
	KindInt16
	KindUint8
	KindInt8
)

func (k Kind) String() string {
	switch k {
	case KindUint16:
		return "uint16"
	case KindInt16:
		return "int16"
	case KindUint8:
		return "uint8"
	case KindInt8:
		return "int8"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind accepts the names produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uint16", "":
		return KindUint16, nil
	case "int16":
		return KindInt16, nil
	case "uint8":
		return KindUint8, nil
	case "int8":
		return KindInt8, nil
	default:
		return 0, fmt.Errorf("dict: unknown kind %q", s)
	}
}

// bounds is the representable range of the kind.
func (k Kind) bounds() (lo, hi int32) {
	switch k {
	case KindInt16:
		return -32768, 32767
	case KindUint8:
		return 0, 255
	case KindInt8:
		return -128, 127
	default:
		return 0, 65535
	}
}

func (k Kind) valid() bool { return k <= KindInt8 }

// Access is the direction an entry may be transferred in.
type Access uint8

const (
	ReadWrite Access = iota
	ReadOnly
	WriteOnly
)

func (a Access) String() string {
	switch a {
	case ReadOnly:
		return "ro"
	case WriteOnly:
		return "wo"
	default:
		return "rw"
	}
}

func ParseAccess(s string) (Access, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rw", "":
		return ReadWrite, nil
	case "ro":
		return ReadOnly, nil
	case "wo":
		return WriteOnly, nil
	default:
		return 0, fmt.Errorf("dict: unknown access %q", s)
	}
}

func (a Access) Readable() bool { return a != WriteOnly }
func (a Access) Writable() bool { return a != ReadOnly }

// Area is one of the four Modbus data tables.
type Area uint8

const (
	Holding Area = iota + 1
	Input
	Coils
	Discrete
)

func (a Area) String() string {
	switch a {
	case Holding:
		return "holding"
	case Input:
		return "input"
	case Coils:
		return "coils"
	case Discrete:
		return "discrete"
	default:
		return fmt.Sprintf("area(%d)", uint8(a))
	}
}

// ReadFunction is the function code that reads the area.
func (a Area) ReadFunction() uint8 {
	switch a {
	case Coils:
		return 1
	case Discrete:
		return 2
	case Holding:
		return 3
	case Input:
		return 4
	default:
		return 0
	}
}

// Registers reports whether the area holds 16-bit registers.
func (a Area) Registers() bool { return a == Holding || a == Input }

// Change is emitted for every ingested value that differs from what the
// slot held before.
type Change struct {
	Device  uint8
	Area    Area
	Address uint16
	Name    string
	Old     int32
	New     int32
	Wire    uint16
}

// IngestResult reports what one response did to a table.
type IngestResult struct {
	Changes []Change

	// Rejected lists addresses whose values failed bounds or kind checks.
	Rejected []uint16

	// Held lists writable addresses whose consumer value was kept for the
	// next write instead of being overwritten.
	Held []uint16
}
