// internal/dict/dictionary.go
package dict

import "fmt"

// Dictionary is the register map of one device protocol.
type Dictionary struct {
	Protocol uint16

	Holding  *RegisterTable
	Input    *RegisterTable
	Coils    *BitTable
	Discrete *BitTable
}

func New(protocol uint16) *Dictionary {
	return &Dictionary{
		Protocol: protocol,
		Holding:  NewRegisterTable(Holding),
		Input:    NewRegisterTable(Input),
		Coils:    NewBitTable(Coils),
		Discrete: NewBitTable(Discrete),
	}
}

// Registers returns the register table for a register area.
func (d *Dictionary) Registers(a Area) (*RegisterTable, error) {
	switch a {
	case Holding:
		return d.Holding, nil
	case Input:
		return d.Input, nil
	default:
		return nil, fmt.Errorf("dict: %s is not a register area", a)
	}
}

// Bits returns the bit table for a bit area.
func (d *Dictionary) Bits(a Area) (*BitTable, error) {
	switch a {
	case Coils:
		return d.Coils, nil
	case Discrete:
		return d.Discrete, nil
	default:
		return nil, fmt.Errorf("dict: %s is not a bit area", a)
	}
}

// Forget drops every cached device value, forcing a full write.
func (d *Dictionary) Forget() {
	for _, r := range d.Holding.entries {
		r.Forget()
	}
	for _, b := range d.Coils.entries {
		b.Forget()
	}
}
