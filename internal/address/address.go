package address

import (
	"fmt"
	"strings"
)

// Table identifies one of the four Modbus address spaces.
type Table uint8

const (
	Coils Table = iota
	DiscreteInputs
	InputRegisters
	HoldingRegisters
)

// Tables lists every table in key order.
var Tables = []Table{Coils, DiscreteInputs, InputRegisters, HoldingRegisters}

// Base returns the fixed offset added to an index to form the ordering key.
func (t Table) Base() uint32 {
	switch t {
	case DiscreteInputs:
		return 10000
	case InputRegisters:
		return 30000
	case HoldingRegisters:
		return 40000
	default:
		return 0
	}
}

// IsBit reports whether units of the table are single bits.
func (t Table) IsBit() bool {
	return t == Coils || t == DiscreteInputs
}

// Writable reports whether the protocol allows writes to the table.
func (t Table) Writable() bool {
	return t == Coils || t == HoldingRegisters
}

func (t Table) String() string {
	switch t {
	case Coils:
		return "coils"
	case DiscreteInputs:
		return "discrete"
	case InputRegisters:
		return "input"
	case HoldingRegisters:
		return "holding"
	default:
		return fmt.Sprintf("table(%d)", uint8(t))
	}
}

// ParseTable accepts the names used in configuration files.
func ParseTable(s string) (Table, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "coil", "coils":
		return Coils, nil
	case "discrete", "discrete_input", "discrete_inputs", "discreteinputs":
		return DiscreteInputs, nil
	case "input", "input_register", "input_registers", "inputregisters":
		return InputRegisters, nil
	case "holding", "holding_register", "holding_registers", "holdingregisters":
		return HoldingRegisters, nil
	default:
		return 0, fmt.Errorf("unknown table %q", s)
	}
}

// Address is a table plus an index within it. Addresses compare by Key.
type Address struct {
	Table Table
	Index uint16
}

// New builds an address. Every (table, index) pair is valid.
func New(t Table, index uint16) Address {
	return Address{Table: t, Index: index}
}

// Key is the derived ordering key: table base plus index.
func (a Address) Key() uint32 {
	return a.Table.Base() + uint32(a.Index)
}

func (a Address) Equal(b Address) bool { return a.Key() == b.Key() }

func (a Address) Less(b Address) bool { return a.Key() < b.Key() }

// Compare returns -1, 0 or +1.
func (a Address) Compare(b Address) int {
	ka, kb := a.Key(), b.Key()
	switch {
	case ka < kb:
		return -1
	case ka > kb:
		return 1
	default:
		return 0
	}
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Table, a.Index)
}
