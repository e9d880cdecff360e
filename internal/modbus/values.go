package modbus

import (
	"fmt"

	"modbus-tagpoller/internal/address"
	"modbus-tagpoller/internal/codec"
)

// SetBit stores a coil or discrete input.
func (s *Server) SetBit(a address.Address, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bits, err := s.bitTable(a.Table)
	if err != nil {
		return err
	}
	bits[a.Index] = v
	return nil
}

// Bit reads a coil or discrete input.
func (s *Server) Bit(a address.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bits, err := s.bitTable(a.Table)
	if err != nil {
		return false, err
	}
	return bits[a.Index], nil
}

// SetWords stores consecutive registers starting at a.
func (s *Server) SetWords(a address.Address, words []uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	regs, err := s.registerTable(a.Table)
	if err != nil {
		return err
	}
	if end := int(a.Index) + len(words); end > len(regs) {
		return ErrAddrOutOfRange(end - 1)
	}
	copy(regs[a.Index:], words)
	return nil
}

// Words reads n registers starting at a.
func (s *Server) Words(a address.Address, n int) ([]uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	regs, err := s.registerTable(a.Table)
	if err != nil {
		return nil, err
	}
	if end := int(a.Index) + n; end > len(regs) {
		return nil, ErrAddrOutOfRange(end - 1)
	}
	return append([]uint16(nil), regs[a.Index:int(a.Index)+n]...), nil
}

// SetValue stores a codec-encoded value in the layout the poller decodes.
func (s *Server) SetValue(a address.Address, data []byte) error {
	if a.Table.IsBit() {
		if len(data) != 1 {
			return fmt.Errorf("bit value needs 1 byte, got %d", len(data))
		}
		return s.SetBit(a, data[0] != 0)
	}
	return s.SetWords(a, codec.Words(data))
}

// Value returns the codec-encoded value of kind k at a.
func (s *Server) Value(a address.Address, k codec.Kind) ([]byte, error) {
	if a.Table.IsBit() {
		b, err := s.Bit(a)
		if err != nil {
			return nil, err
		}
		return codec.Encode(b), nil
	}
	words, err := s.Words(a, int(k.Width()))
	if err != nil {
		return nil, err
	}
	return codec.PutWords(words), nil
}

func (s *Server) bitTable(t address.Table) ([]bool, error) {
	switch t {
	case address.Coils:
		return s.coils, nil
	case address.DiscreteInputs:
		return s.discreteInputs, nil
	default:
		return nil, fmt.Errorf("%s is not a bit table", t)
	}
}

func (s *Server) registerTable(t address.Table) ([]uint16, error) {
	switch t {
	case address.HoldingRegisters:
		return s.holdingRegisters, nil
	case address.InputRegisters:
		return s.inputRegisters, nil
	default:
		return nil, fmt.Errorf("%s is not a register table", t)
	}
}
