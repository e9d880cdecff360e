package master

import "context"

// Transport performs the protocol exchanges for a Master. Implementations
// need not be safe for concurrent use; the Master serialises every call.
// Errors should wrap one of the error kinds in this package.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error

	ReadCoils(ctx context.Context, unit uint8, start, count uint16) ([]bool, error)
	ReadDiscreteInputs(ctx context.Context, unit uint8, start, count uint16) ([]bool, error)
	ReadHoldingRegisters(ctx context.Context, unit uint8, start, count uint16) ([]uint16, error)
	ReadInputRegisters(ctx context.Context, unit uint8, start, count uint16) ([]uint16, error)

	WriteSingleCoil(ctx context.Context, unit uint8, addr uint16, value bool) error
	WriteMultipleRegisters(ctx context.Context, unit uint8, start uint16, words []uint16) error
}
