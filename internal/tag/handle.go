package tag

import (
	"fmt"

	"modbus-tagpoller/internal/address"
	"modbus-tagpoller/internal/codec"
)

// NewHandle creates a tag whose type is only known at runtime, such as one
// read from a configuration file.
func NewHandle(name string, addr address.Address, k codec.Kind) (Handle, error) {
	switch k {
	case codec.Bool:
		return New[bool](name, addr), nil
	case codec.Int16:
		return New[int16](name, addr), nil
	case codec.Uint16:
		return New[uint16](name, addr), nil
	case codec.Int32:
		return New[int32](name, addr), nil
	case codec.Uint32:
		return New[uint32](name, addr), nil
	case codec.Int64:
		return New[int64](name, addr), nil
	case codec.Uint64:
		return New[uint64](name, addr), nil
	case codec.Float32:
		return New[float32](name, addr), nil
	case codec.Float64:
		return New[float64](name, addr), nil
	default:
		return nil, fmt.Errorf("unsupported kind %s", k)
	}
}
