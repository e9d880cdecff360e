// Package codec maps typed tag values to and from the byte buffers filled by
// poll reads. Register data is laid out little-endian per word, low word
// first, so a 32-bit value at register N is assembled from words N and N+1
// as N | N+1<<16.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Kind is the closed set of value types a tag can carry.
type Kind uint8

const (
	Bool Kind = iota
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Float32
	Float64
)

// Value constrains generic tags and codec functions to the supported kinds.
type Value interface {
	bool | int16 | uint16 | int32 | uint32 | int64 | uint64 | float32 | float64
}

// KindOf returns the Kind for T.
func KindOf[T Value]() Kind {
	var zero T
	switch any(zero).(type) {
	case bool:
		return Bool
	case int16:
		return Int16
	case uint16:
		return Uint16
	case int32:
		return Int32
	case uint32:
		return Uint32
	case int64:
		return Int64
	case uint64:
		return Uint64
	case float32:
		return Float32
	default:
		return Float64
	}
}

// Size is the number of buffer bytes a value occupies.
func (k Kind) Size() int {
	switch k {
	case Bool:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	default:
		return 8
	}
}

// Width is the number of protocol units (coils or registers) a value spans.
func (k Kind) Width() uint16 {
	if k == Bool {
		return 1
	}
	return uint16(k.Size() / 2)
}

func (k Kind) String() string {
	switch k {
	case Bool:
		return "bool"
	case Int16:
		return "int16"
	case Uint16:
		return "uint16"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Int64:
		return "int64"
	case Uint64:
		return "uint64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind accepts the type names used in configuration files.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bool", "boolean", "bit":
		return Bool, nil
	case "int16", "short":
		return Int16, nil
	case "uint16", "ushort", "word", "":
		return Uint16, nil
	case "int32", "int", "dint":
		return Int32, nil
	case "uint32", "uint", "dword":
		return Uint32, nil
	case "int64", "long", "lint":
		return Int64, nil
	case "uint64", "ulong", "lword":
		return Uint64, nil
	case "float32", "float", "real":
		return Float32, nil
	case "float64", "double", "lreal":
		return Float64, nil
	default:
		return 0, fmt.Errorf("unsupported data type %q", s)
	}
}

// ByteOffset returns where a tag at tagIndex starts inside the buffer of a
// read that began at start.
func ByteOffset(k Kind, tagIndex, start uint16) int {
	units := int(tagIndex) - int(start)
	if k == Bool {
		return units
	}
	return units * 2
}

// Decode reads KindOf[T]().Size() bytes at off. The caller guarantees the
// buffer is long enough; a short buffer panics.
func Decode[T Value](buf []byte, off int) T {
	var v T
	switch p := any(&v).(type) {
	case *bool:
		*p = buf[off] != 0
	case *int16:
		*p = int16(binary.LittleEndian.Uint16(buf[off:]))
	case *uint16:
		*p = binary.LittleEndian.Uint16(buf[off:])
	case *int32:
		*p = int32(binary.LittleEndian.Uint32(buf[off:]))
	case *uint32:
		*p = binary.LittleEndian.Uint32(buf[off:])
	case *int64:
		*p = int64(binary.LittleEndian.Uint64(buf[off:]))
	case *uint64:
		*p = binary.LittleEndian.Uint64(buf[off:])
	case *float32:
		*p = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
	case *float64:
		*p = math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
	}
	return v
}

// Encode is the inverse of Decode at offset 0.
func Encode[T Value](v T) []byte {
	switch x := any(v).(type) {
	case bool:
		if x {
			return []byte{1}
		}
		return []byte{0}
	case int16:
		return binary.LittleEndian.AppendUint16(nil, uint16(x))
	case uint16:
		return binary.LittleEndian.AppendUint16(nil, x)
	case int32:
		return binary.LittleEndian.AppendUint32(nil, uint32(x))
	case uint32:
		return binary.LittleEndian.AppendUint32(nil, x)
	case int64:
		return binary.LittleEndian.AppendUint64(nil, uint64(x))
	case uint64:
		return binary.LittleEndian.AppendUint64(nil, x)
	case float32:
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(x))
	case float64:
		return binary.LittleEndian.AppendUint64(nil, math.Float64bits(x))
	}
	return nil
}

// Words splits an encoded register value into 16-bit words, low word first.
// An odd trailing byte is ignored.
func Words(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return out
}

// PutWords lays register words out in buffer order.
func PutWords(words []uint16) []byte {
	out := make([]byte, len(words)*2)
	for i, w := range words {
		binary.LittleEndian.PutUint16(out[i*2:], w)
	}
	return out
}

// PutBits stores one byte per coil.
func PutBits(bits []bool) []byte {
	out := make([]byte, len(bits))
	for i, b := range bits {
		if b {
			out[i] = 1
		}
	}
	return out
}
