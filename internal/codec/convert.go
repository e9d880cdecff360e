package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Convert coerces a loosely typed value (decoded JSON, a CLI flag) into T.
// Integer kinds reject fractions and out-of-range values.
func Convert[T Value](v any) (T, error) {
	var zero T
	k := KindOf[T]()
	switch k {
	case Bool:
		b, err := toBool(v)
		if err != nil {
			return zero, err
		}
		return any(b).(T), nil
	case Float32:
		f, err := toFloat(v)
		if err != nil {
			return zero, err
		}
		if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
			return zero, fmt.Errorf("value %v overflows float32", f)
		}
		return any(float32(f)).(T), nil
	case Float64:
		f, err := toFloat(v)
		if err != nil {
			return zero, err
		}
		return any(f).(T), nil
	case Uint16, Uint32, Uint64:
		u, err := toUint(v)
		if err != nil {
			return zero, err
		}
		switch k {
		case Uint16:
			if u > math.MaxUint16 {
				return zero, fmt.Errorf("value %d out of range for uint16", u)
			}
			return any(uint16(u)).(T), nil
		case Uint32:
			if u > math.MaxUint32 {
				return zero, fmt.Errorf("value %d out of range for uint32", u)
			}
			return any(uint32(u)).(T), nil
		}
		return any(u).(T), nil
	default:
		i, err := toInt(v)
		if err != nil {
			return zero, err
		}
		switch k {
		case Int16:
			if i < math.MinInt16 || i > math.MaxInt16 {
				return zero, fmt.Errorf("value %d out of range for int16", i)
			}
			return any(int16(i)).(T), nil
		case Int32:
			if i < math.MinInt32 || i > math.MaxInt32 {
				return zero, fmt.Errorf("value %d out of range for int32", i)
			}
			return any(int32(i)).(T), nil
		}
		return any(i).(T), nil
	}
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, fmt.Errorf("invalid bool %q", x)
		}
		return b, nil
	default:
		f, err := toFloat(v)
		if err != nil {
			return false, err
		}
		return f != 0, nil
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", x)
		}
		return f, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("value %d out of range", x)
		}
		return int64(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		return toInt(string(x))
	case string:
		s := strings.TrimSpace(x)
		if i, err := strconv.ParseInt(s, 0, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", x)
		}
		return floatToInt(f)
	default:
		f, err := toFloat(v)
		if err != nil {
			return 0, err
		}
		return floatToInt(f)
	}
}

func floatToInt(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("value %v is not an integer", f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("value %v out of range", f)
	}
	return int64(f), nil
}

func toUint(v any) (uint64, error) {
	switch x := v.(type) {
	case uint16:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case uint64:
		return x, nil
	case json.Number:
		if u, err := strconv.ParseUint(string(x), 10, 64); err == nil {
			return u, nil
		}
	case string:
		if u, err := strconv.ParseUint(strings.TrimSpace(x), 0, 64); err == nil {
			return u, nil
		}
	}
	i, err := toInt(v)
	if err != nil {
		return 0, err
	}
	if i < 0 {
		return 0, fmt.Errorf("value %d is negative", i)
	}
	return uint64(i), nil
}

// EncodeAs converts v to kind k and encodes it.
func EncodeAs(k Kind, v any) ([]byte, error) {
	switch k {
	case Bool:
		return encodeAs[bool](v)
	case Int16:
		return encodeAs[int16](v)
	case Uint16:
		return encodeAs[uint16](v)
	case Int32:
		return encodeAs[int32](v)
	case Uint32:
		return encodeAs[uint32](v)
	case Int64:
		return encodeAs[int64](v)
	case Uint64:
		return encodeAs[uint64](v)
	case Float32:
		return encodeAs[float32](v)
	case Float64:
		return encodeAs[float64](v)
	default:
		return nil, fmt.Errorf("unknown kind %d", k)
	}
}

func encodeAs[T Value](v any) ([]byte, error) {
	x, err := Convert[T](v)
	if err != nil {
		return nil, err
	}
	return Encode(x), nil
}
