package liveq

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	jsoniter "github.com/json-iterator/go"
)

// Values exchanged with the query engine. A `Value` is one of:
//   nil, bool, int64, float64, string, []byte, []Value, map[string]Value
// Convenience integer and float types are normalized on encode.
//
// JSON cannot carry full 64-bit integer precision (or non-finite floats),
// so those are escaped into structured single-key objects on the wire:
//   {"$integer": base64 of 8 little-endian bytes}
//   {"$bytes": base64}
//   {"$float": base64 of 8 little-endian IEEE-754 bytes}
type Value = any

const (
	integerEscapeKey = "$integer"
	bytesEscapeKey   = "$bytes"
	floatEscapeKey   = "$float"
)

var wireJson = jsoniter.ConfigCompatibleWithStandardLibrary

// map keys sorted so that semantically identical values serialize identically
var canonicalJson = jsoniter.Config{
	SortMapKeys: true,
	EscapeHTML:  false,
}.Froze()

type ValueEncodingError struct {
	Path  string
	Value any
}

func (self *ValueEncodingError) Error() string {
	return fmt.Sprintf("Cannot encode value at %s: %T", self.Path, self.Value)
}

// converts a native value to its wire representation.
// fails with `ValueEncodingError` rather than silently truncating.
func valueToWire(value Value, path string) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool:
		return v, nil
	case string:
		return v, nil
	case int64:
		return map[string]any{integerEscapeKey: encodeInt64(v)}, nil
	case int:
		return map[string]any{integerEscapeKey: encodeInt64(int64(v))}, nil
	case int32:
		return map[string]any{integerEscapeKey: encodeInt64(int64(v))}, nil
	case uint32:
		return map[string]any{integerEscapeKey: encodeInt64(int64(v))}, nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || (v == 0 && math.Signbit(v)) {
			return map[string]any{floatEscapeKey: encodeFloat64(v)}, nil
		}
		return v, nil
	case float32:
		return valueToWire(float64(v), path)
	case []byte:
		return map[string]any{bytesEscapeKey: base64.StdEncoding.EncodeToString(v)}, nil
	case []Value:
		wireItems := make([]any, len(v))
		for i, item := range v {
			wireItem, err := valueToWire(item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			wireItems[i] = wireItem
		}
		return wireItems, nil
	case map[string]Value:
		wireFields := make(map[string]any, len(v))
		for key, field := range v {
			wireField, err := valueToWire(field, fmt.Sprintf("%s.%s", path, key))
			if err != nil {
				return nil, err
			}
			wireFields[key] = wireField
		}
		return wireFields, nil
	default:
		return nil, &ValueEncodingError{
			Path:  path,
			Value: value,
		}
	}
}

// converts a decoded wire representation back to a native value
func valueFromWire(wire any) (Value, error) {
	switch v := wire.(type) {
	case nil, bool, string, float64:
		return v, nil
	case []any:
		items := make([]Value, len(v))
		for i, wireItem := range v {
			item, err := valueFromWire(wireItem)
			if err != nil {
				return nil, err
			}
			items[i] = item
		}
		return items, nil
	case map[string]any:
		if len(v) == 1 {
			if encoded, ok := v[integerEscapeKey]; ok {
				return decodeInt64(encoded)
			}
			if encoded, ok := v[floatEscapeKey]; ok {
				return decodeFloat64(encoded)
			}
			if encoded, ok := v[bytesEscapeKey]; ok {
				encodedStr, ok := encoded.(string)
				if !ok {
					return nil, fmt.Errorf("Malformed %s value: %T", bytesEscapeKey, encoded)
				}
				return base64.StdEncoding.DecodeString(encodedStr)
			}
		}
		fields := make(map[string]Value, len(v))
		for key, wireField := range v {
			field, err := valueFromWire(wireField)
			if err != nil {
				return nil, err
			}
			fields[key] = field
		}
		return fields, nil
	default:
		return nil, fmt.Errorf("Unknown wire value type: %T", wire)
	}
}

func encodeInt64(v int64) string {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return base64.StdEncoding.EncodeToString(buf[:])
}

func decodeInt64(encoded any) (int64, error) {
	encodedStr, ok := encoded.(string)
	if !ok {
		return 0, fmt.Errorf("Malformed %s value: %T", integerEscapeKey, encoded)
	}
	buf, err := base64.StdEncoding.DecodeString(encodedStr)
	if err != nil {
		return 0, err
	}
	if len(buf) != 8 {
		return 0, fmt.Errorf("Malformed %s value: %d bytes", integerEscapeKey, len(buf))
	}
	return int64(binary.LittleEndian.Uint64(buf)), nil
}

func encodeFloat64(v float64) string {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	return base64.StdEncoding.EncodeToString(buf[:])
}

func decodeFloat64(encoded any) (float64, error) {
	encodedStr, ok := encoded.(string)
	if !ok {
		return 0, fmt.Errorf("Malformed %s value: %T", floatEscapeKey, encoded)
	}
	buf, err := base64.StdEncoding.DecodeString(encodedStr)
	if err != nil {
		return 0, err
	}
	if len(buf) != 8 {
		return 0, fmt.Errorf("Malformed %s value: %d bytes", floatEscapeKey, len(buf))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf)), nil
}

func EncodeValue(value Value) ([]byte, error) {
	wire, err := valueToWire(value, "$")
	if err != nil {
		return nil, err
	}
	return wireJson.Marshal(wire)
}

func DecodeValue(b []byte) (Value, error) {
	var wire any
	if err := wireJson.Unmarshal(b, &wire); err != nil {
		return nil, err
	}
	return valueFromWire(wire)
}

// a canonical string fingerprint for a function reference plus its
// arguments. Argument objects are canonicalized (keys sorted, values
// normalized to their wire form) so that semantically identical calls
// produce the same token.
type QueryToken string

func NewQueryToken(functionRef string, args map[string]Value) (QueryToken, error) {
	wireArgs, err := valueToWire(normalizeArgs(args), "args")
	if err != nil {
		return "", err
	}
	fingerprint, err := canonicalJson.Marshal(map[string]any{
		"functionRef": functionRef,
		"args":        wireArgs,
	})
	if err != nil {
		return "", err
	}
	return QueryToken(fingerprint), nil
}

func normalizeArgs(args map[string]Value) map[string]Value {
	if args == nil {
		return map[string]Value{}
	}
	return args
}
