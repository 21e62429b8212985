// Package tlv implements the Type-Length-Value binary encoder/decoder used
// to serialize dirty protocol payloads. It supports the primitive set
// needed by the framed protocol: nil, bool, signed 64-bit int, float64,
// byte strings, UTF-8 strings, and nested lists/dicts.
package tlv

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// Type tags, one byte each.
const (
	TypeNone   byte = 0x00
	TypeBool   byte = 0x01
	TypeInt64  byte = 0x05
	TypeFloat  byte = 0x06
	TypeBytes  byte = 0x10
	TypeString byte = 0x11
	TypeList   byte = 0x20
	TypeDict   byte = 0x21
)

// Hard limits shared with the framed protocol (spec §4.1).
const (
	MaxStringSize  = 64 * 1024 * 1024
	MaxBytesSize   = 64 * 1024 * 1024
	MaxListCount   = 1 << 20
	MaxDictCount   = 1 << 20
)

// Dict is the concrete map type used for TLV dict values. Keys are always
// strings on the wire.
type Dict map[string]any

// List is the concrete slice type used for TLV list values.
type List []any

// Encode serializes a Go value into its TLV binary representation.
// Supported kinds: nil, bool, all signed/unsigned integer kinds (coerced to
// int64), float32/float64, []byte, string, []any (or List), and
// map[string]any (or Dict). Any other kind is an error.
func Encode(v any) ([]byte, error) {
	buf := make([]byte, 0, 16)
	return appendValue(buf, v)
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, TypeNone), nil
	case bool:
		b := byte(0x00)
		if val {
			b = 0x01
		}
		return append(buf, TypeBool, b), nil
	case int:
		return appendInt64(buf, int64(val)), nil
	case int8:
		return appendInt64(buf, int64(val)), nil
	case int16:
		return appendInt64(buf, int64(val)), nil
	case int32:
		return appendInt64(buf, int64(val)), nil
	case int64:
		return appendInt64(buf, val), nil
	case uint:
		return appendInt64(buf, int64(val)), nil
	case uint8:
		return appendInt64(buf, int64(val)), nil
	case uint16:
		return appendInt64(buf, int64(val)), nil
	case uint32:
		return appendInt64(buf, int64(val)), nil
	case uint64:
		return appendInt64(buf, int64(val)), nil
	case float32:
		return appendFloat64(buf, float64(val)), nil
	case float64:
		return appendFloat64(buf, val), nil
	case []byte:
		if len(val) > MaxBytesSize {
			return nil, fmt.Errorf("tlv: bytes too large: %d bytes (max %d)", len(val), MaxBytesSize)
		}
		buf = append(buf, TypeBytes)
		buf = appendUint32(buf, uint32(len(val)))
		return append(buf, val...), nil
	case string:
		if len(val) > MaxStringSize {
			return nil, fmt.Errorf("tlv: string too large: %d bytes (max %d)", len(val), MaxStringSize)
		}
		buf = append(buf, TypeString)
		buf = appendUint32(buf, uint32(len(val)))
		return append(buf, val...), nil
	case List:
		return appendList(buf, []any(val))
	case []any:
		return appendList(buf, val)
	case Dict:
		return appendDict(buf, map[string]any(val))
	case map[string]any:
		return appendDict(buf, val)
	default:
		return nil, fmt.Errorf("tlv: unsupported type for encoding: %T", v)
	}
}

func appendInt64(buf []byte, v int64) []byte {
	buf = append(buf, TypeInt64)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func appendFloat64(buf []byte, v float64) []byte {
	buf = append(buf, TypeFloat)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v))
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendList(buf []byte, items []any) ([]byte, error) {
	if len(items) > MaxListCount {
		return nil, fmt.Errorf("tlv: list too large: %d items (max %d)", len(items), MaxListCount)
	}
	buf = append(buf, TypeList)
	buf = appendUint32(buf, uint32(len(items)))
	var err error
	for _, item := range items {
		buf, err = appendValue(buf, item)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendDict(buf []byte, m map[string]any) ([]byte, error) {
	if len(m) > MaxDictCount {
		return nil, fmt.Errorf("tlv: dict too large: %d items (max %d)", len(m), MaxDictCount)
	}
	buf = append(buf, TypeDict)
	buf = appendUint32(buf, uint32(len(m)))
	var err error
	for k, v := range m {
		buf, err = appendValue(buf, k)
		if err != nil {
			return nil, err
		}
		buf, err = appendValue(buf, v)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// Decode decodes a single TLV value starting at offset, returning the value
// and the offset immediately after it.
func Decode(data []byte, offset int) (any, int, error) {
	if offset >= len(data) {
		return nil, offset, fmt.Errorf("tlv: truncated data: no type byte at offset %d", offset)
	}
	typ := data[offset]
	offset++

	switch typ {
	case TypeNone:
		return nil, offset, nil

	case TypeBool:
		if offset >= len(data) {
			return nil, offset, fmt.Errorf("tlv: truncated bool")
		}
		return data[offset] != 0x00, offset + 1, nil

	case TypeInt64:
		if offset+8 > len(data) {
			return nil, offset, fmt.Errorf("tlv: truncated int64")
		}
		v := int64(binary.BigEndian.Uint64(data[offset : offset+8]))
		return v, offset + 8, nil

	case TypeFloat:
		if offset+8 > len(data) {
			return nil, offset, fmt.Errorf("tlv: truncated float64")
		}
		bits := binary.BigEndian.Uint64(data[offset : offset+8])
		return math.Float64frombits(bits), offset + 8, nil

	case TypeBytes:
		length, next, err := readLen(data, offset, MaxBytesSize, "bytes")
		if err != nil {
			return nil, offset, err
		}
		offset = next
		if offset+length > len(data) {
			return nil, offset, fmt.Errorf("tlv: truncated bytes: expected %d, got %d", length, len(data)-offset)
		}
		out := make([]byte, length)
		copy(out, data[offset:offset+length])
		return out, offset + length, nil

	case TypeString:
		length, next, err := readLen(data, offset, MaxStringSize, "string")
		if err != nil {
			return nil, offset, err
		}
		offset = next
		if offset+length > len(data) {
			return nil, offset, fmt.Errorf("tlv: truncated string: expected %d, got %d", length, len(data)-offset)
		}
		s := data[offset : offset+length]
		if !utf8.Valid(s) {
			return nil, offset, fmt.Errorf("tlv: invalid UTF-8 in string")
		}
		return string(s), offset + length, nil

	case TypeList:
		count, next, err := readLen(data, offset, MaxListCount, "list")
		if err != nil {
			return nil, offset, err
		}
		offset = next
		items := make([]any, 0, count)
		for i := 0; i < count; i++ {
			var item any
			item, offset, err = Decode(data, offset)
			if err != nil {
				return nil, offset, err
			}
			items = append(items, item)
		}
		return items, offset, nil

	case TypeDict:
		count, next, err := readLen(data, offset, MaxDictCount, "dict")
		if err != nil {
			return nil, offset, err
		}
		offset = next
		result := make(map[string]any, count)
		for i := 0; i < count; i++ {
			var keyVal any
			keyVal, offset, err = Decode(data, offset)
			if err != nil {
				return nil, offset, err
			}
			key, ok := keyVal.(string)
			if !ok {
				return nil, offset, fmt.Errorf("tlv: dict key must be string, got %T", keyVal)
			}
			var val any
			val, offset, err = Decode(data, offset)
			if err != nil {
				return nil, offset, err
			}
			result[key] = val
		}
		return result, offset, nil

	default:
		return nil, offset, fmt.Errorf("tlv: unknown type tag 0x%02x", typ)
	}
}

func readLen(data []byte, offset int, max int, what string) (int, int, error) {
	if offset+4 > len(data) {
		return 0, offset, fmt.Errorf("tlv: truncated %s length", what)
	}
	n := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	if n > max {
		return 0, offset, fmt.Errorf("tlv: %s too large: %d (max %d)", what, n, max)
	}
	return n, offset + 4, nil
}

// DecodeFull decodes exactly one TLV value and errors if any bytes remain.
func DecodeFull(data []byte) (any, error) {
	v, offset, err := Decode(data, 0)
	if err != nil {
		return nil, err
	}
	if offset != len(data) {
		return nil, fmt.Errorf("tlv: trailing data after value: %d bytes", len(data)-offset)
	}
	return v, nil
}
