// ABOUTME: Order-preserving encoding for composite keys
// ABOUTME: Byte-wise key order matches tuple order so prefix scans walk versions numerically

package storage

import (
	"encoding/binary"
	"fmt"
)

// Value types for composite keys
const (
	TYPE_BYTES = 1
	TYPE_INT64 = 2
)

const (
	escByte    = 0x01
	terminator = 0x00
)

// Value represents a single value in a composite key
type Value struct {
	Type uint8
	Str  []byte
	I64  int64
}

// NewBytesValue creates a bytes value
func NewBytesValue(data []byte) Value {
	return Value{Type: TYPE_BYTES, Str: data}
}

// NewStringValue creates a bytes value from a string
func NewStringValue(s string) Value {
	return Value{Type: TYPE_BYTES, Str: []byte(s)}
}

// NewInt64Value creates an int64 value
func NewInt64Value(i int64) Value {
	return Value{Type: TYPE_INT64, I64: i}
}

// EncodeValues encodes multiple values in order-preserving format.
// Each value is tagged with its type so mixed tuples never collide.
func EncodeValues(vals []Value) []byte {
	out := make([]byte, 0, 64)
	for _, v := range vals {
		out = append(out, v.Type)

		switch v.Type {
		case TYPE_INT64:
			out = appendOrderedInt64(out, v.I64)

		case TYPE_BYTES:
			out = append(out, escapeString(v.Str)...)
			out = append(out, terminator)

		default:
			panic(fmt.Sprintf("unknown type: %d", v.Type))
		}
	}
	return out
}

// appendOrderedInt64 flips the sign bit so negative numbers sort first
func appendOrderedInt64(out []byte, i int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(i)+(1<<63))
	return append(out, buf[:]...)
}

func readOrderedInt64(data []byte) int64 {
	return int64(binary.BigEndian.Uint64(data) - (1 << 63))
}

// escapeString removes terminator bytes from s.
// 0x00 becomes 0x01 0x01 and 0x01 becomes 0x01 0x02, which keeps ordering intact.
func escapeString(s []byte) []byte {
	escapes := 0
	for _, b := range s {
		if b == terminator || b == escByte {
			escapes++
		}
	}

	if escapes == 0 {
		return s
	}

	out := make([]byte, 0, len(s)+escapes)
	for _, b := range s {
		switch b {
		case terminator:
			out = append(out, escByte, 0x01)
		case escByte:
			out = append(out, escByte, 0x02)
		default:
			out = append(out, b)
		}
	}
	return out
}

// unescapeString reverses escapeString
func unescapeString(s []byte) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != escByte {
			out = append(out, s[i])
			continue
		}
		if i+1 >= len(s) {
			return nil, fmt.Errorf("dangling escape at pos %d", i)
		}
		switch s[i+1] {
		case 0x01:
			out = append(out, terminator)
		case 0x02:
			out = append(out, escByte)
		default:
			return nil, fmt.Errorf("bad escape 0x%02x at pos %d", s[i+1], i)
		}
		i++
	}
	return out, nil
}

// DecodeValues decodes values from encoded format
func DecodeValues(data []byte) ([]Value, error) {
	vals := make([]Value, 0, 4)
	pos := 0

	for pos < len(data) {
		typ := data[pos]
		pos++

		switch typ {
		case TYPE_INT64:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("incomplete int64 at pos %d", pos)
			}
			vals = append(vals, NewInt64Value(readOrderedInt64(data[pos:pos+8])))
			pos += 8

		case TYPE_BYTES:
			end := pos
			for end < len(data) && data[end] != terminator {
				end++
			}
			if end >= len(data) {
				return nil, fmt.Errorf("unterminated string at pos %d", pos)
			}
			str, err := unescapeString(data[pos:end])
			if err != nil {
				return nil, err
			}
			vals = append(vals, NewBytesValue(str))
			pos = end + 1

		default:
			return nil, fmt.Errorf("unknown type: %d at pos %d", typ, pos-1)
		}
	}

	return vals, nil
}

// EncodeKey encodes a composite key with prefix
func EncodeKey(prefix uint32, vals []Value) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], prefix)
	out := append([]byte{}, buf[:]...)

	return append(out, EncodeValues(vals)...)
}

// ExtractPrefix extracts the prefix from an encoded key
func ExtractPrefix(key []byte) uint32 {
	if len(key) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(key[:4])
}

// ExtractValues extracts and decodes values from an encoded key
func ExtractValues(key []byte) ([]Value, error) {
	if len(key) < 4 {
		return nil, fmt.Errorf("key too short")
	}
	return DecodeValues(key[4:])
}
