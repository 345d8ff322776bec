// ABOUTME: Tests for composite key encoding
// ABOUTME: Verifies order-preserving properties and roundtrip encoding

package storage

import (
	"bytes"
	"testing"
)

func TestEncodeInt64(t *testing.T) {
	vals := []Value{
		NewInt64Value(-1000),
		NewInt64Value(-1),
		NewInt64Value(0),
		NewInt64Value(1),
		NewInt64Value(9),
		NewInt64Value(10),
		NewInt64Value(1000),
	}

	encoded := make([][]byte, len(vals))
	for i, v := range vals {
		encoded[i] = EncodeValues([]Value{v})
	}

	// Numeric, not lexical: 9 must sort before 10
	for i := 0; i < len(encoded)-1; i++ {
		if bytes.Compare(encoded[i], encoded[i+1]) >= 0 {
			t.Errorf("Order violated: %d should be < %d", vals[i].I64, vals[i+1].I64)
		}
	}

	for i, enc := range encoded {
		decoded, err := DecodeValues(enc)
		if err != nil {
			t.Fatalf("Failed to decode: %v", err)
		}
		if len(decoded) != 1 {
			t.Fatalf("Expected 1 value, got %d", len(decoded))
		}
		if decoded[0].I64 != vals[i].I64 {
			t.Errorf("Roundtrip failed: expected %d, got %d", vals[i].I64, decoded[0].I64)
		}
	}
}

func TestEncodeBytes(t *testing.T) {
	vals := []Value{
		NewBytesValue([]byte("")),
		NewBytesValue([]byte("a")),
		NewBytesValue([]byte("a\x00")),
		NewBytesValue([]byte("a\x01")),
		NewBytesValue([]byte("aa")),
		NewBytesValue([]byte("ab")),
		NewBytesValue([]byte("b")),
	}

	encoded := make([][]byte, len(vals))
	for i, v := range vals {
		encoded[i] = EncodeValues([]Value{v})
	}

	for i := 0; i < len(encoded)-1; i++ {
		if bytes.Compare(encoded[i], encoded[i+1]) >= 0 {
			t.Errorf("Order violated: %q should be < %q", vals[i].Str, vals[i+1].Str)
		}
	}

	for i, enc := range encoded {
		decoded, err := DecodeValues(enc)
		if err != nil {
			t.Fatalf("Failed to decode: %v", err)
		}
		if !bytes.Equal(decoded[0].Str, vals[i].Str) {
			t.Errorf("Roundtrip failed: expected %q, got %q", vals[i].Str, decoded[0].Str)
		}
	}
}

func TestEncodeComposite(t *testing.T) {
	vals := []Value{
		NewStringValue("Patient"),
		NewStringValue("p1"),
		NewInt64Value(42),
	}

	decoded, err := DecodeValues(EncodeValues(vals))
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("Expected 3 values, got %d", len(decoded))
	}
	if string(decoded[0].Str) != "Patient" || string(decoded[1].Str) != "p1" || decoded[2].I64 != 42 {
		t.Errorf("Composite roundtrip mismatch: %+v", decoded)
	}
}

func TestEncodeKeyWithPrefix(t *testing.T) {
	key := EncodeKey(PREFIX_RECORD, []Value{NewStringValue("x")})

	if ExtractPrefix(key) != PREFIX_RECORD {
		t.Errorf("Expected prefix %d, got %d", PREFIX_RECORD, ExtractPrefix(key))
	}

	vals, err := ExtractValues(key)
	if err != nil {
		t.Fatalf("Failed to extract: %v", err)
	}
	if string(vals[0].Str) != "x" {
		t.Errorf("Expected x, got %s", vals[0].Str)
	}
}

func TestEscapeString(t *testing.T) {
	tests := []struct {
		input []byte
		name  string
	}{
		{[]byte("normal"), "normal string"},
		{[]byte{0x00}, "null byte"},
		{[]byte{0x01}, "escape byte"},
		{[]byte{0x00, 0x01, 0xFF}, "mixed"},
		{[]byte("test\x00string"), "embedded null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			escaped := escapeString(tt.input)
			if bytes.IndexByte(escaped, 0x00) >= 0 {
				t.Fatalf("Escaped form still contains a terminator: %v", escaped)
			}

			unescaped, err := unescapeString(escaped)
			if err != nil {
				t.Fatalf("Unescape failed: %v", err)
			}
			if !bytes.Equal(unescaped, tt.input) {
				t.Errorf("Escape/unescape failed for %v", tt.input)
			}
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeValues([]byte{TYPE_BYTES, 'a'}); err == nil {
		t.Error("Expected error for unterminated string")
	}
	if _, err := DecodeValues([]byte{TYPE_INT64, 1, 2}); err == nil {
		t.Error("Expected error for short int64")
	}
	if _, err := DecodeValues([]byte{99}); err == nil {
		t.Error("Expected error for unknown type")
	}
}
