// ABOUTME: Structured resource keys and their storage encoding
// ABOUTME: Immutable version records, the mutable current pointer and delete tombstones

package storage

import (
	"fmt"
	"strconv"
)

// Key prefixes
const (
	PREFIX_RECORD    = uint32(1000) // (type, id, version) -> immutable body
	PREFIX_CURRENT   = uint32(2000) // (type, id) -> body of the live version
	PREFIX_TOMBSTONE = uint32(3000) // (type, id) -> delete marker
)

// ResourceKey identifies a resource, or one version of it when Version > 0.
type ResourceKey struct {
	Type    string
	ID      string
	Version int64
}

// String renders the key as Type/ID or Type/ID/_history/Version.
func (k ResourceKey) String() string {
	if k.Version > 0 {
		return k.Type + "/" + k.ID + "/_history/" + strconv.FormatInt(k.Version, 10)
	}
	return k.Type + "/" + k.ID
}

// RecordKey encodes the immutable key for one version.
func RecordKey(k ResourceKey) []byte {
	return EncodeKey(PREFIX_RECORD, []Value{
		NewStringValue(k.Type),
		NewStringValue(k.ID),
		NewInt64Value(k.Version),
	})
}

// CurrentKey encodes the mutable current-version pointer key.
func CurrentKey(k ResourceKey) []byte {
	return EncodeKey(PREFIX_CURRENT, []Value{
		NewStringValue(k.Type),
		NewStringValue(k.ID),
	})
}

// TombstoneKey encodes the delete marker key.
func TombstoneKey(k ResourceKey) []byte {
	return EncodeKey(PREFIX_TOMBSTONE, []Value{
		NewStringValue(k.Type),
		NewStringValue(k.ID),
	})
}

// RecordPrefix returns the scan prefix for records. An empty id covers the
// whole type and an empty type covers every record.
func RecordPrefix(resourceType, id string) []byte {
	return scopePrefix(PREFIX_RECORD, resourceType, id)
}

// CurrentPrefix returns the scan prefix for current pointers.
func CurrentPrefix(resourceType string) []byte {
	return scopePrefix(PREFIX_CURRENT, resourceType, "")
}

func scopePrefix(prefix uint32, resourceType, id string) []byte {
	var vals []Value
	if resourceType != "" {
		vals = append(vals, NewStringValue(resourceType))
		if id != "" {
			vals = append(vals, NewStringValue(id))
		}
	}
	return EncodeKey(prefix, vals)
}

// DecodeKey turns any record, current or tombstone key back into a ResourceKey.
func DecodeKey(key []byte) (ResourceKey, error) {
	prefix := ExtractPrefix(key)
	vals, err := ExtractValues(key)
	if err != nil {
		return ResourceKey{}, err
	}

	switch prefix {
	case PREFIX_RECORD:
		if len(vals) != 3 || vals[0].Type != TYPE_BYTES || vals[1].Type != TYPE_BYTES || vals[2].Type != TYPE_INT64 {
			return ResourceKey{}, fmt.Errorf("malformed record key")
		}
		return ResourceKey{Type: string(vals[0].Str), ID: string(vals[1].Str), Version: vals[2].I64}, nil

	case PREFIX_CURRENT, PREFIX_TOMBSTONE:
		if len(vals) != 2 || vals[0].Type != TYPE_BYTES || vals[1].Type != TYPE_BYTES {
			return ResourceKey{}, fmt.Errorf("malformed pointer key")
		}
		return ResourceKey{Type: string(vals[0].Str), ID: string(vals[1].Str)}, nil

	default:
		return ResourceKey{}, fmt.Errorf("unknown key prefix: %d", prefix)
	}
}
