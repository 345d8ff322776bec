// ABOUTME: Storage backend contract shared by the Badger and SQLite engines
// ABOUTME: Plain ordered KV with prefix scans; the resource store adds the versioning rules

package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("storage: key not found")

	// ErrStopScan stops a Scan early without reporting an error.
	ErrStopScan = errors.New("storage: stop scan")
)

// Backend is an ordered key-value store.
type Backend interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Set inserts or overwrites key. It is durable when it returns.
	Set(ctx context.Context, key, val []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key []byte) error

	// Scan visits every key with the given prefix in ascending byte order.
	// Returning ErrStopScan from fn ends the scan cleanly.
	Scan(ctx context.Context, prefix []byte, fn func(key, val []byte) error) error

	Close() error
}

// PrefixEnd returns the smallest key greater than every key starting with
// prefix, or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
