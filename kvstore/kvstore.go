// Package kvstore provides the key/value blob store used to persist the
// last accepted declaration. The agent only needs Get/Put/Delete on small
// JSON blobs; backends are pluggable so tests run against memory and the
// device runs against a file.
package kvstore

import (
	"context"

	"github.com/blheatwole/f5-telemetry-streaming/errors"
)

// Store is the persistence contract for configuration blobs.
type Store interface {
	// Get returns the value for key. Returns errors.ErrKeyNotFound when the
	// key has never been written or was deleted.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// ErrKeyNotFound is re-exported for callers that only import kvstore.
var ErrKeyNotFound = errors.ErrKeyNotFound
