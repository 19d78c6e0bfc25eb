package sessionstore

import (
	"context"
	"time"
)

// Entry is a key/value pair to store.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a key/value store whose entries expire after a TTL. Callers treat every operation
// as best-effort; a miss is reported as found == false, never as an error.
type Store interface {
	// Put stores a value that expires after ttl.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// PutAll atomically stores all entries with the same ttl, so that they expire together.
	PutAll(ctx context.Context, entries []Entry, ttl time.Duration) error

	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	Close() error
}
