package ports

import "context"

// BlobStore is the durable key-value storage holding the encrypted credential blob.
// Get MUST return types.ErrNotFound when the key does not exist.
// Implementations that cannot reach their medium MUST return an error wrapping
// types.ErrStorageUnavailable so callers can keep operating in memory.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)

	// Set overwrites any previous value stored under key.
	Set(ctx context.Context, key string, value []byte) error

	// Remove is idempotent; removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	Close() error
}
