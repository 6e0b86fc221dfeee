package memory

import (
	"bytes"
	"context"
	"sync"

	"credlayer/internal/types"
)

// BlobStore keeps blobs in process memory. Nothing survives a restart; it is the default for
// sandboxed deployments and the reference implementation in tests.
type BlobStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

func (s *BlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, types.ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (s *BlobStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = bytes.Clone(value)
	return nil
}

func (s *BlobStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *BlobStore) Close() error {
	return nil
}
