package redis

import (
	"context"
	"errors"
	"fmt"

	"credlayer/internal/types"

	"github.com/redis/go-redis/v9"
)

const (
	blobKeyNameTemplate = "_credlayer_blob_%s"
)

// BlobStore keeps blobs as plain redis strings without expiry; the credential manager owns
// their lifecycle.
type BlobStore struct {
	cli *redis.Client
}

func NewBlobStore(cli *redis.Client) *BlobStore {
	return &BlobStore{cli: cli}
}

func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.cli.Get(ctx, getBlobKeyName(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, types.ErrNotFound
		}
		return nil, types.Err(types.ErrStorageUnavailable, err, "")
	}
	return out, nil
}

func (s *BlobStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.cli.Set(ctx, getBlobKeyName(key), value, 0).Err(); err != nil {
		return types.Err(types.ErrStorageUnavailable, err, "")
	}
	return nil
}

func (s *BlobStore) Remove(ctx context.Context, key string) error {
	if err := s.cli.Del(ctx, getBlobKeyName(key)).Err(); err != nil {
		return types.Err(types.ErrStorageUnavailable, err, "")
	}
	return nil
}

func (s *BlobStore) Close() error {
	return s.cli.Close()
}

func getBlobKeyName(key string) string {
	return fmt.Sprintf(blobKeyNameTemplate, key)
}
