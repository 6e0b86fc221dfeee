package bolt

import (
	"context"
	"time"

	"credlayer/internal/types"

	bolt "go.etcd.io/bbolt"
)

const defaultBucket = "credlayer"

// BlobStore persists blobs in a local bbolt file. It is safe for concurrent use.
type BlobStore struct {
	db     *bolt.DB
	bucket []byte
}

// Open initializes or opens a BlobStore at path. An empty bucket name selects the default one.
func Open(path, bucket string) (*BlobStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, types.Err(types.ErrStorageUnavailable, err, "opening %s", path)
	}
	if bucket == "" {
		bucket = defaultBucket
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, types.Err(types.ErrStorageUnavailable, err, "")
	}
	return &BlobStore{db: db, bucket: []byte(bucket)}, nil
}

func (s *BlobStore) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(key))
		if v != nil {
			// v is only valid for the lifetime of the transaction.
			out = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, types.Err(types.ErrStorageUnavailable, err, "")
	}
	if out == nil {
		return nil, types.ErrNotFound
	}
	return out, nil
}

func (s *BlobStore) Set(_ context.Context, key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), value)
	})
	if err != nil {
		return types.Err(types.ErrStorageUnavailable, err, "")
	}
	return nil
}

func (s *BlobStore) Remove(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
	if err != nil {
		return types.Err(types.ErrStorageUnavailable, err, "")
	}
	return nil
}

func (s *BlobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
