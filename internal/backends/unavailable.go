package backends

import (
	"context"

	"credlayer/internal/types"
)

// Unavailable is the storage of a sandboxed deployment: every call fails with
// types.ErrStorageUnavailable and the credential manager keeps working in memory only.
type Unavailable struct{}

func (Unavailable) Get(context.Context, string) ([]byte, error) {
	return nil, types.ErrStorageUnavailable
}

func (Unavailable) Set(context.Context, string, []byte) error {
	return types.ErrStorageUnavailable
}

func (Unavailable) Remove(context.Context, string) error {
	return types.ErrStorageUnavailable
}

func (Unavailable) Close() error {
	return nil
}
