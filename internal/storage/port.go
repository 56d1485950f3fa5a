package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Port.Load when nothing is stored under the key.
var ErrNotFound = errors.New("storage: not found")

// Port stores opaque state blobs under stable logical keys such as
// "analytics/discovery/2025-11-03".
type Port interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, blob []byte) error
}
