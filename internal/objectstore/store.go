package objectstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no payload exists under a key.
var ErrNotFound = errors.New("object not found")

// Store reads upload payloads by key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// NullStore holds nothing.
type NullStore struct{}

func (NullStore) Get(_ context.Context, _ string) ([]byte, error) { return nil, ErrNotFound }
