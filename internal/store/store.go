// Package store persists the session manager's state behind a small
// key-value contract. The session manager is the only writer.
package store

import (
	"context"

	apperrors "github.com/navibridge/navibridge/internal/errors"
)

// Store is the persisted state contract. Get returns errors.ErrNotFound for
// absent keys.
type Store interface {
	Init(ctx context.Context) error
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Clear(ctx context.Context) error
	Close() error
}

// Load reads key and decodes it. found is false when the key is absent; a
// decode failure is returned as an error so the caller can discard the value.
func Load[T any](ctx context.Context, s Store, key string, decode func([]byte) (T, error)) (v T, found bool, err error) {
	b, err := s.Get(ctx, key)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, apperrors.Wrapf(err, "get %s", key)
	}
	v, err = decode(b)
	if err != nil {
		return v, true, apperrors.Wrapf(err, "decode %s", key)
	}
	return v, true, nil
}

// Save encodes v and writes it under key.
func Save[T any](ctx context.Context, s Store, key string, v T, encode func(T) ([]byte, error)) error {
	b, err := encode(v)
	if err != nil {
		return apperrors.Wrapf(err, "encode %s", key)
	}
	return apperrors.Wrapf(s.Set(ctx, key, b), "set %s", key)
}
