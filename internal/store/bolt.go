package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/navibridge/navibridge/internal/errors"
	"go.etcd.io/bbolt"
)

const defaultBucket = "navien"

// BoltStore keeps state in a single bucket of a local BBolt file.
type BoltStore struct {
	db     *bbolt.DB
	bucket []byte
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore wraps an open database. bucket defaults to "navien".
func NewBoltStore(db *bbolt.DB, bucket string) *BoltStore {
	if bucket == "" {
		bucket = defaultBucket
	}
	return &BoltStore{db: db, bucket: []byte(bucket)}
}

// OpenBoltStore opens (creating if needed) the database file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating store dir: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewBoltStore(db, ""), nil
}

func (s *BoltStore) Init(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
}

func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return apperrors.ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return apperrors.ErrNotFound
		}
		// v is only valid inside the transaction
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *BoltStore) Set(ctx context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (s *BoltStore) Clear(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(s.bucket) == nil {
			return nil
		}
		if err := tx.DeleteBucket(s.bucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(s.bucket)
		return err
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
