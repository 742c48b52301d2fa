package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	boltBucket = []byte("slugger")
	boltKey    = []byte("snapshot")
)

// BoltBackend stores the snapshot in a bbolt database. bbolt holds an
// exclusive file lock while the database is open read-write, so the write
// lock is simply the open handle.
type BoltBackend struct {
	path    string
	timeout time.Duration

	mu sync.Mutex
	db *bbolt.DB
}

// NewBoltBackend creates a bolt backend.
func NewBoltBackend(path string, timeout time.Duration) *BoltBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BoltBackend{path: path, timeout: timeout}
}

func (b *BoltBackend) Location() string {
	return "bolt://" + b.path
}

func (b *BoltBackend) Read(_ context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	db := b.db
	if db == nil {
		if _, err := os.Stat(b.path); errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		opened, err := bbolt.Open(b.path, 0o600, &bbolt.Options{Timeout: b.timeout, ReadOnly: true})
		if err != nil {
			return nil, err
		}
		defer opened.Close()
		db = opened
	}

	var data []byte
	err := db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if bucket == nil {
			return nil
		}
		if v := bucket.Get(boltKey); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, err
}

func (b *BoltBackend) Write(_ context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return fmt.Errorf("bolt backend %s: write without lock", b.path)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(boltBucket)
		if err != nil {
			return err
		}
		return bucket.Put(boltKey, data)
	})
}

func (b *BoltBackend) Lock(_ context.Context) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return nil, ErrLocked
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(b.path, 0o600, &bbolt.Options{Timeout: b.timeout})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, b.path)
		}
		return nil, err
	}
	b.db = db
	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		err := b.db.Close()
		b.db = nil
		return err
	}, nil
}
