package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/moby/sys/atomicwriter"
)

// FileBackend stores the snapshot in a local file, replaced by atomic rename
// and guarded by an flock on a sibling lock file.
type FileBackend struct {
	path        string
	lockTimeout time.Duration
}

// NewFileBackend creates a file backend.
func NewFileBackend(path string, lockTimeout time.Duration) *FileBackend {
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	return &FileBackend{path: path, lockTimeout: lockTimeout}
}

func (b *FileBackend) Location() string {
	return "file://" + b.path
}

func (b *FileBackend) Read(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *FileBackend) Write(_ context.Context, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	return atomicwriter.WriteFile(b.path, data, 0o600)
}

func (b *FileBackend) Lock(ctx context.Context) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, b.lockTimeout)
	defer cancel()

	fl := flock.New(b.path + ".lock")
	ok, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if !ok {
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s.lock", ErrLocked, b.path)
		}
		return nil, err
	}
	return fl.Unlock, nil
}
