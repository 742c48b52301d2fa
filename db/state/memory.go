package state

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBackend keeps the snapshot in process. Used by tests and dry runs.
type MemoryBackend struct {
	mu     sync.Mutex
	write  sync.Mutex
	data   []byte
	Writes int
	// FailWrites makes Write fail after this many successful writes when > 0.
	FailWrites int
}

// NewMemoryBackend creates an empty memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Location() string {
	return "mem://"
}

func (b *MemoryBackend) Read(_ context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, nil
	}
	return append([]byte(nil), b.data...), nil
}

func (b *MemoryBackend) Write(_ context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailWrites > 0 && b.Writes >= b.FailWrites {
		return fmt.Errorf("memory backend: write %d rejected", b.Writes+1)
	}
	b.data = append([]byte(nil), data...)
	b.Writes++
	return nil
}

// Set replaces the stored bytes directly, bypassing encoding.
func (b *MemoryBackend) Set(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append([]byte(nil), data...)
}

func (b *MemoryBackend) Lock(_ context.Context) (func() error, error) {
	if !b.write.TryLock() {
		return nil, ErrLocked
	}
	return func() error {
		b.write.Unlock()
		return nil
	}, nil
}
