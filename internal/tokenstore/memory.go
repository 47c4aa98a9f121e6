package tokenstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps the record in process memory. It backs tests and
// ephemeral sessions where persistence across restarts is not wanted.
type MemoryStore struct {
	mu  sync.Mutex
	rec *Record
}

// Compile-time check to ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the held record, or nil when none was saved.
func (m *MemoryStore) Load(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.clone(), nil
}

// Save replaces the held record with a copy of rec.
func (m *MemoryStore) Save(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil {
		return &StorageError{Op: "save", Err: fmt.Errorf("nil record")}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = rec.clone()
	return nil
}

// Clear drops the held record.
func (m *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = nil
	return nil
}
