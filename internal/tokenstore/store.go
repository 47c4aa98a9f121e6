package tokenstore

import (
	"context"
	"fmt"
)

// Store persists at most one token Record per configured client identity.
//
// Interactive OAuth requires a writable backend.
type Store interface {
	// Load returns the stored record, or nil (with a nil error) when no
	// record exists.
	Load(ctx context.Context) (*Record, error)

	// Save persists the record, replacing any existing one. The write is
	// atomic: a concurrent Load sees either the previous record or the new
	// one, never a partial value.
	Save(ctx context.Context, rec *Record) error

	// Clear removes the stored record. Clearing an empty store is not an
	// error.
	Clear(ctx context.Context) error
}

// StorageError reports a failure of the underlying storage backend. Backends
// never fall back to a less secure medium; the failure surfaces as-is.
type StorageError struct {
	Op  string // "load", "save" or "clear"
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("token store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
