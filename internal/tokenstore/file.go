package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore provides atomic file-based record storage with secure permissions.
// Writes use temp file + rename for crash safety. It is an explicit opt-in
// for headless hosts without a secret service, never an automatic fallback.
type FileStore struct {
	filePath string
}

// Compile-time check to ensure FileStore implements Store
var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore for the given path, creating parent
// directories with 0700 permissions if they don't exist.
func NewFileStore(filePath string) (*FileStore, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	return &FileStore{
		filePath: filePath,
	}, nil
}

// Load returns the stored record, or nil when the file doesn't exist.
// Fails if the file has insecure permissions.
func (f *FileStore) Load(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Check file permissions before reading
	info, err := os.Stat(f.filePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}
	if info.Mode().Perm() != 0600 {
		return nil, &StorageError{
			Op:  "load",
			Err: fmt.Errorf("insecure permissions on %s: %04o (expected 0600)", f.filePath, info.Mode().Perm()),
		}
	}

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &StorageError{Op: "load", Err: fmt.Errorf("decode record: %w", err)}
	}

	return &rec, nil
}

// Save atomically writes the record using temp file + rename for crash safety.
// Sets file permissions to 0600 (owner read/write only).
func (f *FileStore) Save(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil {
		return &StorageError{Op: "save", Err: fmt.Errorf("nil record")}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return &StorageError{Op: "save", Err: fmt.Errorf("encode record: %w", err)}
	}

	// Create secure temp file in same directory for atomic rename
	dir := filepath.Dir(f.filePath)
	tempFile, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return &StorageError{Op: "save", Err: err}
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.Write(append(data, '\n')); err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	// Atomic rename to final location
	if err := os.Rename(tempName, f.filePath); err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	// Set secure file permissions (0600 = rw-------)
	if err := os.Chmod(f.filePath, 0600); err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	return nil
}

// Clear removes the record file. A missing file is not an error.
func (f *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(f.filePath)
	if err != nil && !os.IsNotExist(err) {
		return &StorageError{Op: "clear", Err: err}
	}

	return nil
}
