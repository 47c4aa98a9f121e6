package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringStore provides OS-native secure credential storage for token records.
// Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
// The record is stored as a single JSON document, so writes are atomic from
// the perspective of a concurrent Load.
type KeyringStore struct {
	service string
	user    string
}

// Compile-time check to ensure KeyringStore implements Store
var _ Store = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore addressed by the given service name
// and user identifier (typically the configured OAuth client ID).
func NewKeyringStore(service, user string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	return &KeyringStore{
		service: service,
		user:    user,
	}, nil
}

// Load returns the record from the system keyring, or nil when none is stored.
func (k *KeyringStore) Load(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := keyring.Get(k.service, k.user)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, &StorageError{Op: "load", Err: fmt.Errorf("decode record: %w", err)}
	}

	return &rec, nil
}

// Save persists the record to the system keyring, overwriting any existing one.
func (k *KeyringStore) Save(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil {
		return &StorageError{Op: "save", Err: fmt.Errorf("nil record")}
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return &StorageError{Op: "save", Err: fmt.Errorf("encode record: %w", err)}
	}

	if err := keyring.Set(k.service, k.user, string(raw)); err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	return nil
}

// Clear removes the record from the system keyring. Missing entries are not
// an error.
func (k *KeyringStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := keyring.Delete(k.service, k.user)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	if err != nil {
		return &StorageError{Op: "clear", Err: err}
	}

	return nil
}
