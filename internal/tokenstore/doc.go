// Package tokenstore persists OAuth token records across process restarts.
//
// Supports three storage backends with different security and deployment tradeoffs:
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager,
//     Linux Secret Service); the default
//   - File: local filesystem storage with atomic writes and secure permissions, for
//     headless hosts without a secret service
//   - Memory: process-local storage for tests and ephemeral sessions
//
// Each backend holds at most one Record per configured client identity. A
// backend failure surfaces as a StorageError; there is no fallback to a less
// secure medium.
package tokenstore
