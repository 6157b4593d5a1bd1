// Package keyring owns the single symmetric encryption key for an account.
//
// The key is derived once per process from the user's recovery passphrase
// and held only in memory; it is optionally persisted to a 0600 key file in
// the data directory so later invocations do not need the passphrase again.
// The key itself is never transmitted and never logged.
package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bradrf/atuin/pkg/crypto"
)

// Status reports whether key material is available.
type Status int

const (
	// StatusAbsent means no key has been derived or loaded.
	StatusAbsent Status = iota

	// StatusPresent means key material is held in memory.
	StatusPresent
)

// String returns a human-readable status.
func (s Status) String() string {
	switch s {
	case StatusAbsent:
		return "absent"
	case StatusPresent:
		return "present"
	default:
		return "unknown"
	}
}

// Errors returned by the key manager.
var (
	// ErrNoKey indicates no key material is available.
	ErrNoKey = errors.New("keyring: no key material, log in first")

	// ErrKeyFileCorrupted indicates the key file is not a valid stored key.
	ErrKeyFileCorrupted = errors.New("keyring: key file is corrupted")
)

// File permissions for the key file and its directory.
const (
	fileMode = 0o600
	dirMode  = 0o700
)

// Manager derives and holds the account encryption key. Safe for concurrent
// use; the sync engine borrows the key for the duration of a run.
type Manager struct {
	mu  sync.RWMutex
	key []byte
}

// NewManager returns a manager with no key material.
func NewManager() *Manager {
	return &Manager{}
}

// Derive computes the account key from the recovery passphrase and retains
// it in memory. Deterministic: the same username and passphrase always
// produce the same key, which is what lets a new device join an account.
func (m *Manager) Derive(username, passphrase string) error {
	if passphrase == "" {
		return crypto.ErrEmptySecret
	}
	key, err := crypto.DeriveKey([]byte(passphrase), crypto.AccountSalt(username))
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key != nil {
		crypto.SecureWipe(m.key)
	}
	m.key = key
	return nil
}

// Status reports whether key material is held.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.key == nil {
		return StatusAbsent
	}
	return StatusPresent
}

// Key returns the held key material. The caller must not modify or retain
// it beyond the current operation.
func (m *Manager) Key() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.key == nil {
		return nil, ErrNoKey
	}
	return m.key, nil
}

// Fingerprint returns a short hex digest of the key for display, so two
// devices can check they derived the same key without revealing it.
func (m *Manager) Fingerprint() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.key == nil {
		return "", ErrNoKey
	}
	sum := sha256.Sum256(m.key)
	return hex.EncodeToString(sum[:4]), nil
}

// Save persists the key to path as hex with owner-only permissions.
func (m *Manager) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.key == nil {
		return ErrNoKey
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("keyring: failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(m.key)), fileMode); err != nil {
		return fmt.Errorf("keyring: failed to write key file: %w", err)
	}
	return nil
}

// Load reads a previously saved key file into memory.
func (m *Manager) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("keyring: failed to read key file: %w", err)
	}
	key, err := hex.DecodeString(string(data))
	if err != nil || len(key) != crypto.KeyLength {
		return ErrKeyFileCorrupted
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key != nil {
		crypto.SecureWipe(m.key)
	}
	m.key = key
	return nil
}

// Wipe destroys the in-memory key material.
func (m *Manager) Wipe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key != nil {
		crypto.SecureWipe(m.key)
		m.key = nil
	}
}

// GeneratePassphrase creates a new random recovery passphrase for account
// registration. Printed once to the user; losing it means losing access to
// the encrypted history from other devices.
func GeneratePassphrase() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("keyring: failed to generate passphrase: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
