package keyring

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bradrf/atuin/pkg/crypto"
)

// TestDeriveAcrossManagers verifies two devices (two managers) with the
// same account and passphrase converge on the same key.
func TestDeriveAcrossManagers(t *testing.T) {
	a := NewManager()
	b := NewManager()

	if err := a.Derive("alice", "my recovery phrase"); err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	if err := b.Derive("alice", "my recovery phrase"); err != nil {
		t.Fatalf("Derive() error = %v", err)
	}

	keyA, err := a.Key()
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	keyB, err := b.Key()
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	if !bytes.Equal(keyA, keyB) {
		t.Error("same account+passphrase should derive the same key")
	}

	fpA, _ := a.Fingerprint()
	fpB, _ := b.Fingerprint()
	if fpA != fpB || fpA == "" {
		t.Errorf("fingerprints differ: %q vs %q", fpA, fpB)
	}
}

// TestDeriveDifferentAccounts verifies the account name salts the key.
func TestDeriveDifferentAccounts(t *testing.T) {
	a := NewManager()
	b := NewManager()
	if err := a.Derive("alice", "same phrase"); err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	if err := b.Derive("bob", "same phrase"); err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	keyA, _ := a.Key()
	keyB, _ := b.Key()
	if bytes.Equal(keyA, keyB) {
		t.Error("different accounts should derive different keys")
	}
}

// TestStatus verifies the absent/present lifecycle.
func TestStatus(t *testing.T) {
	m := NewManager()
	if m.Status() != StatusAbsent {
		t.Errorf("Status() = %v, want absent", m.Status())
	}
	if _, err := m.Key(); !errors.Is(err, ErrNoKey) {
		t.Errorf("Key() before derive: error = %v, want ErrNoKey", err)
	}

	if err := m.Derive("alice", "phrase"); err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	if m.Status() != StatusPresent {
		t.Errorf("Status() = %v, want present", m.Status())
	}

	m.Wipe()
	if m.Status() != StatusAbsent {
		t.Errorf("Status() after Wipe = %v, want absent", m.Status())
	}
}

// TestDeriveEmptyPassphrase verifies the precondition check.
func TestDeriveEmptyPassphrase(t *testing.T) {
	m := NewManager()
	if err := m.Derive("alice", ""); !errors.Is(err, crypto.ErrEmptySecret) {
		t.Errorf("Derive(\"\") error = %v, want ErrEmptySecret", err)
	}
	if m.Status() != StatusAbsent {
		t.Error("failed derive should leave no key material")
	}
}

// TestSaveLoad verifies key file persistence with restrictive permissions.
func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")

	m := NewManager()
	if err := m.Derive("alice", "phrase"); err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	if err := m.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key file permissions = %o, want 600", perm)
	}

	loaded := NewManager()
	if err := loaded.Load(path); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	orig, _ := m.Key()
	got, _ := loaded.Key()
	if !bytes.Equal(orig, got) {
		t.Error("loaded key differs from saved key")
	}
}

// TestLoadCorrupted verifies garbage key files are rejected.
func TestLoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("not hex!"), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager()
	if err := m.Load(path); !errors.Is(err, ErrKeyFileCorrupted) {
		t.Errorf("Load() corrupted file: error = %v, want ErrKeyFileCorrupted", err)
	}
}

// TestGeneratePassphrase verifies passphrases are non-empty and unique.
func TestGeneratePassphrase(t *testing.T) {
	p1, err := GeneratePassphrase()
	if err != nil {
		t.Fatalf("GeneratePassphrase() error = %v", err)
	}
	p2, err := GeneratePassphrase()
	if err != nil {
		t.Fatalf("GeneratePassphrase() error = %v", err)
	}
	if p1 == "" || p1 == p2 {
		t.Errorf("GeneratePassphrase() = %q, %q; want distinct non-empty", p1, p2)
	}
}
