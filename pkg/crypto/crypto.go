// Package crypto provides the cryptographic primitives for encrypted
// history sync: Argon2id key derivation, AES-256-GCM authenticated
// encryption, and salted password hashing for the relay's account store.
//
// Every device of an account must derive the same key from the same
// recovery passphrase, so the derivation salt is computed deterministically
// from the account name (AccountSalt) instead of being generated at random.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// SaltLength is the length of derivation salts in bytes (128 bits).
	SaltLength = 16
)

// accountSaltPrefix is the domain-separation prefix for AccountSalt. It is
// versioned so the derivation can be rotated without colliding with old keys.
const accountSaltPrefix = "atuin/key/v1/"

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidNonceLength indicates the nonce is not 12 bytes.
	ErrInvalidNonceLength = errors.New("crypto: invalid nonce length, must be 12 bytes")

	// ErrDecryptionFailed indicates decryption or authentication tag verification failed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the ciphertext is shorter than the GCM tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

	// ErrEmptySecret indicates an empty passphrase was supplied to DeriveKey.
	ErrEmptySecret = errors.New("crypto: secret must not be empty")

	// ErrMalformedHash indicates a stored password hash is not in the expected format.
	ErrMalformedHash = errors.New("crypto: malformed password hash")
)

// AccountSalt derives the per-account key-derivation salt from the account
// name. Deterministic: every device of the account computes the same salt,
// which is what makes the derived key identical across devices.
func AccountSalt(username string) []byte {
	sum := sha256.Sum256([]byte(accountSaltPrefix + username))
	return sum[:SaltLength]
}

// DeriveKey derives a 256-bit encryption key from a secret using Argon2id.
// Same secret and salt always yield the same key. The secret must be
// non-empty; use AccountSalt for the salt so all devices agree.
func DeriveKey(secret, salt []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return argon2.IDKey(secret, salt, Argon2Time, Argon2Memory, Argon2Threads, KeyLength), nil
}

// Encrypt encrypts plaintext using AES-256-GCM authenticated encryption.
//
// A fresh 12-byte nonce is drawn from crypto/rand on every call; nonces are
// never derived from counters, so concurrent devices sharing one key cannot
// collide. The authentication tag is appended to the ciphertext.
func Encrypt(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	if len(key) != KeyLength {
		return nil, nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}

	nonce = make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM and verifies the
// authentication tag. Any corruption of ciphertext or nonce returns
// ErrDecryptionFailed; a tampered record can never decode successfully.
func Decrypt(key, ciphertext, nonce []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	if len(nonce) != NonceLength {
		return nil, ErrInvalidNonceLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}

	if len(ciphertext) < gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// HashPassword hashes an account password for storage on the relay using
// Argon2id with a random per-user salt. The result is "hex(salt):hex(hash)".
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptySecret
	}
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	sum := argon2.IDKey([]byte(password), salt, Argon2Time, Argon2Memory, Argon2Threads, KeyLength)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sum), nil
}

// VerifyPassword reports whether password matches a hash produced by
// HashPassword. Comparison is constant-time.
func VerifyPassword(password, stored string) (bool, error) {
	saltHex, hashHex, ok := strings.Cut(stored, ":")
	if !ok {
		return false, ErrMalformedHash
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false, ErrMalformedHash
	}
	want, err := hex.DecodeString(hashHex)
	if err != nil {
		return false, ErrMalformedHash
	}
	got := argon2.IDKey([]byte(password), salt, Argon2Time, Argon2Memory, Argon2Threads, KeyLength)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation. Used to destroy key
// material before it goes out of scope.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the writes are not optimized away since b
	// is still "in use" after the loop.
	runtime.KeepAlive(b)
}
