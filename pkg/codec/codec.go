// Package codec encrypts and decrypts individual history entries for
// transport through the relay. The codec is a pure transform: it performs
// no I/O and holds no state beyond the key passed into each call.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bradrf/atuin/pkg/crypto"
	"github.com/bradrf/atuin/pkg/history"
)

// ErrDecryptFailed indicates a record could not be decrypted or decoded.
// Recoverable at the call site: the sync engine skips the record and
// continues with the rest of the page.
var ErrDecryptFailed = errors.New("codec: record decrypt failed")

// EncryptEntry serializes an entry and encrypts it under key. A fresh
// random nonce is generated per call.
func EncryptEntry(key []byte, e *history.Entry) (ciphertext, nonce []byte, err error) {
	plain, err := json.Marshal(e)
	if err != nil {
		return nil, nil, fmt.Errorf("codec: failed to encode entry: %w", err)
	}
	ciphertext, nonce, err = crypto.Encrypt(key, plain)
	if err != nil {
		return nil, nil, fmt.Errorf("codec: failed to encrypt entry: %w", err)
	}
	return ciphertext, nonce, nil
}

// DecryptEntry authenticates and decrypts a record produced by
// EncryptEntry. Tampered ciphertext, a wrong key, or an undecodable
// payload all surface as ErrDecryptFailed; a corrupt record can never come
// back as a different valid entry.
func DecryptEntry(key, ciphertext, nonce []byte) (*history.Entry, error) {
	plain, err := crypto.Decrypt(key, ciphertext, nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	var e history.Entry
	if err := json.Unmarshal(plain, &e); err != nil {
		return nil, fmt.Errorf("%w: invalid payload: %v", ErrDecryptFailed, err)
	}
	if e.ID == "" {
		return nil, fmt.Errorf("%w: payload missing id", ErrDecryptFailed)
	}
	return &e, nil
}
