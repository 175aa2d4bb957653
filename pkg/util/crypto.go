package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// nonceSize matches AES-GCM's standard 96-bit nonce.
const nonceSize = 12

// EncryptKey seals plaintext (a private key) under master using AES-256-GCM,
// returning the ciphertext, the random IV used, and the authentication tag
// split out separately so they map 1:1 onto the automation_wallets columns
// (ciphertext, iv, auth_tag) described in the data model.
func EncryptKey(master, plaintext []byte) (ciphertext, iv, tag []byte, err error) {
	if len(master) != 32 {
		return nil, nil, nil, fmt.Errorf("encrypt: master key must be 32 bytes, got %d", len(master))
	}

	block, err := aes.NewCipher(master)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encrypt: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encrypt: %w", err)
	}

	iv = make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("encrypt: generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	return sealed[:tagStart], iv, sealed[tagStart:], nil
}

// DecryptKey reverses EncryptKey, authenticating ciphertext+tag under iv.
// Returns apperr-wrappable ErrAuthFailed-equivalent (CryptoIntegrity) via the
// plain error chain; callers in internal/secret translate it.
func DecryptKey(master, ciphertext, iv, tag []byte) ([]byte, error) {
	if len(master) != 32 {
		return nil, fmt.Errorf("decrypt: master key must be 32 bytes, got %d", len(master))
	}

	block, err := aes.NewCipher(master)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("decrypt: authentication failed: iv must be %d bytes, got %d", gcm.NonceSize(), len(iv))
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: authentication failed: %w", err)
	}
	return plaintext, nil
}

// Zero overwrites a byte slice in place, used by the scoped key handler to
// guarantee a decrypted key buffer never outlives its scope.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
