// Package secret implements the Secret Store (C1) and Secure Key Handler
// (C2): process-wide master key validation/rotation, and a scoped decrypted
// buffer that is guaranteed zeroed on every exit path.
package secret

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/blackpool/ruleswap/internal/apperr"
	"github.com/blackpool/ruleswap/internal/store"
	"github.com/blackpool/ruleswap/pkg/util"
)

// Store is the Secret Store (C1). The master key is validated in New and held
// as process-wide read-only state from then on; Rotate is
// the only path that ever replaces it.
type Store struct {
	mu     sync.RWMutex
	key    []byte
	wallets *store.WalletRepo
	audit   *store.AuditRepo
}

// New constructs a Store from a hex-encoded 32-byte master key. The key is
// validated once, here, so every subsequent MasterKey call is a cheap cache
// read plus an audit write.
func New(masterKeyHex string, wallets *store.WalletRepo, audit *store.AuditRepo) (*Store, error) {
	key, err := decodeMasterKey(masterKeyHex)
	if err != nil {
		return nil, err
	}
	return &Store{key: key, wallets: wallets, audit: audit}, nil
}

func decodeMasterKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, apperr.Newf("secret.decode_master_key", apperr.ConfigInvalid, "master key is not valid hex: %v", err)
	}
	if len(key) != 32 {
		return nil, apperr.Newf("secret.decode_master_key", apperr.ConfigInvalid, "master key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// MasterKey returns the cached, validated key and audits the access under
// callerTag (a resource type + id, e.g. "wallet:42").
func (s *Store) MasterKey(callerTag string) []byte {
	s.mu.RLock()
	key := s.key
	s.mu.RUnlock()

	if s.audit != nil {
		_ = s.audit.LogSecretAccess(callerTag, "master_key_access", nil, nil, true, "")
	}
	return key
}

// RotationFailure names one wallet that failed to re-encrypt during Rotate.
type RotationFailure struct {
	WalletID uint64
	Err      error
}

// Rotate re-encrypts every wallet's ciphertext under newKeyHex, bumping
// key_version. Per-wallet failures are collected, not fatal: one bad wallet
// never aborts the batch.
func (s *Store) Rotate(newKeyHex string) ([]RotationFailure, error) {
	newKey, err := decodeMasterKey(newKeyHex)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	oldKey := s.key
	s.mu.Unlock()

	wallets, err := s.wallets.All()
	if err != nil {
		return nil, apperr.New("secret.rotate", apperr.StoreFailure, err)
	}

	var failures []RotationFailure
	for _, wallet := range wallets {
		plaintext, err := util.DecryptKey(oldKey, wallet.Ciphertext, wallet.IV, wallet.AuthTag)
		if err != nil {
			failures = append(failures, RotationFailure{WalletID: wallet.ID, Err: apperr.New("secret.rotate", apperr.CryptoIntegrity, err)})
			s.auditRotation(wallet.ID, wallet.KeyVersion, wallet.KeyVersion, false, err)
			continue
		}

		ciphertext, iv, tag, err := util.EncryptKey(newKey, plaintext)
		util.Zero(plaintext)
		if err != nil {
			failures = append(failures, RotationFailure{WalletID: wallet.ID, Err: err})
			s.auditRotation(wallet.ID, wallet.KeyVersion, wallet.KeyVersion, false, err)
			continue
		}

		newVersion := wallet.KeyVersion + 1
		if err := s.wallets.UpdateCiphertext(wallet.ID, ciphertext, iv, tag, newVersion); err != nil {
			failures = append(failures, RotationFailure{WalletID: wallet.ID, Err: err})
			s.auditRotation(wallet.ID, wallet.KeyVersion, wallet.KeyVersion, false, err)
			continue
		}

		s.auditRotation(wallet.ID, wallet.KeyVersion, newVersion, true, nil)
	}

	s.mu.Lock()
	s.key = newKey
	s.mu.Unlock()

	return failures, nil
}

func (s *Store) auditRotation(walletID uint64, oldVersion, newVersion int, success bool, cause error) {
	if s.audit == nil {
		return
	}
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	tag := fmt.Sprintf("wallet:%d", walletID)
	_ = s.audit.LogSecretAccess(tag, "rotate", &oldVersion, &newVersion, success, detail)
}
