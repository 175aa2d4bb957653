package store

import (
	"gorm.io/gorm"

	"github.com/blackpool/ruleswap/internal/apperr"
)

// WalletRepo backs the Automation Wallet table.
type WalletRepo struct {
	db *gorm.DB
}

// Get fetches a wallet by id.
func (r *WalletRepo) Get(id uint64) (*AutomationWallet, error) {
	var wallet AutomationWallet
	if err := r.db.First(&wallet, id).Error; err != nil {
		return nil, apperr.New("store.wallets.get", apperr.StoreFailure, err)
	}
	return &wallet, nil
}

// All returns every automation wallet, used by key rotation to iterate the
// full set.
func (r *WalletRepo) All() ([]AutomationWallet, error) {
	var wallets []AutomationWallet
	if err := r.db.Find(&wallets).Error; err != nil {
		return nil, apperr.New("store.wallets.all", apperr.StoreFailure, err)
	}
	return wallets, nil
}

// UpdateCiphertext rewrites a wallet's encrypted key material after rotation,
// bumping key_version.
func (r *WalletRepo) UpdateCiphertext(id uint64, ciphertext, iv, authTag []byte, keyVersion int) error {
	result := r.db.Model(&AutomationWallet{}).Where("id = ?", id).Updates(map[string]interface{}{
		"ciphertext":  ciphertext,
		"iv":          iv,
		"auth_tag":    authTag,
		"key_version": keyVersion,
	})
	if result.Error != nil {
		return apperr.New("store.wallets.update_ciphertext", apperr.StoreFailure, result.Error)
	}
	return nil
}
