package store

import (
	"gorm.io/gorm"

	"github.com/blackpool/ruleswap/internal/apperr"
)

// UserRepo backs the minimal User row the core consumes for webhook routing
// and ownership checks.
type UserRepo struct {
	db *gorm.DB
}

// Get fetches a user by id.
func (r *UserRepo) Get(id uint64) (*User, error) {
	var user User
	if err := r.db.First(&user, id).Error; err != nil {
		return nil, apperr.New("store.users.get", apperr.StoreFailure, err)
	}
	return &user, nil
}
