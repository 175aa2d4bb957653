package store

import (
	"time"

	"gorm.io/gorm"

	"github.com/blackpool/ruleswap/internal/apperr"
)

// LockRepo is the thin durability layer the Lock Manager's *gorm.DB calls go
// through directly (see internal/lock); exposed here too for admin/inspection
// use (listing currently held locks).
type LockRepo struct {
	db *gorm.DB
}

// Active lists all non-expired lock rows.
func (r *LockRepo) Active(now time.Time) ([]ExecutionLock, error) {
	var rows []ExecutionLock
	if err := r.db.Where("expires_at >= ?", now).Find(&rows).Error; err != nil {
		return nil, apperr.New("store.locks.active", apperr.StoreFailure, err)
	}
	return rows, nil
}
