// Package lock is the Lock Manager (C3): a per-rule advisory mutex backed by
// Redis guarding a durable lock row in the store, adapted from the
// DistributedLock SETNX/Lua-release pattern used elsewhere in the pack for
// coordinating operations across multiple processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/blackpool/ruleswap/internal/apperr"
	"github.com/blackpool/ruleswap/internal/store"
)

// releaseScript deletes the Redis key only if it still holds the value this
// process set, so a lock another owner has since reclaimed is never dropped.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// DefaultTTL is the lock lifetime per §4.3.
const DefaultTTL = 5 * time.Minute

// Manager is the Lock Manager. ownerID identifies this process (host+pid);
// it is stamped on every lock row this instance acquires.
type Manager struct {
	db        *gorm.DB
	redis     *redis.Client
	ownerID   string
	ttl       time.Duration
	keyPrefix string
}

// New constructs a Manager. ownerID should be unique per running process
// (e.g. "hostname:pid").
func New(db *gorm.DB, redisClient *redis.Client, ownerID string) *Manager {
	return &Manager{
		db:        db,
		redis:     redisClient,
		ownerID:   ownerID,
		ttl:       DefaultTTL,
		keyPrefix: "ruleswap:lock",
	}
}

// AcquireResult is the outcome of Acquire.
type AcquireResult struct {
	Acquired bool
	HeldBy   string // observed owner when not acquired
}

// Acquire implements the 5-step algorithm in §4.3: reclaim expired rows,
// take the Redis advisory mutex for ruleID, insert the lock row, verify
// ownership, and return. Any store-level error releases the advisory mutex
// before returning, so a failed acquire never leaks the mutex.
func (m *Manager) Acquire(ctx context.Context, ruleID uint64) (AcquireResult, error) {
	now := time.Now().UTC()

	if err := m.db.Where("rule_id = ? AND expires_at < ?", ruleID, now).
		Delete(&store.ExecutionLock{}).Error; err != nil {
		return AcquireResult{}, apperr.New("lock.acquire", apperr.StoreFailure, err)
	}

	redisKey := fmt.Sprintf("%s:%d", m.keyPrefix, ruleID)
	lockValue := fmt.Sprintf("%s:%d", m.ownerID, now.UnixNano())

	acquiredMutex, err := m.redis.SetNX(ctx, redisKey, lockValue, m.ttl).Result()
	if err != nil {
		return AcquireResult{}, apperr.New("lock.acquire", apperr.StoreFailure, err)
	}
	if !acquiredMutex {
		return AcquireResult{Acquired: false, HeldBy: "unknown (advisory mutex held)"}, nil
	}

	row := store.ExecutionLock{
		RuleID:     ruleID,
		OwnerID:    m.ownerID,
		LockValue:  lockValue,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	insertErr := m.db.Create(&row).Error
	if insertErr != nil {
		m.releaseMutex(context.Background(), redisKey, lockValue)
		if isDuplicateErr(insertErr) {
			var existing store.ExecutionLock
			if err := m.db.Where("rule_id = ?", ruleID).First(&existing).Error; err == nil {
				return AcquireResult{Acquired: false, HeldBy: existing.OwnerID}, nil
			}
		}
		return AcquireResult{}, apperr.New("lock.acquire", apperr.StoreFailure, insertErr)
	}

	var readBack store.ExecutionLock
	if err := m.db.Where("rule_id = ?", ruleID).First(&readBack).Error; err != nil {
		m.releaseMutex(context.Background(), redisKey, lockValue)
		return AcquireResult{}, apperr.New("lock.acquire", apperr.StoreFailure, err)
	}
	if readBack.OwnerID != m.ownerID {
		m.releaseMutex(context.Background(), redisKey, lockValue)
		return AcquireResult{Acquired: false, HeldBy: readBack.OwnerID}, nil
	}

	return AcquireResult{Acquired: true}, nil
}

// Release deletes the lock row only if this process owns it, then releases
// the advisory mutex with the exact value this process set it to, via
// releaseScript's compare-and-delete — never a bare Del, which would drop a
// mutex a different owner has since reclaimed.
func (m *Manager) Release(ctx context.Context, ruleID uint64) error {
	redisKey := fmt.Sprintf("%s:%d", m.keyPrefix, ruleID)

	var row store.ExecutionLock
	err := m.db.Where("rule_id = ? AND owner_id = ?", ruleID, m.ownerID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return apperr.New("lock.release", apperr.StoreFailure, err)
	}

	if err := m.db.Delete(&row).Error; err != nil {
		return apperr.New("lock.release", apperr.StoreFailure, err)
	}

	m.releaseMutex(ctx, redisKey, row.LockValue)
	return nil
}

// ReleaseAllOwned runs during shutdown, dropping every lock row this process
// holds so a sibling process can resume work immediately.
func (m *Manager) ReleaseAllOwned(ctx context.Context) error {
	var rows []store.ExecutionLock
	if err := m.db.Where("owner_id = ?", m.ownerID).Find(&rows).Error; err != nil {
		return apperr.New("lock.release_all_owned", apperr.StoreFailure, err)
	}

	for _, row := range rows {
		if err := m.Release(ctx, row.RuleID); err != nil {
			return err
		}
	}
	return nil
}

// CleanupExpired opportunistically reclaims any lock row past its TTL,
// independent of an Acquire call. Nothing in this module schedules it.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	result := m.db.Where("expires_at < ?", time.Now().UTC()).Delete(&store.ExecutionLock{})
	if result.Error != nil {
		return 0, apperr.New("lock.cleanup_expired", apperr.StoreFailure, result.Error)
	}
	return result.RowsAffected, nil
}

func (m *Manager) releaseMutex(ctx context.Context, key, value string) {
	_, _ = m.redis.Eval(ctx, releaseScript, []string{key}, value).Result()
}

func isDuplicateErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "1062")
}
