package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/blackpool/ruleswap/internal/apperr"
)

// ExecutionRepo is the Execution Store (C4).
type ExecutionRepo struct {
	db *gorm.DB
}

// blockhashFreshWindow is the swap transaction's blockhash validity window.
const blockhashFreshWindow = 80 * time.Second

// IdempotencyKey computes SHA256(rule_id ‖ triggered_at_iso), the identity
// of a single trigger attempt; triggered_at is taken to whole-second precision.
func IdempotencyKey(ruleID uint64, triggeredAt time.Time) string {
	payload := fmt.Sprintf("%d%s", ruleID, triggeredAt.UTC().Truncate(time.Second).Format(time.RFC3339))
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// CreateOrGet inserts a new TRIGGERED execution row for (ruleID, triggeredAt,
// snapshot); on a uniqueness violation of idempotency_key it instead selects
// and returns the existing row with isNew=false, so retries of the same
// trigger never create a duplicate.
func (r *ExecutionRepo) CreateOrGet(ruleID uint64, triggeredAt time.Time, snapshot string) (exec *Execution, isNew bool, err error) {
	key := IdempotencyKey(ruleID, triggeredAt)

	row := &Execution{
		RuleID:                  ruleID,
		TriggeredAt:             triggeredAt,
		MarketConditionSnapshot: snapshot,
		IdempotencyKey:          key,
		Status:                  ExecutionTriggered,
	}

	createErr := r.db.Create(row).Error
	if createErr == nil {
		return row, true, nil
	}
	if !isDuplicateKeyError(createErr) {
		return nil, false, apperr.New("store.executions.create_or_get", apperr.StoreFailure, createErr)
	}

	var existing Execution
	if err := r.db.Where("idempotency_key = ?", key).First(&existing).Error; err != nil {
		return nil, false, apperr.New("store.executions.create_or_get", apperr.StoreFailure, err)
	}
	return &existing, false, nil
}

// isDuplicateKeyError recognizes gorm's wrapped form of a unique constraint
// violation across drivers (MySQL error 1062, sqlite's UNIQUE constraint).
func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "1062")
}

// AttachTx records a submitted transaction's signature and blockhash,
// transitioning the execution to EXECUTING.
func (r *ExecutionRepo) AttachTx(id uint64, signature, blockhash string) error {
	now := time.Now().UTC()
	result := r.db.Model(&Execution{}).Where("id = ?", id).Updates(map[string]interface{}{
		"tx_signature": signature,
		"tx_blockhash": blockhash,
		"tx_sent_at":   now,
		"status":       ExecutionExecuting,
	})
	if result.Error != nil {
		return apperr.New("store.executions.attach_tx", apperr.StoreFailure, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.Newf("store.executions.attach_tx", apperr.StoreFailure, "execution %d not found", id)
	}
	return nil
}

// MarkExecuted finalizes a successful execution.
func (r *ExecutionRepo) MarkExecuted(id uint64, signature string) error {
	result := r.db.Model(&Execution{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       ExecutionExecuted,
		"tx_signature": signature,
	})
	if result.Error != nil {
		return apperr.New("store.executions.mark_executed", apperr.StoreFailure, result.Error)
	}
	return nil
}

// MarkFailed records a failure reason. retry_count is DLQRepo.HandleFailure's
// responsibility alone; bumping it here too would double-count every failure.
func (r *ExecutionRepo) MarkFailed(id uint64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	result := r.db.Model(&Execution{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        ExecutionFailed,
		"error_message": msg,
	})
	if result.Error != nil {
		return apperr.New("store.executions.mark_failed", apperr.StoreFailure, result.Error)
	}
	return nil
}

// AttachGasCost records the on-chain gas accounting for a confirmed execution.
func (r *ExecutionRepo) AttachGasCost(id uint64, gasUsedWei, gasCostWei string) error {
	result := r.db.Model(&Execution{}).Where("id = ?", id).Updates(map[string]interface{}{
		"gas_used_wei": gasUsedWei,
		"gas_cost_wei": gasCostWei,
	})
	if result.Error != nil {
		return apperr.New("store.executions.attach_gas_cost", apperr.StoreFailure, result.Error)
	}
	return nil
}

// Get fetches an execution by id.
func (r *ExecutionRepo) Get(id uint64) (*Execution, error) {
	var exec Execution
	if err := r.db.First(&exec, id).Error; err != nil {
		return nil, apperr.New("store.executions.get", apperr.StoreFailure, err)
	}
	return &exec, nil
}

// IsBlockhashFresh returns true iff the execution has a blockhash and it was
// sent less than blockhashFreshWindow ago.
func (r *ExecutionRepo) IsBlockhashFresh(id uint64) (bool, error) {
	exec, err := r.Get(id)
	if err != nil {
		return false, err
	}
	if exec.TxBlockhash == nil || exec.TxSentAt == nil {
		return false, nil
	}
	return time.Since(*exec.TxSentAt) < blockhashFreshWindow, nil
}
