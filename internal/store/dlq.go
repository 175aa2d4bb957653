package store

import (
	"time"

	"gorm.io/gorm"

	"github.com/blackpool/ruleswap/internal/apperr"
)

// MaxRetries is the number of execution failures tolerated before a DLQ row
// is created, per §4.5.
const MaxRetries = 3

// DLQRepo is the Dead-Letter Queue (C5).
type DLQRepo struct {
	db *gorm.DB
}

// HandleFailureResult is the outcome of HandleFailure.
type HandleFailureResult struct {
	Moved      bool
	RetryCount int
	DLQID      *uint64
}

// HandleFailure increments the execution's retry_count and, once it reaches
// MaxRetries, creates a PENDING DLQ row. Idempotent: if a non-terminal row
// already exists for this execution, that row is returned instead of a
// second one being created.
func (r *DLQRepo) HandleFailure(executionID uint64, cause error) (HandleFailureResult, error) {
	var exec Execution
	if err := r.db.First(&exec, executionID).Error; err != nil {
		return HandleFailureResult{}, apperr.New("store.dlq.handle_failure", apperr.StoreFailure, err)
	}

	retryCount := exec.RetryCount + 1
	if err := r.db.Model(&Execution{}).Where("id = ?", executionID).
		Update("retry_count", retryCount).Error; err != nil {
		return HandleFailureResult{}, apperr.New("store.dlq.handle_failure", apperr.StoreFailure, err)
	}

	if retryCount < MaxRetries {
		return HandleFailureResult{Moved: false, RetryCount: retryCount}, nil
	}

	var existing DLQEntry
	err := r.db.Where("execution_id = ? AND status IN ?", executionID, []DLQStatus{DLQPending, DLQRetrying}).
		First(&existing).Error
	if err == nil {
		return HandleFailureResult{Moved: true, RetryCount: retryCount, DLQID: &existing.ID}, nil
	}
	if err != gorm.ErrRecordNotFound {
		return HandleFailureResult{}, apperr.New("store.dlq.handle_failure", apperr.StoreFailure, err)
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	row := DLQEntry{
		ExecutionID:   executionID,
		FailureReason: reason,
		RetryCount:    retryCount,
		MovedAt:       time.Now().UTC(),
		Status:        DLQPending,
	}
	if err := r.db.Create(&row).Error; err != nil {
		return HandleFailureResult{}, apperr.New("store.dlq.handle_failure", apperr.StoreFailure, err)
	}

	return HandleFailureResult{Moved: true, RetryCount: retryCount, DLQID: &row.ID}, nil
}

// List returns DLQ entries in the given status, newest first.
func (r *DLQRepo) List(status DLQStatus) ([]DLQEntry, error) {
	var rows []DLQEntry
	if err := r.db.Where("status = ?", status).Order("moved_at DESC").Find(&rows).Error; err != nil {
		return nil, apperr.New("store.dlq.list", apperr.StoreFailure, err)
	}
	return rows, nil
}

// Retry transitions a DLQ entry to RETRYING and resets its execution to
// TRIGGERED so the poller's next tick (or an operator) can pick it up again.
func (r *DLQRepo) Retry(dlqID uint64) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var entry DLQEntry
		if err := tx.First(&entry, dlqID).Error; err != nil {
			return apperr.New("store.dlq.retry", apperr.StoreFailure, err)
		}
		if err := tx.Model(&DLQEntry{}).Where("id = ?", dlqID).Update("status", DLQRetrying).Error; err != nil {
			return apperr.New("store.dlq.retry", apperr.StoreFailure, err)
		}
		if err := tx.Model(&Execution{}).Where("id = ?", entry.ExecutionID).Update("status", ExecutionTriggered).Error; err != nil {
			return apperr.New("store.dlq.retry", apperr.StoreFailure, err)
		}
		return nil
	})
}

// Abandon marks a DLQ entry ABANDONED with a reason; it will never be retried.
func (r *DLQRepo) Abandon(dlqID uint64, reason string) error {
	if err := r.db.Model(&DLQEntry{}).Where("id = ?", dlqID).Updates(map[string]interface{}{
		"status":           DLQAbandoned,
		"resolution_notes": reason,
	}).Error; err != nil {
		return apperr.New("store.dlq.abandon", apperr.StoreFailure, err)
	}
	return nil
}

// Resolve marks a DLQ entry RESOLVED with operator notes.
func (r *DLQRepo) Resolve(dlqID uint64, notes string) error {
	if err := r.db.Model(&DLQEntry{}).Where("id = ?", dlqID).Updates(map[string]interface{}{
		"status":           DLQResolved,
		"resolution_notes": notes,
	}).Error; err != nil {
		return apperr.New("store.dlq.resolve", apperr.StoreFailure, err)
	}
	return nil
}

// Cleanup deletes resolved/abandoned rows moved before the retention cutoff.
func (r *DLQRepo) Cleanup(olderThan time.Time) (int64, error) {
	result := r.db.Where("status IN ? AND moved_at < ?", []DLQStatus{DLQResolved, DLQAbandoned}, olderThan).
		Delete(&DLQEntry{})
	if result.Error != nil {
		return 0, apperr.New("store.dlq.cleanup", apperr.StoreFailure, result.Error)
	}
	return result.RowsAffected, nil
}
