package store

import (
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/blackpool/ruleswap/internal/apperr"
)

// WebhookRepo backs the Webhook table.
type WebhookRepo struct {
	db *gorm.DB
}

// ForEvent returns every enabled webhook for userID whose event_mask
// contains kind.
func (r *WebhookRepo) ForEvent(userID uint64, kind EventKind) ([]Webhook, error) {
	var all []Webhook
	if err := r.db.Where("user_id = ? AND enabled = ?", userID, true).Find(&all).Error; err != nil {
		return nil, apperr.New("store.webhooks.for_event", apperr.StoreFailure, err)
	}

	matched := make([]Webhook, 0, len(all))
	for _, wh := range all {
		if eventMaskContains(wh.EventMask, kind) {
			matched = append(matched, wh)
		}
	}
	return matched, nil
}

func eventMaskContains(mask string, kind EventKind) bool {
	for _, entry := range strings.Split(mask, ",") {
		if strings.TrimSpace(entry) == string(kind) {
			return true
		}
	}
	return false
}

// RecordSuccess resets failure_count to zero and stamps last_triggered_at.
func (r *WebhookRepo) RecordSuccess(id uint64) error {
	now := time.Now().UTC()
	if err := r.db.Model(&Webhook{}).Where("id = ?", id).Updates(map[string]interface{}{
		"failure_count":     0,
		"last_triggered_at": now,
	}).Error; err != nil {
		return apperr.New("store.webhooks.record_success", apperr.StoreFailure, err)
	}
	return nil
}

// RecordFailure increments failure_count after every delivery attempt for id
// has been exhausted.
func (r *WebhookRepo) RecordFailure(id uint64) error {
	if err := r.db.Model(&Webhook{}).Where("id = ?", id).
		Update("failure_count", gorm.Expr("failure_count + 1")).Error; err != nil {
		return apperr.New("store.webhooks.record_failure", apperr.StoreFailure, err)
	}
	return nil
}
