package store

import (
	"gorm.io/gorm"

	"github.com/blackpool/ruleswap/internal/apperr"
)

// AuditRepo backs the append-only audit_log and secrets_audit streams.
// Neither is on any critical path: a failed audit write is returned to the
// caller, and the callers in this module discard it rather than abort the
// operation it describes.
type AuditRepo struct {
	db *gorm.DB
}

// Log appends a state-change event.
func (r *AuditRepo) Log(resource, resourceID, action, detail string) error {
	entry := AuditLogEntry{Resource: resource, ResourceID: resourceID, Action: action, Detail: detail}
	if err := r.db.Create(&entry).Error; err != nil {
		return apperr.New("store.audit.log", apperr.StoreFailure, err)
	}
	return nil
}

// LogSecretAccess appends a master-key access or rotation event, tagged by
// the resource that triggered it — never the key material itself.
func (r *AuditRepo) LogSecretAccess(callerTag, operation string, keyVersionOld, keyVersionNew *int, success bool, detail string) error {
	entry := SecretsAuditEntry{
		CallerTag:     callerTag,
		Operation:     operation,
		KeyVersionOld: keyVersionOld,
		KeyVersionNew: keyVersionNew,
		Success:       success,
		Detail:        detail,
	}
	if err := r.db.Create(&entry).Error; err != nil {
		return apperr.New("store.audit.log_secret_access", apperr.StoreFailure, err)
	}
	return nil
}
