package store

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store bundles a gorm connection with every repository, the same shape the
// teacher used for MySQLRecorder wrapping a single *gorm.DB.
type Store struct {
	db *gorm.DB

	Users       *UserRepo
	Wallets     *WalletRepo
	Rules       *RuleRepo
	Executions  *ExecutionRepo
	Locks       *LockRepo
	DLQ         *DLQRepo
	Webhooks    *WebhookRepo
	Audit       *AuditRepo
}

// Open connects to MySQL via dsn and auto-migrates every table this system
// owns, mirroring the teacher's NewMySQLRecorder.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	return newWithDB(db, true)
}

// OpenWithDB wraps an existing *gorm.DB (used by tests with sqlmock), skipping
// auto-migration when migrate is false.
func OpenWithDB(db *gorm.DB, migrate bool) (*Store, error) {
	return newWithDB(db, migrate)
}

func newWithDB(db *gorm.DB, migrate bool) (*Store, error) {
	if migrate {
		if err := db.AutoMigrate(
			&User{},
			&AutomationWallet{},
			&Rule{},
			&Execution{},
			&ExecutionLock{},
			&DLQEntry{},
			&Webhook{},
			&AuditLogEntry{},
			&SecretsAuditEntry{},
		); err != nil {
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
	}

	return &Store{
		db:         db,
		Users:      &UserRepo{db: db},
		Wallets:    &WalletRepo{db: db},
		Rules:      &RuleRepo{db: db},
		Executions: &ExecutionRepo{db: db},
		Locks:      &LockRepo{db: db},
		DLQ:        &DLQRepo{db: db},
		Webhooks:   &WebhookRepo{db: db},
		Audit:      &AuditRepo{db: db},
	}, nil
}

// DB exposes the underlying connection for advanced/cross-repo queries.
func (s *Store) DB() *gorm.DB { return s.db }

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("underlying db: %w", err)
	}
	return sqlDB.Close()
}
