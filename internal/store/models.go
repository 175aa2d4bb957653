// Package store is the persistence layer: gorm models and repositories for
// every table the coordinator, poller, and webhook dispatcher read or write,
// grounded on the teacher's MySQLRecorder/AssetSnapshotRecord pattern.
package store

import "time"

// RuleStatus enumerates a rule's position in the state machine in §3 of the
// data model: CREATED → ACTIVE ↔ PAUSED; ACTIVE → TRIGGERED → EXECUTING →
// EXECUTED → ACTIVE, with a FAILED branch and a terminal CANCELLED from any
// non-terminal state.
type RuleStatus string

const (
	RuleCreated   RuleStatus = "CREATED"
	RuleActive    RuleStatus = "ACTIVE"
	RulePaused    RuleStatus = "PAUSED"
	RuleTriggered RuleStatus = "TRIGGERED"
	RuleExecuting RuleStatus = "EXECUTING"
	RuleExecuted  RuleStatus = "EXECUTED"
	RuleFailed    RuleStatus = "FAILED"
	RuleCancelled RuleStatus = "CANCELLED"
)

// RuleCondition is the comparison a rule applies to the observed probability.
type RuleCondition string

const (
	ConditionAbove RuleCondition = "ABOVE"
	ConditionBelow RuleCondition = "BELOW"
)

// RuleAction names which side of the market the swap moves funds to.
type RuleAction string

const (
	ActionToStable   RuleAction = "TO_STABLE"
	ActionToVolatile RuleAction = "TO_VOLATILE"
)

// ExecutionStatus mirrors the Execution row's lifecycle in §3.
type ExecutionStatus string

const (
	ExecutionTriggered ExecutionStatus = "TRIGGERED"
	ExecutionExecuting ExecutionStatus = "EXECUTING"
	ExecutionExecuted  ExecutionStatus = "EXECUTED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// DLQStatus mirrors the DLQ Entry's lifecycle in §3.
type DLQStatus string

const (
	DLQPending   DLQStatus = "PENDING"
	DLQRetrying  DLQStatus = "RETRYING"
	DLQResolved  DLQStatus = "RESOLVED"
	DLQAbandoned DLQStatus = "ABANDONED"
)

// WebhookKind names a delivery transport.
type WebhookKind string

const (
	WebhookHTTP    WebhookKind = "HTTP"
	WebhookSlack   WebhookKind = "SLACK"
	WebhookDiscord WebhookKind = "DISCORD"
	WebhookEmail   WebhookKind = "EMAIL"
)

// EventKind names a webhook event.
type EventKind string

const (
	EventRuleTriggered      EventKind = "RULE_TRIGGERED"
	EventExecutionStarted   EventKind = "EXECUTION_STARTED"
	EventExecutionSucceeded EventKind = "EXECUTION_SUCCEEDED"
	EventExecutionFailed    EventKind = "EXECUTION_FAILED"
	EventRulePaused         EventKind = "RULE_PAUSED"
	EventWalletLowBalance   EventKind = "WALLET_LOW_BALANCE"
)

// User is the minimal external-context row the core consumes: enough to
// route webhooks and check ownership. Everything else about a user lives
// outside this system.
type User struct {
	ID            uint64 `gorm:"primaryKey"`
	PrimaryAddress string `gorm:"type:varchar(64);not null"`
	APIKeyHash    string `gorm:"type:varchar(128);not null"`
	CreatedAt     time.Time
}

func (User) TableName() string { return "users" }

// AutomationWallet holds the encrypted signing key for one user's
// on-chain automation. Invariant: the plaintext private key never appears
// in this struct or any log line derived from it.
type AutomationWallet struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	UserID        uint64 `gorm:"index;not null"`
	PublicAddress string `gorm:"type:varchar(64);not null;uniqueIndex"`
	Ciphertext    []byte `gorm:"type:varbinary(256);not null"`
	IV            []byte `gorm:"type:varbinary(32);not null"`
	AuthTag       []byte `gorm:"type:varbinary(32);not null"`
	KeyVersion    int    `gorm:"not null;default:1"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

func (AutomationWallet) TableName() string { return "automation_wallets" }

// Rule is a single user-defined threshold rule bound to a market and wallet.
type Rule struct {
	ID              uint64        `gorm:"primaryKey;autoIncrement"`
	UserID          uint64        `gorm:"index;not null"`
	WalletID        uint64        `gorm:"index;not null"`
	MarketID        string        `gorm:"type:varchar(128);index;not null"`
	Condition       RuleCondition `gorm:"type:varchar(16);not null"`
	Threshold       float64       `gorm:"not null"`
	Action          RuleAction    `gorm:"type:varchar(16);not null"`
	SwapFractionPct int           `gorm:"not null"`
	CooldownHours   int           `gorm:"not null;default:0"`
	Status          RuleStatus    `gorm:"type:varchar(16);index;not null;default:CREATED"`
	LastTriggeredAt *time.Time
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

func (Rule) TableName() string { return "rules" }

// Execution is one attempt (idempotent per rule+second) to act on a trigger.
type Execution struct {
	ID                       uint64          `gorm:"primaryKey;autoIncrement"`
	RuleID                   uint64          `gorm:"index;not null"`
	TriggeredAt              time.Time       `gorm:"not null"`
	MarketConditionSnapshot  string          `gorm:"type:text;not null"` // frozen JSON
	IdempotencyKey           string          `gorm:"type:char(64);uniqueIndex;not null"`
	Status                   ExecutionStatus `gorm:"type:varchar(16);index;not null"`
	TxSignature              *string         `gorm:"type:varchar(128)"`
	TxBlockhash              *string         `gorm:"type:varchar(128)"`
	TxSentAt                 *time.Time
	RetryCount               int    `gorm:"not null;default:0"`
	ErrorMessage             *string `gorm:"type:text"`
	GasUsedWei               *string `gorm:"type:varchar(78)"`
	GasCostWei               *string `gorm:"type:varchar(78)"`
	CreatedAt                time.Time `gorm:"autoCreateTime"`
	UpdatedAt                time.Time `gorm:"autoUpdateTime"`
}

func (Execution) TableName() string { return "executions" }

// ExecutionLock is a live mutual-exclusion row for one rule_id. RuleID is the
// primary key, so at most one row exists per rule; expired rows are deleted
// (not marked) before a new lock is inserted, so that column-level uniqueness
// also means at most one live lock per rule.
type ExecutionLock struct {
	RuleID     uint64    `gorm:"primaryKey"`
	OwnerID    string    `gorm:"type:varchar(128);not null"`
	LockValue  string    `gorm:"type:varchar(160);not null"`
	AcquiredAt time.Time `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"not null;index"`
}

func (ExecutionLock) TableName() string { return "execution_locks" }

// DLQEntry is a row in the dead-letter queue, at most one PENDING-or-RETRYING
// per execution_id. Only application code enforces this (see
// DLQRepo.HandleFailure); the execution_id index is not unique.
type DLQEntry struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement"`
	ExecutionID      uint64    `gorm:"index;not null"`
	FailureReason    string    `gorm:"type:text;not null"`
	RetryCount       int       `gorm:"not null"`
	MovedAt          time.Time `gorm:"not null;autoCreateTime"`
	Status           DLQStatus `gorm:"type:varchar(16);index;not null"`
	ResolutionNotes  *string   `gorm:"type:text"`
}

func (DLQEntry) TableName() string { return "dead_letter_queue" }

// Webhook is one user-configured delivery endpoint.
type Webhook struct {
	ID              uint64      `gorm:"primaryKey;autoIncrement"`
	UserID          uint64      `gorm:"index;not null"`
	Kind            WebhookKind `gorm:"type:varchar(16);not null"`
	Destination     string      `gorm:"type:varchar(512);not null"`
	EventMask       string      `gorm:"type:varchar(512);not null"` // comma-joined EventKind list
	Enabled         bool        `gorm:"not null;default:true"`
	FailureCount    int         `gorm:"not null;default:0"`
	LastTriggeredAt *time.Time
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

func (Webhook) TableName() string { return "webhooks" }

// AuditLogEntry is an append-only record of a state-changing operation.
type AuditLogEntry struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	Resource  string    `gorm:"type:varchar(64);not null"`
	ResourceID string   `gorm:"type:varchar(64);not null"`
	Action    string    `gorm:"type:varchar(64);not null"`
	Detail    string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"autoCreateTime;index"`
}

func (AuditLogEntry) TableName() string { return "audit_log" }

// SecretsAuditEntry is an append-only record of every master-key access or
// rotation, tagged by the resource that triggered it — never the key itself.
type SecretsAuditEntry struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	CallerTag   string    `gorm:"type:varchar(128);not null"`
	Operation   string    `gorm:"type:varchar(64);not null"`
	KeyVersionOld *int
	KeyVersionNew *int
	Success     bool      `gorm:"not null"`
	Detail      string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index"`
}

func (SecretsAuditEntry) TableName() string { return "secrets_audit" }
