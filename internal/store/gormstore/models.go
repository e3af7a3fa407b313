package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balance is materialized and always equals credits minus debits.
type Account struct {
	AccountID    string    `gorm:"size:128;primaryKey"`
	Role         string    `gorm:"size:16;not null"`
	BalanceCents int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the append-only ledger_entries table.
type LedgerEntry struct {
	EntryID       string         `gorm:"size:36;primaryKey"`
	AccountID     string         `gorm:"size:128;not null;index:idx_ledger_account_created,priority:1;uniqueIndex:uniq_ledger_account_correlation_direction,priority:1"`
	CorrelationID string         `gorm:"size:255;not null;index:idx_ledger_correlation;uniqueIndex:uniq_ledger_account_correlation_direction,priority:2"`
	Direction     string         `gorm:"size:8;not null;uniqueIndex:uniq_ledger_account_correlation_direction,priority:3"`
	AmountCents   int64          `gorm:"not null"`
	Category      string         `gorm:"size:16;not null"`
	Metadata      datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Session mirrors the sessions table.
type Session struct {
	SessionID        string     `gorm:"size:64;primaryKey"`
	RequesterID      string     `gorm:"size:128;not null;index:idx_sessions_requester"`
	ProviderID       string     `gorm:"size:128;not null;index:idx_sessions_provider_status,priority:1"`
	Type             string     `gorm:"size:8;not null"`
	Status           string     `gorm:"size:32;not null;index:idx_sessions_provider_status,priority:2;index:idx_sessions_status"`
	PricePerMinute   int64      `gorm:"not null"`
	CommissionKind   string     `gorm:"size:8;not null"`
	CommissionValue  string     `gorm:"size:16;not null"`
	AccumulatedCents int64      `gorm:"not null;default:0"`
	Ticks            int        `gorm:"not null;default:0"`
	RequesterJoined  bool       `gorm:"not null;default:false"`
	ProviderJoined   bool       `gorm:"not null;default:false"`
	MediaChannelID   string     `gorm:"size:128"`
	EndReason        string     `gorm:"size:32"`
	CreatedAt        time.Time  `gorm:"not null;index:idx_sessions_created"`
	StartedAt        *time.Time `gorm:""`
	LastTickAt       *time.Time `gorm:""`
	EndedAt          *time.Time `gorm:""`
	UpdatedAt        time.Time  `gorm:"not null"`
}

func (Session) TableName() string { return "sessions" }

// ChatMessage mirrors the chat_messages table.
type ChatMessage struct {
	MessageID string    `gorm:"size:64;primaryKey"`
	SessionID string    `gorm:"size:64;not null;index:idx_chat_messages_session_created,priority:1"`
	SenderID  string    `gorm:"size:128;not null"`
	Body      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;index:idx_chat_messages_session_created,priority:2"`
}

func (ChatMessage) TableName() string { return "chat_messages" }

// WaitlistEntry mirrors the waitlist_entries table.
type WaitlistEntry struct {
	SessionID   string    `gorm:"size:64;primaryKey"`
	ProviderID  string    `gorm:"size:128;not null;index:idx_waitlist_provider_enqueued,priority:1"`
	RequesterID string    `gorm:"size:128;not null"`
	Type        string    `gorm:"size:8;not null"`
	EnqueuedAt  time.Time `gorm:"not null;index:idx_waitlist_provider_enqueued,priority:2"`
}

func (WaitlistEntry) TableName() string { return "waitlist_entries" }

// ProviderRate mirrors the provider_rates table.
type ProviderRate struct {
	ProviderID      string    `gorm:"size:128;primaryKey"`
	Type            string    `gorm:"size:8;primaryKey"`
	PricePerMinute  int64     `gorm:"not null"`
	CommissionKind  string    `gorm:"size:8;not null"`
	CommissionValue string    `gorm:"size:16;not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (ProviderRate) TableName() string { return "provider_rates" }

// DeviceToken mirrors the device_tokens table.
type DeviceToken struct {
	Token     string    `gorm:"size:512;primaryKey"`
	AccountID string    `gorm:"size:128;not null;index:idx_device_tokens_account"`
	Platform  string    `gorm:"size:16"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (DeviceToken) TableName() string { return "device_tokens" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return append([]any{&Account{}, &LedgerEntry{}}, SessionModels()...)
}

// SessionModels lists the tables outside the ledger.
func SessionModels() []any {
	return []any{
		&Session{},
		&ChatMessage{},
		&WaitlistEntry{},
		&ProviderRate{},
		&DeviceToken{},
	}
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// MigrateSessions creates the non-ledger tables, for deployments whose ledger lives in pgstore.
func MigrateSessions(db *gorm.DB) error {
	return db.AutoMigrate(SessionModels()...)
}
