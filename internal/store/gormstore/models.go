package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balance only moves through ledger
// operations.
type Account struct {
	AccountID string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null"`
	Disabled  bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerTransaction mirrors the ledger_transactions table. Rows are immutable
// once written.
type LedgerTransaction struct {
	TransactionID    string         `gorm:"type:uuid;primaryKey"`
	AccountID        string         `gorm:"not null;index:idx_tx_account_created,priority:1;index:idx_tx_account_kind,priority:1"`
	Kind             string         `gorm:"not null;index:idx_tx_account_kind,priority:2"`
	Amount           int64          `gorm:"not null"`
	ResultingBalance int64          `gorm:"not null"`
	Reason           string         `gorm:"not null"`
	Metadata         datatypes.JSON `gorm:"not null"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_tx_account_created,priority:2"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

func (transaction *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Entitlement mirrors the entitlements table.
type Entitlement struct {
	AccountID    string     `gorm:"primaryKey"`
	Operation    string     `gorm:"primaryKey"`
	Status       string     `gorm:"not null"`
	UsageCount   int64      `gorm:"not null;default:0"`
	UsageCeiling int64      `gorm:"not null;default:0"`
	LastUsedAt   *time.Time `gorm:""`
	CreatedAt    time.Time  `gorm:"not null"`
	UpdatedAt    time.Time  `gorm:"not null"`
}

func (Entitlement) TableName() string { return "entitlements" }

// UsageLog mirrors the usage_logs table. Rows are append-only. CreatedAt is
// unix seconds so the per-operation aggregation stays portable across drivers.
type UsageLog struct {
	UsageID        string `gorm:"type:uuid;primaryKey"`
	AccountID      string `gorm:"not null;index:idx_usage_account_created,priority:1"`
	Operation      string `gorm:"not null"`
	StatusCode     int    `gorm:"not null"`
	LatencyMillis  int64  `gorm:"not null"`
	CreditsCharged int64  `gorm:"not null;default:0"`
	CreatedAt      int64  `gorm:"not null;index:idx_usage_account_created,priority:2"`
}

func (UsageLog) TableName() string { return "usage_logs" }

func (usage *UsageLog) BeforeCreate(tx *gorm.DB) error {
	if usage.UsageID == "" {
		usage.UsageID = uuid.NewString()
	}
	return nil
}
