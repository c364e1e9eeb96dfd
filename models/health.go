package models

import (
	"time"

	"gorm.io/gorm"
)

// Ticker health states.
const (
	StatusActive      = "active"
	StatusQuarantined = "quarantined"
)

// TickerStatus is the per-symbol health row. A symbol with no row is
// treated as active. Invariant: Status == quarantined exactly when
// QuarantinedAt and NextRetryAt are both set.
type TickerStatus struct {
	Symbol              string     `gorm:"primaryKey;size:16" json:"symbol"`
	Status              string     `gorm:"default:active" json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at"`
	LastSuccessAt       *time.Time `json:"last_success_at"`
	QuarantinedAt       *time.Time `json:"quarantined_at"`
	NextRetryAt         *time.Time `json:"next_retry_at"`
	FailureReason       string     `json:"failure_reason"`
	CreatedAt           time.Time  `json:"created_at"`
}

func (TickerStatus) TableName() string { return "ticker_status" }

// FailureLog is an append-only record of raw fetch failures kept for
// diagnosis. Rows are never mutated.
type FailureLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Symbol       string    `gorm:"index;size:16" json:"symbol"`
	ErrorMessage string    `json:"error_message"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func (FailureLog) TableName() string { return "failure_log" }

// MigrateHealthModels runs database migrations for the health ledger.
func MigrateHealthModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&TickerStatus{},
		&FailureLog{},
	)
}
