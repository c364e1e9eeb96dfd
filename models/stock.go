package models

import (
	"time"

	"gorm.io/gorm"
)

// DailyBar represents one trading day of OHLCV data for a symbol.
// Uniquely keyed by (symbol, date); writes for the same key overwrite.
// Open/High/Low/Volume are nullable because the TWSE feed reports
// placeholder tokens for them on some days.
type DailyBar struct {
	Symbol    string    `gorm:"primaryKey;size:16" json:"symbol"`
	Date      string    `gorm:"primaryKey;size:10" json:"date"` // YYYY-MM-DD
	Open      *float64  `json:"open"`
	High      *float64  `json:"high"`
	Low       *float64  `json:"low"`
	Close     float64   `json:"close"`
	Volume    *int64    `json:"volume"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName keeps the table name aligned with the historical schema.
func (DailyBar) TableName() string { return "daily_prices" }

// SyncStatus tracks incremental backfill progress per symbol.
type SyncStatus struct {
	Symbol       string    `gorm:"primaryKey;size:16" json:"symbol"`
	LastSync     time.Time `json:"last_sync"`
	MonthsLoaded int       `json:"months_loaded"`
}

func (SyncStatus) TableName() string { return "sync_status" }

// MigrateHistoryModels runs database migrations for the history store.
func MigrateHistoryModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&DailyBar{},
		&SyncStatus{},
	)
}
