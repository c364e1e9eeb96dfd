// Package history is the canonical local cache of daily OHLCV bars,
// backed by SQLite. All writes are idempotent upserts keyed by
// (symbol, date), so interrupted backfills can simply be retried.
package history

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"twse-screener/models"
)

// loadBuffer is the number of extra rows loaded beyond minDays so rolling
// window computations over minDays have no leading gaps.
const loadBuffer = 30

var barConflict = clause.OnConflict{
	Columns:   []clause.Column{{Name: "symbol"}, {Name: "date"}},
	DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume"}),
}

// Store persists daily bars and per-symbol sync bookkeeping.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a Store on top of a migrated history database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Upsert inserts or overwrites a single day's bar.
func (s *Store) Upsert(bar models.DailyBar) error {
	if err := s.db.Clauses(barConflict).Create(&bar).Error; err != nil {
		return fmt.Errorf("upsert bar %s %s: %w", bar.Symbol, bar.Date, err)
	}
	return nil
}

// BulkInsert upserts multiple days of data for one symbol in a single
// transaction, so a partial write can never leave duplicates behind.
func (s *Store) BulkInsert(symbol string, bars []models.DailyBar) error {
	if len(bars) == 0 {
		return nil
	}
	for i := range bars {
		bars[i].Symbol = symbol
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(barConflict).CreateInBatches(bars, 200).Error
	})
	if err != nil {
		return fmt.Errorf("bulk insert %d bars for %s: %w", len(bars), symbol, err)
	}
	log.Printf("Inserted %d rows for %s", len(bars), symbol)
	return nil
}

// CountDays returns the number of trading days stored for a symbol.
func (s *Store) CountDays(symbol string) (int, error) {
	var count int64
	err := s.db.Model(&models.DailyBar{}).Where("symbol = ?", symbol).Count(&count).Error
	return int(count), err
}

// LastDate returns the most recent stored date for a symbol, or "" when
// no rows exist.
func (s *Store) LastDate(symbol string) (string, error) {
	var bar models.DailyBar
	err := s.db.Where("symbol = ?", symbol).Order("date DESC").Take(&bar).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return bar.Date, nil
}

// LoadSeries returns the most recent minDays+buffer bars for a symbol in
// ascending date order. Returns an empty slice when nothing is stored.
func (s *Store) LoadSeries(symbol string, minDays int) ([]models.DailyBar, error) {
	var bars []models.DailyBar
	err := s.db.Where("symbol = ?", symbol).
		Order("date DESC").
		Limit(minDays + loadBuffer).
		Find(&bars).Error
	if err != nil {
		return nil, fmt.Errorf("load series for %s: %w", symbol, err)
	}

	// Reverse into ascending order for rolling-window computation.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// GetSyncStatus returns backfill bookkeeping for a symbol, or nil when
// the symbol has never been synced.
func (s *Store) GetSyncStatus(symbol string) (*models.SyncStatus, error) {
	var st models.SyncStatus
	err := s.db.Where("symbol = ?", symbol).Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// UpdateSyncStatus records that a backfill loaded monthsLoaded months for
// the symbol.
func (s *Store) UpdateSyncStatus(symbol string, monthsLoaded int) error {
	st := models.SyncStatus{
		Symbol:       symbol,
		LastSync:     s.now(),
		MonthsLoaded: monthsLoaded,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sync", "months_loaded"}),
	}).Create(&st).Error
}

// DeleteSymbol removes all bars and sync bookkeeping for a symbol.
func (s *Store) DeleteSymbol(symbol string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("symbol = ?", symbol).Delete(&models.DailyBar{}).Error; err != nil {
			return err
		}
		return tx.Where("symbol = ?", symbol).Delete(&models.SyncStatus{}).Error
	})
}

// AllSymbols returns every symbol with stored bars, sorted.
func (s *Store) AllSymbols() ([]string, error) {
	var symbols []string
	err := s.db.Model(&models.DailyBar{}).
		Distinct("symbol").
		Order("symbol").
		Pluck("symbol", &symbols).Error
	return symbols, err
}
