// Package health tracks per-symbol fetch health and quarantines symbols
// that fail repeatedly, so screening passes stop spending request budget
// on dead tickers.
package health

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"twse-screener/models"
)

const (
	// FailureThreshold is the number of consecutive failures after which a
	// symbol is quarantined.
	FailureThreshold = 2

	// RetryInterval is how long a quarantined symbol waits before it
	// becomes a retry candidate again.
	RetryInterval = 7 * 24 * time.Hour

	// systemicFailureRate is the batch failure ratio above which
	// quarantining is suppressed: when more than half the universe fails,
	// the problem is the upstream, not the symbols.
	systemicFailureRate = 0.5
)

// Failure reason tags. Diagnostic only; transition logic never branches
// on them.
const (
	ReasonNoData    = "no_data"
	ReasonJSONParse = "json_parse"
	ReasonDelisted  = "delisted"
	ReasonTimeout   = "timeout"
	ReasonUnknown   = "unknown"
)

// ClassifyFailure maps a raw error message to a failure reason tag.
// Matching is case-insensitive substring, first match wins.
func ClassifyFailure(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no data returned"), strings.Contains(lower, "no price data"):
		return ReasonNoData
	case strings.Contains(lower, "expecting value"):
		return ReasonJSONParse
	case strings.Contains(lower, "delisted"):
		return ReasonDelisted
	case strings.Contains(lower, "timeout"):
		return ReasonTimeout
	default:
		return ReasonUnknown
	}
}

// BatchContext carries the failure statistics of the screening batch a
// fetch belongs to. RecordFailure requires it so the systemic-failure
// guard cannot be forgotten by callers.
type BatchContext struct {
	TotalSymbols int
	FailedCount  int
}

// SoloBatch is the context for an ad-hoc single-symbol fetch outside any
// batch; the guard never triggers for it.
func SoloBatch() BatchContext {
	return BatchContext{TotalSymbols: 1}
}

// Systemic reports whether the batch failure rate indicates an upstream
// outage rather than symbol-specific problems.
func (b BatchContext) Systemic() bool {
	if b.TotalSymbols == 0 {
		return false
	}
	return float64(b.FailedCount)/float64(b.TotalSymbols) > systemicFailureRate
}

// Summary holds aggregate ledger counts for status reporting.
type Summary struct {
	Active        int64 `json:"active"`
	Quarantined   int64 `json:"quarantined"`
	TotalFailures int64 `json:"total_failures"`
}

// Ledger is the persistent per-symbol health state machine.
type Ledger struct {
	db         *gorm.DB
	marketOpen func(time.Time) bool
	now        func() time.Time
}

// NewLedger creates a Ledger on top of a migrated health database.
// marketOpen gates retry candidacy to trading hours.
func NewLedger(db *gorm.DB, marketOpen func(time.Time) bool) *Ledger {
	return &Ledger{
		db:         db,
		marketOpen: marketOpen,
		now:        time.Now,
	}
}

// RecordFailure records a fetch failure for a symbol and applies the
// state machine: an active symbol accumulates consecutive failures and is
// quarantined at the threshold; an already-quarantined symbol only has
// its retry window pushed back. When the batch context indicates a
// systemic outage the failure is logged but no state is accumulated.
func (l *Ledger) RecordFailure(symbol, rawMessage string, batch BatchContext) error {
	now := l.now()
	reason := ClassifyFailure(rawMessage)

	return l.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&models.FailureLog{
			Symbol:       symbol,
			ErrorMessage: rawMessage,
			OccurredAt:   now,
		}).Error; err != nil {
			return fmt.Errorf("append failure log: %w", err)
		}

		if batch.Systemic() {
			log.Printf("%s: systemic failure detected (%d/%d), skipping quarantine accumulation",
				symbol, batch.FailedCount, batch.TotalSymbols)
			return nil
		}

		var ts models.TickerStatus
		err := tx.Where("symbol = ?", symbol).Take(&ts).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			ts = models.TickerStatus{
				Symbol:              symbol,
				Status:              models.StatusActive,
				ConsecutiveFailures: 1,
				LastFailureAt:       &now,
				FailureReason:       reason,
			}
			if err := tx.Create(&ts).Error; err != nil {
				return fmt.Errorf("create ticker status: %w", err)
			}
			log.Printf("%s: fetch failed (1/%d) - %s", symbol, FailureThreshold, reason)
			return nil

		case err != nil:
			return fmt.Errorf("load ticker status: %w", err)
		}

		if ts.Status == models.StatusQuarantined {
			// Failed scheduled retry: push the window back, no counting.
			nextRetry := now.Add(RetryInterval)
			if err := tx.Model(&ts).Updates(map[string]interface{}{
				"next_retry_at":   nextRetry,
				"last_failure_at": now,
				"failure_reason":  reason,
			}).Error; err != nil {
				return fmt.Errorf("update retry schedule: %w", err)
			}
			log.Printf("%s: retry failed, remains quarantined until %s",
				symbol, nextRetry.Format("2006-01-02"))
			return nil
		}

		failures := ts.ConsecutiveFailures + 1
		if failures >= FailureThreshold {
			nextRetry := now.Add(RetryInterval)
			if err := tx.Model(&ts).Updates(map[string]interface{}{
				"status":               models.StatusQuarantined,
				"consecutive_failures": failures,
				"last_failure_at":      now,
				"quarantined_at":       now,
				"next_retry_at":        nextRetry,
				"failure_reason":       reason,
			}).Error; err != nil {
				return fmt.Errorf("quarantine symbol: %w", err)
			}
			log.Printf("%s: quarantined after %d failures - %s, next retry %s",
				symbol, failures, reason, nextRetry.Format("2006-01-02"))
			return nil
		}

		if err := tx.Model(&ts).Updates(map[string]interface{}{
			"consecutive_failures": failures,
			"last_failure_at":      now,
			"failure_reason":       reason,
		}).Error; err != nil {
			return fmt.Errorf("update failure count: %w", err)
		}
		log.Printf("%s: fetch failed (%d/%d) - %s", symbol, failures, FailureThreshold, reason)
		return nil
	})
}

// RecordSuccess records a successful fetch, resetting the failure count
// and clearing quarantine immediately if set.
func (l *Ledger) RecordSuccess(symbol string) error {
	now := l.now()

	return l.db.Transaction(func(tx *gorm.DB) error {
		var ts models.TickerStatus
		err := tx.Where("symbol = ?", symbol).Take(&ts).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&models.TickerStatus{
				Symbol:        symbol,
				Status:        models.StatusActive,
				LastSuccessAt: &now,
			}).Error
		}
		if err != nil {
			return fmt.Errorf("load ticker status: %w", err)
		}

		wasQuarantined := ts.Status == models.StatusQuarantined
		if err := tx.Model(&ts).Updates(map[string]interface{}{
			"status":               models.StatusActive,
			"consecutive_failures": 0,
			"last_success_at":      now,
			"quarantined_at":       nil,
			"next_retry_at":        nil,
		}).Error; err != nil {
			return fmt.Errorf("update ticker status: %w", err)
		}
		if wasQuarantined {
			log.Printf("%s: recovered from quarantine", symbol)
		}
		return nil
	})
}

// IsQuarantined reports whether a symbol is currently quarantined.
// Unknown symbols are active.
func (l *Ledger) IsQuarantined(symbol string) (bool, error) {
	var count int64
	err := l.db.Model(&models.TickerStatus{}).
		Where("symbol = ? AND status = ?", symbol, models.StatusQuarantined).
		Count(&count).Error
	return count > 0, err
}

// ActiveSymbols filters quarantined symbols out of the input, preserving
// order. Symbols the ledger has never seen pass through as active.
func (l *Ledger) ActiveSymbols(symbols []string) ([]string, error) {
	if len(symbols) == 0 {
		return []string{}, nil
	}

	var quarantined []string
	err := l.db.Model(&models.TickerStatus{}).
		Where("symbol IN ? AND status = ?", symbols, models.StatusQuarantined).
		Pluck("symbol", &quarantined).Error
	if err != nil {
		return nil, fmt.Errorf("query quarantined symbols: %w", err)
	}

	blocked := make(map[string]bool, len(quarantined))
	for _, s := range quarantined {
		blocked[s] = true
	}

	active := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if !blocked[s] {
			active = append(active, s)
		}
	}
	if len(blocked) > 0 {
		log.Printf("Filtered out %d quarantined symbols", len(blocked))
	}
	return active, nil
}

// RetryCandidates returns quarantined symbols whose retry window has
// opened. Retries are confined to market hours so a fetch attempt can
// return a meaningful result.
func (l *Ledger) RetryCandidates() ([]string, error) {
	now := l.now()
	if !l.marketOpen(now) {
		return nil, nil
	}

	var symbols []string
	err := l.db.Model(&models.TickerStatus{}).
		Where("status = ? AND next_retry_at <= ?", models.StatusQuarantined, now).
		Pluck("symbol", &symbols).Error
	if err != nil {
		return nil, fmt.Errorf("query retry candidates: %w", err)
	}
	if len(symbols) > 0 {
		log.Printf("Retrying %d quarantined symbols (weekly market-hours retry)", len(symbols))
	}
	return symbols, nil
}

// StatusSummary returns aggregate health counts.
func (l *Ledger) StatusSummary() (*Summary, error) {
	var s Summary
	if err := l.db.Model(&models.TickerStatus{}).
		Where("status = ?", models.StatusActive).Count(&s.Active).Error; err != nil {
		return nil, err
	}
	if err := l.db.Model(&models.TickerStatus{}).
		Where("status = ?", models.StatusQuarantined).Count(&s.Quarantined).Error; err != nil {
		return nil, err
	}
	if err := l.db.Model(&models.FailureLog{}).Count(&s.TotalFailures).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ResetAllQuarantine returns every quarantined symbol to active. This is
// the administrative escape hatch for confirmed systemic false positives.
// Returns the number of symbols reset.
func (l *Ledger) ResetAllQuarantine() (int64, error) {
	res := l.db.Model(&models.TickerStatus{}).
		Where("status = ?", models.StatusQuarantined).
		Updates(map[string]interface{}{
			"status":               models.StatusActive,
			"consecutive_failures": 0,
			"quarantined_at":       nil,
			"next_retry_at":        nil,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		log.Printf("Reset %d quarantined symbols to active", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
