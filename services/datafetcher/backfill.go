package datafetcher

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"twse-screener/config"
	"twse-screener/models"
	"twse-screener/services/health"
	"twse-screener/services/history"
)

// maxBackfillMonths bounds the month-fetch loop so a symbol with a thin
// listing history cannot burn the whole request budget.
const maxBackfillMonths = 6

// BackfillEngine serves series from the local history store, backfilling
// missing months from TWSE and splicing in a live quote as today's bar
// while the market is open.
type BackfillEngine struct {
	twse   *twseClient
	store  *history.Store
	ledger *health.Ledger
	cfg    *config.Config
	now    func() time.Time

	mu     sync.RWMutex
	cache  map[string]*Series
	quotes map[string]*Quote
}

// NewBackfillEngine wires the store-backed TWSE engine.
func NewBackfillEngine(cfg *config.Config, client *DisguisedClient, store *history.Store, ledger *health.Ledger) *BackfillEngine {
	return &BackfillEngine{
		twse:   &twseClient{client: client},
		store:  store,
		ledger: ledger,
		cfg:    cfg,
		now:    time.Now,
		cache:  make(map[string]*Series),
		quotes: make(map[string]*Quote),
	}
}

// FetchAndProcess ensures enough history is stored, refreshes today's
// bar from the realtime feed, and returns the annotated series. The
// outcome is recorded in the health ledger.
func (e *BackfillEngine) FetchAndProcess(symbol string, batch health.BatchContext) (*Series, error) {
	series, err := e.process(symbol)
	if err != nil {
		e.ledger.RecordFailure(symbol, err.Error(), batch)
		return nil, err
	}
	e.mu.Lock()
	e.cache[symbol] = series
	e.mu.Unlock()

	e.ledger.RecordSuccess(symbol)
	return series, nil
}

func (e *BackfillEngine) process(symbol string) (*Series, error) {
	code := StripSuffix(symbol)

	if err := e.ensureHistory(code); err != nil {
		return nil, err
	}
	e.refreshToday(code)

	bars, err := e.store.LoadSeries(code, e.cfg.MinDays)
	if err != nil {
		return nil, fmt.Errorf("load series for %s: %w", code, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no price data stored for %s", code)
	}

	series := SeriesFromStored(symbol, bars)
	AnnotateMovingAverages(series, e.cfg.MAPeriods)
	return series, nil
}

// ensureHistory walks calendar months backward from the current month
// until the store holds at least MinDays rows or the month budget runs
// out.
func (e *BackfillEngine) ensureHistory(code string) error {
	count, err := e.store.CountDays(code)
	if err != nil {
		return fmt.Errorf("count stored days for %s: %w", code, err)
	}
	if count >= e.cfg.MinDays {
		return nil
	}

	cursor := e.now()
	months := 0
	for months < maxBackfillMonths && count < e.cfg.MinDays {
		bars, err := e.twse.fetchMonth(code, cursor.Year(), int(cursor.Month()))
		if err != nil {
			return fmt.Errorf("backfill %s: %w", code, err)
		}
		if err := e.store.BulkInsert(code, bars); err != nil {
			return fmt.Errorf("store month for %s: %w", code, err)
		}
		months++
		cursor = cursor.AddDate(0, -1, 0)

		count, err = e.store.CountDays(code)
		if err != nil {
			return fmt.Errorf("count stored days for %s: %w", code, err)
		}
	}

	if err := e.store.UpdateSyncStatus(code, months); err != nil {
		log.Printf("Failed to update sync status for %s: %v", code, err)
	}
	if count == 0 {
		return fmt.Errorf("no data returned by TWSE for %s", code)
	}
	return nil
}

// refreshToday upserts the live quote as today's bar. Outside market
// hours the stored end-of-day history is already current, so the
// realtime feed is not consulted at all.
func (e *BackfillEngine) refreshToday(code string) {
	if !e.cfg.IsMarketOpen(e.now()) {
		return
	}

	q := e.quoteFor(code)
	if q == nil || math.IsNaN(q.Price) {
		return
	}

	bar := models.DailyBar{
		Symbol: code,
		Date:   e.now().In(time.FixedZone("CST", 8*60*60)).Format("2006-01-02"),
		Close:  q.Price,
	}
	if !math.IsNaN(q.Open) {
		v := q.Open
		bar.Open = &v
	}
	if !math.IsNaN(q.High) {
		v := q.High
		bar.High = &v
	}
	if !math.IsNaN(q.Low) {
		v := q.Low
		bar.Low = &v
	}
	if q.Volume > 0 {
		v := q.Volume
		bar.Volume = &v
	}
	if err := e.store.Upsert(bar); err != nil {
		log.Printf("Failed to upsert today's bar for %s: %v", code, err)
	}
}

func (e *BackfillEngine) quoteFor(code string) *Quote {
	e.mu.RLock()
	q, ok := e.quotes[code]
	e.mu.RUnlock()
	if ok {
		return q
	}

	quotes, err := e.twse.fetchQuotes([]string{code})
	if err != nil {
		log.Printf("Failed to fetch realtime quote for %s: %v", code, err)
		return nil
	}
	e.mu.Lock()
	for sym, quote := range quotes {
		e.quotes[sym] = quote
	}
	q = e.quotes[code]
	e.mu.Unlock()
	return q
}

// Prefetch loads realtime quotes for a whole pass in batched requests
// so per-symbol processing does not pay one request each.
func (e *BackfillEngine) Prefetch(symbols []string) {
	if !e.cfg.IsMarketOpen(e.now()) {
		return
	}
	codes := make([]string, 0, len(symbols))
	for _, s := range symbols {
		codes = append(codes, StripSuffix(s))
	}
	quotes, err := e.twse.fetchQuotes(codes)
	if err != nil {
		log.Printf("Failed to prefetch realtime quotes: %v", err)
	}
	e.mu.Lock()
	for sym, q := range quotes {
		e.quotes[sym] = q
	}
	e.mu.Unlock()
}

// Cached returns the last successfully processed series for symbol.
func (e *BackfillEngine) Cached(symbol string) (*Series, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.cache[symbol]
	return s, ok
}

// ClearCache drops cached series and quotes ahead of a new pass.
func (e *BackfillEngine) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[string]*Series)
	e.quotes = make(map[string]*Quote)
	e.mu.Unlock()
}
