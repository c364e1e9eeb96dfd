package datafetcher

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"twse-screener/config"
	"twse-screener/services/health"
)

var yahooChartURL = "https://query1.finance.yahoo.com/v8/finance/chart"

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// DirectEngine fetches a symbol's whole history window in one chart API
// call. Empty responses fail immediately while throttle pushback retries
// with exponential backoff.
type DirectEngine struct {
	client *DisguisedClient
	ledger *health.Ledger
	cfg    *config.Config

	mu    sync.RWMutex
	cache map[string]*Series
}

// NewDirectEngine wires the one-shot chart engine.
func NewDirectEngine(cfg *config.Config, client *DisguisedClient, ledger *health.Ledger) *DirectEngine {
	return &DirectEngine{
		client: client,
		ledger: ledger,
		cfg:    cfg,
		cache:  make(map[string]*Series),
	}
}

// FetchAndProcess fetches, annotates and caches the series for symbol,
// recording the outcome in the health ledger.
func (e *DirectEngine) FetchAndProcess(symbol string, batch health.BatchContext) (*Series, error) {
	series, err := e.fetchWithRetry(symbol)
	if err != nil {
		e.ledger.RecordFailure(symbol, err.Error(), batch)
		return nil, err
	}

	AnnotateMovingAverages(series, e.cfg.MAPeriods)

	e.mu.Lock()
	e.cache[symbol] = series
	e.mu.Unlock()

	e.ledger.RecordSuccess(symbol)
	return series, nil
}

// Cached returns the last successfully processed series for symbol.
func (e *DirectEngine) Cached(symbol string) (*Series, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.cache[symbol]
	return s, ok
}

// ClearCache drops all cached series.
func (e *DirectEngine) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[string]*Series)
	e.mu.Unlock()
}

// Prefetch is a no-op; the chart API has no batch form.
func (e *DirectEngine) Prefetch(symbols []string) {}

func (e *DirectEngine) fetchWithRetry(symbol string) (*Series, error) {
	for attempt := 0; attempt < e.cfg.FetchMaxRetries; attempt++ {
		series, err := e.fetchChart(symbol)
		if err == nil {
			if series.Len() == 0 {
				// An empty payload is a data problem, retrying will not help.
				return nil, fmt.Errorf("no data returned for %s", symbol)
			}
			return series, nil
		}
		if !IsThrottled(err) {
			return nil, err
		}
		time.Sleep(backoffDelay(e.cfg.FetchBaseBackoff, e.cfg.FetchBackoffBase, attempt))
	}
	return nil, fmt.Errorf("max retries exceeded fetching %s", symbol)
}

func (e *DirectEngine) fetchChart(symbol string) (*Series, error) {
	url := fmt.Sprintf("%s/%s?range=6mo&interval=1d", yahooChartURL, symbol)

	var resp yahooChartResponse
	if err := e.client.GetJSON(url, &resp); err != nil {
		return nil, err
	}
	if resp.Chart.Error != nil {
		return nil, fmt.Errorf("chart API error for %s: %s", symbol, resp.Chart.Error.Description)
	}
	if len(resp.Chart.Result) == 0 || len(resp.Chart.Result[0].Indicators.Quote) == 0 {
		return &Series{Symbol: symbol}, nil
	}

	result := resp.Chart.Result[0]
	quote := result.Indicators.Quote[0]
	series := &Series{Symbol: symbol, Bars: make([]Bar, 0, len(result.Timestamp))}
	for i, ts := range result.Timestamp {
		if i >= len(quote.Close) || quote.Close[i] == nil {
			continue
		}
		series.Bars = append(series.Bars, Bar{
			Date:   time.Unix(ts, 0).UTC().Truncate(24 * time.Hour),
			Open:   at(quote.Open, i),
			High:   at(quote.High, i),
			Low:    at(quote.Low, i),
			Close:  *quote.Close[i],
			Volume: atInt(quote.Volume, i),
		})
	}
	sort.Slice(series.Bars, func(a, b int) bool {
		return series.Bars[a].Date.Before(series.Bars[b].Date)
	})
	return series, nil
}

func at(col []*float64, i int) float64 {
	if i >= len(col) || col[i] == nil {
		return math.NaN()
	}
	return *col[i]
}

func atInt(col []*int64, i int) float64 {
	if i >= len(col) || col[i] == nil {
		return math.NaN()
	}
	return float64(*col[i])
}
