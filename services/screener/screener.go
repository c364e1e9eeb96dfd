// Package screener applies the trend-following filter chain to
// MA-annotated series and assembles the per-pass result set.
package screener

import (
	"log"
	"math"
	"time"

	"twse-screener/config"
	"twse-screener/services/datafetcher"
	"twse-screener/services/health"
)

// Result is one symbol that passed every filter in a screening pass.
type Result struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	ChangePercent float64 `json:"change_percent"`
	MA5           float64 `json:"ma5"`
	MA10          float64 `json:"ma10"`
	MA20          float64 `json:"ma20"`
	MA60          float64 `json:"ma60"`
	Slope5        float64 `json:"slope5"`
	Slope10       float64 `json:"slope10"`
	Slope20       float64 `json:"slope20"`
	AvgVolume     float64 `json:"avg_volume"`
	VolumeRatio   float64 `json:"volume_ratio"`
	StopLoss      float64 `json:"stop_loss"`
	TakeProfit    float64 `json:"take_profit"`
	RiskReward    float64 `json:"risk_reward"`
	ScreenedAt    string  `json:"screened_at"`
}

// volumeWindow is the lookback for average volume and the stop-loss low.
const volumeWindow = 20

// takeProfitMultiple fixes the reward leg at three times the risk leg.
const takeProfitMultiple = 3.0

// Screener runs the filter chain over a symbol universe through a fetch
// engine, narrowing each pass to healthy symbols plus any quarantined
// names due for a retry probe.
type Screener struct {
	cfg    *config.Config
	engine datafetcher.Engine
	ledger *health.Ledger
	now    func() time.Time
}

// New wires a screener over the given engine and health ledger.
func New(cfg *config.Config, engine datafetcher.Engine, ledger *health.Ledger) *Screener {
	return &Screener{cfg: cfg, engine: engine, ledger: ledger, now: time.Now}
}

// ScreenAll screens the universe and returns every symbol that passed.
// Quarantined symbols are skipped except those whose retry window has
// opened. One symbol's failure never aborts the pass.
func (s *Screener) ScreenAll(universe []string) ([]Result, error) {
	active, err := s.ledger.ActiveSymbols(universe)
	if err != nil {
		return nil, err
	}
	retry, err := s.ledger.RetryCandidates()
	if err != nil {
		log.Printf("Retry candidate lookup failed: %v", err)
	}
	targets := mergeSymbols(active, retry)

	s.engine.ClearCache()
	s.engine.Prefetch(targets)

	batch := health.BatchContext{TotalSymbols: len(targets)}
	results := make([]Result, 0)
	for _, symbol := range targets {
		result, ok := s.screenOne(symbol, &batch)
		if ok {
			results = append(results, result)
		}
	}
	log.Printf("Screening pass done: %d/%d symbols passed (%d fetch failures)",
		len(results), len(targets), batch.FailedCount)
	return results, nil
}

// screenOne fetches and filters a single symbol, recovering from panics
// so a malformed series cannot take down the pass.
func (s *Screener) screenOne(symbol string, batch *health.BatchContext) (result Result, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic screening %s: %v", symbol, r)
			ok = false
		}
	}()

	series, err := s.engine.FetchAndProcess(symbol, *batch)
	if err != nil {
		batch.FailedCount++
		log.Printf("Fetch failed for %s: %v", symbol, err)
		return Result{}, false
	}
	return s.Evaluate(series)
}

// Evaluate runs the filter chain over one annotated series. The series
// must cover at least MinDays bars before any filter is consulted.
func (s *Screener) Evaluate(series *datafetcher.Series) (Result, bool) {
	if series.Len() < s.cfg.MinDays {
		return Result{}, false
	}
	price := series.Last().Close

	if price < s.cfg.MinPrice || price > s.cfg.MaxPrice {
		return Result{}, false
	}

	// NaN anywhere in the window makes both comparisons false, so the
	// volume filter fails closed.
	avgVol := averageVolume(series, volumeWindow)
	volumeRatio := series.Last().Volume / avgVol
	if !(avgVol >= s.cfg.MinAvgVolume) || !(volumeRatio >= s.cfg.VolumeBreakoutRatio) {
		return Result{}, false
	}

	ma5 := series.LatestMA(5)
	ma10 := series.LatestMA(10)
	ma20 := series.LatestMA(20)
	ma60 := series.LatestMA(60)
	if !(ma5 > ma10 && ma10 > ma20 && ma20 > ma60) {
		return Result{}, false
	}

	stop, take, ratio := riskReward(series, price, ma20)
	if ratio < s.cfg.MinRiskReward {
		return Result{}, false
	}

	return Result{
		Symbol:        series.Symbol,
		Price:         price,
		ChangePercent: changePercent(series),
		MA5:           ma5,
		MA10:          ma10,
		MA20:          ma20,
		MA60:          ma60,
		Slope5:        Slope(series, 5),
		Slope10:       Slope(series, 10),
		Slope20:       Slope(series, 20),
		AvgVolume:     avgVol,
		VolumeRatio:   volumeRatio,
		StopLoss:      stop,
		TakeProfit:    take,
		RiskReward:    ratio,
		ScreenedAt:    s.now().Format(time.RFC3339),
	}, true
}

// averageVolume is the mean volume over the last n bars. A missing
// volume anywhere in the window poisons the mean so the filter fails
// closed.
func averageVolume(series *datafetcher.Series, n int) float64 {
	if series.Len() < n {
		return math.NaN()
	}
	sum := 0.0
	for _, b := range series.Bars[series.Len()-n:] {
		sum += b.Volume
	}
	return sum / float64(n)
}

// riskReward derives the trade plan: stop at the tighter of MA20 and
// the 20-day low, reward leg at three times the risk leg. A setup with
// no positive risk leg keeps the computed stop but collapses to
// take-profit at price and ratio 0, which no threshold accepts.
func riskReward(series *datafetcher.Series, price, ma20 float64) (stop, take, ratio float64) {
	low := lowestLow(series, volumeWindow)
	stop = math.Min(ma20, low)
	risk := price - stop
	if !(risk > 0) {
		return stop, price, 0
	}
	take = price + takeProfitMultiple*risk
	ratio = (take - price) / risk
	return stop, take, ratio
}

// lowestLow is the minimum defined Low over the last n bars. Bars with
// a missing Low are skipped; only a window with no Low at all is NaN.
func lowestLow(series *datafetcher.Series, n int) float64 {
	if series.Len() < n {
		return math.NaN()
	}
	low := math.NaN()
	for _, b := range series.Bars[series.Len()-n:] {
		if math.IsNaN(b.Low) {
			continue
		}
		if math.IsNaN(low) || b.Low < low {
			low = b.Low
		}
	}
	return low
}

// Slope is the average daily percent change of the period MA over the
// last period bars, or NaN when either endpoint is missing.
func Slope(series *datafetcher.Series, period int) float64 {
	i := series.Len() - 1
	j := i - period
	cur := series.MAAt(period, i)
	ago := series.MAAt(period, j)
	if math.IsNaN(cur) || math.IsNaN(ago) || ago == 0 {
		return math.NaN()
	}
	return (cur - ago) / ago / float64(period) * 100
}

func changePercent(series *datafetcher.Series) float64 {
	if series.Len() < 2 {
		return 0
	}
	prev := series.Bars[series.Len()-2].Close
	if prev == 0 {
		return 0
	}
	return (series.Last().Close - prev) / prev * 100
}

// mergeSymbols appends due retry candidates to the active list without
// duplicating symbols already present.
func mergeSymbols(active, retry []string) []string {
	seen := make(map[string]bool, len(active))
	out := make([]string, 0, len(active)+len(retry))
	for _, s := range active {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range retry {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
