package screener

import (
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"twse-screener/config"
	"twse-screener/models"
	"twse-screener/services/datafetcher"
	"twse-screener/services/health"
)

func testConfig() *config.Config {
	return &config.Config{
		MAPeriods:           []int{5, 10, 20, 60},
		MinDays:             60,
		MinPrice:            10,
		MaxPrice:            3000,
		MinAvgVolume:        1000000,
		VolumeBreakoutRatio: 1.5,
		MinRiskReward:       3.0,
	}
}

func testLedger(t *testing.T) *health.Ledger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "health.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.MigrateHealthModels(db))
	return health.NewLedger(db, func(time.Time) bool { return true })
}

// risingSeries builds n bars climbing by step per day, with a volume
// surge on the final bar so the breakout filter passes, annotated with
// the standard MA set.
func risingSeries(symbol string, n int, start, step float64) *datafetcher.Series {
	s := &datafetcher.Series{Symbol: symbol}
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		close := start + float64(i)*step
		volume := 2000000.0
		if i == n-1 {
			volume = 4000000
		}
		s.Bars = append(s.Bars, datafetcher.Bar{
			Date:   base.AddDate(0, 0, i),
			Open:   close - 0.5,
			High:   close + 1,
			Low:    close - 1,
			Close:  close,
			Volume: volume,
		})
	}
	datafetcher.AnnotateMovingAverages(s, []int{5, 10, 20, 60})
	return s
}

func TestEvaluatePassesAlignedUptrend(t *testing.T) {
	s := New(testConfig(), nil, nil)
	series := risingSeries("2330.TW", 70, 100, 0.5)

	result, ok := s.Evaluate(series)
	require.True(t, ok)
	assert.Equal(t, "2330.TW", result.Symbol)
	assert.InDelta(t, 134.5, result.Price, 1e-9)
	assert.Greater(t, result.MA5, result.MA10)
	assert.Greater(t, result.MA10, result.MA20)
	assert.Greater(t, result.MA20, result.MA60)
	assert.InDelta(t, 3.0, result.RiskReward, 1e-9)

	// A steady +0.5/day climb moves every MA by 0.5 per bar, so each
	// slope is 0.5 divided by the MA level, in percent per day.
	for _, slope := range []float64{result.Slope5, result.Slope10, result.Slope20} {
		assert.False(t, math.IsNaN(slope))
		assert.Greater(t, slope, 0.0)
	}

	risk := result.Price - result.StopLoss
	assert.Greater(t, risk, 0.0)
	assert.InDelta(t, result.Price+3*risk, result.TakeProfit, 1e-9)
}

func TestEvaluateRejectsShortSeries(t *testing.T) {
	s := New(testConfig(), nil, nil)
	_, ok := s.Evaluate(risingSeries("2330.TW", 59, 100, 0.5))
	assert.False(t, ok)
}

func TestEvaluateRejectsPriceOutOfRange(t *testing.T) {
	s := New(testConfig(), nil, nil)

	_, ok := s.Evaluate(risingSeries("1111.TW", 70, 2, 0.01))
	assert.False(t, ok, "penny stock below the floor")

	_, ok = s.Evaluate(risingSeries("2222.TW", 70, 4000, 1))
	assert.False(t, ok, "price above the ceiling")
}

func TestEvaluateFailsClosedOnMissingVolume(t *testing.T) {
	s := New(testConfig(), nil, nil)
	series := risingSeries("2330.TW", 70, 100, 0.5)
	series.Bars[65].Volume = math.NaN()

	_, ok := s.Evaluate(series)
	assert.False(t, ok)
}

func TestEvaluateRejectsFlatVolume(t *testing.T) {
	s := New(testConfig(), nil, nil)
	series := risingSeries("2330.TW", 70, 100, 0.5)
	// No surge on the final bar, so the breakout ratio stays near 1.
	series.Bars[69].Volume = 2000000

	_, ok := s.Evaluate(series)
	assert.False(t, ok)
}

func TestEvaluateRejectsMisalignedMAs(t *testing.T) {
	s := New(testConfig(), nil, nil)
	_, ok := s.Evaluate(risingSeries("2330.TW", 70, 200, -0.5))
	assert.False(t, ok)
}

func TestRiskRewardPlan(t *testing.T) {
	series := &datafetcher.Series{Symbol: "2330.TW"}
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		series.Bars = append(series.Bars, datafetcher.Bar{
			Date: base.AddDate(0, 0, i), Low: 95, Close: 100, Volume: 2000000,
		})
	}

	stop, take, ratio := riskReward(series, 100, 90)
	assert.Equal(t, 90.0, stop, "stop takes the tighter of MA20 and the 20-day low")
	assert.Equal(t, 130.0, take)
	assert.Equal(t, 3.0, ratio)

	// Price at or below the stop: the plan keeps the computed stop but
	// degrades to take-profit at price and ratio 0.
	stop, take, ratio = riskReward(series, 90, 100)
	assert.Equal(t, 95.0, stop)
	assert.Equal(t, 90.0, take)
	assert.Equal(t, 0.0, ratio)
}

func TestLowestLowSkipsMissingBars(t *testing.T) {
	series := &datafetcher.Series{Symbol: "2330.TW"}
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		low := math.NaN()
		if i == 7 {
			low = 93
		}
		if i == 12 {
			low = 91
		}
		series.Bars = append(series.Bars, datafetcher.Bar{
			Date: base.AddDate(0, 0, i), Low: low, Close: 100,
		})
	}

	assert.Equal(t, 91.0, lowestLow(series, 20), "missing lows are skipped, not poisoning")

	for i := range series.Bars {
		series.Bars[i].Low = math.NaN()
	}
	assert.True(t, math.IsNaN(lowestLow(series, 20)), "a window with no defined low is NaN")

	_, _, ratio := riskReward(series, 100, math.NaN())
	assert.Equal(t, 0.0, ratio, "an undefined stop cannot produce a valid plan")
}

func TestSlope(t *testing.T) {
	series := &datafetcher.Series{Symbol: "2330.TW"}
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		close := 100.0
		if i >= 5 {
			close = 102.5
		}
		series.Bars = append(series.Bars, datafetcher.Bar{
			Date: base.AddDate(0, 0, i), Close: close,
		})
	}
	datafetcher.AnnotateMovingAverages(series, []int{5})

	// MA5 moved from 100 to 102.5 over five bars: 0.5 percent per day.
	assert.InDelta(t, 0.5, Slope(series, 5), 1e-9)

	short := risingSeries("2330.TW", 6, 100, 1)
	assert.True(t, math.IsNaN(Slope(short, 5)), "endpoint before annotation window is NaN")
}

type fakeEngine struct {
	mu     sync.Mutex
	calls  []string
	series map[string]*datafetcher.Series
	errs   map[string]error
}

func (f *fakeEngine) FetchAndProcess(symbol string, batch health.BatchContext) (*datafetcher.Series, error) {
	f.mu.Lock()
	f.calls = append(f.calls, symbol)
	f.mu.Unlock()
	if err, ok := f.errs[symbol]; ok {
		return nil, err
	}
	return f.series[symbol], nil
}

func (f *fakeEngine) Cached(symbol string) (*datafetcher.Series, bool) { return nil, false }
func (f *fakeEngine) ClearCache()                                     {}
func (f *fakeEngine) Prefetch(symbols []string)                       {}

func TestScreenAllIsolatesFailuresAndSkipsQuarantine(t *testing.T) {
	ledger := testLedger(t)
	// Two prior failures put the symbol in quarantine with a retry a
	// week out, so the pass must not touch it.
	require.NoError(t, ledger.RecordFailure("9999.TW", "delisted", health.SoloBatch()))
	require.NoError(t, ledger.RecordFailure("9999.TW", "delisted", health.SoloBatch()))

	engine := &fakeEngine{
		series: map[string]*datafetcher.Series{
			"2330.TW": risingSeries("2330.TW", 70, 100, 0.5),
			"2454.TW": risingSeries("2454.TW", 70, 500, -0.5),
		},
		errs: map[string]error{
			"2317.TW": errors.New("timeout fetching 2317.TW"),
		},
	}

	s := New(testConfig(), engine, ledger)
	results, err := s.ScreenAll([]string{"2330.TW", "2317.TW", "2454.TW", "9999.TW"})
	require.NoError(t, err)

	require.Len(t, results, 1, "only the aligned uptrend passes")
	assert.Equal(t, "2330.TW", results[0].Symbol)
	assert.NotContains(t, engine.calls, "9999.TW")
	assert.Contains(t, engine.calls, "2317.TW", "a failing symbol is attempted, not skipped")
}

type fakeUniverse struct{ symbols []string }

func (f *fakeUniverse) Symbols() []string { return f.symbols }

type fakeNotifier struct {
	mu   sync.Mutex
	sent [][]Result
}

func (f *fakeNotifier) NotifyNewMatches(results []Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, results)
	return nil
}

func TestRunnerNotifiesOnlyNewMatches(t *testing.T) {
	engine := &fakeEngine{
		series: map[string]*datafetcher.Series{
			"2330.TW": risingSeries("2330.TW", 70, 100, 0.5),
		},
	}
	notifier := &fakeNotifier{}
	s := New(testConfig(), engine, testLedger(t))
	runner := NewRunner(s, &fakeUniverse{symbols: []string{"2330.TW"}}, notifier, nil)

	results, err := runner.RunOnePass()
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, notifier.sent, 1, "first appearance alerts")

	_, err = runner.RunOnePass()
	require.NoError(t, err)
	assert.Len(t, notifier.sent, 1, "repeat appearance stays quiet")

	cached, at := runner.LatestResults()
	assert.Len(t, cached, 1)
	assert.False(t, at.IsZero())
}
