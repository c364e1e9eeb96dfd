package datafetcher

import (
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"twse-screener/config"
	"twse-screener/models"
	"twse-screener/services/health"
	"twse-screener/services/history"
)

func testConfig() *config.Config {
	return &config.Config{
		DataSource:       "twse",
		FetchMaxRetries:  2,
		FetchBaseBackoff: time.Millisecond,
		FetchBackoffBase: 2.0,
		MAPeriods:        []int{5, 10, 20, 60},
		MinDays:          60,
		MarketOpenHour:   9,
		MarketCloseHour:  13,
		MarketCloseMin:   30,

		TopTradingValueCount: 3,
	}
}

func testClient() *DisguisedClient {
	return NewDisguisedClient(nil, 0, 0)
}

func openTestDB(t *testing.T, name string, migrate func(*gorm.DB) error) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), name)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, migrate(db))
	return db
}

func testLedger(t *testing.T) *health.Ledger {
	t.Helper()
	db := openTestDB(t, "health.db", models.MigrateHealthModels)
	return health.NewLedger(db, func(time.Time) bool { return true })
}

func TestAnnotateMovingAverages(t *testing.T) {
	s := &Series{Symbol: "2330.TW"}
	for i := 1; i <= 10; i++ {
		s.Bars = append(s.Bars, Bar{Close: float64(i)})
	}
	AnnotateMovingAverages(s, []int{5, 60})

	assert.True(t, math.IsNaN(s.MAAt(5, 3)), "window not yet full")
	assert.InDelta(t, 3.0, s.MAAt(5, 4), 1e-9)
	assert.InDelta(t, 8.0, s.LatestMA(5), 1e-9)
	assert.True(t, math.IsNaN(s.LatestMA(60)), "60-day window never fills")
	assert.True(t, math.IsNaN(s.LatestMA(10)), "period never annotated")
}

func TestParseROCDate(t *testing.T) {
	got, err := parseROCDate("114/01/15")
	require.NoError(t, err)
	assert.Equal(t, "2025-01-15", got)

	_, err = parseROCDate("2025-01-15")
	assert.Error(t, err)
	_, err = parseROCDate("114/13/01")
	assert.Error(t, err)
}

func TestParseNumber(t *testing.T) {
	v, ok := parseNumber("1,234,567.89")
	require.True(t, ok)
	assert.InDelta(t, 1234567.89, v, 1e-9)

	for _, missing := range []string{"-", "--", ""} {
		_, ok := parseNumber(missing)
		assert.False(t, ok, "placeholder %q must read as missing", missing)
	}
}

func TestFetchMonthParsesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"stat":"OK","data":[
			["114/01/02","12,345,678","1,000","590.00","601.00","588.00","600.00","+5.00","9,876"],
			["114/01/03","8,000,000","900","600.00","610.00","-","--","-","8,000"]
		]}`)
	}))
	defer srv.Close()
	old := twseHistoryURL
	twseHistoryURL = srv.URL
	defer func() { twseHistoryURL = old }()

	tc := &twseClient{client: testClient()}
	bars, err := tc.fetchMonth("2330", 2025, 1)
	require.NoError(t, err)

	// The second row has a missing close and is skipped entirely.
	require.Len(t, bars, 1)
	assert.Equal(t, "2025-01-02", bars[0].Date)
	assert.Equal(t, 600.0, bars[0].Close)
	require.NotNil(t, bars[0].Volume)
	assert.Equal(t, int64(12345678), *bars[0].Volume)
}

func TestFetchMonthNoDataStat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"stat":"很抱歉，沒有符合條件的資料!","data":[]}`)
	}))
	defer srv.Close()
	old := twseHistoryURL
	twseHistoryURL = srv.URL
	defer func() { twseHistoryURL = old }()

	tc := &twseClient{client: testClient()}
	bars, err := tc.fetchMonth("9999", 2025, 1)
	require.NoError(t, err)
	assert.Empty(t, bars)
}

func TestQuoteFallsBackToPrevClose(t *testing.T) {
	q := parseQuote(map[string]string{"c": "2330", "n": "台積電", "z": "-", "y": "595.00", "v": "1,234"})
	require.NotNil(t, q)
	assert.Equal(t, 595.0, q.Price)
	assert.Equal(t, int64(1234000), q.Volume)
}

func TestDirectEngineEmptyResponseFailsWithoutRetry(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprint(w, `{"chart":{"result":[],"error":null}}`)
	}))
	defer srv.Close()
	old := yahooChartURL
	yahooChartURL = srv.URL
	defer func() { yahooChartURL = old }()

	ledger := testLedger(t)
	engine := NewDirectEngine(testConfig(), testClient(), ledger)

	_, err := engine.FetchAndProcess("2330.TW", health.SoloBatch())
	require.ErrorContains(t, err, "no data returned")
	assert.Equal(t, 1, requests, "empty payload must not retry")

	// A second empty response crosses the quarantine threshold.
	_, err = engine.FetchAndProcess("2330.TW", health.SoloBatch())
	require.Error(t, err)
	quarantined, err := ledger.IsQuarantined("2330.TW")
	require.NoError(t, err)
	assert.True(t, quarantined)
}

func TestDirectEngineRetriesThrottlePushback(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	old := yahooChartURL
	yahooChartURL = srv.URL
	defer func() { yahooChartURL = old }()

	engine := NewDirectEngine(testConfig(), testClient(), testLedger(t))
	_, err := engine.FetchAndProcess("2330.TW", health.SoloBatch())
	require.ErrorContains(t, err, "max retries exceeded")
	assert.Equal(t, 2, requests)
}

func TestDirectEngineSuccessAnnotatesAndCaches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts := ""
		closes := ""
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 70; i++ {
			if i > 0 {
				ts += ","
				closes += ","
			}
			ts += fmt.Sprintf("%d", base.AddDate(0, 0, i).Unix())
			closes += fmt.Sprintf("%.1f", 100.0+float64(i))
		}
		fmt.Fprintf(w, `{"chart":{"result":[{"timestamp":[%s],"indicators":{"quote":[{"open":[%s],"high":[%s],"low":[%s],"close":[%s],"volume":[]}]}}],"error":null}}`,
			ts, closes, closes, closes, closes)
	}))
	defer srv.Close()
	old := yahooChartURL
	yahooChartURL = srv.URL
	defer func() { yahooChartURL = old }()

	engine := NewDirectEngine(testConfig(), testClient(), testLedger(t))
	series, err := engine.FetchAndProcess("2330.TW", health.SoloBatch())
	require.NoError(t, err)
	assert.Equal(t, 70, series.Len())
	assert.False(t, math.IsNaN(series.LatestMA(60)))

	cached, ok := engine.Cached("2330.TW")
	require.True(t, ok)
	assert.Equal(t, series, cached)

	engine.ClearCache()
	_, ok = engine.Cached("2330.TW")
	assert.False(t, ok)
}

func TestBackfillEngineFillsHistoryBackward(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date") // YYYYMM01
		var year, month int
		fmt.Sscanf(date, "%4d%2d01", &year, &month)
		rows := ""
		for day := 1; day <= 21; day++ {
			if day > 1 {
				rows += ","
			}
			rows += fmt.Sprintf(`["%d/%02d/%02d","1,000","1","100","101","99","100.5","+0.5","10"]`,
				year-1911, month, day)
		}
		fmt.Fprintf(w, `{"stat":"OK","data":[%s]}`, rows)
	}))
	defer srv.Close()
	old := twseHistoryURL
	twseHistoryURL = srv.URL
	defer func() { twseHistoryURL = old }()

	store := history.NewStore(openTestDB(t, "history.db", models.MigrateHistoryModels))
	ledger := testLedger(t)
	engine := NewBackfillEngine(testConfig(), testClient(), store, ledger)
	// Saturday, so the realtime feed must stay untouched.
	engine.now = func() time.Time { return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC) }

	series, err := engine.FetchAndProcess("2330.TW", health.SoloBatch())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, series.Len(), 60)

	status, err := store.GetSyncStatus("2330")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, 3, status.MonthsLoaded, "21 rows per month needs three months for 60 days")

	quarantined, err := ledger.IsQuarantined("2330.TW")
	require.NoError(t, err)
	assert.False(t, quarantined)
}

func TestBackfillEngineSkipsFetchWhenStoreIsWarm(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprint(w, `{"stat":"OK","data":[]}`)
	}))
	defer srv.Close()
	old := twseHistoryURL
	twseHistoryURL = srv.URL
	defer func() { twseHistoryURL = old }()

	store := history.NewStore(openTestDB(t, "history.db", models.MigrateHistoryModels))
	bars := make([]models.DailyBar, 0, 70)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 70; i++ {
		bars = append(bars, models.DailyBar{
			Date:  base.AddDate(0, 0, i).Format("2006-01-02"),
			Close: 100,
		})
	}
	require.NoError(t, store.BulkInsert("2330", bars))

	engine := NewBackfillEngine(testConfig(), testClient(), store, testLedger(t))
	engine.now = func() time.Time { return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC) }

	_, err := engine.FetchAndProcess("2330.TW", health.SoloBatch())
	require.NoError(t, err)
	assert.Equal(t, 0, requests, "warm store must not hit the upstream")
}

func TestUniverseTopByTradingValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"stat":"OK","data9":[
			["2330","台積電","1","1","9,000,000",""],
			["0050","ETF","1","1","8,000,000",""],
			["2317","鴻海","1","1","5,000,000",""],
			["2454","聯發科","1","1","7,000,000",""],
			["2881","富邦金","1","1","--",""]
		]}`)
	}))
	defer srv.Close()
	old := twseSummaryURL
	twseSummaryURL = srv.URL
	defer func() { twseSummaryURL = old }()

	u := NewUniverseProvider(testConfig(), testClient())
	symbols := u.Symbols()
	assert.Equal(t, []string{"2330.TW", "2454.TW", "2317.TW"}, symbols)
}

func TestUniverseFallsBackOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	old := twseSummaryURL
	twseSummaryURL = srv.URL
	defer func() { twseSummaryURL = old }()

	u := NewUniverseProvider(testConfig(), testClient())
	assert.Equal(t, config.FallbackUniverse, u.Symbols())
}

func TestStripSuffix(t *testing.T) {
	assert.Equal(t, "2330", StripSuffix("2330.TW"))
	assert.Equal(t, "6488", StripSuffix("6488.TWO"))
	assert.Equal(t, "2330", StripSuffix("2330"))
}
