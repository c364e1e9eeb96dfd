package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the screener backend.
type Config struct {
	Port        string
	Environment string

	// Data source selection: "twse" (month-backfill engine) or "yahoo"
	// (direct one-shot engine).
	DataSource string

	// SQLite database paths. History and health are deliberately separate
	// files so the quarantine ledger survives a history wipe.
	HistoryDBPath string
	HealthDBPath  string

	// Upstream request budget (TWSE enforces 3 requests per 5 seconds).
	ThrottleMaxRequests int
	ThrottlePeriod      time.Duration

	// Anti-detection pacing applied on top of the throttle.
	PaceMinDelay time.Duration
	PaceMaxDelay time.Duration

	// Retry/backoff tuning for throttled upstream responses.
	FetchMaxRetries  int
	FetchBaseBackoff time.Duration
	FetchBackoffBase float64

	// Screener thresholds.
	MAPeriods           []int
	MinDays             int
	MinPrice            float64
	MaxPrice            float64
	MinAvgVolume        float64
	VolumeBreakoutRatio float64
	MinRiskReward       float64

	// Universe selection.
	TopTradingValueCount int

	// Screening pass interval.
	UpdateInterval time.Duration

	// Taiwan market hours (local time, Asia/Taipei).
	MarketOpenHour   int
	MarketOpenMinute int
	MarketCloseHour  int
	MarketCloseMin   int

	// LINE Messaging API credentials. Empty disables notifications.
	LineChannelToken string
	LineUserID       string
}

// FallbackUniverse is the Taiwan 50 component subset used when the
// top-trading-value fetch fails.
var FallbackUniverse = []string{
	"2330.TW", "2317.TW", "2454.TW", "2308.TW", "2881.TW",
	"2882.TW", "2303.TW", "1301.TW", "2886.TW", "3711.TW",
	"2891.TW", "1303.TW", "2884.TW", "2357.TW", "2382.TW",
	"2412.TW", "2892.TW", "3045.TW", "2002.TW", "1216.TW",
	"2207.TW", "5880.TW", "2301.TW", "2880.TW", "3008.TW",
	"2327.TW", "4904.TW", "2395.TW", "6505.TW", "2912.TW",
}

var taipei *time.Location

func init() {
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		loc = time.FixedZone("CST", 8*60*60)
	}
	taipei = loc
}

// LoadConfig loads environment variables into a Config.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		DataSource: getEnv("DATA_SOURCE", "twse"),

		HistoryDBPath: getEnv("HISTORY_DB_PATH", "data/stock_history.db"),
		HealthDBPath:  getEnv("HEALTH_DB_PATH", "data/ticker_health.db"),

		ThrottleMaxRequests: getEnvInt("THROTTLE_MAX_REQUESTS", 3),
		ThrottlePeriod:      getEnvDuration("THROTTLE_PERIOD", 5*time.Second),

		PaceMinDelay: getEnvDuration("PACE_MIN_DELAY", 500*time.Millisecond),
		PaceMaxDelay: getEnvDuration("PACE_MAX_DELAY", 2*time.Second),

		FetchMaxRetries:  getEnvInt("FETCH_MAX_RETRIES", 3),
		FetchBaseBackoff: getEnvDuration("FETCH_BASE_BACKOFF", 5*time.Second),
		FetchBackoffBase: getEnvFloat("FETCH_BACKOFF_BASE", 2.0),

		MAPeriods:           []int{5, 10, 20, 60},
		MinDays:             getEnvInt("MIN_DAYS", 60),
		MinPrice:            getEnvFloat("MIN_PRICE", 10),
		MaxPrice:            getEnvFloat("MAX_PRICE", 3000),
		MinAvgVolume:        getEnvFloat("MIN_AVG_VOLUME", 1000000),
		VolumeBreakoutRatio: getEnvFloat("VOLUME_BREAKOUT_RATIO", 1.5),
		MinRiskReward:       getEnvFloat("MIN_RISK_REWARD", 3.0),

		TopTradingValueCount: getEnvInt("TOP_TRADING_VALUE_COUNT", 100),

		UpdateInterval: getEnvDuration("UPDATE_INTERVAL", 5*time.Minute),

		MarketOpenHour:   9,
		MarketOpenMinute: 0,
		MarketCloseHour:  13,
		MarketCloseMin:   30,

		LineChannelToken: getEnv("LINE_CHANNEL_TOKEN", ""),
		LineUserID:       getEnv("LINE_USER_ID", ""),
	}

	return cfg, nil
}

// IsMarketOpen reports whether the Taiwan market is open at t.
// Trading hours are 09:00-13:30 on weekdays.
func (c *Config) IsMarketOpen(t time.Time) bool {
	t = t.In(taipei)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	open := c.MarketOpenHour*60 + c.MarketOpenMinute
	close := c.MarketCloseHour*60 + c.MarketCloseMin
	return minutes >= open && minutes <= close
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid value for %s: %q, using default %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("Invalid value for %s: %q, using default %g", key, value, defaultValue)
		return defaultValue
	}
	return f
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Invalid value for %s: %q, using default %s", key, value, defaultValue)
		return defaultValue
	}
	return d
}
