package datafetcher

import (
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	"twse-screener/config"
)

// Four digits, not starting with zero. Leading-zero codes are ETFs and
// funds, which the screener does not cover.
var stockCodePattern = regexp.MustCompile(`^[1-9]\d{3}$`)

type twseSummaryResponse struct {
	Stat  string     `json:"stat"`
	Data9 [][]string `json:"data9"`
}

// UniverseProvider selects the set of symbols each screening pass
// covers: the day's most actively traded names, or a fixed fallback
// list when the exchange summary is unavailable.
type UniverseProvider struct {
	client *DisguisedClient
	cfg    *config.Config
	now    func() time.Time
}

// NewUniverseProvider wires universe selection against the exchange
// daily summary endpoint.
func NewUniverseProvider(cfg *config.Config, client *DisguisedClient) *UniverseProvider {
	return &UniverseProvider{client: client, cfg: cfg, now: time.Now}
}

// Symbols returns the top names by trading value with exchange
// suffixes attached, falling back to the static list on any failure.
func (u *UniverseProvider) Symbols() []string {
	symbols, err := u.topByTradingValue(u.cfg.TopTradingValueCount)
	if err != nil {
		log.Printf("Top trading value fetch failed, using fallback universe: %v", err)
		return append([]string(nil), config.FallbackUniverse...)
	}
	return symbols
}

func (u *UniverseProvider) topByTradingValue(count int) ([]string, error) {
	date := u.now().Format("20060102")
	url := fmt.Sprintf("%s?response=json&date=%s&type=ALLBUT0999", twseSummaryURL, date)

	var resp twseSummaryResponse
	if err := u.client.GetJSON(url, &resp); err != nil {
		return nil, err
	}
	if !strings.EqualFold(resp.Stat, "OK") || len(resp.Data9) == 0 {
		return nil, fmt.Errorf("daily summary unavailable (stat=%q)", resp.Stat)
	}

	type ranked struct {
		code  string
		value float64
	}
	entries := make([]ranked, 0, len(resp.Data9))
	for _, row := range resp.Data9 {
		// code, name, shares, transactions, trade value, open, ...
		if len(row) < 5 {
			continue
		}
		code := strings.TrimSpace(row[0])
		if !stockCodePattern.MatchString(code) {
			continue
		}
		value, ok := parseNumber(row[4])
		if !ok {
			continue
		}
		entries = append(entries, ranked{code: code, value: value})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("daily summary had no usable rows")
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].value > entries[j].value })
	if count > len(entries) {
		count = len(entries)
	}
	symbols := make([]string, 0, count)
	for _, e := range entries[:count] {
		symbols = append(symbols, e.code+".TW")
	}
	return symbols, nil
}
