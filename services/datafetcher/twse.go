package datafetcher

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"twse-screener/models"
)

var (
	twseHistoryURL  = "https://www.twse.com.tw/exchangeReport/STOCK_DAY"
	twseRealtimeURL = "https://mis.twse.com.tw/stock/api/getStockInfo.jsp"
	twseSummaryURL  = "https://www.twse.com.tw/exchangeReport/MI_INDEX"
)

var suffixPattern = regexp.MustCompile(`\.(TW|TWO)$`)

// StripSuffix removes a trailing .TW or .TWO exchange suffix so the bare
// numeric code can be sent to TWSE endpoints.
func StripSuffix(symbol string) string {
	return suffixPattern.ReplaceAllString(symbol, "")
}

// Quote is a realtime snapshot from the TWSE MIS feed. Price falls back
// to the prior close when no trade has printed yet.
type Quote struct {
	Symbol    string
	Name      string
	Price     float64
	Open      float64
	High      float64
	Low       float64
	PrevClose float64
	Volume    int64
}

// twseClient speaks the exchange's public JSON endpoints through the
// shared disguised client.
type twseClient struct {
	client *DisguisedClient
}

type twseHistoryResponse struct {
	Stat string     `json:"stat"`
	Data [][]string `json:"data"`
}

type twseRealtimeResponse struct {
	MsgArray []map[string]string `json:"msgArray"`
}

// fetchMonth returns the daily bars TWSE reports for one calendar month.
// A stat other than OK means the month has no data and yields an empty
// slice, not an error.
func (t *twseClient) fetchMonth(symbol string, year, month int) ([]models.DailyBar, error) {
	url := fmt.Sprintf("%s?response=json&date=%04d%02d01&stockNo=%s", twseHistoryURL, year, month, symbol)

	var resp twseHistoryResponse
	if err := t.client.GetJSON(url, &resp); err != nil {
		return nil, fmt.Errorf("fetch month %04d-%02d for %s: %w", year, month, symbol, err)
	}
	if !strings.EqualFold(resp.Stat, "OK") {
		return nil, nil
	}

	bars := make([]models.DailyBar, 0, len(resp.Data))
	for _, row := range resp.Data {
		// date, shares, value, open, high, low, close, change, transactions
		if len(row) < 9 {
			continue
		}
		date, err := parseROCDate(row[0])
		if err != nil {
			continue
		}
		closePrice, ok := parseNumber(row[6])
		if !ok {
			continue
		}
		bar := models.DailyBar{
			Date:  date,
			Close: closePrice,
		}
		if v, ok := parseNumber(row[3]); ok {
			bar.Open = &v
		}
		if v, ok := parseNumber(row[4]); ok {
			bar.High = &v
		}
		if v, ok := parseNumber(row[5]); ok {
			bar.Low = &v
		}
		if v, ok := parseInt(row[1]); ok {
			bar.Volume = &v
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// fetchQuotes returns realtime snapshots for the given bare codes,
// batching the MIS endpoint ten symbols per request.
func (t *twseClient) fetchQuotes(symbols []string) (map[string]*Quote, error) {
	quotes := make(map[string]*Quote, len(symbols))
	for start := 0; start < len(symbols); start += 10 {
		end := start + 10
		if end > len(symbols) {
			end = len(symbols)
		}
		channels := make([]string, 0, end-start)
		for _, s := range symbols[start:end] {
			channels = append(channels, "tse_"+s+".tw")
		}
		url := fmt.Sprintf("%s?ex_ch=%s&json=1&delay=0", twseRealtimeURL, strings.Join(channels, "|"))

		var resp twseRealtimeResponse
		if err := t.client.GetJSON(url, &resp); err != nil {
			return quotes, fmt.Errorf("fetch realtime quotes: %w", err)
		}
		for _, msg := range resp.MsgArray {
			q := parseQuote(msg)
			if q != nil {
				quotes[q.Symbol] = q
			}
		}
	}
	return quotes, nil
}

// parseQuote maps one MIS record. The z field is "-" before the first
// trade of the day, in which case the prior close y stands in.
func parseQuote(msg map[string]string) *Quote {
	symbol := msg["c"]
	if symbol == "" {
		return nil
	}
	q := &Quote{Symbol: symbol, Name: msg["n"]}
	q.Price = numberOrNaN(msg["z"])
	q.PrevClose = numberOrNaN(msg["y"])
	if math.IsNaN(q.Price) {
		q.Price = q.PrevClose
	}
	q.Open = numberOrNaN(msg["o"])
	q.High = numberOrNaN(msg["h"])
	q.Low = numberOrNaN(msg["l"])
	if v, ok := parseInt(msg["v"]); ok {
		q.Volume = v * 1000 // MIS reports lots of 1000 shares
	}
	if math.IsNaN(q.Price) {
		return nil
	}
	return q
}

// parseROCDate converts a Republic-of-China calendar date such as
// 114/01/15 to ISO form by adding 1911 to the year.
func parseROCDate(s string) (string, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed ROC date %q", s)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return "", fmt.Errorf("malformed ROC date %q", s)
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil || month < 1 || month > 12 {
		return "", fmt.Errorf("malformed ROC date %q", s)
	}
	day, err := strconv.Atoi(parts[2])
	if err != nil || day < 1 || day > 31 {
		return "", fmt.Errorf("malformed ROC date %q", s)
	}
	return fmt.Sprintf("%04d-%02d-%02d", year+1911, month, day), nil
}

// parseNumber reads a TWSE numeric cell. Values carry thousands commas,
// and "-" or "--" mark missing data.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" || s == "--" {
		return 0, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
	if err != nil {
		return 0, false
	}
	f, _ := d.Float64()
	return f, true
}

func numberOrNaN(s string) float64 {
	if v, ok := parseNumber(s); ok {
		return v
	}
	return math.NaN()
}

func parseInt(s string) (int64, bool) {
	v, ok := parseNumber(s)
	if !ok {
		return 0, false
	}
	return int64(v), true
}
