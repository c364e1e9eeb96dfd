// Package datafetcher produces MA-annotated daily price series for
// symbols, hiding the upstream's rate limits, failures and quirks behind
// one Engine interface.
package datafetcher

import (
	"math"
	"time"

	"twse-screener/models"
)

// Bar is one trading day of price data. Fields the upstream did not
// report are NaN.
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Series is an ascending-date bar sequence with moving-average columns.
// MA values are NaN until the rolling window is full.
type Series struct {
	Symbol string
	Bars   []Bar
	MA     map[int][]float64
}

// Len returns the number of bars.
func (s *Series) Len() int { return len(s.Bars) }

// Last returns the most recent bar. Callers must check Len first.
func (s *Series) Last() Bar { return s.Bars[len(s.Bars)-1] }

// LatestMA returns the most recent value of the period moving average,
// or NaN when the column is absent or the window never filled.
func (s *Series) LatestMA(period int) float64 {
	return s.MAAt(period, len(s.Bars)-1)
}

// MAAt returns the period moving average at bar index i, or NaN.
func (s *Series) MAAt(period, i int) float64 {
	col, ok := s.MA[period]
	if !ok || i < 0 || i >= len(col) {
		return math.NaN()
	}
	return col[i]
}

// AnnotateMovingAverages computes simple moving averages of Close for
// each period and attaches them to the series.
func AnnotateMovingAverages(s *Series, periods []int) {
	s.MA = make(map[int][]float64, len(periods))
	for _, period := range periods {
		col := make([]float64, len(s.Bars))
		sum := 0.0
		for i, b := range s.Bars {
			sum += b.Close
			if i >= period {
				sum -= s.Bars[i-period].Close
			}
			if i >= period-1 {
				col[i] = sum / float64(period)
			} else {
				col[i] = math.NaN()
			}
		}
		s.MA[period] = col
	}
}

// SeriesFromStored converts stored bars into a Series, mapping missing
// columns to NaN.
func SeriesFromStored(symbol string, bars []models.DailyBar) *Series {
	s := &Series{Symbol: symbol, Bars: make([]Bar, 0, len(bars))}
	for _, b := range bars {
		date, err := time.Parse("2006-01-02", b.Date)
		if err != nil {
			continue
		}
		s.Bars = append(s.Bars, Bar{
			Date:   date,
			Open:   deref(b.Open),
			High:   deref(b.High),
			Low:    deref(b.Low),
			Close:  b.Close,
			Volume: derefInt(b.Volume),
		})
	}
	return s
}

func deref(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

func derefInt(v *int64) float64 {
	if v == nil {
		return math.NaN()
	}
	return float64(*v)
}
