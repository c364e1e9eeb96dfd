// Package controllers exposes the screening pipeline over HTTP.
package controllers

import (
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"twse-screener/config"
	"twse-screener/services/datafetcher"
	"twse-screener/services/history"
	"twse-screener/services/screener"
)

// ScreenerController serves screening results and price charts.
type ScreenerController struct {
	cfg    *config.Config
	runner *screener.Runner
	engine datafetcher.Engine
	store  *history.Store
}

// NewScreenerController wires the controller.
func NewScreenerController(cfg *config.Config, runner *screener.Runner, engine datafetcher.Engine, store *history.Store) *ScreenerController {
	return &ScreenerController{cfg: cfg, runner: runner, engine: engine, store: store}
}

// GetResults returns the latest cached screening pass.
// GET /api/v1/screener/results
func (sc *ScreenerController) GetResults(c *gin.Context) {
	results, at := sc.runner.LatestResults()
	if results == nil {
		results = []screener.Result{}
	}
	resp := gin.H{"data": results, "count": len(results)}
	if !at.IsZero() {
		resp["screened_at"] = at.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

// RunScreen triggers a screening pass and returns its results. If a
// pass is already in flight the cached set comes back instead.
// POST /api/v1/screener/run
func (sc *ScreenerController) RunScreen(c *gin.Context) {
	results, err := sc.runner.RunOnePass()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": results, "count": len(results)})
}

type chartPoint struct {
	Date   string   `json:"date"`
	Open   *float64 `json:"open"`
	High   *float64 `json:"high"`
	Low    *float64 `json:"low"`
	Close  float64  `json:"close"`
	Volume *float64 `json:"volume"`
	MA5    *float64 `json:"ma5"`
	MA10   *float64 `json:"ma10"`
	MA20   *float64 `json:"ma20"`
	MA60   *float64 `json:"ma60"`
}

// GetChart returns the MA-annotated series for one symbol, preferring
// the pass cache and falling back to stored history.
// GET /api/v1/stocks/:symbol/chart
func (sc *ScreenerController) GetChart(c *gin.Context) {
	symbol := c.Param("symbol")

	series, ok := sc.engine.Cached(symbol)
	if !ok {
		bars, err := sc.store.LoadSeries(datafetcher.StripSuffix(symbol), sc.cfg.MinDays)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if len(bars) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no data for symbol " + symbol})
			return
		}
		series = datafetcher.SeriesFromStored(symbol, bars)
		datafetcher.AnnotateMovingAverages(series, sc.cfg.MAPeriods)
	}

	points := make([]chartPoint, 0, series.Len())
	for i, b := range series.Bars {
		points = append(points, chartPoint{
			Date:   b.Date.Format("2006-01-02"),
			Open:   nanToNil(b.Open),
			High:   nanToNil(b.High),
			Low:    nanToNil(b.Low),
			Close:  b.Close,
			Volume: nanToNil(b.Volume),
			MA5:    nanToNil(series.MAAt(5, i)),
			MA10:   nanToNil(series.MAAt(10, i)),
			MA20:   nanToNil(series.MAAt(20, i)),
			MA60:   nanToNil(series.MAAt(60, i)),
		})
	}
	c.JSON(http.StatusOK, gin.H{"symbol": series.Symbol, "data": points})
}

// nanToNil maps NaN to JSON null; encoding/json rejects NaN outright.
func nanToNil(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}
