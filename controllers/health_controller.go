package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"twse-screener/config"
	"twse-screener/scheduler"
	"twse-screener/services/health"
	"twse-screener/services/stream"
)

// HealthController exposes the quarantine ledger and service status.
type HealthController struct {
	cfg    *config.Config
	ledger *health.Ledger
	sched  *scheduler.Scheduler
	hub    *stream.Hub
}

// NewHealthController wires the controller. sched and hub may be nil in
// tests.
func NewHealthController(cfg *config.Config, ledger *health.Ledger, sched *scheduler.Scheduler, hub *stream.Hub) *HealthController {
	return &HealthController{cfg: cfg, ledger: ledger, sched: sched, hub: hub}
}

// GetSummary returns aggregate ledger counts.
// GET /api/v1/health/summary
func (hc *HealthController) GetSummary(c *gin.Context) {
	summary, err := hc.ledger.StatusSummary()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ResetQuarantine clears all quarantine state, forcing the next pass to
// retry every symbol.
// POST /api/v1/health/reset
func (hc *HealthController) ResetQuarantine(c *gin.Context) {
	n, err := hc.ledger.ResetAllQuarantine()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

// GetStatus reports scheduler timing and stream fan-out size.
// GET /api/v1/status
func (hc *HealthController) GetStatus(c *gin.Context) {
	resp := gin.H{
		"status":      "ok",
		"time":        time.Now().Format(time.RFC3339),
		"market_open": hc.cfg.IsMarketOpen(time.Now()),
	}

	if hc.sched != nil {
		lastRun, lastErr, nextRun := hc.sched.Status()
		if !lastRun.IsZero() {
			resp["last_pass"] = lastRun.Format(time.RFC3339)
		}
		if !nextRun.IsZero() {
			resp["next_pass"] = nextRun.Format(time.RFC3339)
		}
		if lastErr != nil {
			resp["last_pass_error"] = lastErr.Error()
		}
	}
	if hc.hub != nil {
		resp["ws_clients"] = hc.hub.ClientCount()
	}
	c.JSON(http.StatusOK, resp)
}

// Healthz is the liveness probe.
// GET /healthz
func (hc *HealthController) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
