// Package routes maps the HTTP surface onto controllers.
package routes

import (
	"time"

	"github.com/gin-gonic/gin"

	"twse-screener/controllers"
	"twse-screener/middleware"
	"twse-screener/services/stream"
)

// Deps carries the constructed controllers the router mounts.
type Deps struct {
	Screener *controllers.ScreenerController
	Health   *controllers.HealthController
	Hub      *stream.Hub
}

// SetupRoutes mounts all endpoints on the router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	limiter := middleware.NewRateLimiter(60, time.Minute)

	router.GET("/healthz", deps.Health.Healthz)
	router.GET("/ws", func(c *gin.Context) {
		deps.Hub.HandleWebSocket(c.Writer, c.Request)
	})

	api := router.Group("/api/v1")
	api.Use(limiter.Middleware())
	{
		scr := api.Group("/screener")
		{
			scr.GET("/results", deps.Screener.GetResults)
			scr.POST("/run", deps.Screener.RunScreen)
		}

		stocks := api.Group("/stocks")
		{
			stocks.GET("/:symbol/chart", deps.Screener.GetChart)
		}

		healthGroup := api.Group("/health")
		{
			healthGroup.GET("/summary", deps.Health.GetSummary)
			healthGroup.POST("/reset", deps.Health.ResetQuarantine)
		}

		api.GET("/status", deps.Health.GetStatus)
	}
}
