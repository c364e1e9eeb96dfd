package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"twse-screener/config"
	"twse-screener/controllers"
	"twse-screener/models"
	"twse-screener/routes"
	"twse-screener/scheduler"
	"twse-screener/services/datafetcher"
	"twse-screener/services/health"
	"twse-screener/services/history"
	"twse-screener/services/notify"
	"twse-screener/services/screener"
	"twse-screener/services/stream"
	"twse-screener/services/throttle"
)

func main() {
	log.Println("==============================================")
	log.Println("  TWSE Screener API - Starting...")
	log.Println("==============================================")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Printf("Warning: Config load issue: %v", err)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	historyDB, healthDB, err := openDatabases(cfg)
	if err != nil {
		log.Fatalf("Database initialization failed: %v", err)
	}

	// Explicit wiring: every component receives its dependencies, no
	// package globals.
	store := history.NewStore(historyDB)
	ledger := health.NewLedger(healthDB, cfg.IsMarketOpen)
	budget := throttle.New(cfg.ThrottleMaxRequests, cfg.ThrottlePeriod)
	client := datafetcher.NewDisguisedClient(budget, cfg.PaceMinDelay, cfg.PaceMaxDelay)
	engine := datafetcher.NewEngine(cfg, client, store, ledger)
	universe := datafetcher.NewUniverseProvider(cfg, client)

	hub := stream.NewHub()
	notifier := notify.NewLineNotifier(cfg)
	if notifier.Enabled() {
		log.Println("LINE notifications enabled")
	}

	scr := screener.New(cfg, engine, ledger)
	runner := screener.NewRunner(scr, universe, notifier, hub)

	jobScheduler := scheduler.New(cfg, runner)
	jobScheduler.Start()

	// Warm the caches so the first API hit has data.
	go func() {
		if _, err := runner.RunOnePass(); err != nil {
			log.Printf("Initial screening pass failed: %v", err)
		}
	}()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger())

	routes.SetupRoutes(router, routes.Deps{
		Screener: controllers.NewScreenerController(cfg, runner, engine, store),
		Health:   controllers.NewHealthController(cfg, ledger, jobScheduler, hub),
		Hub:      hub,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("Server listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	gracefulShutdown(server, jobScheduler, hub, historyDB, healthDB)
}

// openDatabases opens and migrates the two SQLite files. History and
// health stay separate so wiping price data keeps quarantine state.
func openDatabases(cfg *config.Config) (historyDB, healthDB *gorm.DB, err error) {
	for _, path := range []string{cfg.HistoryDBPath, cfg.HealthDBPath} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, err
			}
		}
	}

	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	historyDB, err = gorm.Open(sqlite.Open(cfg.HistoryDBPath), gormCfg)
	if err != nil {
		return nil, nil, err
	}
	if err = models.MigrateHistoryModels(historyDB); err != nil {
		return nil, nil, err
	}

	healthDB, err = gorm.Open(sqlite.Open(cfg.HealthDBPath), gormCfg)
	if err != nil {
		return nil, nil, err
	}
	if err = models.MigrateHealthModels(healthDB); err != nil {
		return nil, nil, err
	}
	return historyDB, healthDB, nil
}

// corsMiddleware returns a CORS middleware handler.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Requested-With")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestLogger logs errors and slow requests, skipping probe noise.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/healthz" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		if c.Writer.Status() >= 400 || duration > time.Second {
			log.Printf("%s %s %d %v", c.Request.Method, path, c.Writer.Status(), duration)
		}
	}
}

// gracefulShutdown drains the server, stops background work and closes
// the databases on SIGINT/SIGTERM.
func gracefulShutdown(server *http.Server, jobScheduler *scheduler.Scheduler, hub *stream.Hub, dbs ...*gorm.DB) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Printf("Received signal %v, shutting down gracefully...", sig)

	jobScheduler.Stop()
	hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	for _, db := range dbs {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	log.Println("Server shutdown completed")
}
