package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cse_feed_backend/config"
	"cse_feed_backend/middleware"
	"cse_feed_backend/routes"
	"cse_feed_backend/scheduler"
	"cse_feed_backend/services"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.Println("==============================================")
	log.Println("  CSE Trade Summary Feed - Starting...")
	log.Println("==============================================")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}

	// Set Gin mode based on environment
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A missing or broken store is not fatal; the fetch loop runs fail-open
	store := services.OpenStore(ctx, cfg)
	fetcher := services.NewFetcher(cfg)
	hub := services.NewFeedHub()

	fetchLoop := scheduler.NewDailyFetchScheduler(scheduler.DailyFetchConfig{
		IdleInterval:  cfg.Schedule.IdleInterval,
		RetryInterval: cfg.Schedule.RetryInterval,
		CycleInterval: cfg.Schedule.CycleInterval,
		Location:      cfg.Location(),
	}, fetcher, store, hub, nil)

	jobs := scheduler.NewMaintenanceJobs(cfg.Location(), store, hub, fetchLoop)

	fetchLimiter := middleware.StartRateLimiter(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
	defer fetchLimiter.Stop()

	// Create Gin router
	router := gin.New()

	// Add middlewares
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger())

	setupHealthEndpoints(router, store)
	routes.SetupRoutes(router, routes.Dependencies{
		Store:        store,
		Query:        services.NewQueryService(fetcher, cfg.Location()),
		Hub:          hub,
		Scheduler:    fetchLoop,
		FetchLimiter: fetchLimiter,
	})

	// Bind to 0.0.0.0 explicitly for container networking
	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run()
		return nil
	})

	g.Go(func() error {
		if err := fetchLoop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		log.Printf("Server listening on 0.0.0.0:%s", cfg.Port)
		log.Println("==============================================")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := jobs.Start(); err != nil {
		log.Printf("Warning: maintenance jobs not started: %v", err)
	}

	g.Go(func() error {
		<-gctx.Done()
		gracefulShutdown(server, hub, jobs, store)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// setupHealthEndpoints sets up liveness and readiness probes
func setupHealthEndpoints(router *gin.Engine, store services.Store) {
	// Root endpoint
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "CSE Trade Summary Feed",
			"version": "1.0.0",
		})
	})

	// Liveness probe - always returns OK if server is running
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	// Readiness probe - checks the snapshot store
	router.GET("/ready", func(c *gin.Context) {
		pinger, ok := store.(services.Pinger)
		if !ok {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Snapshot store unavailable",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "ready",
		})
	})
}

// corsMiddleware returns a CORS middleware handler
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestLogger returns a request logging middleware
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip health checks and long-lived streams
		path := c.Request.URL.Path
		if path == "/health" || path == "/ready" || path == "/ws" || path == "/api/v1/stream" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		// Only log errors or slow requests
		if c.Writer.Status() >= 400 || duration > 1*time.Second {
			log.Printf("%s %s %d %v", c.Request.Method, path, c.Writer.Status(), duration)
		}
	}
}

// gracefulShutdown stops background jobs, the HTTP server, the hub and the store
func gracefulShutdown(server *http.Server, hub *services.FeedHub, jobs *scheduler.MaintenanceJobs, store services.Store) {
	log.Println("Shutting down gracefully...")

	jobs.Stop()

	// Cloud Run gives 10 seconds for graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Closing the hub ends open SSE and WebSocket streams so Shutdown can drain
	hub.Shutdown()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	if err := store.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	} else {
		log.Println("Store connection closed")
	}

	log.Println("Server shutdown completed")
}
