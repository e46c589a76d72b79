package handler

import (
	"context"
	"net/http"

	"cse_feed_backend/config"
	"cse_feed_backend/middleware"
	"cse_feed_backend/routes"
	"cse_feed_backend/services"

	"github.com/gin-gonic/gin"
)

var router *gin.Engine

// Serverless instances serve on-demand fetches and stored snapshots only;
// the fetch loop runs in the long-lived service.
func init() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	store := services.OpenStore(context.Background(), cfg)
	fetcher := services.NewFetcher(cfg)

	hub := services.NewFeedHub()
	go hub.Run()

	// Set Gin mode
	gin.SetMode(gin.ReleaseMode)

	// Initialize router
	router = gin.New()
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(corsMiddleware())

	// Setup routes
	routes.SetupRoutes(router, routes.Dependencies{
		Store:        store,
		Query:        services.NewQueryService(fetcher, cfg.Location()),
		Hub:          hub,
		FetchLimiter: middleware.StartRateLimiter(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window),
	})
}

// Handler is the Vercel serverless function handler
func Handler(w http.ResponseWriter, r *http.Request) {
	router.ServeHTTP(w, r)
}

// corsMiddleware adds CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
