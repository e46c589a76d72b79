package routes

import (
	"cse_feed_backend/controllers"
	"cse_feed_backend/middleware"
	"cse_feed_backend/scheduler"
	"cse_feed_backend/services"

	"github.com/gin-gonic/gin"
)

// Dependencies are the shared services the routes are built on
type Dependencies struct {
	Store        services.Store
	Query        *services.QueryService
	Hub          *services.FeedHub
	Scheduler    *scheduler.DailyFetchScheduler // nil when the fetch loop runs elsewhere
	FetchLimiter *middleware.RateLimiter
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	// Initialize controllers
	tradeSummaryController := controllers.NewTradeSummaryController(deps.Query, deps.Store)
	feedController := controllers.NewFeedController(deps.Hub, deps.Scheduler, deps.Store)

	fetchLimit := middleware.FetchRateLimitMiddleware(deps.FetchLimiter)

	// Legacy on-demand endpoint
	router.GET("/get_cse_data", fetchLimit, tradeSummaryController.GetNow)

	// Live feed
	router.GET("/ws", feedController.WebSocket)

	// API v1 group
	api := router.Group("/api/v1")
	{
		api.GET("/trade-summary/now", fetchLimit, tradeSummaryController.GetNow)
		api.GET("/stream", feedController.Stream)

		// Stored snapshot routes
		snapshots := api.Group("/snapshots")
		{
			snapshots.GET("", tradeSummaryController.ListSnapshotDates)
			snapshots.GET("/:date", tradeSummaryController.GetSnapshots)
			snapshots.GET("/:date/summary", tradeSummaryController.GetSnapshotSummary)
		}

		// Fetch loop routes
		feed := api.Group("/feed")
		{
			feed.GET("/status", feedController.Status)
			feed.POST("/wake", feedController.Wake)
		}
	}
}
