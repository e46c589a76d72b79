package controllers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cse_feed_backend/scheduler"
	"cse_feed_backend/services"
)

// FeedController serves the live update stream and the fetch loop status
type FeedController struct {
	hub       *services.FeedHub
	scheduler *scheduler.DailyFetchScheduler
	store     services.Store
}

// NewFeedController creates a feed controller. scheduler may be nil when
// the process does not run the fetch loop.
func NewFeedController(hub *services.FeedHub, sched *scheduler.DailyFetchScheduler, store services.Store) *FeedController {
	return &FeedController{
		hub:       hub,
		scheduler: sched,
		store:     store,
	}
}

// WebSocket upgrades the connection and subscribes it to the feed
// GET /ws
func (fc *FeedController) WebSocket(c *gin.Context) {
	fc.hub.HandleWebSocket(c.Writer, c.Request)
}

// Stream sends feed events as Server-Sent Events
// GET /api/v1/stream
func (fc *FeedController) Stream(c *gin.Context) {
	sub, err := fc.hub.Subscribe(services.SubscriberSSE)
	if err != nil {
		status := http.StatusServiceUnavailable
		msg := "Server at capacity"
		if errors.Is(err, services.ErrHubClosed) {
			msg = "Feed is shutting down"
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}
	defer fc.hub.Unsubscribe(sub)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	keepalive := time.NewTicker(services.WebSocketPingInterval)
	defer keepalive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return false
			}
			c.SSEvent(msg.Type, string(msg.Payload))
			return true
		case <-keepalive.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// Status returns the fetch loop status, hub statistics and, when the
// store can describe it, the store connection
// GET /api/v1/feed/status
func (fc *FeedController) Status(c *gin.Context) {
	resp := gin.H{
		"hub": fc.hub.GetStatus(),
	}
	if fc.scheduler != nil {
		resp["scheduler"] = fc.scheduler.Status()
	}
	if reporter, ok := fc.store.(services.StatusReporter); ok {
		resp["store"] = reporter.GetConnectionStatus()
	}
	c.JSON(http.StatusOK, resp)
}

// Wake asks the fetch loop to run its next cycle now
// POST /api/v1/feed/wake
func (fc *FeedController) Wake(c *gin.Context) {
	if fc.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Fetch loop not running in this process"})
		return
	}
	fc.scheduler.Wake()
	c.JSON(http.StatusAccepted, gin.H{"status": "wake requested"})
}
