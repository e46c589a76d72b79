package controllers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cse_feed_backend/models"
	"cse_feed_backend/services"
)

// TradeSummaryController serves live and stored trade summaries
type TradeSummaryController struct {
	query *services.QueryService
	store services.Store
}

// NewTradeSummaryController creates a new trade summary controller
func NewTradeSummaryController(query *services.QueryService, store services.Store) *TradeSummaryController {
	return &TradeSummaryController{
		query: query,
		store: store,
	}
}

// GetNow fetches today's trade summary straight from the source.
// An empty array is returned when the source fails or has no rows.
// GET /get_cse_data
// GET /api/v1/trade-summary/now
func (tc *TradeSummaryController) GetNow(c *gin.Context) {
	snapshot := tc.query.GetNow(c.Request.Context())
	c.JSON(http.StatusOK, snapshot)
}

// ListSnapshotDates returns every trading day with a stored snapshot
// GET /api/v1/snapshots
func (tc *TradeSummaryController) ListSnapshotDates(c *gin.Context) {
	dates, err := tc.store.ListKeys(c.Request.Context(), "")
	if err != nil {
		storeError(c, err, "Failed to list snapshots")
		return
	}
	if dates == nil {
		dates = []string{}
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  dates,
		"count": len(dates),
	})
}

// GetSnapshots returns every snapshot stored for a trading day
// GET /api/v1/snapshots/:date
func (tc *TradeSummaryController) GetSnapshots(c *gin.Context) {
	date, ok := dateParam(c)
	if !ok {
		return
	}

	entries, err := tc.store.Get(c.Request.Context(), date)
	if err != nil {
		storeError(c, err, "Failed to load snapshots")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"date":  date,
		"data":  entries,
		"count": len(entries),
	})
}

// GetSnapshotSummary returns market totals for the latest snapshot of a day
// GET /api/v1/snapshots/:date/summary
func (tc *TradeSummaryController) GetSnapshotSummary(c *gin.Context) {
	date, ok := dateParam(c)
	if !ok {
		return
	}

	entries, err := tc.store.Get(c.Request.Context(), date)
	if err != nil {
		storeError(c, err, "Failed to load snapshots")
		return
	}

	latest := entries[len(entries)-1]
	c.JSON(http.StatusOK, services.SummarizeEntry(latest))
}

func dateParam(c *gin.Context) (string, bool) {
	date := c.Param("date")
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date, expected YYYY-MM-DD"})
		return "", false
	}
	return date, true
}

func storeError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "No snapshot stored for this date"})
	case errors.Is(err, services.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Snapshot store unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}
