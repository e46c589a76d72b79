package services

import (
	"context"
	"log"
	"time"

	"cse_feed_backend/models"
)

// QueryService fetches the trade summary on demand, outside the scheduler's cadence
type QueryService struct {
	fetcher  Fetcher
	location *time.Location
	now      func() time.Time
}

// NewQueryService creates a query service that resolves "today" in loc
func NewQueryService(fetcher Fetcher, loc *time.Location) *QueryService {
	return &QueryService{fetcher: fetcher, location: loc, now: time.Now}
}

// Fetch runs the fetcher for today and returns the tagged result
func (q *QueryService) Fetch(ctx context.Context) FetchResult {
	today := models.Today(q.now(), q.location)
	return FetchDay(ctx, q.fetcher, today)
}

// GetNow returns today's snapshot, or an empty snapshot when the fetch
// fails or finds no rows. It never writes to the store or broadcasts.
func (q *QueryService) GetNow(ctx context.Context) models.Snapshot {
	result := q.Fetch(ctx)
	if result.Status != FetchOK {
		log.Printf("On-demand fetch via %s returned %s: %v", q.fetcher.Name(), result.Status, result.Err)
		return models.Snapshot{}
	}
	return result.Snapshot
}
