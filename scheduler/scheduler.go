// Package scheduler runs the background jobs of the feed service.
//
// It handles:
//   - the daily trade summary capture loop (DailyFetchScheduler)
//   - periodic store health checks and status logging (MaintenanceJobs)
package scheduler
