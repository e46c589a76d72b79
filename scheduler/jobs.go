package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"cse_feed_backend/services"
)

// StatusSource reports hub state for periodic logging
type StatusSource interface {
	ClientCount() int
}

// MaintenanceJobs runs periodic store health checks and status logging
type MaintenanceJobs struct {
	cron      *gocron.Scheduler
	store     services.Store
	hub       StatusSource
	fetchLoop *DailyFetchScheduler
}

// NewMaintenanceJobs creates the job scheduler in the source timezone
func NewMaintenanceJobs(loc *time.Location, store services.Store, hub StatusSource, fetchLoop *DailyFetchScheduler) *MaintenanceJobs {
	cron := gocron.NewScheduler(loc)
	cron.SingletonModeAll()
	return &MaintenanceJobs{
		cron:      cron,
		store:     store,
		hub:       hub,
		fetchLoop: fetchLoop,
	}
}

// Start registers all jobs and starts them in the background
func (m *MaintenanceJobs) Start() error {
	log.Println("Starting maintenance jobs...")

	// Ping the store every 10 minutes, reconnecting when it dropped
	if _, err := m.cron.Every(10).Minutes().Do(func() {
		m.checkStore(context.Background())
	}); err != nil {
		return fmt.Errorf("register store check: %w", err)
	}

	// Log feed status every 30 minutes
	if _, err := m.cron.Every(30).Minutes().Do(m.logStatus); err != nil {
		return fmt.Errorf("register status log: %w", err)
	}

	m.cron.StartAsync()
	log.Println("Maintenance jobs started successfully")
	return nil
}

// Stop stops the job scheduler
func (m *MaintenanceJobs) Stop() {
	m.cron.Stop()
	log.Println("Maintenance jobs stopped")
}

// checkStore pings the store and tries one reconnect on failure
func (m *MaintenanceJobs) checkStore(ctx context.Context) error {
	pinger, ok := m.store.(services.Pinger)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := pinger.Ping(ctx)
	if err == nil {
		return nil
	}
	log.Printf("Store health check failed: %v", err)

	reconnector, ok := m.store.(services.Reconnector)
	if !ok {
		return err
	}
	if rerr := reconnector.Reconnect(ctx); rerr != nil {
		log.Printf("Store reconnect failed: %v", rerr)
		return errors.Join(err, rerr)
	}
	log.Println("Store reconnected")
	return nil
}

func (m *MaintenanceJobs) logStatus() {
	clients := 0
	if m.hub != nil {
		clients = m.hub.ClientCount()
	}
	if m.fetchLoop == nil {
		log.Printf("Feed status: clients=%d", clients)
		return
	}
	st := m.fetchLoop.Status()
	outcome := "none"
	if st.LastOutcome != nil {
		outcome = st.LastOutcome.String()
	}
	log.Printf("Feed status: clients=%d last_outcome=%s last_stored=%s next_wake=%s stores=%d failures=%d",
		clients, outcome, st.LastStoredKey, st.NextWake.Format(time.RFC3339), st.Stores, st.Failures)
}
