package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"cse_feed_backend/models"
	"cse_feed_backend/services"
)

// Outcome is how a fetch cycle ended
type Outcome int

const (
	// OutcomeIdle means today's snapshot was already stored
	OutcomeIdle Outcome = iota
	// OutcomeEmpty means the source returned no rows
	OutcomeEmpty
	// OutcomeFailed means the fetch or the store write failed
	OutcomeFailed
	// OutcomeStored means a snapshot was stored and broadcast
	OutcomeStored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomeEmpty:
		return "empty"
	case OutcomeFailed:
		return "failed"
	case OutcomeStored:
		return "stored"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// MarshalText lets outcomes appear by name in JSON status
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// CycleResult describes one pass through the fetch cycle
type CycleResult struct {
	Outcome     Outcome
	Day         string
	StartedAt   time.Time
	ExistingKey string
	Key         models.FetchKey
	Records     int
	Err         error
}

// DailyFetchConfig holds the fetch loop timing
type DailyFetchConfig struct {
	IdleInterval  time.Duration // wait after finding today's snapshot (default: 24h)
	RetryInterval time.Duration // wait after an empty or failed fetch (default: 5m)
	CycleInterval time.Duration // added after every cycle (default: 5m)
	Location      *time.Location
}

// DefaultDailyFetchConfig returns the production timings for Asia/Colombo
func DefaultDailyFetchConfig() DailyFetchConfig {
	loc, err := time.LoadLocation("Asia/Colombo")
	if err != nil {
		loc = time.FixedZone("Asia/Colombo", 5*3600+1800)
	}
	return DailyFetchConfig{
		IdleInterval:  24 * time.Hour,
		RetryInterval: 5 * time.Minute,
		CycleInterval: 5 * time.Minute,
		Location:      loc,
	}
}

// DailyFetchStatus is a point-in-time view of the fetch loop
type DailyFetchStatus struct {
	Running       bool      `json:"running"`
	LastOutcome   *Outcome  `json:"last_outcome,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastCycleAt   time.Time `json:"last_cycle_at"`
	LastStoredKey string    `json:"last_stored_key,omitempty"`
	NextWake      time.Time `json:"next_wake"`
	Cycles        int64     `json:"cycles"`
	Fetches       int64     `json:"fetches"`
	Stores        int64     `json:"stores"`
	Broadcasts    int64     `json:"broadcasts"`
	Failures      int64     `json:"failures"`
}

// DailyFetchScheduler captures at most one trade summary snapshot per day.
// It is the only writer to the store and the only producer of feed updates.
type DailyFetchScheduler struct {
	cfg         DailyFetchConfig
	fetcher     services.Fetcher
	store       services.Store
	broadcaster services.Broadcaster
	clock       Clock
	wake        chan struct{}

	mu     sync.RWMutex
	status DailyFetchStatus
}

// NewDailyFetchScheduler creates the fetch loop. A nil clock means real time.
func NewDailyFetchScheduler(cfg DailyFetchConfig, fetcher services.Fetcher, store services.Store, broadcaster services.Broadcaster, clock Clock) *DailyFetchScheduler {
	if clock == nil {
		clock = RealClock()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &DailyFetchScheduler{
		cfg:         cfg,
		fetcher:     fetcher,
		store:       store,
		broadcaster: broadcaster,
		clock:       clock,
		wake:        make(chan struct{}, 1),
	}
}

// Run executes cycles until ctx is cancelled, waiting between cycles for
// the delay chosen by NextDelay.
func (s *DailyFetchScheduler) Run(ctx context.Context) error {
	s.setRunning(true)
	defer s.setRunning(false)

	log.Printf("Daily fetch scheduler started (source=%s, timezone=%s)", s.fetcher.Name(), s.cfg.Location)

	for {
		if err := ctx.Err(); err != nil {
			log.Println("Daily fetch scheduler stopped")
			return err
		}

		result := s.RunCycle(ctx)
		delay := s.NextDelay(result)
		s.setNextWake(s.clock.Now().Add(delay))

		select {
		case <-ctx.Done():
			log.Println("Daily fetch scheduler stopped")
			return ctx.Err()
		case <-s.clock.After(delay):
		case <-s.wake:
			log.Println("Daily fetch scheduler woken early")
		}
	}
}

// Wake cuts the current wait short so the next cycle runs immediately
func (s *DailyFetchScheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RunCycle performs one check/fetch/store/broadcast pass. Errors and panics
// are logged and reported in the result, never returned.
func (s *DailyFetchScheduler) RunCycle(ctx context.Context) (result CycleResult) {
	now := s.clock.Now()
	result = CycleResult{
		Day:       models.Today(now, s.cfg.Location),
		StartedAt: now,
	}

	defer func() {
		if r := recover(); r != nil {
			result.Outcome = OutcomeFailed
			result.Err = fmt.Errorf("fetch cycle panicked: %v", r)
			log.Printf("Fetch cycle error: %v", result.Err)
		}
		s.record(result)
	}()

	// Check existing
	if key, found := s.existingKey(ctx, result.Day); found {
		log.Printf("Data for %s already stored (key: %s), skipping fetch", result.Day, key)
		result.Outcome = OutcomeIdle
		result.ExistingKey = key
		return result
	}

	// Fetch
	s.incr(func(st *DailyFetchStatus) { st.Fetches++ })
	fetched := services.FetchDay(ctx, s.fetcher, result.Day)
	switch fetched.Status {
	case services.FetchEmpty:
		log.Printf("No trade summary data for %s", result.Day)
		result.Outcome = OutcomeEmpty
		result.Err = fetched.Err
		return result
	case services.FetchFailed:
		log.Printf("Fetch error for %s: %v", result.Day, fetched.Err)
		result.Outcome = OutcomeFailed
		result.Err = fetched.Err
		return result
	}

	// Store
	fetchedAt := s.clock.Now().In(s.cfg.Location)
	key := models.NewFetchKeyForDay(result.Day, fetchedAt, s.cfg.Location)
	if err := s.store.Put(ctx, key, fetched.Snapshot); err != nil {
		log.Printf("Failed to store snapshot %s: %v", key.Path(), err)
		result.Outcome = OutcomeFailed
		result.Err = err
		return result
	}
	s.incr(func(st *DailyFetchStatus) {
		st.Stores++
		st.LastStoredKey = key.Path()
	})

	// Broadcast
	s.broadcaster.Broadcast(models.NewUpdateMessage(fetched.Snapshot, fetchedAt, key))
	s.incr(func(st *DailyFetchStatus) { st.Broadcasts++ })

	log.Printf("Stored %d records with timestamp %s", len(fetched.Snapshot), key.Timestamp)
	result.Outcome = OutcomeStored
	result.Key = key
	result.Records = len(fetched.Snapshot)
	return result
}

// existingKey looks for a stored key for day. A store error counts as
// "not found" so a flaky store never causes a day to be skipped.
func (s *DailyFetchScheduler) existingKey(ctx context.Context, day string) (string, bool) {
	keys, err := s.store.ListKeys(ctx, "")
	if err != nil {
		if errors.Is(err, services.ErrStoreUnavailable) {
			log.Printf("Store unavailable while checking %s, fetching anyway: %v", day, err)
		} else {
			log.Printf("Store check for %s failed, fetching anyway: %v", day, err)
		}
		return "", false
	}
	return services.HasKeyWithPrefix(keys, day)
}

// NextDelay returns how long to wait after result before the next cycle
func (s *DailyFetchScheduler) NextDelay(result CycleResult) time.Duration {
	var base time.Duration
	switch result.Outcome {
	case OutcomeIdle:
		base = s.cfg.IdleInterval
		if untilMidnight := s.untilNextMidnight(result.StartedAt); untilMidnight < base {
			base = untilMidnight
		}
	case OutcomeEmpty, OutcomeFailed:
		base = s.cfg.RetryInterval
	case OutcomeStored:
		base = 0
	}
	return base + s.cfg.CycleInterval
}

func (s *DailyFetchScheduler) untilNextMidnight(t time.Time) time.Duration {
	local := t.In(s.cfg.Location)
	next := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, s.cfg.Location)
	return next.Sub(t)
}

// Status returns a copy of the loop's current status
func (s *DailyFetchScheduler) Status() DailyFetchStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	if st.LastOutcome != nil {
		o := *st.LastOutcome
		st.LastOutcome = &o
	}
	return st
}

func (s *DailyFetchScheduler) record(result CycleResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := result.Outcome
	s.status.LastOutcome = &o
	s.status.LastCycleAt = result.StartedAt
	s.status.Cycles++
	if result.Err != nil {
		s.status.LastError = result.Err.Error()
	} else {
		s.status.LastError = ""
	}
	if o == OutcomeFailed || o == OutcomeEmpty {
		s.status.Failures++
	}
}

func (s *DailyFetchScheduler) incr(fn func(*DailyFetchStatus)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

func (s *DailyFetchScheduler) setRunning(running bool) {
	s.mu.Lock()
	s.status.Running = running
	s.mu.Unlock()
}

func (s *DailyFetchScheduler) setNextWake(t time.Time) {
	s.mu.Lock()
	s.status.NextWake = t
	s.mu.Unlock()
}
