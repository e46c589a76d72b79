package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cse_feed_backend/models"
	"cse_feed_backend/services"
)

var colombo = time.FixedZone("Asia/Colombo", 5*3600+1800)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
	// block makes After return a channel that never fires
	block bool
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	if c.block {
		return nil
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeFetcher struct {
	mu       sync.Mutex
	calls    int
	snapshot models.Snapshot
	err      error
	panicMsg string
	onFetch  func(call int)
}

func (f *fakeFetcher) Fetch(ctx context.Context, day string) (models.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.onFetch != nil {
		f.onFetch(call)
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.snapshot, f.err
}

func (f *fakeFetcher) Name() string { return "fake" }

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	messages []models.FeedMessage
}

func (b *recordingBroadcaster) Broadcast(msg models.FeedMessage) {
	b.mu.Lock()
	b.messages = append(b.messages, msg)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) Messages() []models.FeedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.FeedMessage(nil), b.messages...)
}

type failingPutStore struct {
	*services.MemoryStore
	puts int
}

func (s *failingPutStore) Put(ctx context.Context, key models.FetchKey, snapshot models.Snapshot) error {
	s.puts++
	return errors.New("disk full")
}

type panickingPutStore struct {
	*services.MemoryStore
}

func (s *panickingPutStore) Put(context.Context, models.FetchKey, models.Snapshot) error {
	panic("driver bug")
}

func threeRecords(day string) models.Snapshot {
	headers := []string{"Company Name", "Symbol", "Share Volume", "Price (Rs.)"}
	return models.Snapshot{
		models.NewRecord(headers, []string{"ABANS ELECTRICALS PLC", "ABAN.N0000", "1,200", "120.00"}, day),
		models.NewRecord(headers, []string{"ACCESS ENGINEERING PLC", "AEL.N0000", "54,000", "18.50"}, day),
		models.NewRecord(headers, []string{"ACL CABLES PLC", "ACL.N0000", "8,310", "92.10"}, day),
	}
}

func testConfig() DailyFetchConfig {
	return DailyFetchConfig{
		IdleInterval:  24 * time.Hour,
		RetryInterval: 5 * time.Minute,
		CycleInterval: 5 * time.Minute,
		Location:      colombo,
	}
}

func TestRunCycleStoresAndBroadcastsOnce(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, colombo)}
	fetcher := &fakeFetcher{snapshot: threeRecords("2024-03-01")}
	store := services.NewMemoryStore()
	bc := &recordingBroadcaster{}

	s := NewDailyFetchScheduler(testConfig(), fetcher, store, bc, clock)
	result := s.RunCycle(context.Background())

	if result.Outcome != OutcomeStored {
		t.Fatalf("outcome = %v, want stored (err: %v)", result.Outcome, result.Err)
	}
	if result.Records != 3 {
		t.Errorf("records = %d, want 3", result.Records)
	}

	ctx := context.Background()
	dates, _ := store.ListKeys(ctx, "")
	if len(dates) != 1 || dates[0] != "2024-03-01" {
		t.Fatalf("dates = %v, want [2024-03-01]", dates)
	}
	stamps, _ := store.ListKeys(ctx, "2024-03-01")
	if len(stamps) != 1 {
		t.Fatalf("timestamps = %v, want exactly one", stamps)
	}
	if stamps[0] != "2024-03-01T10:00:00_000000" {
		t.Errorf("timestamp = %q", stamps[0])
	}

	entries, err := store.Get(ctx, "2024-03-01")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(entries[0].Records) != 3 || entries[0].Records[1]["Symbol"] != "AEL.N0000" {
		t.Errorf("stored records = %v", entries[0].Records)
	}

	msgs := bc.Messages()
	if len(msgs) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(msgs))
	}
	if msgs[0].Type != models.FeedMessageUpdate || len(msgs[0].Data) != 3 {
		t.Errorf("broadcast = %+v", msgs[0])
	}
	if msgs[0].Timestamp != "2024-03-01T10:00:00.000000" {
		t.Errorf("broadcast timestamp = %q", msgs[0].Timestamp)
	}
	if msgs[0].Key != "2024-03-01/2024-03-01T10:00:00_000000" {
		t.Errorf("broadcast key = %q", msgs[0].Key)
	}

	st := s.Status()
	if st.Stores != 1 || st.Broadcasts != 1 || st.Fetches != 1 {
		t.Errorf("status counters = %+v", st)
	}
	if st.LastStoredKey != msgs[0].Key {
		t.Errorf("LastStoredKey = %q", st.LastStoredKey)
	}
}

func TestRunCycleSkipsWhenTodayStored(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 15, 0, 0, 0, colombo)}
	store := services.NewMemoryStore()
	existing := models.FetchKey{Date: "2024-03-01", Timestamp: "2024-03-01T09:00:00_000000"}
	if err := store.Put(context.Background(), existing, threeRecords("2024-03-01")); err != nil {
		t.Fatal(err)
	}
	fetcher := &fakeFetcher{snapshot: threeRecords("2024-03-01")}
	bc := &recordingBroadcaster{}

	s := NewDailyFetchScheduler(testConfig(), fetcher, store, bc, clock)
	result := s.RunCycle(context.Background())

	if result.Outcome != OutcomeIdle {
		t.Fatalf("outcome = %v, want idle", result.Outcome)
	}
	if result.ExistingKey != "2024-03-01" {
		t.Errorf("existing key = %q", result.ExistingKey)
	}
	if fetcher.Calls() != 0 {
		t.Errorf("fetch calls = %d, want 0", fetcher.Calls())
	}
	if len(bc.Messages()) != 0 {
		t.Errorf("unexpected broadcast")
	}
}

func TestRunCycleSecondCycleSameDayIsIdle(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, colombo)}
	fetcher := &fakeFetcher{snapshot: threeRecords("2024-03-01")}
	store := services.NewMemoryStore()
	bc := &recordingBroadcaster{}
	s := NewDailyFetchScheduler(testConfig(), fetcher, store, bc, clock)

	if r := s.RunCycle(context.Background()); r.Outcome != OutcomeStored {
		t.Fatalf("first cycle = %v", r.Outcome)
	}
	clock.advance(5 * time.Minute)
	if r := s.RunCycle(context.Background()); r.Outcome != OutcomeIdle {
		t.Fatalf("second cycle = %v, want idle", r.Outcome)
	}
	if fetcher.Calls() != 1 {
		t.Errorf("fetch calls = %d, want 1", fetcher.Calls())
	}
	if len(bc.Messages()) != 1 {
		t.Errorf("broadcasts = %d, want 1", len(bc.Messages()))
	}
}

func TestRunCycleFetchesWhenOnlyYesterdayStored(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 2, 10, 0, 0, 0, colombo)}
	store := services.NewMemoryStore()
	yesterday := models.FetchKey{Date: "2024-03-01", Timestamp: "2024-03-01T10:00:00_000000"}
	if err := store.Put(context.Background(), yesterday, threeRecords("2024-03-01")); err != nil {
		t.Fatal(err)
	}
	fetcher := &fakeFetcher{snapshot: threeRecords("2024-03-02")}
	s := NewDailyFetchScheduler(testConfig(), fetcher, store, &recordingBroadcaster{}, clock)

	if r := s.RunCycle(context.Background()); r.Outcome != OutcomeStored {
		t.Fatalf("outcome = %v, want stored", r.Outcome)
	}
	dates, _ := store.ListKeys(context.Background(), "")
	if len(dates) != 2 {
		t.Errorf("dates = %v", dates)
	}
}

func TestRunCycleFailOpenWhenStoreUnavailable(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, colombo)}
	fetcher := &fakeFetcher{snapshot: threeRecords("2024-03-01")}
	bc := &recordingBroadcaster{}
	store := &services.UnavailableStore{Reason: "no credentials"}

	s := NewDailyFetchScheduler(testConfig(), fetcher, store, bc, clock)
	result := s.RunCycle(context.Background())

	if fetcher.Calls() != 1 {
		t.Errorf("fetch calls = %d, want 1", fetcher.Calls())
	}
	if result.Outcome != OutcomeFailed {
		t.Errorf("outcome = %v, want failed", result.Outcome)
	}
	if !errors.Is(result.Err, services.ErrStoreUnavailable) {
		t.Errorf("err = %v, want ErrStoreUnavailable", result.Err)
	}
	if len(bc.Messages()) != 0 {
		t.Errorf("broadcast after failed store")
	}
}

func TestRunCycleNoBroadcastWhenPutFails(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, colombo)}
	store := &failingPutStore{MemoryStore: services.NewMemoryStore()}
	bc := &recordingBroadcaster{}

	s := NewDailyFetchScheduler(testConfig(), &fakeFetcher{snapshot: threeRecords("2024-03-01")}, store, bc, clock)
	result := s.RunCycle(context.Background())

	if result.Outcome != OutcomeFailed || store.puts != 1 {
		t.Errorf("outcome = %v puts = %d", result.Outcome, store.puts)
	}
	if len(bc.Messages()) != 0 {
		t.Errorf("broadcast after failed store")
	}
}

func TestRunCycleEmptyAndFailedFetch(t *testing.T) {
	tests := []struct {
		name    string
		fetcher *fakeFetcher
		want    Outcome
	}{
		{"empty snapshot", &fakeFetcher{snapshot: models.Snapshot{}}, OutcomeEmpty},
		{"empty error", &fakeFetcher{err: services.ErrEmptySnapshot}, OutcomeEmpty},
		{"network error", &fakeFetcher{err: errors.New("connection refused")}, OutcomeFailed},
		{"panic", &fakeFetcher{panicMsg: "nil dereference"}, OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, colombo)}
			store := services.NewMemoryStore()
			bc := &recordingBroadcaster{}
			s := NewDailyFetchScheduler(testConfig(), tt.fetcher, store, bc, clock)

			result := s.RunCycle(context.Background())
			if result.Outcome != tt.want {
				t.Errorf("outcome = %v, want %v", result.Outcome, tt.want)
			}
			if dates, _ := store.ListKeys(context.Background(), ""); len(dates) != 0 {
				t.Errorf("store written: %v", dates)
			}
			if len(bc.Messages()) != 0 {
				t.Errorf("unexpected broadcast")
			}
			if s.Status().Failures != 1 {
				t.Errorf("failures = %d, want 1", s.Status().Failures)
			}
		})
	}
}

func TestRunCycleRecoversStorePanic(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, colombo)}
	store := &panickingPutStore{MemoryStore: services.NewMemoryStore()}
	s := NewDailyFetchScheduler(testConfig(), &fakeFetcher{snapshot: threeRecords("2024-03-01")}, store, &recordingBroadcaster{}, clock)

	result := s.RunCycle(context.Background())
	if result.Outcome != OutcomeFailed || result.Err == nil {
		t.Errorf("result = %+v, want failed with error", result)
	}
}

func TestNextDelay(t *testing.T) {
	s := NewDailyFetchScheduler(testConfig(), &fakeFetcher{}, services.NewMemoryStore(), &recordingBroadcaster{}, &fakeClock{})

	tests := []struct {
		name   string
		result CycleResult
		want   time.Duration
	}{
		{
			name:   "idle at midnight waits a full day",
			result: CycleResult{Outcome: OutcomeIdle, StartedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, colombo)},
			want:   24*time.Hour + 5*time.Minute,
		},
		{
			name:   "idle in the evening wakes after midnight",
			result: CycleResult{Outcome: OutcomeIdle, StartedAt: time.Date(2024, 3, 1, 22, 0, 0, 0, colombo)},
			want:   2*time.Hour + 5*time.Minute,
		},
		{
			name:   "idle uses source timezone",
			result: CycleResult{Outcome: OutcomeIdle, StartedAt: time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)},
			want:   30*time.Minute + 5*time.Minute,
		},
		{
			name:   "empty retries",
			result: CycleResult{Outcome: OutcomeEmpty},
			want:   10 * time.Minute,
		},
		{
			name:   "failed retries",
			result: CycleResult{Outcome: OutcomeFailed},
			want:   10 * time.Minute,
		},
		{
			name:   "stored waits one cycle",
			result: CycleResult{Outcome: OutcomeStored},
			want:   5 * time.Minute,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.NextDelay(tt.result); got != tt.want {
				t.Errorf("NextDelay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunRetriesUntilCancelled(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, colombo)}
	store := services.NewMemoryStore()
	bc := &recordingBroadcaster{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const attempts = 5
	fetcher := &fakeFetcher{err: errors.New("timeout")}
	fetcher.onFetch = func(call int) {
		if call == attempts {
			cancel()
		}
	}

	s := NewDailyFetchScheduler(testConfig(), fetcher, store, bc, clock)
	err := s.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
	if fetcher.Calls() != attempts {
		t.Errorf("fetch calls = %d, want %d", fetcher.Calls(), attempts)
	}
	if dates, _ := store.ListKeys(context.Background(), ""); len(dates) != 0 {
		t.Errorf("store written: %v", dates)
	}
	if len(bc.Messages()) != 0 {
		t.Errorf("unexpected broadcast")
	}
	if s.Status().Running {
		t.Errorf("status still running after Run returned")
	}
}

func TestRunStoresOncePerDay(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, colombo)}
	store := services.NewMemoryStore()
	bc := &recordingBroadcaster{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fails twice, then succeeds; the loop keeps running until the next day
	fetcher := &fakeFetcher{}
	fetcher.onFetch = func(call int) {
		switch {
		case call <= 2:
			fetcher.err = errors.New("timeout")
			fetcher.snapshot = nil
		default:
			fetcher.err = nil
			fetcher.snapshot = threeRecords(models.Today(clock.Now(), colombo))
		}
		if call == 4 {
			cancel()
		}
	}

	s := NewDailyFetchScheduler(testConfig(), fetcher, store, bc, clock)
	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}

	dates, _ := store.ListKeys(context.Background(), "")
	if len(dates) != 2 || dates[0] != "2024-03-01" || dates[1] != "2024-03-02" {
		t.Errorf("dates = %v, want one per day", dates)
	}
	for _, d := range dates {
		stamps, _ := store.ListKeys(context.Background(), d)
		if len(stamps) != 1 {
			t.Errorf("%s has %d snapshots, want 1", d, len(stamps))
		}
	}
	if n := len(bc.Messages()); n != 2 {
		t.Errorf("broadcasts = %d, want 2", n)
	}
}

func TestWakeCutsWaitShort(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, colombo), block: true}
	fetched := make(chan int, 4)
	fetcher := &fakeFetcher{err: errors.New("timeout")}
	fetcher.onFetch = func(call int) { fetched <- call }

	s := NewDailyFetchScheduler(testConfig(), fetcher, services.NewMemoryStore(), &recordingBroadcaster{}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor := func(want int) {
		select {
		case got := <-fetched:
			if got != want {
				t.Fatalf("fetch call = %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for fetch %d", want)
		}
	}

	waitFor(1)
	s.Wake()
	waitFor(2)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRunCycleFetchAcrossMidnightKeepsStartDay(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 23, 59, 50, 0, colombo)}
	store := services.NewMemoryStore()
	bc := &recordingBroadcaster{}

	fetcher := &fakeFetcher{snapshot: threeRecords("2024-03-01")}
	fetcher.onFetch = func(call int) {
		if call == 1 {
			clock.advance(30 * time.Second)
		}
	}

	s := NewDailyFetchScheduler(testConfig(), fetcher, store, bc, clock)
	result := s.RunCycle(context.Background())
	if result.Outcome != OutcomeStored {
		t.Fatalf("outcome = %v, want stored", result.Outcome)
	}
	if result.Key.Date != "2024-03-01" {
		t.Errorf("key date = %q, want the day the cycle started", result.Key.Date)
	}
	if result.Key.Timestamp != "2024-03-02T00:00:20_000000" {
		t.Errorf("key timestamp = %q, want the real fetch instant", result.Key.Timestamp)
	}

	// The next day must still be captured
	clock.advance(10 * time.Hour)
	fetcher.snapshot = threeRecords("2024-03-02")
	next := s.RunCycle(context.Background())
	if next.Outcome != OutcomeStored {
		t.Fatalf("next day outcome = %v, want stored", next.Outcome)
	}
	if fetcher.Calls() != 2 {
		t.Errorf("fetch calls = %d, want 2", fetcher.Calls())
	}

	dates, _ := store.ListKeys(context.Background(), "")
	if len(dates) != 2 || dates[0] != "2024-03-01" || dates[1] != "2024-03-02" {
		t.Errorf("dates = %v", dates)
	}
	if msgs := bc.Messages(); len(msgs) != 2 || msgs[0].Key != "2024-03-01/2024-03-02T00:00:20_000000" {
		t.Errorf("broadcasts = %+v", msgs)
	}
}
