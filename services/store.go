package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cse_feed_backend/models"
)

var (
	// ErrStoreUnavailable is returned when the store is not configured or unreachable
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrDuplicateKey is returned when a timestamp has already been written
	ErrDuplicateKey = errors.New("snapshot already stored under this key")
	// ErrNotFound is returned when nothing is stored under a key
	ErrNotFound = errors.New("snapshot not found")
	// ErrInvalidKey is returned for keys containing reserved characters
	ErrInvalidKey = errors.New("invalid store key")
)

// Store is a hierarchical snapshot store: root -> date -> timestamp -> snapshot.
type Store interface {
	// ListKeys returns the child keys of parent: dates for the root (""),
	// timestamps for a date. Keys are sorted ascending.
	ListKeys(ctx context.Context, parent string) ([]string, error)
	// Exists reports whether a date or "date/timestamp" key has data
	Exists(ctx context.Context, key string) (bool, error)
	// Get returns every entry stored under date, oldest first
	Get(ctx context.Context, date string) ([]models.SnapshotEntry, error)
	// Put writes snapshot under key. Writing the same key twice fails with ErrDuplicateKey.
	Put(ctx context.Context, key models.FetchKey, snapshot models.Snapshot) error
	Close() error
}

// Pinger is implemented by stores that can check their connection
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusReporter is implemented by stores that can describe their connection
type StatusReporter interface {
	GetConnectionStatus() map[string]interface{}
}

// HasKeyWithPrefix reports whether any key starts with prefix
func HasKeyWithPrefix(keys []string, prefix string) (string, bool) {
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			return k, true
		}
	}
	return "", false
}

// ValidateKey rejects empty keys and keys with characters the store reserves
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.ContainsAny(key, ".$#[]/") {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidKey, key)
	}
	return nil
}

func validateFetchKey(key models.FetchKey) error {
	if err := ValidateKey(key.Date); err != nil {
		return err
	}
	return ValidateKey(key.Timestamp)
}

// MemoryStore keeps snapshots in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]models.SnapshotEntry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]map[string]models.SnapshotEntry)}
}

func (m *MemoryStore) ListKeys(ctx context.Context, parent string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	if parent == "" {
		for date := range m.entries {
			keys = append(keys, date)
		}
	} else {
		for ts := range m.entries[parent] {
			keys = append(keys, ts)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if fk, ok := models.ParseFetchKey(key); ok {
		_, found := m.entries[fk.Date][fk.Timestamp]
		return found, nil
	}
	return len(m.entries[key]) > 0, nil
}

func (m *MemoryStore) Get(ctx context.Context, date string) ([]models.SnapshotEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byTS := m.entries[date]
	if len(byTS) == 0 {
		return nil, ErrNotFound
	}
	out := make([]models.SnapshotEntry, 0, len(byTS))
	for _, e := range byTS {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (m *MemoryStore) Put(ctx context.Context, key models.FetchKey, snapshot models.Snapshot) error {
	if err := validateFetchKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byTS, ok := m.entries[key.Date]
	if !ok {
		byTS = make(map[string]models.SnapshotEntry)
		m.entries[key.Date] = byTS
	}
	if _, exists := byTS[key.Timestamp]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key.Path())
	}
	byTS[key.Timestamp] = models.NewSnapshotEntry(key, snapshot)
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// UnavailableStore fails every operation. It stands in when the store
// credentials are missing so the rest of the service keeps running.
type UnavailableStore struct {
	Reason string
}

func (u *UnavailableStore) err() error {
	return fmt.Errorf("%w: %s", ErrStoreUnavailable, u.Reason)
}

func (u *UnavailableStore) ListKeys(context.Context, string) ([]string, error) { return nil, u.err() }

func (u *UnavailableStore) Exists(context.Context, string) (bool, error) { return false, u.err() }

func (u *UnavailableStore) Get(context.Context, string) ([]models.SnapshotEntry, error) {
	return nil, u.err()
}

func (u *UnavailableStore) Put(context.Context, models.FetchKey, models.Snapshot) error {
	return u.err()
}

func (u *UnavailableStore) Ping(context.Context) error { return u.err() }

// GetConnectionStatus reports the store as disconnected with the reason
func (u *UnavailableStore) GetConnectionStatus() map[string]interface{} {
	return map[string]interface{}{
		"driver":    "unavailable",
		"connected": false,
		"error":     u.Reason,
	}
}

func (u *UnavailableStore) Close() error { return nil }
