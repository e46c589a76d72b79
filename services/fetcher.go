package services

import (
	"context"
	"errors"
	"fmt"

	"cse_feed_backend/models"
)

var (
	// ErrFetchFailed marks a fetch that could not reach or parse the source
	ErrFetchFailed = errors.New("fetch failed")
	// ErrEmptySnapshot marks a fetch that succeeded but returned no rows
	ErrEmptySnapshot = errors.New("no trade summary rows")
)

// Fetcher retrieves the trade summary for a trading day.
// Implementations must be safe for concurrent calls; each call owns its
// own fetch session and releases it before returning.
type Fetcher interface {
	Fetch(ctx context.Context, day string) (models.Snapshot, error)
	Name() string
}

// FetchStatus tags the outcome of a fetch
type FetchStatus int

const (
	FetchOK FetchStatus = iota
	FetchEmpty
	FetchFailed
)

func (s FetchStatus) String() string {
	switch s {
	case FetchOK:
		return "ok"
	case FetchEmpty:
		return "empty"
	case FetchFailed:
		return "failed"
	default:
		return fmt.Sprintf("FetchStatus(%d)", int(s))
	}
}

// FetchResult is the tagged result of one fetch: Ok(Snapshot), Empty or Failed(Err)
type FetchResult struct {
	Status   FetchStatus
	Snapshot models.Snapshot
	Err      error
}

// ClassifyFetch turns a fetcher's return values into a FetchResult
func ClassifyFetch(snapshot models.Snapshot, err error) FetchResult {
	switch {
	case errors.Is(err, ErrEmptySnapshot):
		return FetchResult{Status: FetchEmpty, Err: err}
	case err != nil:
		return FetchResult{Status: FetchFailed, Err: err}
	case snapshot.IsEmpty():
		return FetchResult{Status: FetchEmpty, Err: ErrEmptySnapshot}
	default:
		return FetchResult{Status: FetchOK, Snapshot: snapshot}
	}
}

// FetchDay calls f and classifies the outcome. A panicking fetcher is
// reported as FetchFailed.
func FetchDay(ctx context.Context, f Fetcher, day string) (result FetchResult) {
	defer func() {
		if r := recover(); r != nil {
			result = FetchResult{Status: FetchFailed, Err: fmt.Errorf("%w: %s panicked: %v", ErrFetchFailed, f.Name(), r)}
		}
	}()
	return ClassifyFetch(f.Fetch(ctx, day))
}
