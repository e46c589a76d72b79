package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"cse_feed_backend/models"
)

// DefaultTradeSummaryPath is where the exchange API puts the row array
const DefaultTradeSummaryPath = "reqTradeSummery"

// maxAPIResponseBytes bounds the body read from the source API
const maxAPIResponseBytes = 16 << 20

// JSONAPIFetcher reads the trade summary from the exchange's JSON endpoint
type JSONAPIFetcher struct {
	URL       string
	ArrayPath string
	Timeout   time.Duration
	UserAgent string
}

// NewJSONAPIFetcher creates a fetcher for the trade summary API at url
func NewJSONAPIFetcher(url string, timeout time.Duration) *JSONAPIFetcher {
	return &JSONAPIFetcher{
		URL:       url,
		ArrayPath: DefaultTradeSummaryPath,
		Timeout:   timeout,
		UserAgent: DefaultUserAgent,
	}
}

func (f *JSONAPIFetcher) Name() string { return "cse-api" }

// Fetch posts to the API and flattens each row's scalar fields into a record
func (f *JSONAPIFetcher) Fetch(ctx context.Context, day string) (models.Snapshot, error) {
	session := newFetchSession(f.Timeout)
	defer session.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, strings.NewReader(url.Values{}.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.UserAgent)

	resp, err := session.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %s returned %s", ErrFetchFailed, f.URL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrFetchFailed, err)
	}

	return parseTradeSummaryJSON(body, f.ArrayPath, day)
}

func parseTradeSummaryJSON(body []byte, path, day string) (models.Snapshot, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: response is not valid JSON", ErrFetchFailed)
	}

	rows := gjson.GetBytes(body, path)
	if !rows.Exists() {
		return nil, fmt.Errorf("%w: %q missing from response", ErrFetchFailed, path)
	}
	if !rows.IsArray() {
		return nil, fmt.Errorf("%w: %q is not an array", ErrFetchFailed, path)
	}

	snapshot := make(models.Snapshot, 0)
	rows.ForEach(func(_, row gjson.Result) bool {
		if !row.IsObject() {
			return true
		}
		rec := make(models.Record)
		row.ForEach(func(key, value gjson.Result) bool {
			if v, ok := scalarText(value); ok {
				rec[models.SanitizeFieldName(key.String())] = v
			}
			return true
		})
		rec[models.DateField] = day
		snapshot = append(snapshot, rec)
		return true
	})

	if len(snapshot) == 0 {
		return nil, ErrEmptySnapshot
	}
	return snapshot, nil
}

// scalarText renders a JSON scalar as text. Numbers keep their raw form so
// no precision is lost; nested objects and arrays are skipped.
func scalarText(v gjson.Result) (string, bool) {
	switch v.Type {
	case gjson.String:
		return v.String(), true
	case gjson.Number:
		return v.Raw, true
	case gjson.True, gjson.False:
		return v.Raw, true
	case gjson.Null:
		return "", true
	default:
		return "", false
	}
}
