package models

import (
	"strings"
	"time"
)

// TimestampLayout renders a fetch instant with microsecond precision
const TimestampLayout = "2006-01-02T15:04:05.000000"

// FetchKey identifies a stored snapshot by trading day and fetch instant
type FetchKey struct {
	Date      string `json:"date"`
	Timestamp string `json:"timestamp"`
}

// NewFetchKey builds the key for a fetch made at t in loc.
// The timestamp has its periods replaced so it is safe as a store key.
func NewFetchKey(t time.Time, loc *time.Location) FetchKey {
	local := t.In(loc)
	return FetchKey{
		Date:      local.Format(DateLayout),
		Timestamp: SanitizeTimestamp(local.Format(TimestampLayout)),
	}
}

// NewFetchKeyForDay files a fetch made at t under day. The timestamp keeps
// the real instant, so a fetch that finishes after midnight still belongs
// to the day it was started for.
func NewFetchKeyForDay(day string, t time.Time, loc *time.Location) FetchKey {
	return FetchKey{
		Date:      day,
		Timestamp: SanitizeTimestamp(t.In(loc).Format(TimestampLayout)),
	}
}

// SanitizeTimestamp replaces periods, which the store reserves, with underscores
func SanitizeTimestamp(ts string) string {
	return strings.ReplaceAll(ts, ".", "_")
}

// Path returns the hierarchical key "date/timestamp"
func (k FetchKey) Path() string {
	return k.Date + "/" + k.Timestamp
}

// ParseFetchKey splits a "date/timestamp" path
func ParseFetchKey(path string) (FetchKey, bool) {
	date, ts, ok := strings.Cut(path, "/")
	if !ok || date == "" || ts == "" {
		return FetchKey{}, false
	}
	return FetchKey{Date: date, Timestamp: ts}, true
}

// Today returns the calendar day of t in loc
func Today(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}
