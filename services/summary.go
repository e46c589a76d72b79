package services

import (
	"github.com/shopspring/decimal"

	"cse_feed_backend/models"
)

// Trade summary columns used for market totals, after sanitization
const (
	FieldTurnover    = "Turnover_(Rs_)"
	FieldShareVolume = "Share_Volume"
	FieldTradeVolume = "Trade_Volume"
	FieldChange      = "Change_(Rs_)"
)

// Column names used by the JSON API
var summaryFieldAliases = map[string][]string{
	FieldTurnover:    {FieldTurnover, "Turnover", "turnover"},
	FieldShareVolume: {FieldShareVolume, "sharevolume", "shareVolume"},
	FieldTradeVolume: {FieldTradeVolume, "tradevolume", "tradeVolume"},
	FieldChange:      {FieldChange, "Change_(Rs)", "Change", "change"},
}

// SnapshotSummary holds market-wide totals for one snapshot
type SnapshotSummary struct {
	Date        string          `json:"date"`
	Timestamp   string          `json:"timestamp,omitempty"`
	Records     int             `json:"records"`
	Turnover    decimal.Decimal `json:"turnover"`
	ShareVolume decimal.Decimal `json:"share_volume"`
	TradeVolume decimal.Decimal `json:"trade_volume"`
	Advancers   int             `json:"advancers"`
	Decliners   int             `json:"decliners"`
	Unchanged   int             `json:"unchanged"`
}

// Summarize totals turnover and volumes and counts price movers.
// Cells that are missing or not numeric are skipped.
func Summarize(snapshot models.Snapshot) SnapshotSummary {
	sum := SnapshotSummary{
		Date:        snapshot.Date(),
		Records:     len(snapshot),
		Turnover:    decimal.Zero,
		ShareVolume: decimal.Zero,
		TradeVolume: decimal.Zero,
	}
	for _, rec := range snapshot {
		if v, ok := lookupDecimal(rec, FieldTurnover); ok {
			sum.Turnover = sum.Turnover.Add(v)
		}
		if v, ok := lookupDecimal(rec, FieldShareVolume); ok {
			sum.ShareVolume = sum.ShareVolume.Add(v)
		}
		if v, ok := lookupDecimal(rec, FieldTradeVolume); ok {
			sum.TradeVolume = sum.TradeVolume.Add(v)
		}
		if v, ok := lookupDecimal(rec, FieldChange); ok {
			switch v.Sign() {
			case 1:
				sum.Advancers++
			case -1:
				sum.Decliners++
			default:
				sum.Unchanged++
			}
		}
	}
	return sum
}

// SummarizeEntry summarizes a stored entry and tags it with its timestamp
func SummarizeEntry(entry models.SnapshotEntry) SnapshotSummary {
	sum := Summarize(entry.Records)
	if sum.Date == "" {
		sum.Date = entry.Date
	}
	sum.Timestamp = entry.Timestamp
	return sum
}

func lookupDecimal(rec models.Record, field string) (decimal.Decimal, bool) {
	for _, name := range summaryFieldAliases[field] {
		if v, ok := rec.Decimal(name); ok {
			return v, true
		}
	}
	return decimal.Zero, false
}
