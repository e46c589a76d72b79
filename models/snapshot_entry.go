package models

import (
	"time"

	"gorm.io/gorm"
)

// SnapshotEntry is one stored snapshot under its fetch key
type SnapshotEntry struct {
	ID          uint      `gorm:"primaryKey" json:"-" bson:"-"`
	Date        string    `gorm:"index;size:10;not null" json:"date" bson:"date"`
	Timestamp   string    `gorm:"uniqueIndex;size:40;not null" json:"timestamp" bson:"timestamp"`
	RecordCount int       `json:"record_count" bson:"record_count"`
	Records     Snapshot  `gorm:"serializer:json;type:text" json:"records" bson:"records"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

// TableName keeps the table name stable across gorm naming strategies
func (SnapshotEntry) TableName() string {
	return "trade_summary_snapshots"
}

// Key returns the entry's fetch key
func (e SnapshotEntry) Key() FetchKey {
	return FetchKey{Date: e.Date, Timestamp: e.Timestamp}
}

// NewSnapshotEntry wraps a snapshot for storage under key
func NewSnapshotEntry(key FetchKey, snapshot Snapshot) SnapshotEntry {
	return SnapshotEntry{
		Date:        key.Date,
		Timestamp:   key.Timestamp,
		RecordCount: len(snapshot),
		Records:     snapshot,
		CreatedAt:   time.Now(),
	}
}

// MigrateSnapshotModels runs database migrations for snapshot storage
func MigrateSnapshotModels(db *gorm.DB) error {
	return db.AutoMigrate(&SnapshotEntry{})
}
