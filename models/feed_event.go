package models

import "time"

// Feed message types
const (
	FeedMessageStatus = "status"
	FeedMessageUpdate = "update"
)

// ConnectedMessage is sent to every subscriber right after it connects
const ConnectedMessage = "Connected to live CSE feed"

// FeedMessage is the envelope pushed to live subscribers
type FeedMessage struct {
	Type      string   `json:"type"`
	Data      Snapshot `json:"data,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Key       string   `json:"key,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// NewUpdateMessage builds the update pushed after a snapshot is stored.
// Timestamp is the unsanitized fetch instant, Key is the store path.
func NewUpdateMessage(snapshot Snapshot, fetchedAt time.Time, key FetchKey) FeedMessage {
	return FeedMessage{
		Type:      FeedMessageUpdate,
		Data:      snapshot,
		Timestamp: fetchedAt.Format(TimestampLayout),
		Key:       key.Path(),
	}
}

// NewStatusMessage builds the acknowledgment sent on connect
func NewStatusMessage() FeedMessage {
	return FeedMessage{Type: FeedMessageStatus, Message: ConnectedMessage}
}
