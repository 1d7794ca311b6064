// Package archive is the relay's best-effort message history. The relay
// process publishes routed messages and purge requests to NATS; the archiver
// process consumes them into PostgreSQL or SQLite and serves the most recent
// messages over HTTP.
package archive

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/whisper/relay/internal/relay"
)

// Record is one archived message.
type Record struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	Sender      string    `json:"sender"`
	SenderColor string    `json:"sender_color"`
	Recipient   string    `json:"recipient"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// RecordFromMessage flattens a routed message.
func RecordFromMessage(msg relay.Message) Record {
	return Record{
		ID:          msg.ID,
		SenderID:    msg.Sender.ConnID,
		Sender:      msg.Sender.Name,
		SenderColor: msg.Sender.Color,
		Recipient:   string(msg.Target),
		Message:     msg.Body,
		Timestamp:   msg.SentAt.UTC(),
	}
}

// PurgeEvent asks the archiver to drop all history.
type PurgeEvent struct {
	RequestedAt time.Time `json:"requested_at"`
}

// EncodeRecord serializes r for the wire.
func EncodeRecord(r Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("archive: encode record: %w", err)
	}
	return data, nil
}

// DecodeRecord parses a record and rejects one without an ID.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("archive: decode record: %w", err)
	}
	if r.ID == "" {
		return Record{}, fmt.Errorf("archive: record without id")
	}
	return r, nil
}
