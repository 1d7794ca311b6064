package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/relay"
)

// Bus is the publishing half of the NATS client.
type Bus interface {
	Publish(subject string, data []byte) error
	Flush() error
	Connected() bool
}

// Publisher implements relay.Persistence by publishing archive events.
type Publisher struct {
	bus Bus
}

var _ relay.Persistence = (*Publisher)(nil)

// NewPublisher creates a Publisher on bus.
func NewPublisher(bus Bus) *Publisher {
	return &Publisher{bus: bus}
}

// LogMessage publishes msg on the archive message subject.
func (p *Publisher) LogMessage(ctx context.Context, msg relay.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeRecord(RecordFromMessage(msg))
	if err != nil {
		return err
	}
	if err := p.bus.Publish(messaging.SubjectArchiveMessage, data); err != nil {
		return fmt.Errorf("archive: publish message %s: %w", msg.ID, err)
	}
	return nil
}

// PurgeAll publishes a purge request.
func (p *Publisher) PurgeAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(PurgeEvent{RequestedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("archive: encode purge: %w", err)
	}
	if err := p.bus.Publish(messaging.SubjectArchivePurge, data); err != nil {
		return fmt.Errorf("archive: publish purge: %w", err)
	}
	// The room resets right after this; make sure the purge left.
	if err := p.bus.Flush(); err != nil {
		return fmt.Errorf("archive: flush purge: %w", err)
	}
	return nil
}
