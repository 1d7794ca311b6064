package archive

import (
	"context"
	"log"
	"time"

	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/metrics"
)

// Consumer applies archive events to a Store.
type Consumer struct {
	store   *Store
	timeout time.Duration
}

// NewConsumer creates a Consumer writing to store.
func NewConsumer(store *Store) *Consumer {
	return &Consumer{store: store, timeout: 5 * time.Second}
}

// Handle processes one event. It matches the signature of
// messaging.NATSClient.SubscribeArchive. Failures are logged and counted;
// the event is not retried.
func (c *Consumer) Handle(subject string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	switch subject {
	case messaging.SubjectArchiveMessage:
		r, err := DecodeRecord(data)
		if err != nil {
			log.Printf("[archiver] bad message event: %v", err)
			metrics.ArchivedTotal.WithLabelValues("message", "error").Inc()
			return
		}
		if err := c.store.InsertMessage(ctx, r); err != nil {
			log.Printf("[archiver] insert %s: %v", r.ID, err)
			metrics.ArchivedTotal.WithLabelValues("message", "error").Inc()
			return
		}
		metrics.ArchivedTotal.WithLabelValues("message", "ok").Inc()

	case messaging.SubjectArchivePurge:
		n, err := c.store.DeleteAll(ctx)
		if err != nil {
			log.Printf("[archiver] purge: %v", err)
			metrics.ArchivedTotal.WithLabelValues("purge", "error").Inc()
			return
		}
		log.Printf("[archiver] purged %d messages", n)
		metrics.ArchivedTotal.WithLabelValues("purge", "ok").Inc()

	default:
		log.Printf("[archiver] ignoring subject %s", subject)
	}
}
