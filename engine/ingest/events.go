package ingest

import (
	"context"
	"time"

	"github.com/WessleyAI/threatintel/pkg/natsutil"
)

// NATS subjects.
const (
	// IngestSubject carries IngestMessage batches for the consumer.
	IngestSubject = "advisory.ingest"
	// DLQSubject receives batches that kept failing and records that could
	// not be normalized.
	DLQSubject = "advisory.ingest.dlq"
	// EventSubject announces stored batches.
	EventSubject = "advisory.ingested"
)

// IngestedEvent is published on EventSubject after a batch is stored.
type IngestedEvent struct {
	IDs   []string  `json:"ids"`
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}

// NATSEvents publishes IngestedEvent messages.
type NATSEvents struct {
	pub natsutil.Publisher
}

// NewNATSEvents creates an EventSink on pub, normally a *nats.Conn.
func NewNATSEvents(pub natsutil.Publisher) *NATSEvents {
	return &NATSEvents{pub: pub}
}

func (e *NATSEvents) Ingested(ctx context.Context, ev IngestedEvent) error {
	return natsutil.Publish(ctx, e.pub, EventSubject, ev)
}
