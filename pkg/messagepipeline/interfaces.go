package messagepipeline

import (
	"context"
	"time"

	"github.com/illmade-knight/go-campaignflow/pkg/types"
)

// QueuePublisher sends message bodies to the durable queue.
type QueuePublisher interface {
	Publish(ctx context.Context, body []byte) (string, error)
	// PublishBatch sends up to MaxBatchSize bodies in one call and returns one
	// result per body, in order.
	PublishBatch(ctx context.Context, bodies [][]byte) ([]types.ItemResult, error)
	// MaxBatchSize is the hard limit of a single PublishBatch call.
	MaxBatchSize() int
}

// BatchLimiter is implemented by stores whose batch call has a hard item
// limit.
type BatchLimiter interface {
	MaxBatchSize() int
}

// Acknowledger deletes a fully processed message from the queue.
type Acknowledger interface {
	Delete(ctx context.Context, ackToken string) error
}

// QueueReceiver pulls messages from the durable queue. A received message is
// hidden from other receivers for the visibility timeout and is redelivered
// if it is not deleted within it.
type QueueReceiver interface {
	Acknowledger
	ReceiveBatch(ctx context.Context, maxMessages int, wait, visibility time.Duration) ([]types.QueueMessage, error)
}

// QueueClient is a queue that can both publish and receive.
type QueueClient interface {
	QueuePublisher
	QueueReceiver
}

// RawStore persists unmodified RawRecords. Inserts are upserts on
// RawRecord.Key so redelivery is harmless.
type RawStore interface {
	Insert(ctx context.Context, record types.RawRecord) (string, error)
	InsertMany(ctx context.Context, records []types.RawRecord) ([]types.ItemResult, error)
}

// NormalizedStore persists NormalizedEvents. Inserts are upserts on
// NormalizedEvent.Key.
type NormalizedStore interface {
	Insert(ctx context.Context, event types.NormalizedEvent) (string, error)
	InsertMany(ctx context.Context, events []types.NormalizedEvent) ([]types.ItemResult, error)
}

// EventNormalizer converts a raw record into its normalized form, selecting
// the source-specific normalizer itself.
type EventNormalizer interface {
	Normalize(record types.RawRecord) (types.NormalizedEvent, error)
}

// ProcessedMarker remembers which messages have completed both writes, so a
// redelivered message can be acknowledged without touching the stores again.
type ProcessedMarker interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string) error
}

// MessageHandler processes one queue message. A nil error means the message
// has been acknowledged.
type MessageHandler func(ctx context.Context, msg types.QueueMessage) error
