package messagepipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/rs/zerolog"
)

// EventPublisher accumulates events on the producer side and publishes them to
// the queue in batches. Publish returns once the event's batch has been
// confirmed by the queue.
type EventPublisher struct {
	queue  QueuePublisher
	acc    *Accumulator[types.Event]
	logger zerolog.Logger
}

// NewEventPublisher creates an EventPublisher. The accumulator's SinkLimit is
// taken from the queue's batch limit.
func NewEventPublisher(
	cfg AccumulatorConfig,
	queue QueuePublisher,
	gate *Gate,
	logger zerolog.Logger,
) (*EventPublisher, error) {
	if queue == nil {
		return nil, errors.New("queue publisher cannot be nil")
	}
	p := &EventPublisher{
		queue:  queue,
		logger: logger.With().Str("component", "EventPublisher").Logger(),
	}
	cfg.SinkLimit = queue.MaxBatchSize()
	acc, err := NewAccumulator[types.Event](cfg, p.publishBatch, gate, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create publish accumulator: %w", err)
	}
	p.acc = acc
	return p, nil
}

// Publish submits event and waits for its queue message ID.
func (p *EventPublisher) Publish(ctx context.Context, event types.Event) (string, error) {
	handle, err := p.acc.Submit(ctx, event)
	if handle == nil {
		return "", err
	}
	return handle.Wait(ctx)
}

// Accumulator exposes the underlying accumulator for runtime tuning.
func (p *EventPublisher) Accumulator() *Accumulator[types.Event] { return p.acc }

// Shutdown flushes buffered events.
func (p *EventPublisher) Shutdown(ctx context.Context) error {
	p.logger.Info().Msg("Flushing pending events before shutdown...")
	return p.acc.Shutdown(ctx)
}

// publishBatch marshals the events and sends the ones that marshal cleanly in
// a single queue call. Marshal failures are permanent.
func (p *EventPublisher) publishBatch(ctx context.Context, events []types.Event) ([]types.ItemResult, error) {
	results := make([]types.ItemResult, len(events))
	bodies := make([][]byte, 0, len(events))
	index := make([]int, 0, len(events))
	for i, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			results[i].Err = Permanent(fmt.Errorf("failed to marshal event: %w", err))
			continue
		}
		bodies = append(bodies, body)
		index = append(index, i)
	}
	if len(bodies) == 0 {
		return results, nil
	}

	published, err := p.queue.PublishBatch(ctx, bodies)
	if err != nil {
		return nil, fmt.Errorf("queue batch publish failed: %w", err)
	}
	if len(published) != len(bodies) {
		return nil, fmt.Errorf("queue returned %d results for %d messages", len(published), len(bodies))
	}
	for j, res := range published {
		results[index[j]] = res
	}
	p.logger.Debug().Int("batch_size", len(bodies)).Msg("Published event batch.")
	return results, nil
}
