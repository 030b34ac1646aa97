package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/rs/zerolog"
)

// State is the progress of a single message through the item pipeline.
type State int

const (
	StateReceived State = iota
	StateParsed
	StateRawPersisted
	StateNormalized
	StateNormalizedPersisted
	StateAcknowledged
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateParsed:
		return "parsed"
	case StateRawPersisted:
		return "raw_persisted"
	case StateNormalized:
		return "normalized"
	case StateNormalizedPersisted:
		return "normalized_persisted"
	case StateAcknowledged:
		return "acknowledged"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DualSinkConfig holds the configuration for a DualSinkPipeline.
type DualSinkConfig struct {
	// AckAttempts is how many times a queue delete is tried.
	AckAttempts int
	// AckBackoff is the wait before the second delete attempt; it doubles after
	// each further failure.
	AckBackoff time.Duration
}

// NewDualSinkDefaults provides a config with sensible defaults.
func NewDualSinkDefaults() DualSinkConfig {
	return DualSinkConfig{
		AckAttempts: 3,
		AckBackoff:  100 * time.Millisecond,
	}
}

// DualSinkOption configures optional collaborators of a DualSinkPipeline.
type DualSinkOption func(*DualSinkPipeline)

// WithProcessedMarker skips the stores for messages already marked as fully
// processed.
func WithProcessedMarker(m ProcessedMarker) DualSinkOption {
	return func(p *DualSinkPipeline) { p.marker = m }
}

// WithClock replaces the clock used for RawRecord.ReceivedAt.
func WithClock(now func() time.Time) DualSinkOption {
	return func(p *DualSinkPipeline) { p.now = now }
}

// DualSinkPipeline takes one queue message through parse, raw persist,
// normalize, normalized persist and delete. The message is deleted only when
// every earlier step has succeeded; any failure leaves it on the queue to be
// redelivered after its visibility timeout.
type DualSinkPipeline struct {
	cfg        DualSinkConfig
	raw        RawStore
	normalizer EventNormalizer
	normalized NormalizedStore
	acker      Acknowledger
	marker     ProcessedMarker
	stats      *Stats
	now        func() time.Time
	logger     zerolog.Logger
}

// NewDualSinkPipeline creates a DualSinkPipeline. stats may be nil, in which
// case the pipeline keeps its own.
func NewDualSinkPipeline(
	cfg DualSinkConfig,
	raw RawStore,
	normalizer EventNormalizer,
	normalized NormalizedStore,
	acker Acknowledger,
	stats *Stats,
	logger zerolog.Logger,
	opts ...DualSinkOption,
) (*DualSinkPipeline, error) {
	if raw == nil || normalized == nil {
		return nil, errors.New("raw and normalized stores cannot be nil")
	}
	if normalizer == nil {
		return nil, errors.New("normalizer cannot be nil")
	}
	if acker == nil {
		return nil, errors.New("acknowledger cannot be nil")
	}
	if cfg.AckAttempts <= 0 {
		cfg.AckAttempts = 1
	}
	if stats == nil {
		stats = NewStats()
	}
	p := &DualSinkPipeline{
		cfg:        cfg,
		raw:        raw,
		normalizer: normalizer,
		normalized: normalized,
		acker:      acker,
		stats:      stats,
		now:        time.Now,
		logger:     logger.With().Str("component", "DualSinkPipeline").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Stats returns the pipeline's counters.
func (p *DualSinkPipeline) Stats() *Stats { return p.stats }

// Handle adapts Process to a MessageHandler.
func (p *DualSinkPipeline) Handle(ctx context.Context, msg types.QueueMessage) error {
	_, err := p.Process(ctx, msg)
	return err
}

// Process runs one message through the pipeline and returns the state it
// finished in. On failure the error is a *PipelineError naming the stage.
func (p *DualSinkPipeline) Process(ctx context.Context, msg types.QueueMessage) (State, error) {
	p.stats.received.Add(1)
	logger := p.logger.With().Str("msg_id", msg.MessageID).Logger()

	event, err := parseEvent(msg.Body)
	if err != nil {
		return p.fail(ctx, logger, KindValidation, StateReceived, msg, err)
	}
	p.stats.parsed.Add(1)

	record := types.RawRecord{
		Event:      event,
		MessageID:  msg.MessageID,
		ReceivedAt: p.now().UTC(),
	}
	logger = logger.With().Str("source", event.Source).Str("record_key", record.Key()).Logger()

	if p.marker != nil {
		done, err := p.marker.IsProcessed(ctx, record.Key())
		if err != nil {
			logger.Warn().Err(err).Msg("Processed-marker lookup failed, processing normally.")
		} else if done {
			p.stats.duplicates.Add(1)
			logger.Debug().Msg("Message already processed, acknowledging only.")
			return p.acknowledge(ctx, logger, StateNormalizedPersisted, msg)
		}
	}

	if _, err := p.raw.Insert(ctx, record); err != nil {
		return p.fail(ctx, logger, KindRawWrite, StateParsed, msg, err)
	}
	p.stats.rawPersisted.Add(1)

	normalized, err := p.normalizer.Normalize(record)
	if err != nil {
		return p.fail(ctx, logger, KindNormalization, StateRawPersisted, msg, err)
	}
	normalized.RecordKey = record.Key()
	p.stats.normalized.Add(1)

	if _, err := p.normalized.Insert(ctx, normalized); err != nil {
		return p.fail(ctx, logger, KindNormalizedWrite, StateNormalized, msg, err)
	}
	p.stats.normalizedPersisted.Add(1)

	if p.marker != nil {
		if err := p.marker.MarkProcessed(ctx, record.Key()); err != nil {
			logger.Warn().Err(err).Msg("Failed to mark message as processed.")
		}
	}

	return p.acknowledge(ctx, logger, StateNormalizedPersisted, msg)
}

func (p *DualSinkPipeline) acknowledge(ctx context.Context, logger zerolog.Logger, reached State, msg types.QueueMessage) (State, error) {
	backoff := p.cfg.AckBackoff
	var err error
	for attempt := 1; attempt <= p.cfg.AckAttempts; attempt++ {
		if err = p.acker.Delete(ctx, msg.AckToken); err == nil {
			p.stats.acknowledged.Add(1)
			logger.Debug().Msg("Message processed and deleted.")
			return StateAcknowledged, nil
		}
		if attempt == p.cfg.AckAttempts {
			break
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("Queue delete failed, retrying.")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
			return p.fail(ctx, logger, KindTransientQueue, reached, msg, err)
		}
		backoff *= 2
	}
	return p.fail(ctx, logger, KindTransientQueue, reached, msg, err)
}

// fail records the failure unless the message's deadline has already expired,
// in which case the poller accounts for it as a timeout.
func (p *DualSinkPipeline) fail(ctx context.Context, logger zerolog.Logger, kind ErrorKind, reached State, msg types.QueueMessage, err error) (State, error) {
	pErr := newPipelineError(kind, reached, msg.MessageID, err)
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		p.stats.recordFailure(kind)
	}
	ev := logger.Error()
	if kind == KindNormalizedWrite {
		ev = ev.Bool("reconciliation_needed", true)
	}
	ev.Err(err).Str("kind", kind.String()).Str("stage", reached.String()).Msg("Message processing failed, leaving it on the queue.")
	return StateFailed, pErr
}

func parseEvent(body string) (types.Event, error) {
	event, err := types.DecodeEvent(strings.NewReader(body))
	if err != nil {
		return types.Event{}, fmt.Errorf("malformed message body: %w", err)
	}
	if event.Source == "" {
		return types.Event{}, errors.New("event source is required")
	}
	if event.Payload == nil {
		return types.Event{}, errors.New("event payload is required")
	}
	return event, nil
}
