package messagepipeline

import (
	"sync/atomic"
	"time"
)

// Stats holds the counters of one pipeline instance. It is safe for
// concurrent use; readers take a Snapshot.
type Stats struct {
	startedAt time.Time

	received            atomic.Int64
	parsed              atomic.Int64
	rawPersisted        atomic.Int64
	normalized          atomic.Int64
	normalizedPersisted atomic.Int64
	acknowledged        atomic.Int64
	duplicates          atomic.Int64

	validationFailures      atomic.Int64
	rawWriteFailures        atomic.Int64
	normalizationFailures   atomic.Int64
	normalizedWriteFailures atomic.Int64
	ackFailures             atomic.Int64
	timeouts                atomic.Int64
	receiveErrors           atomic.Int64
	inFlight                atomic.Int64
}

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return &Stats{startedAt: time.Now()}
}

func (s *Stats) recordFailure(kind ErrorKind) {
	switch kind {
	case KindValidation:
		s.validationFailures.Add(1)
	case KindRawWrite:
		s.rawWriteFailures.Add(1)
	case KindNormalization:
		s.normalizationFailures.Add(1)
	case KindNormalizedWrite:
		s.normalizedWriteFailures.Add(1)
	case KindTransientQueue:
		s.ackFailures.Add(1)
	case KindProcessingTimeout:
		s.timeouts.Add(1)
	}
}

// StatsSnapshot is an immutable copy of Stats at one point in time.
type StatsSnapshot struct {
	Received            int64 `json:"received"`
	Parsed              int64 `json:"parsed"`
	RawPersisted        int64 `json:"rawPersisted"`
	Normalized          int64 `json:"normalized"`
	NormalizedPersisted int64 `json:"normalizedPersisted"`
	Acknowledged        int64 `json:"acknowledged"`
	Duplicates          int64 `json:"duplicates"`

	ValidationFailures      int64 `json:"validationFailures"`
	RawWriteFailures        int64 `json:"rawWriteFailures"`
	NormalizationFailures   int64 `json:"normalizationFailures"`
	NormalizedWriteFailures int64 `json:"normalizedWriteFailures"`
	AckFailures             int64 `json:"ackFailures"`
	Timeouts                int64 `json:"timeouts"`
	ReceiveErrors           int64 `json:"receiveErrors"`
	InFlight                int64 `json:"inFlight"`

	Uptime time.Duration `json:"uptime"`
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Received:                s.received.Load(),
		Parsed:                  s.parsed.Load(),
		RawPersisted:            s.rawPersisted.Load(),
		Normalized:              s.normalized.Load(),
		NormalizedPersisted:     s.normalizedPersisted.Load(),
		Acknowledged:            s.acknowledged.Load(),
		Duplicates:              s.duplicates.Load(),
		ValidationFailures:      s.validationFailures.Load(),
		RawWriteFailures:        s.rawWriteFailures.Load(),
		NormalizationFailures:   s.normalizationFailures.Load(),
		NormalizedWriteFailures: s.normalizedWriteFailures.Load(),
		AckFailures:             s.ackFailures.Load(),
		Timeouts:                s.timeouts.Load(),
		ReceiveErrors:           s.receiveErrors.Load(),
		InFlight:                s.inFlight.Load(),
		Uptime:                  time.Since(s.startedAt),
	}
}

// Errors is the number of messages that ended in a failure state.
func (s StatsSnapshot) Errors() int64 {
	return s.ValidationFailures + s.RawWriteFailures + s.NormalizationFailures +
		s.NormalizedWriteFailures + s.AckFailures + s.Timeouts
}

// ReconciliationNeeded counts raw records written without their normalized
// counterpart.
func (s StatsSnapshot) ReconciliationNeeded() int64 {
	return s.NormalizedWriteFailures
}

// SuccessRate is acknowledged messages as a fraction of finished ones.
func (s StatsSnapshot) SuccessRate() float64 {
	finished := s.Acknowledged + s.Errors()
	if finished == 0 {
		return 0
	}
	return float64(s.Acknowledged) / float64(finished)
}

// EventsPerSecond is the acknowledged rate over the instance's lifetime.
func (s StatsSnapshot) EventsPerSecond() float64 {
	secs := s.Uptime.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(s.Acknowledged) / secs
}
