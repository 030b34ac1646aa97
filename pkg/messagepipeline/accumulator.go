package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/rs/zerolog"
)

// AccumulatorConfig holds the configuration for an Accumulator.
type AccumulatorConfig struct {
	// MaxBatchSize is the item count that triggers an immediate flush.
	MaxBatchSize int
	// SinkLimit is the hard per-call limit of the sink (10 for a queue batch
	// publish). MaxBatchSize is clamped to it.
	SinkLimit int
	// FlushInterval is measured from the first item added to an empty buffer.
	FlushInterval time.Duration
	// FlushTimeout bounds a single sink call.
	FlushTimeout time.Duration
	// MaxFlushAttempts is how many times an item is offered to the sink before
	// its failure is reported to the caller.
	MaxFlushAttempts int
	// OnFlushError, when set, is called after every failed batch operation with
	// the error and the number of items affected.
	OnFlushError func(err error, items int)
}

// NewAccumulatorDefaults returns a config sized for a queue batch publish.
func NewAccumulatorDefaults() AccumulatorConfig {
	return AccumulatorConfig{
		MaxBatchSize:     10,
		SinkLimit:        10,
		FlushInterval:    time.Second,
		FlushTimeout:     30 * time.Second,
		MaxFlushAttempts: 3,
	}
}

// BatchSink delivers a batch. A returned error fails every item in the batch;
// otherwise the results carry one outcome per item, in order.
type BatchSink[T any] func(ctx context.Context, items []T) ([]types.ItemResult, error)

// BatchItem is the pending handle for a value submitted to an Accumulator.
// It is resolved exactly once, with the sink-assigned id or an error.
type BatchItem[T any] struct {
	Value T

	attempts int // guarded by the owning accumulator's mutex
	once     sync.Once
	done     chan struct{}
	id       string
	err      error
}

func newBatchItem[T any](v T) *BatchItem[T] {
	return &BatchItem[T]{Value: v, done: make(chan struct{})}
}

func (b *BatchItem[T]) resolve(id string, err error) {
	b.once.Do(func() {
		b.id = id
		b.err = err
		close(b.done)
	})
}

// Done is closed when the item has been resolved.
func (b *BatchItem[T]) Done() <-chan struct{} { return b.done }

// ID returns the sink-assigned id. Only valid after Done is closed.
func (b *BatchItem[T]) ID() string { return b.id }

// Err returns the item's failure. Only valid after Done is closed.
func (b *BatchItem[T]) Err() error { return b.err }

// Wait blocks until the item is resolved or ctx is done.
func (b *BatchItem[T]) Wait(ctx context.Context) (string, error) {
	select {
	case <-b.done:
		return b.id, b.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// AccumulatorSnapshot is a point-in-time view of an accumulator's counters.
type AccumulatorSnapshot struct {
	Pending        int
	BatchesFlushed int64
	ItemsFlushed   int64
	FlushFailures  int64
	ItemsFailed    int64
	MaxBatchSize   int
	FlushInterval  time.Duration
}

// Accumulator coalesces submitted values into batches and hands each batch to
// a sink. A batch is flushed when it reaches MaxBatchSize or when FlushInterval
// has elapsed since the first item entered an empty buffer, whichever comes
// first. Flushes run through a Gate, so a full gate applies backpressure to
// the submitter that triggered the flush.
//
// Failed items are placed back at the front of the buffer and retried on the
// next flush, up to MaxFlushAttempts, after which the failure is reported
// through the item's handle. No accepted item is dropped without its handle
// being resolved.
type Accumulator[T any] struct {
	cfg    AccumulatorConfig
	sink   BatchSink[T]
	gate   *Gate
	logger zerolog.Logger

	mu       sync.Mutex
	buffer   []*BatchItem[T]
	timer    *time.Timer
	timerGen uint64
	closed   bool

	flushWg sync.WaitGroup

	batches       atomic.Int64
	itemsFlushed  atomic.Int64
	flushFailures atomic.Int64
	itemsFailed   atomic.Int64
}

// NewAccumulator creates an Accumulator. If gate is nil the accumulator gets a
// private gate allowing a single flush at a time.
func NewAccumulator[T any](
	cfg AccumulatorConfig,
	sink BatchSink[T],
	gate *Gate,
	logger zerolog.Logger,
) (*Accumulator[T], error) {
	if sink == nil {
		return nil, errors.New("batch sink cannot be nil")
	}
	if cfg.SinkLimit <= 0 {
		cfg.SinkLimit = cfg.MaxBatchSize
	}
	if cfg.SinkLimit <= 0 {
		return nil, errors.New("either MaxBatchSize or SinkLimit must be positive")
	}
	logger = logger.With().Str("component", "Accumulator").Logger()
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > cfg.SinkLimit {
		logger.Warn().
			Int("requested_batch_size", cfg.MaxBatchSize).
			Int("sink_limit", cfg.SinkLimit).
			Msg("MaxBatchSize outside sink limit; clamping.")
		cfg.MaxBatchSize = cfg.SinkLimit
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 30 * time.Second
	}
	if cfg.MaxFlushAttempts <= 0 {
		cfg.MaxFlushAttempts = 1
	}
	if gate == nil {
		gate = NewGate(1)
	}
	return &Accumulator[T]{
		cfg:    cfg,
		sink:   sink,
		gate:   gate,
		logger: logger,
	}, nil
}

// Submit adds value to the current batch and returns its pending handle. If the
// value fills the batch, the flush is dispatched before Submit returns, which
// blocks while the gate is full. An error from that dispatch (ctx cancelled
// while waiting for a slot) leaves the batch buffered for the next flush.
func (a *Accumulator[T]) Submit(ctx context.Context, value T) (*BatchItem[T], error) {
	item := newBatchItem(value)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrAccumulatorClosed
	}
	a.buffer = append(a.buffer, item)
	if len(a.buffer) < a.cfg.MaxBatchSize {
		if a.timer == nil {
			a.armTimerLocked()
		}
		a.mu.Unlock()
		return item, nil
	}
	batch := a.swapLocked()
	a.flushWg.Add(1)
	a.mu.Unlock()
	defer a.flushWg.Done()

	if _, err := a.dispatch(ctx, batch); err != nil {
		return item, err
	}
	return item, nil
}

// Flush sends everything currently buffered and waits for the result. The
// buffer is split into chunks of at most MaxBatchSize, one gated batch
// operation per chunk. Once Shutdown has begun, Flush returns
// ErrAccumulatorClosed and the final flush is left to Shutdown.
func (a *Accumulator[T]) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAccumulatorClosed
	}
	batch := a.swapLocked()
	if len(batch) == 0 {
		a.mu.Unlock()
		return nil
	}
	a.flushWg.Add(1)
	a.mu.Unlock()
	defer a.flushWg.Done()

	return a.flushBatch(ctx, batch)
}

func (a *Accumulator[T]) flushBatch(ctx context.Context, batch []*BatchItem[T]) error {
	round, err := a.dispatch(ctx, batch)
	return errors.Join(err, round.wait())
}

// SetFlushInterval changes the timer interval. An armed timer is cancelled
// and re-armed with the new interval starting now.
func (a *Accumulator[T]) SetFlushInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.FlushInterval = d
	if a.timer != nil {
		a.stopTimerLocked()
		a.armTimerLocked()
	}
	a.logger.Info().Dur("flush_interval", d).Msg("Flush interval updated.")
}

// SetMaxBatchSize changes the size trigger for subsequent submits. The value is
// clamped into [1, SinkLimit].
func (a *Accumulator[T]) SetMaxBatchSize(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n < 1 {
		n = 1
	}
	if n > a.cfg.SinkLimit {
		n = a.cfg.SinkLimit
	}
	a.cfg.MaxBatchSize = n
	a.logger.Info().Int("max_batch_size", n).Msg("Max batch size updated.")
}

// Shutdown stops accepting new items, waits for in-flight flushes, and flushes
// whatever remains until the buffer is empty. Items still buffered when ctx
// expires are resolved with the context error.
func (a *Accumulator[T]) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.stopTimerLocked()
	a.mu.Unlock()

	a.logger.Info().Msg("Shutting down accumulator, flushing remaining items...")

	var flushErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.flushWg.Wait()
		for {
			if err := ctx.Err(); err != nil {
				a.failPending(err)
				return
			}
			a.mu.Lock()
			batch := a.swapLocked()
			a.mu.Unlock()
			if len(batch) == 0 {
				return
			}
			if err := a.flushBatch(ctx, batch); err != nil {
				flushErr = err
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for final flush.")
		return ctx.Err()
	}
	if flushErr != nil {
		a.logger.Warn().Err(flushErr).Msg("Final flush completed with failures.")
		return flushErr
	}
	a.logger.Info().Msg("Accumulator shut down.")
	return nil
}

// Snapshot returns the accumulator's current counters.
func (a *Accumulator[T]) Snapshot() AccumulatorSnapshot {
	a.mu.Lock()
	pending := len(a.buffer)
	size := a.cfg.MaxBatchSize
	interval := a.cfg.FlushInterval
	a.mu.Unlock()
	return AccumulatorSnapshot{
		Pending:        pending,
		BatchesFlushed: a.batches.Load(),
		ItemsFlushed:   a.itemsFlushed.Load(),
		FlushFailures:  a.flushFailures.Load(),
		ItemsFailed:    a.itemsFailed.Load(),
		MaxBatchSize:   size,
		FlushInterval:  interval,
	}
}

// swapLocked takes the whole buffer and leaves an empty one in its place.
func (a *Accumulator[T]) swapLocked() []*BatchItem[T] {
	batch := a.buffer
	a.buffer = nil
	a.stopTimerLocked()
	return batch
}

func (a *Accumulator[T]) armTimerLocked() {
	a.timerGen++
	gen := a.timerGen
	a.timer = time.AfterFunc(a.cfg.FlushInterval, func() { a.onTimer(gen) })
}

// stopTimerLocked cancels the armed timer. Bumping the generation also
// discards a firing that has already started but not yet taken the lock.
func (a *Accumulator[T]) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.timerGen++
}

func (a *Accumulator[T]) onTimer(gen uint64) {
	a.mu.Lock()
	if gen != a.timerGen || a.closed {
		a.mu.Unlock()
		return
	}
	batch := a.swapLocked()
	if len(batch) == 0 {
		a.mu.Unlock()
		return
	}
	a.flushWg.Add(1)
	a.mu.Unlock()
	defer a.flushWg.Done()

	a.logger.Debug().Int("batch_size", len(batch)).Msg("Flush interval elapsed, flushing batch.")
	if _, err := a.dispatch(context.Background(), batch); err != nil {
		a.logger.Error().Err(err).Msg("Timed flush could not be dispatched.")
	}
}

// flushRound collects the outcome of the chunks launched by one dispatch.
type flushRound struct {
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

func (r *flushRound) add(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *flushRound) wait() error {
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}

// dispatch launches one gated batch operation per chunk. It blocks only while
// waiting for gate slots. If a slot cannot be obtained the remaining items go
// back into the buffer without counting an attempt.
func (a *Accumulator[T]) dispatch(ctx context.Context, batch []*BatchItem[T]) (*flushRound, error) {
	round := &flushRound{}
	a.mu.Lock()
	size := a.cfg.MaxBatchSize
	a.mu.Unlock()
	for start := 0; start < len(batch); start += size {
		chunk := batch[start:min(start+size, len(batch))]
		if err := a.gate.Acquire(ctx); err != nil {
			a.requeue(batch[start:], nil)
			return round, fmt.Errorf("waiting for flush slot: %w", err)
		}
		a.flushWg.Add(1)
		round.wg.Add(1)
		go func() {
			defer round.wg.Done()
			defer a.flushWg.Done()
			defer a.gate.Release()
			if err := a.runBatch(chunk); err != nil {
				round.add(err)
			}
		}()
	}
	return round, nil
}

func (a *Accumulator[T]) runBatch(chunk []*BatchItem[T]) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.FlushTimeout)
	defer cancel()

	values := make([]T, len(chunk))
	for i, item := range chunk {
		values[i] = item.Value
	}

	a.logger.Debug().Int("batch_size", len(chunk)).Msg("Flushing batch.")
	results, err := a.sink(ctx, values)
	if err == nil && len(results) != len(chunk) {
		err = fmt.Errorf("sink returned %d results for %d items", len(results), len(chunk))
	}
	if err != nil {
		a.flushFailures.Add(1)
		a.logger.Error().Err(err).Int("batch_size", len(chunk)).Msg("Batch flush failed, re-queueing items.")
		errs := make([]error, len(chunk))
		for i := range errs {
			errs[i] = err
		}
		a.requeue(chunk, errs)
		a.reportFailure(err, len(chunk))
		return err
	}
	a.batches.Add(1)

	var failed []*BatchItem[T]
	var failedErrs []error
	for i, item := range chunk {
		if results[i].Err != nil {
			failed = append(failed, item)
			failedErrs = append(failedErrs, results[i].Err)
			continue
		}
		item.resolve(results[i].ID, nil)
	}
	a.itemsFlushed.Add(int64(len(chunk) - len(failed)))
	if len(failed) == 0 {
		return nil
	}

	a.flushFailures.Add(1)
	err = fmt.Errorf("%d of %d items failed: %w", len(failed), len(chunk), failedErrs[0])
	a.logger.Warn().Err(err).Msg("Partial batch failure, re-queueing failed items.")
	a.requeue(failed, failedErrs)
	a.reportFailure(err, len(failed))
	return err
}

// requeue puts items back at the front of the buffer. When errs is non-nil the
// items have been attempted: each one's attempt count is incremented and items
// that are out of attempts, or whose error is permanent, are resolved with
// their error instead.
func (a *Accumulator[T]) requeue(items []*BatchItem[T], errs []error) {
	var retry []*BatchItem[T]
	var exhausted []*BatchItem[T]
	var exhaustedErrs []error

	a.mu.Lock()
	for i, item := range items {
		if errs != nil {
			item.attempts++
			if IsPermanent(errs[i]) || item.attempts >= a.cfg.MaxFlushAttempts {
				exhausted = append(exhausted, item)
				exhaustedErrs = append(exhaustedErrs, errs[i])
				continue
			}
		}
		retry = append(retry, item)
	}
	if len(retry) > 0 {
		a.buffer = append(retry, a.buffer...)
		if a.timer == nil && !a.closed {
			a.armTimerLocked()
		}
	}
	a.mu.Unlock()

	for i, item := range exhausted {
		item.resolve("", exhaustedErrs[i])
	}
	if len(exhausted) > 0 {
		a.itemsFailed.Add(int64(len(exhausted)))
		a.logger.Error().Int("item_count", len(exhausted)).Msg("Items out of flush attempts, failure reported to submitters.")
	}
}

func (a *Accumulator[T]) failPending(err error) {
	a.mu.Lock()
	batch := a.buffer
	a.buffer = nil
	a.mu.Unlock()
	for _, item := range batch {
		item.resolve("", err)
	}
	if len(batch) > 0 {
		a.itemsFailed.Add(int64(len(batch)))
		a.logger.Error().Err(err).Int("item_count", len(batch)).Msg("Shutdown deadline reached with items still buffered.")
	}
}

func (a *Accumulator[T]) reportFailure(err error, n int) {
	if a.cfg.OnFlushError != nil {
		a.cfg.OnFlushError(err, n)
	}
}
