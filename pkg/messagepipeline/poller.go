package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/rs/zerolog"
)

// receiveLimit is the largest batch a single receive may request.
const receiveLimit = 10

// PollerConfig holds configuration for a QueuePoller.
type PollerConfig struct {
	WorkerCount         int
	MaxMessagesPerBatch int
	// WaitTime is the long-poll duration of a receive.
	WaitTime time.Duration
	// VisibilityTimeout hides a received message from other receivers.
	VisibilityTimeout time.Duration
	// PollingInterval is the pause after an empty receive and the base of the
	// backoff after a failed one.
	PollingInterval time.Duration
	// ProcessingTimeout bounds the handling of a single message.
	ProcessingTimeout time.Duration
	MaxErrorBackoff   time.Duration
}

// NewPollerDefaults provides a config with sensible defaults.
func NewPollerDefaults() PollerConfig {
	return PollerConfig{
		WorkerCount:         3,
		MaxMessagesPerBatch: 10,
		WaitTime:            20 * time.Second,
		VisibilityTimeout:   30 * time.Second,
		PollingInterval:     time.Second,
		ProcessingTimeout:   25 * time.Second,
		MaxErrorBackoff:     30 * time.Second,
	}
}

// RunState is the lifecycle state of a QueuePoller.
type RunState int

const (
	Stopped RunState = iota
	Running
)

func (s RunState) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// QueuePoller runs WorkerCount independent loops, each receiving a batch from
// the queue and dispatching every message in it concurrently to the handler.
// A loop waits for all outcomes of a batch before it receives again.
type QueuePoller struct {
	cfg      PollerConfig
	receiver QueueReceiver
	handler  MessageHandler
	stats    *Stats
	logger   zerolog.Logger

	mu            sync.Mutex
	state         RunState
	stopCh        chan struct{}
	cancelReceive context.CancelFunc
	wg            sync.WaitGroup
}

// NewQueuePoller creates a QueuePoller. stats may be shared with the handler's
// pipeline so one snapshot covers both.
func NewQueuePoller(
	cfg PollerConfig,
	receiver QueueReceiver,
	handler MessageHandler,
	stats *Stats,
	logger zerolog.Logger,
) (*QueuePoller, error) {
	if receiver == nil {
		return nil, errors.New("queue receiver cannot be nil")
	}
	if handler == nil {
		return nil, errors.New("message handler cannot be nil")
	}
	logger = logger.With().Str("component", "QueuePoller").Logger()
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.MaxMessagesPerBatch <= 0 || cfg.MaxMessagesPerBatch > receiveLimit {
		logger.Warn().Int("requested", cfg.MaxMessagesPerBatch).Int("limit", receiveLimit).Msg("MaxMessagesPerBatch outside receive limit; clamping.")
		cfg.MaxMessagesPerBatch = receiveLimit
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = time.Second
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 25 * time.Second
	}
	if cfg.MaxErrorBackoff < cfg.PollingInterval {
		cfg.MaxErrorBackoff = cfg.PollingInterval
	}
	if stats == nil {
		stats = NewStats()
	}
	return &QueuePoller{
		cfg:      cfg,
		receiver: receiver,
		handler:  handler,
		stats:    stats,
		logger:   logger,
	}, nil
}

// State returns the current lifecycle state.
func (p *QueuePoller) State() RunState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start launches the worker loops. Calling Start on a running poller logs and
// returns without starting more loops. Cancelling ctx aborts in-flight work;
// Stop is the graceful path: it abandons pending receives and lets received
// messages finish.
func (p *QueuePoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Running {
		p.logger.Info().Msg("Poller already running.")
		return nil
	}
	p.state = Running
	p.stopCh = make(chan struct{})
	// Stop abandons pending long-polls but never the handling of a message
	// that has already been received.
	receiveCtx, cancel := context.WithCancel(ctx)
	p.cancelReceive = cancel

	p.logger.Info().Int("worker_count", p.cfg.WorkerCount).Msg("Starting queue poller...")
	p.wg.Add(p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		go p.worker(ctx, receiveCtx, i, p.stopCh)
	}
	return nil
}

// Stop asks every loop to exit after its current iteration and waits for them,
// respecting ctx's deadline. In-flight messages are allowed to finish.
func (p *QueuePoller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state == Stopped {
		p.mu.Unlock()
		return nil
	}
	p.logger.Info().Msg("Stopping queue poller...")
	close(p.stopCh)
	p.cancelReceive()
	p.state = Stopped
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for poller workers to finish.")
		return ctx.Err()
	}

	p.logger.Info().Msg("Queue poller stopped.")
	return nil
}

func (p *QueuePoller) worker(ctx, receiveCtx context.Context, workerID int, stopCh <-chan struct{}) {
	defer p.wg.Done()
	logger := p.logger.With().Int("worker_id", workerID).Logger()
	logger.Debug().Msg("Poller worker started.")

	backoff := p.cfg.PollingInterval
	for {
		select {
		case <-stopCh:
			logger.Debug().Msg("Poller worker stopping.")
			return
		case <-ctx.Done():
			logger.Info().Msg("Poller worker shutting down due to context cancellation.")
			return
		default:
		}

		msgs, err := p.receiver.ReceiveBatch(receiveCtx, p.cfg.MaxMessagesPerBatch, p.cfg.WaitTime, p.cfg.VisibilityTimeout)
		if err != nil {
			if receiveCtx.Err() != nil {
				return
			}
			p.stats.receiveErrors.Add(1)
			logger.Error().Err(err).Dur("backoff", backoff).Msg("Queue receive failed.")
			if !p.sleep(ctx, stopCh, backoff) {
				return
			}
			backoff = min(backoff*2, p.cfg.MaxErrorBackoff)
			continue
		}
		backoff = p.cfg.PollingInterval

		if len(msgs) == 0 {
			if !p.sleep(ctx, stopCh, p.cfg.PollingInterval) {
				return
			}
			continue
		}

		p.dispatchBatch(ctx, logger, msgs)
	}
}

// dispatchBatch handles all messages concurrently and waits for every outcome.
func (p *QueuePoller) dispatchBatch(ctx context.Context, logger zerolog.Logger, msgs []types.QueueMessage) {
	var wg sync.WaitGroup
	errs := make([]error, len(msgs))
	for i, msg := range msgs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.dispatch(ctx, msg)
		}()
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	logger.Info().
		Int("received", len(msgs)).
		Int("succeeded", len(msgs)-failed).
		Int("failed", failed).
		Msg("Batch processed.")
}

// dispatch races the handler against the processing timeout. When the timer
// wins the message counts as failed and stays on the queue.
func (p *QueuePoller) dispatch(ctx context.Context, msg types.QueueMessage) error {
	p.stats.inFlight.Add(1)
	defer p.stats.inFlight.Add(-1)

	msgCtx, cancel := context.WithTimeout(ctx, p.cfg.ProcessingTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.handler(msgCtx, msg) }()

	select {
	case err := <-done:
		return err
	case <-msgCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.stats.recordFailure(KindProcessingTimeout)
		err := newPipelineError(KindProcessingTimeout, StateReceived, msg.MessageID,
			fmt.Errorf("no outcome within %s", p.cfg.ProcessingTimeout))
		p.logger.Error().Err(err).Str("msg_id", msg.MessageID).Msg("Message processing timed out.")
		return err
	}
}

// sleep waits for d and reports false if the loop should exit instead.
func (p *QueuePoller) sleep(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
