package normalizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/illmade-knight/go-campaignflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-campaignflow/pkg/microservice"
	"github.com/illmade-knight/go-campaignflow/pkg/observability"
	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// ServiceConfig holds the consumer process settings.
type ServiceConfig struct {
	HTTPPort string
	Poller   messagepipeline.PollerConfig
	DualSink messagepipeline.DualSinkConfig
	// Writes holds the accumulator settings shared by both store writers.
	Writes messagepipeline.AccumulatorConfig
	// MaxConcurrentWrites bounds store batches in flight across both writers.
	MaxConcurrentWrites int
}

// ServiceDeps are the external systems the service runs against.
type ServiceDeps struct {
	Queue      messagepipeline.QueueReceiver
	Raw        messagepipeline.ManyInserter[types.RawRecord]
	Normalized messagepipeline.ManyInserter[types.NormalizedEvent]
	Normalizer messagepipeline.EventNormalizer
	// Marker is optional.
	Marker messagepipeline.ProcessedMarker
	// Registry is optional; when set the pipeline metrics are registered on it
	// and served on /metrics.
	Registry *prometheus.Registry
}

// Service is the consumer process: a QueuePoller feeding a DualSinkPipeline
// whose store writes are batched behind a shared Gate.
type Service struct {
	*microservice.BaseServer
	poller     *messagepipeline.QueuePoller
	pipeline   *messagepipeline.DualSinkPipeline
	gate       *messagepipeline.Gate
	rawWriter  *messagepipeline.BatchedWriter[types.RawRecord]
	normWriter *messagepipeline.BatchedWriter[types.NormalizedEvent]
	logger     zerolog.Logger
}

var _ microservice.Service = (*Service)(nil)

// NewService assembles the consumer pipeline.
func NewService(cfg ServiceConfig, deps ServiceDeps, logger zerolog.Logger) (*Service, error) {
	if deps.Queue == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if deps.Raw == nil || deps.Normalized == nil {
		return nil, errors.New("raw and normalized stores cannot be nil")
	}

	gate := messagepipeline.NewGate(cfg.MaxConcurrentWrites)
	rawWriter, err := messagepipeline.NewBatchedWriter[types.RawRecord](cfg.Writes, deps.Raw, gate, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create raw writer: %w", err)
	}
	normWriter, err := messagepipeline.NewBatchedWriter[types.NormalizedEvent](cfg.Writes, deps.Normalized, gate, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create normalized writer: %w", err)
	}

	stats := messagepipeline.NewStats()
	var opts []messagepipeline.DualSinkOption
	if deps.Marker != nil {
		opts = append(opts, messagepipeline.WithProcessedMarker(deps.Marker))
	}
	pipeline, err := messagepipeline.NewDualSinkPipeline(cfg.DualSink, rawWriter, deps.Normalizer, normWriter, deps.Queue, stats, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	poller, err := messagepipeline.NewQueuePoller(cfg.Poller, deps.Queue, pipeline.Handle, stats, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create poller: %w", err)
	}

	s := &Service{
		BaseServer: microservice.NewBaseServer(logger, cfg.HTTPPort),
		poller:     poller,
		pipeline:   pipeline,
		gate:       gate,
		rawWriter:  rawWriter,
		normWriter: normWriter,
		logger:     logger.With().Str("component", "NormalizerService").Logger(),
	}
	s.Mux().HandleFunc("GET /stats", s.handleStats)
	s.AddReadinessCheck("poller", func(context.Context) error {
		if poller.State() != messagepipeline.Running {
			return errors.New("poller is not running")
		}
		return nil
	})

	if deps.Registry != nil {
		metrics := observability.NewPipelineCollector("campaignflow")
		metrics.SetStats(stats)
		metrics.AddAccumulator("raw_writes", rawWriter)
		metrics.AddAccumulator("normalized_writes", normWriter)
		metrics.AddGate("store_writes", gate)
		if err := deps.Registry.Register(metrics); err != nil {
			return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
		}
		s.Mux().Handle("GET /metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}
	return s, nil
}

// Start launches the HTTP server and the poller. Cancelling ctx does not
// interrupt message handling; Shutdown is the only way the poller stops.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info().Msg("Starting normalizer service...")
	if err := s.BaseServer.Start(); err != nil {
		return err
	}
	return s.poller.Start(context.WithoutCancel(ctx))
}

// Shutdown stops receiving, lets in-flight messages finish, flushes the store
// writers and finally stops the HTTP server.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down normalizer service...")
	var errs []error
	if err := s.poller.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("poller: %w", err))
	}
	if err := s.rawWriter.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("raw writer: %w", err))
	}
	if err := s.normWriter.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("normalized writer: %w", err))
	}
	if err := s.BaseServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	snap := s.pipeline.Stats().Snapshot()
	s.logger.Info().
		Int64("acknowledged", snap.Acknowledged).
		Int64("errors", snap.Errors()).
		Int64("reconciliation_needed", snap.ReconciliationNeeded()).
		Msg("Normalizer service stopped.")
	return errors.Join(errs...)
}

// Stats returns the pipeline counters.
func (s *Service) Stats() messagepipeline.StatsSnapshot { return s.pipeline.Stats().Snapshot() }

type serviceStats struct {
	messagepipeline.StatsSnapshot
	Errors               int64   `json:"errors"`
	SuccessRate          float64 `json:"successRate"`
	EventsPerSecond      float64 `json:"eventsPerSecond"`
	ReconciliationNeeded int64   `json:"reconciliationNeeded"`
	WritesInFlight       int     `json:"writesInFlight"`
	PeakWritesInFlight   int     `json:"peakWritesInFlight"`
	PollerState          string  `json:"pollerState"`
}

func (s *Service) handleStats(w http.ResponseWriter, _ *http.Request) {
	snap := s.pipeline.Stats().Snapshot()
	microservice.WriteJSON(w, http.StatusOK, serviceStats{
		StatsSnapshot:        snap,
		Errors:               snap.Errors(),
		SuccessRate:          snap.SuccessRate(),
		EventsPerSecond:      snap.EventsPerSecond(),
		ReconciliationNeeded: snap.ReconciliationNeeded(),
		WritesInFlight:       s.gate.InFlight(),
		PeakWritesInFlight:   s.gate.Peak(),
		PollerState:          s.poller.State().String(),
	})
}
