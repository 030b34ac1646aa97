package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/illmade-knight/go-campaignflow/pkg/microservice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Flusher is the part of the publisher the service drains on shutdown.
type Flusher interface {
	Shutdown(ctx context.Context) error
}

// Service runs the collector's HTTP server.
type Service struct {
	*microservice.BaseServer
	publisher Flusher
	logger    zerolog.Logger
}

var _ microservice.Service = (*Service)(nil)

// NewService mounts handler and a /metrics endpoint for gatherer on a new
// BaseServer. publisher is flushed when the service shuts down.
func NewService(port string, handler *Handler, publisher Flusher, gatherer prometheus.Gatherer, logger zerolog.Logger) (*Service, error) {
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	base := microservice.NewBaseServer(logger, port)
	handler.Register(base.Mux())
	if gatherer != nil {
		base.Mux().Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return &Service{
		BaseServer: base,
		publisher:  publisher,
		logger:     logger.With().Str("component", "CollectorService").Logger(),
	}, nil
}

// Start begins serving.
func (s *Service) Start(_ context.Context) error {
	s.logger.Info().Msg("Starting collector service...")
	return s.BaseServer.Start()
}

// Shutdown stops accepting requests, then flushes buffered events.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down collector service...")
	var errs []error
	if err := s.BaseServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if s.publisher != nil {
		if err := s.publisher.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publisher flush: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Handler returns the service's HTTP handler, for tests.
func (s *Service) Handler() http.Handler { return s.Mux() }
