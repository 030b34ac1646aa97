// Package collector is the HTTP ingestion boundary: it validates submitted
// events and hands them to the queue publisher.
package collector

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-campaignflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-campaignflow/pkg/microservice"
	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultMaxBodyBytes bounds a request body when no limit is configured.
const DefaultMaxBodyBytes int64 = 1 << 20

// CorrelationHeader carries the id assigned to each submission.
const CorrelationHeader = "X-Correlation-ID"

// Publisher is satisfied by *messagepipeline.EventPublisher.
type Publisher interface {
	Publish(ctx context.Context, event types.Event) (string, error)
}

// AccumulatorSource exposes the publisher's batching counters for /stats.
type AccumulatorSource interface {
	Snapshot() messagepipeline.AccumulatorSnapshot
}

// HandlerConfig holds the collector's HTTP settings.
type HandlerConfig struct {
	MaxBodyBytes int64
	// PublishTimeout bounds the wait for the queue to confirm an event.
	PublishTimeout time.Duration
}

// Handler serves POST /events and GET /stats.
type Handler struct {
	cfg       HandlerConfig
	publisher Publisher
	validator Validator
	batches   AccumulatorSource
	logger    zerolog.Logger
}

// NewHandler creates a Handler. batches may be nil, in which case /stats
// reports no batching counters.
func NewHandler(cfg HandlerConfig, publisher Publisher, validator Validator, batches AccumulatorSource, logger zerolog.Logger) (*Handler, error) {
	if publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	if validator == nil {
		validator = StructuralValidator{}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 30 * time.Second
	}
	return &Handler{
		cfg:       cfg,
		publisher: publisher,
		validator: validator,
		batches:   batches,
		logger:    logger.With().Str("component", "CollectorHandler").Logger(),
	}, nil
}

// Register mounts the handler's routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /events", h.handleEvent)
	mux.HandleFunc("GET /stats", h.handleStats)
}

type eventResponse struct {
	MessageID     string `json:"messageId,omitempty"`
	CorrelationID string `json:"correlationId"`
	Error         string `json:"error,omitempty"`
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()
	w.Header().Set(CorrelationHeader, correlationID)
	logger := h.logger.With().Str("correlation_id", correlationID).Logger()

	body := http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	event, err := types.DecodeEvent(body)
	if err != nil {
		msg := "request body must be a JSON event"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "request body too large"
		}
		logger.Warn().Err(err).Msg("Rejected undecodable event.")
		microservice.WriteJSON(w, http.StatusBadRequest, eventResponse{CorrelationID: correlationID, Error: msg})
		return
	}

	if err := h.validator.Validate(r.Context(), event); err != nil {
		logger.Warn().Err(err).Str("source", event.Source).Msg("Rejected invalid event.")
		microservice.WriteJSON(w, http.StatusBadRequest, eventResponse{CorrelationID: correlationID, Error: "invalid event"})
		return
	}

	// The id becomes the raw store key, so a redelivered message lands on the
	// same record.
	if event.ID == "" {
		event.ID = correlationID
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.PublishTimeout)
	defer cancel()
	messageID, err := h.publisher.Publish(ctx, event)
	if err != nil {
		logger.Error().Err(err).Str("source", event.Source).Msg("Failed to publish event.")
		microservice.WriteJSON(w, http.StatusInternalServerError, eventResponse{CorrelationID: correlationID, Error: "failed to publish event"})
		return
	}

	logger.Debug().Str("message_id", messageID).Str("source", event.Source).Msg("Event published.")
	microservice.WriteJSON(w, http.StatusOK, eventResponse{MessageID: messageID, CorrelationID: correlationID})
}

type statsResponse struct {
	Pending         int     `json:"pending"`
	BatchesFlushed  int64   `json:"batchesFlushed"`
	ItemsFlushed    int64   `json:"itemsFlushed"`
	FlushFailures   int64   `json:"flushFailures"`
	ItemsFailed     int64   `json:"itemsFailed"`
	MaxBatchSize    int     `json:"maxBatchSize"`
	FlushIntervalMs float64 `json:"flushIntervalMs"`
}

func (h *Handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	if h.batches == nil {
		microservice.WriteJSON(w, http.StatusOK, statsResponse{})
		return
	}
	s := h.batches.Snapshot()
	microservice.WriteJSON(w, http.StatusOK, statsResponse{
		Pending:         s.Pending,
		BatchesFlushed:  s.BatchesFlushed,
		ItemsFlushed:    s.ItemsFlushed,
		FlushFailures:   s.FlushFailures,
		ItemsFailed:     s.ItemsFailed,
		MaxBatchSize:    s.MaxBatchSize,
		FlushIntervalMs: float64(s.FlushInterval) / float64(time.Millisecond),
	})
}
