package normalizer_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-campaignflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-campaignflow/pkg/normalizer"
	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memQueue hands out its messages once and records deletions.
type memQueue struct {
	mu      sync.Mutex
	pending []types.QueueMessage
	deleted map[string]bool
}

func (q *memQueue) ReceiveBatch(_ context.Context, maxMessages int, _, _ time.Duration) ([]types.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(maxMessages, len(q.pending))
	batch := q.pending[:n]
	q.pending = q.pending[n:]
	return batch, nil
}

func (q *memQueue) Delete(_ context.Context, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted[token] = true
	return nil
}

func (q *memQueue) deletedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deleted)
}

// memStore keeps inserted items. A non-zero delay holds each batch after
// signalling entered, to simulate a slow store.
type memStore[T any] struct {
	mu      sync.Mutex
	items   []T
	delay   time.Duration
	entered chan struct{}
}

func (s *memStore[T]) InsertMany(_ context.Context, items []T) ([]types.ItemResult, error) {
	if s.delay > 0 {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, items...)
	results := make([]types.ItemResult, len(items))
	for i := range items {
		results[i].ID = fmt.Sprintf("row-%d", len(s.items)-len(items)+i)
	}
	return results, nil
}

func (s *memStore[T]) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func metaMessage(i int) types.QueueMessage {
	body, _ := json.Marshal(types.Event{
		Source: "meta",
		ID:     fmt.Sprintf("evt-%d", i),
		Payload: map[string]any{
			"campaign_id": fmt.Sprintf("c-%d", i),
			"date_start":  "2024-03-01",
			"insights":    map[string]any{"impressions": 100, "clicks": 5, "spend": "1.25"},
		},
	})
	return types.QueueMessage{MessageID: fmt.Sprintf("m-%d", i), AckToken: fmt.Sprintf("t-%d", i), Body: string(body)}
}

func testServiceConfig() normalizer.ServiceConfig {
	return normalizer.ServiceConfig{
		HTTPPort: ":0",
		Poller: messagepipeline.PollerConfig{
			WorkerCount:       2,
			PollingInterval:   10 * time.Millisecond,
			ProcessingTimeout: time.Second,
		},
		DualSink:            messagepipeline.NewDualSinkDefaults(),
		Writes:              messagepipeline.AccumulatorConfig{MaxBatchSize: 5, FlushInterval: 10 * time.Millisecond, FlushTimeout: time.Second, MaxFlushAttempts: 1},
		MaxConcurrentWrites: 2,
	}
}

func TestService_ProcessesQueue(t *testing.T) {
	// Arrange
	queue := &memQueue{deleted: map[string]bool{}}
	for i := range 15 {
		queue.pending = append(queue.pending, metaMessage(i))
	}
	raw := &memStore[types.RawRecord]{}
	norm := &memStore[types.NormalizedEvent]{}
	reg := prometheus.NewRegistry()

	svc, err := normalizer.NewService(testServiceConfig(), normalizer.ServiceDeps{
		Queue:      queue,
		Raw:        raw,
		Normalized: norm,
		Normalizer: normalizer.NewDefaultRegistry(),
		Registry:   reg,
	}, zerolog.Nop())
	require.NoError(t, err)

	// Act
	require.NoError(t, svc.Start(t.Context()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	// Assert
	require.Eventually(t, func() bool { return svc.Stats().Acknowledged == 15 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 15, queue.deletedCount())
	assert.Equal(t, 15, raw.count())
	assert.Equal(t, 15, norm.count())

	rec := httptest.NewRecorder()
	svc.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 15.0, stats["acknowledged"])
	assert.Equal(t, "running", stats["pollerState"])
	assert.LessOrEqual(t, stats["peakWritesInFlight"], 2.0)

	rec = httptest.NewRecorder()
	svc.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	svc.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `campaignflow_pipeline_events_total{stage="acknowledged"} 15`)
}

func TestService_CancelledStartContextStillDrainsOnShutdown(t *testing.T) {
	// Arrange
	queue := &memQueue{deleted: map[string]bool{}, pending: []types.QueueMessage{metaMessage(1)}}
	raw := &memStore[types.RawRecord]{delay: 300 * time.Millisecond, entered: make(chan struct{}, 1)}
	norm := &memStore[types.NormalizedEvent]{}
	svc, err := normalizer.NewService(testServiceConfig(), normalizer.ServiceDeps{
		Queue:      queue,
		Raw:        raw,
		Normalized: norm,
		Normalizer: normalizer.NewDefaultRegistry(),
	}, zerolog.Nop())
	require.NoError(t, err)

	startCtx, cancelStart := context.WithCancel(context.Background())
	require.NoError(t, svc.Start(startCtx))

	// Act: the signal context is cancelled while the raw write is in progress.
	select {
	case <-raw.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("raw store was never called")
	}
	cancelStart()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(shutdownCtx))

	// Assert
	stats := svc.Stats()
	assert.Equal(t, int64(1), stats.Acknowledged)
	assert.Zero(t, stats.Errors())
	assert.Equal(t, 1, queue.deletedCount())
	assert.Equal(t, 1, raw.count())
	assert.Equal(t, 1, norm.count())
}

func TestService_RequiresDeps(t *testing.T) {
	_, err := normalizer.NewService(normalizer.ServiceConfig{}, normalizer.ServiceDeps{}, zerolog.Nop())
	assert.Error(t, err)
}
