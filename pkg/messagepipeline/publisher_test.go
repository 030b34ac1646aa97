package messagepipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-campaignflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(t *testing.T, queue *MockQueue, batchSize int) *messagepipeline.EventPublisher {
	t.Helper()
	cfg := messagepipeline.AccumulatorConfig{
		MaxBatchSize:     batchSize,
		FlushInterval:    20 * time.Millisecond,
		FlushTimeout:     time.Second,
		MaxFlushAttempts: 2,
	}
	pub, err := messagepipeline.NewEventPublisher(cfg, queue, messagepipeline.NewGate(2), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Shutdown(context.Background()) })
	return pub
}

func TestEventPublisher_PublishesInBoundedBatches(t *testing.T) {
	// Arrange
	queue := NewMockQueue()
	pub := newTestPublisher(t, queue, 50)

	// Act
	var wg sync.WaitGroup
	ids := make([]string, 25)
	errs := make([]error, 25)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], errs[i] = pub.Publish(context.Background(), metaEvent(fmt.Sprintf("evt-%d", i)))
		}()
	}
	wg.Wait()

	// Assert
	for i := range errs {
		require.NoError(t, errs[i])
		assert.NotEmpty(t, ids[i])
	}
	assert.Equal(t, 10, pub.Accumulator().Snapshot().MaxBatchSize, "batch size is clamped to the queue limit")
	for _, size := range queue.BatchSizes() {
		assert.LessOrEqual(t, size, 10)
	}

	published := queue.Published()
	require.Len(t, published, 25)
	var ev types.Event
	require.NoError(t, json.Unmarshal(published[0], &ev))
	assert.Equal(t, "meta", ev.Source)
}

func TestEventPublisher_UnmarshalableEventIsPermanent(t *testing.T) {
	// Arrange
	queue := NewMockQueue()
	pub := newTestPublisher(t, queue, 1)
	bad := types.Event{Source: "meta", Payload: map[string]any{"ch": make(chan int)}}

	// Act
	_, err := pub.Publish(context.Background(), bad)

	// Assert
	require.Error(t, err)
	assert.True(t, messagepipeline.IsPermanent(err))
	assert.Empty(t, queue.Published())
	assert.Equal(t, int64(1), pub.Accumulator().Snapshot().ItemsFailed)
}

func TestEventPublisher_QueueFailureIsReported(t *testing.T) {
	queue := NewMockQueue()
	queue.PublishErr = errors.New("queue unavailable")
	pub := newTestPublisher(t, queue, 1)

	_, err := pub.Publish(context.Background(), metaEvent("evt-1"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue unavailable")
}

func TestEventPublisher_ShutdownFlushesPending(t *testing.T) {
	// Arrange
	queue := NewMockQueue()
	cfg := messagepipeline.AccumulatorConfig{MaxBatchSize: 10, FlushInterval: time.Hour, MaxFlushAttempts: 1}
	pub, err := messagepipeline.NewEventPublisher(cfg, queue, nil, zerolog.Nop())
	require.NoError(t, err)
	_, err = pub.Accumulator().Submit(context.Background(), metaEvent("evt-1"))
	require.NoError(t, err)

	// Act
	require.NoError(t, pub.Shutdown(context.Background()))

	// Assert
	assert.Len(t, queue.Published(), 1)
	_, err = pub.Publish(context.Background(), metaEvent("evt-2"))
	assert.ErrorIs(t, err, messagepipeline.ErrAccumulatorClosed)
}
