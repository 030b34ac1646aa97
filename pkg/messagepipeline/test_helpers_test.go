package messagepipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/stretchr/testify/require"
)

// ====================================================================================
// This file contains in-memory fakes for the collaborators of the pipeline.
// ====================================================================================

// --- MockQueue ---

// MockQueue is an in-memory QueueClient. Messages pushed with Push are handed
// out by ReceiveBatch; a message that is received but not deleted is not
// redelivered, which keeps assertions about deletes simple.
type MockQueue struct {
	mu         sync.Mutex
	pending    []types.QueueMessage
	deleted    []string
	published  [][]byte
	batchSizes []int
	nextID     int

	ReceiveErr  error
	DeleteErrFn func(token string) error
	PublishErr  error
	BatchLimit  int
}

func NewMockQueue() *MockQueue {
	return &MockQueue{BatchLimit: 10}
}

// Push enqueues a message whose body is the JSON encoding of event.
func (m *MockQueue) Push(t *testing.T, id string, event any) {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	m.PushRaw(id, string(body))
}

func (m *MockQueue) PushRaw(id, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, types.QueueMessage{MessageID: id, AckToken: "ack-" + id, Body: body})
}

func (m *MockQueue) ReceiveBatch(ctx context.Context, maxMessages int, _, _ time.Duration) ([]types.QueueMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReceiveErr != nil {
		return nil, m.ReceiveErr
	}
	n := min(maxMessages, len(m.pending))
	out := append([]types.QueueMessage(nil), m.pending[:n]...)
	m.pending = m.pending[n:]
	return out, nil
}

func (m *MockQueue) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErrFn != nil {
		if err := m.DeleteErrFn(token); err != nil {
			return err
		}
	}
	m.deleted = append(m.deleted, token)
	return nil
}

func (m *MockQueue) Publish(ctx context.Context, body []byte) (string, error) {
	results, err := m.PublishBatch(ctx, [][]byte{body})
	if err != nil {
		return "", err
	}
	return results[0].ID, results[0].Err
}

func (m *MockQueue) PublishBatch(_ context.Context, bodies [][]byte) ([]types.ItemResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return nil, m.PublishErr
	}
	m.batchSizes = append(m.batchSizes, len(bodies))
	results := make([]types.ItemResult, len(bodies))
	for i, b := range bodies {
		m.nextID++
		m.published = append(m.published, b)
		results[i] = types.ItemResult{ID: fmt.Sprintf("queue-%d", m.nextID)}
	}
	return results, nil
}

func (m *MockQueue) MaxBatchSize() int { return m.BatchLimit }

func (m *MockQueue) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

func (m *MockQueue) Published() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.published...)
}

func (m *MockQueue) BatchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.batchSizes...)
}

// --- MockStore ---

// MockStore is an in-memory RawStore or NormalizedStore, depending on T.
type MockStore[T any] struct {
	mu       sync.Mutex
	items    []T
	calls    []int
	keyFn    func(T) string
	InsertFn func(item T) error
	Delay    time.Duration
}

func NewMockStore[T any](keyFn func(T) string) *MockStore[T] {
	return &MockStore[T]{keyFn: keyFn}
}

func (m *MockStore[T]) Insert(ctx context.Context, item T) (string, error) {
	results, err := m.InsertMany(ctx, []T{item})
	if err != nil {
		return "", err
	}
	return results[0].ID, results[0].Err
}

func (m *MockStore[T]) InsertMany(ctx context.Context, items []T) ([]types.ItemResult, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, len(items))
	results := make([]types.ItemResult, len(items))
	for i, item := range items {
		if m.InsertFn != nil {
			if err := m.InsertFn(item); err != nil {
				results[i].Err = err
				continue
			}
		}
		m.items = append(m.items, item)
		results[i].ID = m.keyFn(item)
	}
	return results, nil
}

func (m *MockStore[T]) Items() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]T(nil), m.items...)
}

func (m *MockStore[T]) Calls() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.calls...)
}

func newRawStore() *MockStore[types.RawRecord] {
	return NewMockStore(func(r types.RawRecord) string { return r.Key() })
}

func newNormalizedStore() *MockStore[types.NormalizedEvent] {
	return NewMockStore(func(n types.NormalizedEvent) string { return n.Key() })
}

// --- MockMarker ---

type MockMarker struct {
	mu   sync.Mutex
	keys map[string]bool
}

func NewMockMarker() *MockMarker { return &MockMarker{keys: map[string]bool{}} }

func (m *MockMarker) IsProcessed(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key], nil
}

func (m *MockMarker) MarkProcessed(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = true
	return nil
}

// metaEvent returns the canonical meta event used across tests.
func metaEvent(id string) types.Event {
	return types.Event{
		Source: "meta",
		ID:     id,
		Payload: map[string]any{
			"campaign_id":   "c1",
			"campaign_name": "Camp",
			"insights": map[string]any{
				"impressions": 100,
				"clicks":      10,
				"spend":       5.5,
				"conversions": 2,
			},
			"date_start": "2024-01-01",
		},
	}
}
