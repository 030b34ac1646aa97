package collector_test

import (
	"context"
	"sync"

	"github.com/illmade-knight/go-campaignflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-campaignflow/pkg/types"
)

// MockPublisher records published events and returns a scripted result.
type MockPublisher struct {
	mu        sync.Mutex
	events    []types.Event
	err       error
	shutdowns int
}

func (m *MockPublisher) Publish(_ context.Context, event types.Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.events = append(m.events, event)
	return "msg-" + event.ID, nil
}

func (m *MockPublisher) Shutdown(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdowns++
	return nil
}

func (m *MockPublisher) Published() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Event(nil), m.events...)
}

type stubBatches struct {
	snap messagepipeline.AccumulatorSnapshot
}

func (s stubBatches) Snapshot() messagepipeline.AccumulatorSnapshot { return s.snap }
