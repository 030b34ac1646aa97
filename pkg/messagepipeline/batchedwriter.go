package messagepipeline

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/rs/zerolog"
)

// ManyInserter is the batch half of a store.
type ManyInserter[T any] interface {
	InsertMany(ctx context.Context, items []T) ([]types.ItemResult, error)
}

// BatchedWriter decorates a store so that concurrent single inserts are
// coalesced into InsertMany calls by an Accumulator. Insert blocks until the
// batch carrying the item has been written or has finally failed.
//
// With T = types.RawRecord it satisfies RawStore, and with
// T = types.NormalizedEvent it satisfies NormalizedStore.
type BatchedWriter[T any] struct {
	store ManyInserter[T]
	acc   *Accumulator[T]
}

// NewBatchedWriter creates a BatchedWriter whose flushes run through gate. A
// store implementing BatchLimiter caps cfg.SinkLimit.
func NewBatchedWriter[T any](
	cfg AccumulatorConfig,
	store ManyInserter[T],
	gate *Gate,
	logger zerolog.Logger,
) (*BatchedWriter[T], error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if l, ok := store.(BatchLimiter); ok {
		if limit := l.MaxBatchSize(); limit > 0 && (cfg.SinkLimit <= 0 || cfg.SinkLimit > limit) {
			cfg.SinkLimit = limit
		}
	}
	acc, err := NewAccumulator[T](cfg, store.InsertMany, gate, logger.With().Str("writer", fmt.Sprintf("%T", store)).Logger())
	if err != nil {
		return nil, err
	}
	return &BatchedWriter[T]{store: store, acc: acc}, nil
}

// Insert queues item for the next batch and waits for its outcome.
func (w *BatchedWriter[T]) Insert(ctx context.Context, item T) (string, error) {
	handle, err := w.acc.Submit(ctx, item)
	if handle == nil {
		return "", err
	}
	return handle.Wait(ctx)
}

// InsertMany writes items directly, bypassing the accumulator.
func (w *BatchedWriter[T]) InsertMany(ctx context.Context, items []T) ([]types.ItemResult, error) {
	return w.store.InsertMany(ctx, items)
}

// Snapshot returns the underlying accumulator's counters.
func (w *BatchedWriter[T]) Snapshot() AccumulatorSnapshot { return w.acc.Snapshot() }

// Shutdown flushes anything still buffered.
func (w *BatchedWriter[T]) Shutdown(ctx context.Context) error {
	return w.acc.Shutdown(ctx)
}
