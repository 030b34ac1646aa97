package cache

import (
	"context"

	"github.com/rs/zerolog"
)

// Marker is the contract shared by all processed-message markers.
type Marker interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string) error
}

// TieredMarker checks a local marker before a shared one. A hit in the shared
// marker is copied into the local one so later lookups stay in-process.
type TieredMarker struct {
	local  Marker
	shared Marker
	logger zerolog.Logger
}

// NewTieredMarker creates a TieredMarker.
func NewTieredMarker(local, shared Marker, logger zerolog.Logger) *TieredMarker {
	return &TieredMarker{
		local:  local,
		shared: shared,
		logger: logger.With().Str("component", "TieredMarker").Logger(),
	}
}

// IsProcessed consults the local marker, then the shared one.
func (t *TieredMarker) IsProcessed(ctx context.Context, key string) (bool, error) {
	if ok, err := t.local.IsProcessed(ctx, key); err == nil && ok {
		return true, nil
	}
	ok, err := t.shared.IsProcessed(ctx, key)
	if err != nil {
		return false, err
	}
	if ok {
		if err := t.local.MarkProcessed(ctx, key); err != nil {
			t.logger.Warn().Err(err).Str("key", key).Msg("Failed to copy marker into local tier.")
		}
	}
	return ok, nil
}

// MarkProcessed writes both tiers. Only a shared-tier failure is returned.
func (t *TieredMarker) MarkProcessed(ctx context.Context, key string) error {
	if err := t.local.MarkProcessed(ctx, key); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("Failed to set local marker.")
	}
	return t.shared.MarkProcessed(ctx, key)
}
