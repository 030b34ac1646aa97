package normalizer_test

import (
	"testing"
	"time"

	"github.com/illmade-knight/go-campaignflow/pkg/normalizer"
	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawRecord(source string, payload map[string]any) types.RawRecord {
	return types.RawRecord{
		Event:      types.Event{Source: source, Payload: payload},
		MessageID:  "msg-1",
		ReceivedAt: time.Date(2024, 5, 6, 23, 30, 0, 0, time.UTC),
	}
}

func assertNormalized(t *testing.T, expected, actual types.NormalizedEvent) {
	t.Helper()
	assert.True(t, expected.Spend.Equal(actual.Spend), "spend: expected %s, got %s", expected.Spend, actual.Spend)
	expected.Spend, actual.Spend = decimal.Zero, decimal.Zero
	assert.Equal(t, expected, actual)
}

func TestRegistry_MetaScenario(t *testing.T) {
	// Arrange
	registry := normalizer.NewDefaultRegistry()
	record := rawRecord("meta", map[string]any{
		"campaign_id":   "c1",
		"campaign_name": "Camp",
		"insights": map[string]any{
			"impressions": 100.0,
			"clicks":      10.0,
			"spend":       5.5,
			"conversions": 2.0,
		},
		"date_start": "2024-01-01",
	})

	// Act
	got, err := registry.Normalize(record)

	// Assert
	require.NoError(t, err)
	assertNormalized(t, types.NormalizedEvent{
		UnifiedCampaignID: "c1",
		CampaignName:      "Camp",
		SourcePlatform:    "meta",
		EventDate:         "2024-01-01",
		Impressions:       100,
		Clicks:            10,
		Spend:             decimal.RequireFromString("5.5"),
		Conversions:       2,
	}, got)
}

func TestMetaNormalizer_Defaults(t *testing.T) {
	t.Run("missing metrics default to zero and name to Unknown Campaign", func(t *testing.T) {
		record := rawRecord("meta", map[string]any{
			"campaign_id": "c2",
			"insights":    map[string]any{"clicks": "7"},
		})
		record.Timestamp = "2024-02-03T10:00:00Z"

		got, err := normalizer.MetaNormalizer{}.Normalize(record)

		require.NoError(t, err)
		assert.Equal(t, "Unknown Campaign", got.CampaignName)
		assert.Equal(t, "2024-02-03", got.EventDate, "event timestamp is the first date fallback")
		assert.Equal(t, int64(7), got.Clicks, "numeric strings are accepted")
		assert.Equal(t, int64(0), got.Impressions)
		assert.True(t, got.Spend.IsZero())
	})

	t.Run("date falls back to received time", func(t *testing.T) {
		record := rawRecord("meta", map[string]any{
			"campaign_id": "c3",
			"insights":    map[string]any{},
		})

		got, err := normalizer.MetaNormalizer{}.Normalize(record)

		require.NoError(t, err)
		assert.Equal(t, "2024-05-06", got.EventDate)
	})
}

func TestMetaNormalizer_InvalidPayloads(t *testing.T) {
	testCases := []struct {
		name    string
		payload map[string]any
	}{
		{name: "missing campaign id", payload: map[string]any{"insights": map[string]any{}}},
		{name: "missing insights", payload: map[string]any{"campaign_id": "c1"}},
		{name: "insights not an object", payload: map[string]any{"campaign_id": "c1", "insights": "lots"}},
		{name: "non-numeric spend", payload: map[string]any{"campaign_id": "c1", "insights": map[string]any{"spend": "a lot"}}},
		{name: "bad date", payload: map[string]any{"campaign_id": "c1", "insights": map[string]any{}, "date_start": "yesterday"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := normalizer.MetaNormalizer{}.Normalize(rawRecord("meta", tc.payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, normalizer.ErrInvalidPayload)
		})
	}
}

func TestGoogleNormalizer_Normalize(t *testing.T) {
	// Arrange
	record := rawRecord("google", map[string]any{
		"campaign": map[string]any{
			"resource_name": "customers/123/campaigns/987",
			"name":          "Search Brand",
		},
		"metrics": map[string]any{
			"date":        "2024-03-15",
			"impressions": 2500.0,
			"clicks":      "130",
			"cost_micros": 12_345_678.0,
			"conversions": 4.0,
		},
	})

	// Act
	got, err := normalizer.GoogleNormalizer{}.Normalize(record)

	// Assert
	require.NoError(t, err)
	assertNormalized(t, types.NormalizedEvent{
		UnifiedCampaignID: "987",
		CampaignName:      "Search Brand",
		SourcePlatform:    "google",
		EventDate:         "2024-03-15",
		Impressions:       2500,
		Clicks:            130,
		Spend:             decimal.RequireFromString("12.345678"),
		Conversions:       4,
	}, got)
}

func TestGoogleNormalizer_InvalidPayloads(t *testing.T) {
	testCases := []struct {
		name    string
		payload map[string]any
	}{
		{name: "missing campaign", payload: map[string]any{"metrics": map[string]any{}}},
		{name: "missing metrics", payload: map[string]any{"campaign": map[string]any{"resource_name": "customers/1/campaigns/2"}}},
		{name: "missing resource name", payload: map[string]any{"campaign": map[string]any{}, "metrics": map[string]any{}}},
		{name: "resource name without id", payload: map[string]any{"campaign": map[string]any{"resource_name": "customers/1/campaigns/"}, "metrics": map[string]any{}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := normalizer.GoogleNormalizer{}.Normalize(rawRecord("google", tc.payload))
			assert.ErrorIs(t, err, normalizer.ErrInvalidPayload)
		})
	}
}

func TestRegistry(t *testing.T) {
	t.Run("unknown source", func(t *testing.T) {
		_, err := normalizer.NewDefaultRegistry().Normalize(rawRecord("tiktok", map[string]any{}))
		assert.ErrorIs(t, err, normalizer.ErrUnknownSource)
	})

	t.Run("lookup is case-insensitive", func(t *testing.T) {
		n, err := normalizer.NewDefaultRegistry().Lookup("Google")
		require.NoError(t, err)
		assert.Equal(t, "google", n.Source())
	})

	t.Run("duplicate sources are rejected at construction", func(t *testing.T) {
		_, err := normalizer.NewRegistry(normalizer.MetaNormalizer{}, normalizer.MetaNormalizer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("nil normalizer is rejected", func(t *testing.T) {
		_, err := normalizer.NewRegistry(nil)
		require.Error(t, err)
	})

	t.Run("require reports missing sources", func(t *testing.T) {
		registry := normalizer.NewDefaultRegistry()
		assert.NoError(t, registry.Require("meta", "google"))
		err := registry.Require("meta", "tiktok")
		assert.ErrorIs(t, err, normalizer.ErrUnknownSource)
		assert.Contains(t, err.Error(), "tiktok")
		assert.Equal(t, []string{"google", "meta"}, registry.Sources())
	})
}
