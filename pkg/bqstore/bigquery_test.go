package bqstore_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-campaignflow/pkg/bqstore"
	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockRowPutter records the rows it is given and returns PutFn's error.
type MockRowPutter struct {
	mu    sync.Mutex
	rows  [][]bqstore.Row
	PutFn func(rows []bqstore.Row) error
}

func (m *MockRowPutter) Put(_ context.Context, src interface{}) error {
	rows := src.([]bqstore.Row)
	m.mu.Lock()
	m.rows = append(m.rows, rows)
	m.mu.Unlock()
	if m.PutFn != nil {
		return m.PutFn(rows)
	}
	return nil
}

func testEvent(campaign string) types.NormalizedEvent {
	return types.NormalizedEvent{
		RecordKey:         "evt-" + campaign,
		UnifiedCampaignID: campaign,
		CampaignName:      "Search Brand",
		SourcePlatform:    "google",
		EventDate:         "2024-03-15",
		Impressions:       2500,
		Clicks:            130,
		Spend:             decimal.RequireFromString("12.345678"),
		Conversions:       4,
	}
}

func TestRow_Save(t *testing.T) {
	values, insertID, err := bqstore.Row{Event: testEvent("987")}.Save()

	require.NoError(t, err)
	assert.Equal(t, "evt-987", insertID)
	assert.Equal(t, "evt-987", values["record_key"])
	assert.Equal(t, "987", values["unified_campaign_id"])
	assert.Equal(t, "2024-03-15", values["event_date"])
	assert.Equal(t, int64(130), values["clicks"])
	spend, ok := values["spend"].(*big.Rat)
	require.True(t, ok, "spend is sent as an exact NUMERIC")
	assert.Equal(t, "12.345678", spend.FloatString(6))
	for _, field := range bqstore.Schema {
		assert.Contains(t, values, field.Name)
	}
}

func TestNormalizedTable_InsertMany(t *testing.T) {
	// Arrange
	putter := &MockRowPutter{}
	table := bqstore.NewNormalizedTableWithPutter(putter, zerolog.Nop())

	// Act
	results, err := table.InsertMany(context.Background(), []types.NormalizedEvent{testEvent("1"), testEvent("2")})

	// Assert
	require.NoError(t, err)
	require.Len(t, putter.rows, 1)
	assert.Len(t, putter.rows[0], 2)
	assert.Equal(t, "evt-1", results[0].ID)
	assert.Equal(t, "evt-2", results[1].ID)
}

func TestRow_InsertIDSeparatesEventsOfSameCampaignDay(t *testing.T) {
	first, second := testEvent("987"), testEvent("987")
	second.RecordKey = "evt-other"

	_, firstID, err := bqstore.Row{Event: first}.Save()
	require.NoError(t, err)
	_, secondID, err := bqstore.Row{Event: second}.Save()
	require.NoError(t, err)
	_, redeliveredID, err := bqstore.Row{Event: first}.Save()
	require.NoError(t, err)

	assert.NotEqual(t, firstID, secondID)
	assert.Equal(t, firstID, redeliveredID)
	assert.Equal(t, bqstore.MaxRowsPerRequest, bqstore.NewNormalizedTableWithPutter(&MockRowPutter{}, zerolog.Nop()).MaxBatchSize())
}

func TestNormalizedTable_RowErrorsMapToItems(t *testing.T) {
	// Arrange
	putter := &MockRowPutter{PutFn: func([]bqstore.Row) error {
		return bigquery.PutMultiError{
			{RowIndex: 1, Errors: bigquery.MultiError{errors.New("invalid date")}},
		}
	}}
	table := bqstore.NewNormalizedTableWithPutter(putter, zerolog.Nop())

	// Act
	results, err := table.InsertMany(context.Background(), []types.NormalizedEvent{testEvent("1"), testEvent("2"), testEvent("3")})

	// Assert
	require.NoError(t, err)
	assert.NoError(t, results[0].Err)
	assert.ErrorContains(t, results[1].Err, "invalid date")
	assert.NoError(t, results[2].Err)
}

func TestNormalizedTable_RequestErrorFailsBatch(t *testing.T) {
	putter := &MockRowPutter{PutFn: func([]bqstore.Row) error { return errors.New("quota exceeded") }}
	table := bqstore.NewNormalizedTableWithPutter(putter, zerolog.Nop())

	_, err := table.Insert(context.Background(), testEvent("1"))

	assert.ErrorContains(t, err, "quota exceeded")
}
