package bqstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// BigQueryDatasetConfig holds configuration for a BigQuery dataset and table.
type BigQueryDatasetConfig struct {
	ProjectID       string
	DatasetID       string
	TableID         string
	CredentialsFile string // Optional: Path to a service account JSON file.
}

// NewProductionBigQueryClient creates a BigQuery client. It uses Application
// Default Credentials unless a credentials file is given.
func NewProductionBigQueryClient(ctx context.Context, projectID string, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for BigQuery client.")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client.")
	}

	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		logger.Error().Err(err).Str("project_id", projectID).Msg("Failed to create BigQuery client.")
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	logger.Info().Str("project_id", projectID).Msg("BigQuery client created successfully.")
	return client, nil
}

// Schema is the table layout for normalized events.
var Schema = bigquery.Schema{
	{Name: "record_key", Type: bigquery.StringFieldType, Required: true},
	{Name: "unified_campaign_id", Type: bigquery.StringFieldType, Required: true},
	{Name: "campaign_name", Type: bigquery.StringFieldType, Required: true},
	{Name: "source_platform", Type: bigquery.StringFieldType, Required: true},
	{Name: "event_date", Type: bigquery.DateFieldType, Required: true},
	{Name: "impressions", Type: bigquery.IntegerFieldType, Required: true},
	{Name: "clicks", Type: bigquery.IntegerFieldType, Required: true},
	{Name: "spend", Type: bigquery.NumericFieldType, Required: true},
	{Name: "conversions", Type: bigquery.IntegerFieldType, Required: true},
}

// Row adapts a NormalizedEvent to bigquery.ValueSaver. The record key is used
// as the insert ID so BigQuery drops retried rows on a best-effort basis, while
// distinct events for the same campaign and day get distinct IDs.
// record_key stays queryable for deduplication beyond that window.
type Row struct {
	Event types.NormalizedEvent
}

// Save implements bigquery.ValueSaver.
func (r Row) Save() (map[string]bigquery.Value, string, error) {
	return map[string]bigquery.Value{
		"record_key":          r.Event.Key(),
		"unified_campaign_id": r.Event.UnifiedCampaignID,
		"campaign_name":       r.Event.CampaignName,
		"source_platform":     r.Event.SourcePlatform,
		"event_date":          r.Event.EventDate,
		"impressions":         r.Event.Impressions,
		"clicks":              r.Event.Clicks,
		"spend":               r.Event.Spend.Rat(),
		"conversions":         r.Event.Conversions,
	}, r.Event.Key(), nil
}

// MaxRowsPerRequest is BigQuery's limit on rows in one streaming insert.
const MaxRowsPerRequest = 50000

// RowPutter is the streaming-insert half of *bigquery.Inserter.
type RowPutter interface {
	Put(ctx context.Context, src interface{}) error
}

// NormalizedTable streams NormalizedEvents into a BigQuery table.
type NormalizedTable struct {
	putter RowPutter
	logger zerolog.Logger
}

// NewNormalizedTable connects to the table in cfg, creating it with Schema if
// it does not exist.
func NewNormalizedTable(
	ctx context.Context,
	client *bigquery.Client,
	cfg *BigQueryDatasetConfig,
	logger zerolog.Logger,
) (*NormalizedTable, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("BigQueryDatasetConfig cannot be nil")
	}

	logger = logger.With().Str("project_id", client.Project()).Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := tableRef.Metadata(ctx); err != nil {
		if !strings.Contains(err.Error(), "notFound") {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
		logger.Warn().Msg("BigQuery table not found. Attempting to create it.")
		meta := &bigquery.TableMetadata{
			Schema:           Schema,
			TimePartitioning: &bigquery.TimePartitioning{Field: "event_date"},
		}
		if err := tableRef.Create(ctx, meta); err != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
		}
		logger.Info().Msg("BigQuery table created successfully.")
	} else {
		logger.Info().Msg("Successfully connected to existing BigQuery table.")
	}

	return NewNormalizedTableWithPutter(tableRef.Inserter(), logger), nil
}

// NewNormalizedTableWithPutter creates a NormalizedTable over an existing
// putter.
func NewNormalizedTableWithPutter(putter RowPutter, logger zerolog.Logger) *NormalizedTable {
	return &NormalizedTable{
		putter: putter,
		logger: logger.With().Str("component", "BigQueryNormalizedTable").Logger(),
	}
}

// MaxBatchSize implements messagepipeline.BatchLimiter.
func (t *NormalizedTable) MaxBatchSize() int { return MaxRowsPerRequest }

// Insert streams a single event.
func (t *NormalizedTable) Insert(ctx context.Context, event types.NormalizedEvent) (string, error) {
	results, err := t.InsertMany(ctx, []types.NormalizedEvent{event})
	if err != nil {
		return "", err
	}
	return results[0].ID, results[0].Err
}

// InsertMany streams events in one request. Row-level rejections are mapped
// back onto the events they belong to; any other error fails the batch.
func (t *NormalizedTable) InsertMany(ctx context.Context, events []types.NormalizedEvent) ([]types.ItemResult, error) {
	if len(events) == 0 {
		return nil, nil
	}
	rows := make([]Row, len(events))
	results := make([]types.ItemResult, len(events))
	for i, ev := range events {
		rows[i] = Row{Event: ev}
		results[i].ID = ev.Key()
	}

	err := t.putter.Put(ctx, rows)
	if err == nil {
		t.logger.Debug().Int("batch_size", len(events)).Msg("Successfully inserted batch into BigQuery.")
		return results, nil
	}

	var multiErr bigquery.PutMultiError
	if !errors.As(err, &multiErr) {
		t.logger.Error().Err(err).Int("batch_size", len(events)).Msg("Failed to insert rows into BigQuery.")
		return nil, fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}
	for _, rowErr := range multiErr {
		if rowErr.RowIndex < 0 || rowErr.RowIndex >= len(results) {
			continue
		}
		t.logger.Error().
			Int("row_index", rowErr.RowIndex).
			Str("key", results[rowErr.RowIndex].ID).
			Msgf("BigQuery insert error for row: %v", rowErr.Errors)
		results[rowErr.RowIndex] = types.ItemResult{Err: fmt.Errorf("bigquery row %d rejected: %w", rowErr.RowIndex, rowErr.Errors)}
	}
	return results, nil
}
