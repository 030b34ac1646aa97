package rawstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/rs/zerolog"
)

// FirestoreConfig holds configuration for the Firestore raw store.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

// FirestoreStore persists raw records as Firestore documents keyed by
// RawRecord.Key. A Set on an existing document replaces it, so redelivered
// messages overwrite rather than duplicate.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreStore creates a FirestoreStore. The client's lifecycle is
// managed by the caller.
func NewFirestoreStore(
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreStore, error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, errors.New("firestore collection name is required")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStore initialized.")

	return &FirestoreStore{
		client:     client,
		collection: cfg.CollectionName,
		logger:     logger.With().Str("component", "FirestoreRawStore").Logger(),
	}, nil
}

// Insert upserts a single record and returns its document ID.
func (s *FirestoreStore) Insert(ctx context.Context, record types.RawRecord) (string, error) {
	docID := DocumentID(record.Key())
	_, err := s.client.Collection(s.collection).Doc(docID).Set(ctx, Document(record))
	if err != nil {
		s.logger.Error().Err(err).Str("doc_id", docID).Msg("Failed to write raw record to Firestore.")
		return "", fmt.Errorf("firestore set for %s: %w", docID, err)
	}
	return docID, nil
}

// InsertMany upserts records through a BulkWriter and reports the outcome of
// each document separately.
func (s *FirestoreStore) InsertMany(ctx context.Context, records []types.RawRecord) ([]types.ItemResult, error) {
	if len(records) == 0 {
		return nil, nil
	}

	bw := s.client.BulkWriter(ctx)
	results := make([]types.ItemResult, len(records))
	jobs := make([]*firestore.BulkWriterJob, len(records))
	for i, record := range records {
		docID := DocumentID(record.Key())
		job, err := bw.Set(s.client.Collection(s.collection).Doc(docID), Document(record))
		if err != nil {
			results[i].Err = fmt.Errorf("firestore bulk set for %s: %w", docID, err)
			continue
		}
		results[i].ID = docID
		jobs[i] = job
	}
	bw.End()

	failed := 0
	for i, job := range jobs {
		if job == nil {
			failed++
			continue
		}
		if _, err := job.Results(); err != nil {
			results[i] = types.ItemResult{Err: fmt.Errorf("firestore bulk set for %s: %w", results[i].ID, err)}
			failed++
		}
	}
	if failed > 0 {
		s.logger.Warn().Int("failed", failed).Int("batch_size", len(records)).Msg("Firestore bulk write completed with failures.")
	} else {
		s.logger.Debug().Int("batch_size", len(records)).Msg("Firestore bulk write completed.")
	}
	return results, nil
}

// DocumentID maps a record key onto a valid Firestore document ID.
func DocumentID(key string) string {
	return strings.ReplaceAll(key, "/", "_")
}

// Document is the stored shape of a raw record. The payload is kept as the
// original JSON object, with numbers stored as Firestore integers or doubles.
func Document(record types.RawRecord) map[string]any {
	doc := map[string]any{
		"source":      record.Source,
		"payload":     types.NativeNumbers(record.Payload),
		"message_id":  record.MessageID,
		"received_at": record.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
	if record.ID != "" {
		doc["event_id"] = record.ID
	}
	if record.Timestamp != "" {
		doc["timestamp"] = record.Timestamp
	}
	return doc
}
