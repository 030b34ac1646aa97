package rawstore

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// GCSArchiveConfig holds configuration for the GCS raw archive.
type GCSArchiveConfig struct {
	BucketName   string
	ObjectPrefix string
	// MaxParallelUploads bounds the uploads of one InsertMany call.
	MaxParallelUploads int
}

// GCSArchive stores each raw record as its own gzipped JSON object. The
// object name is derived from the record's source, receive date and key, so
// writing the same record twice replaces the object.
type GCSArchive struct {
	client GCSClient
	config GCSArchiveConfig
	logger zerolog.Logger
}

// NewGCSArchive creates a GCSArchive.
func NewGCSArchive(
	gcsClient GCSClient,
	config GCSArchiveConfig,
	logger zerolog.Logger,
) (*GCSArchive, error) {
	if gcsClient == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	if config.MaxParallelUploads <= 0 {
		config.MaxParallelUploads = 8
	}
	return &GCSArchive{
		client: gcsClient,
		config: config,
		logger: logger.With().Str("component", "GCSArchive").Str("bucket", config.BucketName).Logger(),
	}, nil
}

// ObjectName returns where record is archived:
// <prefix>/<source>/<yyyy>/<mm>/<dd>/<key>.json.gz
func (a *GCSArchive) ObjectName(record types.RawRecord) string {
	received := record.ReceivedAt.UTC()
	return path.Join(
		a.config.ObjectPrefix,
		strings.ToLower(record.Source),
		received.Format("2006"),
		received.Format("01"),
		received.Format("02"),
		DocumentID(record.Key())+".json.gz",
	)
}

// Insert uploads one record and returns its object name.
func (a *GCSArchive) Insert(ctx context.Context, record types.RawRecord) (string, error) {
	name := a.ObjectName(record)
	if err := a.upload(ctx, name, record); err != nil {
		return "", err
	}
	return name, nil
}

// InsertMany uploads the records in parallel. Each record succeeds or fails
// on its own.
func (a *GCSArchive) InsertMany(ctx context.Context, records []types.RawRecord) ([]types.ItemResult, error) {
	results := make([]types.ItemResult, len(records))
	var g errgroup.Group
	g.SetLimit(a.config.MaxParallelUploads)
	for i, record := range records {
		g.Go(func() error {
			name := a.ObjectName(record)
			if err := a.upload(ctx, name, record); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].ID = name
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (a *GCSArchive) upload(ctx context.Context, objectName string, record types.RawRecord) error {
	w := a.client.Bucket(a.config.BucketName).Object(objectName).NewWriter(ctx, ObjectAttrs{
		ContentType:     "application/json",
		ContentEncoding: "gzip",
		Metadata: map[string]string{
			"source":     record.Source,
			"message_id": record.MessageID,
			"record_key": record.Key(),
		},
	})
	pr, pw := io.Pipe()

	go func() {
		gz := gzip.NewWriter(pw)
		err := json.NewEncoder(gz).Encode(record)
		if closeErr := gz.Close(); err == nil {
			err = closeErr
		}
		_ = pw.CloseWithError(err)
	}()

	written, copyErr := io.Copy(w, pr)
	closeErr := w.Close()
	if copyErr != nil {
		_ = pr.CloseWithError(copyErr)
		return fmt.Errorf("failed to stream raw record to %s: %w", objectName, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	a.logger.Debug().Str("object_name", objectName).Int64("bytes_written", written).Msg("Archived raw record.")
	return nil
}
