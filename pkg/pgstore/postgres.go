package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/illmade-knight/go-campaignflow/pkg/types"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// DefaultTable is the table normalized events are written to.
const DefaultTable = "normalized_events"

const columnCount = 9

// MaxBatchRows is the most rows one upsert can carry within PostgreSQL's
// limit of 65535 bind parameters.
const MaxBatchRows = 65535 / columnCount

var identifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Open connects to PostgreSQL through the pgx database/sql driver and
// verifies the connection.
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info().Msg("PostgreSQL connection established.")
	return db, nil
}

// Store writes NormalizedEvents to PostgreSQL, one row per raw record. Rows
// are upserted on record_key, so a redelivered message overwrites its own row
// while distinct events for the same campaign and day are all kept.
type Store struct {
	db     *sql.DB
	table  string
	logger zerolog.Logger
}

// NewStore creates a Store writing to table, or DefaultTable when empty.
func NewStore(db *sql.DB, table string, logger zerolog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("database handle cannot be nil")
	}
	if table == "" {
		table = DefaultTable
	}
	if !identifier.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{
		db:     db,
		table:  table,
		logger: logger.With().Str("component", "PostgresStore").Str("table", table).Logger(),
	}, nil
}

// EnsureSchema creates the table and its campaign/day index if they do not
// exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	record_key TEXT PRIMARY KEY,
	unified_campaign_id TEXT NOT NULL,
	campaign_name TEXT NOT NULL,
	source_platform TEXT NOT NULL,
	event_date DATE NOT NULL,
	impressions BIGINT NOT NULL,
	clicks BIGINT NOT NULL,
	spend NUMERIC(18,6) NOT NULL,
	conversions BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema for %s: %w", s.table, err)
	}
	index := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_campaign_day ON %s (source_platform, unified_campaign_id, event_date)", s.table, s.table)
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("ensure index for %s: %w", s.table, err)
	}
	s.logger.Info().Msg("Schema ensured.")
	return nil
}

// MaxBatchSize implements messagepipeline.BatchLimiter.
func (s *Store) MaxBatchSize() int { return MaxBatchRows }

// Insert upserts one event and returns its record key.
func (s *Store) Insert(ctx context.Context, event types.NormalizedEvent) (string, error) {
	results, err := s.InsertMany(ctx, []types.NormalizedEvent{event})
	if err != nil {
		return "", err
	}
	return results[0].ID, results[0].Err
}

// InsertMany upserts events in statements of at most MaxBatchRows rows. Events
// sharing a record key within a statement collapse to the last one, since a
// single upsert cannot touch a row twice. Each statement is atomic; a failure
// fails the whole call, and rows of earlier statements stay written.
func (s *Store) InsertMany(ctx context.Context, events []types.NormalizedEvent) ([]types.ItemResult, error) {
	if len(events) == 0 {
		return nil, nil
	}
	for start := 0; start < len(events); start += MaxBatchRows {
		if err := s.upsert(ctx, events[start:min(start+MaxBatchRows, len(events))]); err != nil {
			return nil, err
		}
	}

	results := make([]types.ItemResult, len(events))
	for i, ev := range events {
		results[i].ID = ev.Key()
	}
	return results, nil
}

func (s *Store) upsert(ctx context.Context, events []types.NormalizedEvent) error {
	last := make(map[string]int, len(events))
	order := make([]string, 0, len(events))
	for i, ev := range events {
		key := ev.Key()
		if _, seen := last[key]; !seen {
			order = append(order, key)
		}
		last[key] = i
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(s.table)
	b.WriteString(" (record_key, unified_campaign_id, campaign_name, source_platform, event_date, impressions, clicks, spend, conversions) VALUES ")
	args := make([]any, 0, len(order)*columnCount)
	for i, key := range order {
		ev := events[last[key]]
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for c := range columnCount {
			if c > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", len(args)+c+1)
		}
		b.WriteString(")")
		args = append(args,
			key,
			ev.UnifiedCampaignID,
			ev.CampaignName,
			ev.SourcePlatform,
			ev.EventDate,
			ev.Impressions,
			ev.Clicks,
			ev.Spend.String(),
			ev.Conversions,
		)
	}
	b.WriteString(" ON CONFLICT (record_key) DO UPDATE SET" +
		" unified_campaign_id = EXCLUDED.unified_campaign_id," +
		" campaign_name = EXCLUDED.campaign_name," +
		" source_platform = EXCLUDED.source_platform," +
		" event_date = EXCLUDED.event_date," +
		" impressions = EXCLUDED.impressions," +
		" clicks = EXCLUDED.clicks," +
		" spend = EXCLUDED.spend," +
		" conversions = EXCLUDED.conversions," +
		" updated_at = now()")

	if _, err := s.db.ExecContext(ctx, b.String(), args...); err != nil {
		s.logger.Error().Err(err).Int("batch_size", len(events)).Msg("Failed to upsert normalized events.")
		return fmt.Errorf("upsert into %s: %w", s.table, err)
	}
	s.logger.Debug().Int("batch_size", len(events)).Int("rows", len(order)).Msg("Upserted normalized events.")
	return nil
}
