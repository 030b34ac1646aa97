package main

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-campaignflow/pkg/bqstore"
	"github.com/illmade-knight/go-campaignflow/pkg/cache"
	"github.com/illmade-knight/go-campaignflow/pkg/collector"
	"github.com/illmade-knight/go-campaignflow/pkg/config"
	"github.com/illmade-knight/go-campaignflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-campaignflow/pkg/microservice"
	"github.com/illmade-knight/go-campaignflow/pkg/normalizer"
	"github.com/illmade-knight/go-campaignflow/pkg/observability"
	"github.com/illmade-knight/go-campaignflow/pkg/pgstore"
	"github.com/illmade-knight/go-campaignflow/pkg/rawstore"
	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func newCollector(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (microservice.Service, func(), error) {
	var closers cleanups
	fail := func(err error) (microservice.Service, func(), error) {
		closers.run()
		return nil, nil, err
	}

	queue, err := newQueue(ctx, cfg, false, &closers, logger)
	if err != nil {
		return fail(err)
	}

	gate := messagepipeline.NewGate(cfg.Producer.MaxConcurrentBatches)
	publisher, err := messagepipeline.NewEventPublisher(cfg.PublishAccumulator(), queue, gate, logger)
	if err != nil {
		return fail(err)
	}

	validators := collector.Chain{collector.StructuralValidator{Sources: cfg.Collector.Sources}}
	if cfg.Collector.CELExpression != "" {
		celValidator, err := collector.NewCELValidator(cfg.Collector.CELExpression)
		if err != nil {
			return fail(err)
		}
		validators = append(validators, celValidator)
	}

	handler, err := collector.NewHandler(collector.HandlerConfig{MaxBodyBytes: cfg.Collector.MaxBodyBytes}, publisher, validators, publisher.Accumulator(), logger)
	if err != nil {
		return fail(err)
	}

	reg := newRegistry()
	metrics := observability.NewPipelineCollector("campaignflow")
	metrics.AddAccumulator("publish", publisher.Accumulator())
	metrics.AddGate("publish", gate)
	reg.MustRegister(metrics)

	svc, err := collector.NewService(cfg.HTTPPort, handler, publisher, reg, logger)
	if err != nil {
		return fail(err)
	}
	return svc, closers.run, nil
}

func newNormalizer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (microservice.Service, func(), error) {
	var closers cleanups
	fail := func(err error) (microservice.Service, func(), error) {
		closers.run()
		return nil, nil, err
	}

	registry := normalizer.NewDefaultRegistry()
	if err := registry.Require(cfg.Collector.Sources...); err != nil {
		return fail(err)
	}

	queue, err := newQueue(ctx, cfg, true, &closers, logger)
	if err != nil {
		return fail(err)
	}
	raw, err := newRawStore(ctx, cfg, &closers, logger)
	if err != nil {
		return fail(err)
	}
	normalized, err := newNormalizedStore(ctx, cfg, &closers, logger)
	if err != nil {
		return fail(err)
	}

	deps := normalizer.ServiceDeps{
		Queue:      queue,
		Raw:        raw,
		Normalized: normalized,
		Normalizer: registry,
		Registry:   newRegistry(),
	}
	if cfg.Dedup.Enabled {
		marker, err := newMarker(ctx, cfg, &closers, logger)
		if err != nil {
			return fail(err)
		}
		deps.Marker = marker
	}

	svc, err := normalizer.NewService(normalizer.ServiceConfig{
		HTTPPort:            cfg.HTTPPort,
		Poller:              cfg.Poller(),
		DualSink:            cfg.DualSink(),
		Writes:              cfg.WriteAccumulator(),
		MaxConcurrentWrites: cfg.Consumer.MaxConcurrentWrites,
	}, deps, logger)
	if err != nil {
		return fail(err)
	}
	return svc, closers.run, nil
}

func newRawStore(ctx context.Context, cfg *config.Config, closers *cleanups, logger zerolog.Logger) (messagepipeline.ManyInserter[types.RawRecord], error) {
	switch cfg.RawStore.Backend {
	case config.RawFirestore:
		client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		closers.add(func() { _ = client.Close() })
		return rawstore.NewFirestoreStore(&rawstore.FirestoreConfig{
			ProjectID:      cfg.ProjectID,
			CollectionName: cfg.RawStore.Collection,
		}, client, logger)

	case config.RawGCS:
		client, err := storage.NewClient(ctx, clientOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		closers.add(func() { _ = client.Close() })
		return rawstore.NewGCSArchive(rawstore.NewGCSClientAdapter(client), rawstore.GCSArchiveConfig{
			BucketName:   cfg.RawStore.Bucket,
			ObjectPrefix: cfg.RawStore.ObjectPrefix,
		}, logger)

	default:
		return nil, fmt.Errorf("unknown raw store backend %q", cfg.RawStore.Backend)
	}
}

func newNormalizedStore(ctx context.Context, cfg *config.Config, closers *cleanups, logger zerolog.Logger) (messagepipeline.ManyInserter[types.NormalizedEvent], error) {
	switch cfg.NormalizedStore.Backend {
	case config.NormalizedPostgres:
		db, err := pgstore.Open(ctx, cfg.NormalizedStore.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		closers.add(func() { _ = db.Close() })
		store, err := pgstore.NewStore(db, cfg.NormalizedStore.Table, logger)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil

	case config.NormalizedBigQuery:
		client, err := bqstore.NewProductionBigQueryClient(ctx, cfg.ProjectID, cfg.CredentialsFile, logger)
		if err != nil {
			return nil, err
		}
		closers.add(func() { _ = client.Close() })
		return bqstore.NewNormalizedTable(ctx, client, &bqstore.BigQueryDatasetConfig{
			ProjectID: cfg.ProjectID,
			DatasetID: cfg.NormalizedStore.BigQueryDataset,
			TableID:   cfg.NormalizedStore.BigQueryTable,
		}, logger)

	default:
		return nil, fmt.Errorf("unknown normalized store backend %q", cfg.NormalizedStore.Backend)
	}
}

// newMarker puts an in-process LRU in front of Redis. Without a Redis address
// the LRU alone is used, which only dedupes redeliveries to this process.
func newMarker(ctx context.Context, cfg *config.Config, closers *cleanups, logger zerolog.Logger) (messagepipeline.ProcessedMarker, error) {
	local, err := cache.NewLRUMarker(cfg.Dedup.LRUSize)
	if err != nil {
		return nil, err
	}
	if cfg.Dedup.RedisAddr == "" {
		logger.Warn().Msg("Dedup enabled without a Redis address; markers are local to this process.")
		return local, nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	shared, err := cache.NewRedisMarker(pingCtx, &cache.RedisConfig{
		Addr:      cfg.Dedup.RedisAddr,
		MarkerTTL: cfg.DedupTTL(),
	}, logger)
	if err != nil {
		return nil, err
	}
	closers.add(func() { _ = shared.Close() })
	return cache.NewTieredMarker(local, shared, logger), nil
}
