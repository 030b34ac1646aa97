package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/go-campaignflow/pkg/messagepipeline"
	"gopkg.in/yaml.v3"
)

// Queue backends.
const (
	QueueSQS    = "sqs"
	QueuePubsub = "pubsub"
)

// Store backends.
const (
	RawFirestore       = "firestore"
	RawGCS             = "gcs"
	NormalizedPostgres = "postgres"
	NormalizedBigQuery = "bigquery"
)

// Role selects which process the configuration is validated for.
type Role string

const (
	RoleCollector  Role = "collector"
	RoleNormalizer Role = "normalizer"
)

// Config is the configuration of both processes.
type Config struct {
	LogLevel        string `yaml:"log_level"`
	HTTPPort        string `yaml:"http_port"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`

	Queue           QueueConfig           `yaml:"queue"`
	Producer        ProducerConfig        `yaml:"producer"`
	Consumer        ConsumerConfig        `yaml:"consumer"`
	RawStore        RawStoreConfig        `yaml:"raw_store"`
	NormalizedStore NormalizedStoreConfig `yaml:"normalized_store"`
	Dedup           DedupConfig           `yaml:"dedup"`
	Collector       CollectorConfig       `yaml:"collector"`
}

type QueueConfig struct {
	Backend              string `yaml:"backend"`
	SQSQueueURL          string `yaml:"sqs_queue_url"`
	AWSRegion            string `yaml:"aws_region"`
	PubsubTopicID        string `yaml:"pubsub_topic_id"`
	PubsubSubscriptionID string `yaml:"pubsub_subscription_id"`
}

// ProducerConfig tunes the collector's publish accumulator.
type ProducerConfig struct {
	MaxBatchSize         int `yaml:"max_batch_size"`
	FlushIntervalMs      int `yaml:"flush_interval_ms"`
	MaxConcurrentBatches int `yaml:"max_concurrent_batches"`
	FlushTimeoutMs       int `yaml:"flush_timeout_ms"`
	MaxFlushAttempts     int `yaml:"max_flush_attempts"`
}

// ConsumerConfig tunes the normalizer's poller and store writers.
type ConsumerConfig struct {
	WorkerCount              int `yaml:"worker_count"`
	MaxMessagesPerBatch      int `yaml:"max_messages_per_batch"`
	PollingIntervalMs        int `yaml:"polling_interval_ms"`
	ProcessingTimeoutMs      int `yaml:"processing_timeout_ms"`
	VisibilityTimeoutSeconds int `yaml:"visibility_timeout_seconds"`
	WaitTimeSeconds          int `yaml:"wait_time_seconds"`
	AckAttempts              int `yaml:"ack_attempts"`
	// Store writes from all workers are coalesced into batches of at most
	// WriteBatchSize, with at most MaxConcurrentWrites in flight.
	WriteBatchSize       int `yaml:"write_batch_size"`
	WriteFlushIntervalMs int `yaml:"write_flush_interval_ms"`
	MaxConcurrentWrites  int `yaml:"max_concurrent_writes"`
}

type RawStoreConfig struct {
	Backend      string `yaml:"backend"`
	Collection   string `yaml:"collection"`
	Bucket       string `yaml:"bucket"`
	ObjectPrefix string `yaml:"object_prefix"`
}

type NormalizedStoreConfig struct {
	Backend         string `yaml:"backend"`
	PostgresDSN     string `yaml:"postgres_dsn"`
	Table           string `yaml:"table"`
	BigQueryDataset string `yaml:"bigquery_dataset"`
	BigQueryTable   string `yaml:"bigquery_table"`
}

// DedupConfig enables processed-message markers on the consumer.
type DedupConfig struct {
	Enabled    bool   `yaml:"enabled"`
	RedisAddr  string `yaml:"redis_addr"`
	LRUSize    int    `yaml:"lru_size"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type CollectorConfig struct {
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// CELExpression, when set, must evaluate to true for an event to be accepted.
	CELExpression string   `yaml:"cel_expression"`
	Sources       []string `yaml:"sources"`
}

// Load reads the YAML file at path, applies defaults and environment
// overrides, and validates the result for role. An empty path skips the file.
func Load(path string, role Role) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(role); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.LogLevel, "info")
	setDefault(&c.HTTPPort, ":8080")
	setDefault(&c.Queue.Backend, QueueSQS)
	setDefault(&c.Queue.PubsubSubscriptionID, "campaign-events-normalizer")

	setDefault(&c.Producer.MaxBatchSize, 10)
	setDefault(&c.Producer.FlushIntervalMs, 1000)
	setDefault(&c.Producer.MaxConcurrentBatches, 5)
	setDefault(&c.Producer.FlushTimeoutMs, 30000)
	setDefault(&c.Producer.MaxFlushAttempts, 3)

	setDefault(&c.Consumer.WorkerCount, 3)
	setDefault(&c.Consumer.MaxMessagesPerBatch, 10)
	setDefault(&c.Consumer.PollingIntervalMs, 1000)
	setDefault(&c.Consumer.ProcessingTimeoutMs, 25000)
	setDefault(&c.Consumer.VisibilityTimeoutSeconds, 30)
	setDefault(&c.Consumer.WaitTimeSeconds, 20)
	setDefault(&c.Consumer.AckAttempts, 3)
	setDefault(&c.Consumer.WriteBatchSize, 50)
	setDefault(&c.Consumer.WriteFlushIntervalMs, 50)
	setDefault(&c.Consumer.MaxConcurrentWrites, 5)

	setDefault(&c.RawStore.Backend, RawFirestore)
	setDefault(&c.RawStore.Collection, "raw_events")
	setDefault(&c.RawStore.ObjectPrefix, "raw")
	setDefault(&c.NormalizedStore.Backend, NormalizedPostgres)
	setDefault(&c.NormalizedStore.Table, "normalized_events")
	setDefault(&c.NormalizedStore.BigQueryDataset, "marketing")
	setDefault(&c.NormalizedStore.BigQueryTable, "normalized_events")

	setDefault(&c.Dedup.LRUSize, 100_000)
	setDefault(&c.Dedup.TTLSeconds, 86400)

	setDefault(&c.Collector.MaxBodyBytes, 1<<20)
	if len(c.Collector.Sources) == 0 {
		c.Collector.Sources = []string{"meta", "google"}
	}
}

func (c *Config) applyEnv() error {
	envString("SQS_QUEUE_URL", &c.Queue.SQSQueueURL)
	envString("AWS_REGION", &c.Queue.AWSRegion)
	envString("PUBSUB_TOPIC_ID", &c.Queue.PubsubTopicID)
	envString("PUBSUB_SUBSCRIPTION_ID", &c.Queue.PubsubSubscriptionID)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("POSTGRES_DSN", &c.NormalizedStore.PostgresDSN)
	envString("REDIS_ADDR", &c.Dedup.RedisAddr)
	envString("GCP_PROJECT_ID", &c.ProjectID)
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			v = ":" + v
		}
		c.HTTPPort = v
	}

	return errors.Join(
		envInt("MAX_BATCH_SIZE", &c.Producer.MaxBatchSize),
		envInt("FLUSH_INTERVAL_MS", &c.Producer.FlushIntervalMs),
		envInt("MAX_CONCURRENT_BATCHES", &c.Producer.MaxConcurrentBatches),
		envInt("POLLING_INTERVAL_MS", &c.Consumer.PollingIntervalMs),
		envInt("WORKER_COUNT", &c.Consumer.WorkerCount),
		envInt("PROCESSING_TIMEOUT_MS", &c.Consumer.ProcessingTimeoutMs),
		envInt("VISIBILITY_TIMEOUT_SECONDS", &c.Consumer.VisibilityTimeoutSeconds),
	)
}

// Validate checks the fields the given role depends on.
func (c *Config) Validate(role Role) error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	switch c.Queue.Backend {
	case QueueSQS:
		if c.Queue.SQSQueueURL == "" {
			errs = append(errs, errors.New("queue.sqs_queue_url is required for the sqs backend"))
		}
	case QueuePubsub:
		if c.ProjectID == "" {
			errs = append(errs, errors.New("project_id is required for the pubsub backend"))
		}
		if c.Queue.PubsubTopicID == "" {
			errs = append(errs, errors.New("queue.pubsub_topic_id is required for the pubsub backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.Queue.Backend))
	}

	switch role {
	case RoleCollector:
		positive("producer.max_batch_size", c.Producer.MaxBatchSize)
		positive("producer.flush_interval_ms", c.Producer.FlushIntervalMs)
		positive("producer.max_concurrent_batches", c.Producer.MaxConcurrentBatches)
	case RoleNormalizer:
		positive("consumer.worker_count", c.Consumer.WorkerCount)
		positive("consumer.polling_interval_ms", c.Consumer.PollingIntervalMs)
		positive("consumer.processing_timeout_ms", c.Consumer.ProcessingTimeoutMs)
		positive("consumer.visibility_timeout_seconds", c.Consumer.VisibilityTimeoutSeconds)
		positive("consumer.max_concurrent_writes", c.Consumer.MaxConcurrentWrites)
		if c.Consumer.ProcessingTimeoutMs >= c.Consumer.VisibilityTimeoutSeconds*1000 {
			errs = append(errs, errors.New("consumer.processing_timeout_ms must be shorter than the visibility timeout"))
		}
		if c.Queue.Backend == QueuePubsub && c.Queue.PubsubSubscriptionID == "" {
			errs = append(errs, errors.New("queue.pubsub_subscription_id is required for the pubsub backend"))
		}
		switch c.RawStore.Backend {
		case RawFirestore:
			if c.ProjectID == "" {
				errs = append(errs, errors.New("project_id is required for the firestore raw store"))
			}
		case RawGCS:
			if c.RawStore.Bucket == "" {
				errs = append(errs, errors.New("raw_store.bucket is required for the gcs raw store"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown raw store backend %q", c.RawStore.Backend))
		}
		switch c.NormalizedStore.Backend {
		case NormalizedPostgres:
			if c.NormalizedStore.PostgresDSN == "" {
				errs = append(errs, errors.New("normalized_store.postgres_dsn is required for the postgres store"))
			}
		case NormalizedBigQuery:
			if c.ProjectID == "" {
				errs = append(errs, errors.New("project_id is required for the bigquery store"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown normalized store backend %q", c.NormalizedStore.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown role %q", role))
	}
	return errors.Join(errs...)
}

// PublishAccumulator returns the collector's accumulator settings. The sink
// limit is filled in from the queue by the publisher.
func (c *Config) PublishAccumulator() messagepipeline.AccumulatorConfig {
	return messagepipeline.AccumulatorConfig{
		MaxBatchSize:     c.Producer.MaxBatchSize,
		FlushInterval:    ms(c.Producer.FlushIntervalMs),
		FlushTimeout:     ms(c.Producer.FlushTimeoutMs),
		MaxFlushAttempts: c.Producer.MaxFlushAttempts,
	}
}

// WriteAccumulator returns the settings for the consumer's store writers. The
// sink limit is filled in from each store by its writer.
func (c *Config) WriteAccumulator() messagepipeline.AccumulatorConfig {
	return messagepipeline.AccumulatorConfig{
		MaxBatchSize:     c.Consumer.WriteBatchSize,
		FlushInterval:    ms(c.Consumer.WriteFlushIntervalMs),
		FlushTimeout:     ms(c.Consumer.ProcessingTimeoutMs),
		MaxFlushAttempts: 1,
	}
}

// Poller returns the consumer's poller settings.
func (c *Config) Poller() messagepipeline.PollerConfig {
	return messagepipeline.PollerConfig{
		WorkerCount:         c.Consumer.WorkerCount,
		MaxMessagesPerBatch: c.Consumer.MaxMessagesPerBatch,
		WaitTime:            time.Duration(c.Consumer.WaitTimeSeconds) * time.Second,
		VisibilityTimeout:   time.Duration(c.Consumer.VisibilityTimeoutSeconds) * time.Second,
		PollingInterval:     ms(c.Consumer.PollingIntervalMs),
		ProcessingTimeout:   ms(c.Consumer.ProcessingTimeoutMs),
		MaxErrorBackoff:     30 * time.Second,
	}
}

// DualSink returns the item pipeline settings.
func (c *Config) DualSink() messagepipeline.DualSinkConfig {
	cfg := messagepipeline.NewDualSinkDefaults()
	cfg.AckAttempts = c.Consumer.AckAttempts
	return cfg
}

// DedupTTL is the lifetime of a processed marker.
func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.Dedup.TTLSeconds) * time.Second
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

func envString(name string, field *string) {
	if v := os.Getenv(name); v != "" {
		*field = v
	}
}

func envInt(name string, field *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("environment variable %s: %w", name, err)
	}
	*field = n
	return nil
}
