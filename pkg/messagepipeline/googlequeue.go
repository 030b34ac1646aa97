package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	pubsubapi "cloud.google.com/go/pubsub/apiv1"
	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Pub/Sub bounds on a message's ack deadline.
const (
	minAckDeadline = 10 * time.Second
	maxAckDeadline = 600 * time.Second
)

// GooglePubsubQueueConfig holds configuration for the Pub/Sub queue adapter.
type GooglePubsubQueueConfig struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
	// MaxBatchSize is the per-call limit advertised to accumulators.
	MaxBatchSize               int
	TopicExistsTimeout         time.Duration
	PublishConfirmationTimeout time.Duration
}

// NewGooglePubsubQueueDefaults provides a config with sensible defaults.
func NewGooglePubsubQueueDefaults() *GooglePubsubQueueConfig {
	cfg := &GooglePubsubQueueConfig{
		MaxBatchSize:               10,
		TopicExistsTimeout:         15 * time.Second,
		PublishConfirmationTimeout: 20 * time.Second,
	}
	if v := os.Getenv("PUBSUB_TOPIC_ID"); v != "" {
		cfg.TopicID = v
	}
	if v := os.Getenv("PUBSUB_SUBSCRIPTION_ID"); v != "" {
		cfg.SubscriptionID = v
	}
	if v := os.Getenv("PUBSUB_MAX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxBatchSize = n
		}
	}
	return cfg
}

// GooglePubsubQueue is a QueueClient on Google Cloud Pub/Sub. Publishing goes
// through the topic client. Receiving uses synchronous Pull, where the ack ID
// is the delete token and the ack deadline is the visibility timeout.
type GooglePubsubQueue struct {
	topic          *pubsub.Topic
	subscriber     *pubsubapi.SubscriberClient
	subscription   string
	maxBatchSize   int
	confirmTimeout time.Duration
	logger         zerolog.Logger
}

// NewGooglePubsubQueue creates the adapter and verifies the topic exists.
// subscriber may be nil for a publish-only queue.
func NewGooglePubsubQueue(
	ctx context.Context,
	cfg *GooglePubsubQueueConfig,
	client *pubsub.Client,
	subscriber *pubsubapi.SubscriberClient,
	logger zerolog.Logger,
) (*GooglePubsubQueue, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil")
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}

	topic := client.Topic(cfg.TopicID)
	topic.PublishSettings.CountThreshold = cfg.MaxBatchSize
	topic.PublishSettings.DelayThreshold = 10 * time.Millisecond

	existsCtx, cancel := context.WithTimeout(ctx, cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	projectID := cfg.ProjectID
	if projectID == "" {
		projectID = client.Project()
	}

	logger.Info().Str("topic_id", cfg.TopicID).Str("subscription_id", cfg.SubscriptionID).Msg("GooglePubsubQueue initialized successfully.")
	return &GooglePubsubQueue{
		topic:          topic,
		subscriber:     subscriber,
		subscription:   fmt.Sprintf("projects/%s/subscriptions/%s", projectID, cfg.SubscriptionID),
		maxBatchSize:   cfg.MaxBatchSize,
		confirmTimeout: cfg.PublishConfirmationTimeout,
		logger:         logger.With().Str("component", "GooglePubsubQueue").Str("topic_id", cfg.TopicID).Logger(),
	}, nil
}

// MaxBatchSize returns the configured per-call limit.
func (q *GooglePubsubQueue) MaxBatchSize() int { return q.maxBatchSize }

// Publish sends one message and waits for the server-assigned ID.
func (q *GooglePubsubQueue) Publish(ctx context.Context, body []byte) (string, error) {
	res := q.topic.Publish(ctx, &pubsub.Message{Data: body})
	return q.confirm(res)
}

// PublishBatch publishes every body and waits for each confirmation. Failures
// are reported per message.
func (q *GooglePubsubQueue) PublishBatch(ctx context.Context, bodies [][]byte) ([]types.ItemResult, error) {
	if len(bodies) > q.maxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds limit %d", len(bodies), q.maxBatchSize)
	}
	pending := make([]*pubsub.PublishResult, len(bodies))
	for i, body := range bodies {
		pending[i] = q.topic.Publish(ctx, &pubsub.Message{Data: body})
	}
	results := make([]types.ItemResult, len(bodies))
	for i, res := range pending {
		id, err := q.confirm(res)
		results[i] = types.ItemResult{ID: id, Err: err}
	}
	return results, nil
}

func (q *GooglePubsubQueue) confirm(res *pubsub.PublishResult) (string, error) {
	getCtx, cancel := context.WithTimeout(context.Background(), q.confirmTimeout)
	defer cancel()
	id, err := res.Get(getCtx)
	if err != nil {
		q.logger.Error().Err(err).Msg("Failed to get publish result.")
		return "", fmt.Errorf("pubsub publish: %w", err)
	}
	return id, nil
}

// ReceiveBatch pulls up to maxMessages, waiting at most wait for any to
// arrive, and extends their ack deadline to visibility.
func (q *GooglePubsubQueue) ReceiveBatch(ctx context.Context, maxMessages int, wait, visibility time.Duration) ([]types.QueueMessage, error) {
	if q.subscriber == nil {
		return nil, errors.New("queue was created without a subscriber client")
	}
	pullCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		pullCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	resp, err := q.subscriber.Pull(pullCtx, &pubsubpb.PullRequest{
		Subscription: q.subscription,
		MaxMessages:  int32(maxMessages),
	})
	if err != nil {
		if ctx.Err() == nil && (pullCtx.Err() != nil || status.Code(err) == codes.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("pubsub pull from %s: %w", q.subscription, err)
	}

	msgs := make([]types.QueueMessage, 0, len(resp.ReceivedMessages))
	ackIDs := make([]string, 0, len(resp.ReceivedMessages))
	for _, rm := range resp.ReceivedMessages {
		msgs = append(msgs, types.QueueMessage{
			MessageID:    rm.GetMessage().GetMessageId(),
			AckToken:     rm.GetAckId(),
			Body:         string(rm.GetMessage().GetData()),
			ReceiveCount: int(rm.GetDeliveryAttempt()),
		})
		ackIDs = append(ackIDs, rm.GetAckId())
	}

	if visibility > 0 && len(ackIDs) > 0 {
		deadline := min(max(visibility, minAckDeadline), maxAckDeadline)
		// Pulled messages are handed to the caller even if ctx is cancelled now.
		err := q.subscriber.ModifyAckDeadline(context.WithoutCancel(ctx), &pubsubpb.ModifyAckDeadlineRequest{
			Subscription:       q.subscription,
			AckIds:             ackIDs,
			AckDeadlineSeconds: int32(deadline / time.Second),
		})
		if err != nil {
			q.logger.Warn().Err(err).Msg("Failed to extend ack deadline; subscription default applies.")
		}
	}
	return msgs, nil
}

// Delete acknowledges the message identified by ackToken.
func (q *GooglePubsubQueue) Delete(ctx context.Context, ackToken string) error {
	if q.subscriber == nil {
		return errors.New("queue was created without a subscriber client")
	}
	err := q.subscriber.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: q.subscription,
		AckIds:       []string{ackToken},
	})
	if err != nil {
		return fmt.Errorf("pubsub acknowledge: %w", err)
	}
	return nil
}

// Stop flushes outstanding publishes, respecting ctx's deadline.
func (q *GooglePubsubQueue) Stop(ctx context.Context) error {
	stopDone := make(chan struct{})
	go func() {
		q.topic.Stop()
		close(stopDone)
	}()
	select {
	case <-stopDone:
		q.logger.Info().Msg("Pub/Sub topic stopped.")
		return nil
	case <-ctx.Done():
		q.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for Pub/Sub topic to flush and stop.")
		return ctx.Err()
	}
}
