package main

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	pubsubapi "cloud.google.com/go/pubsub/apiv1"
	"github.com/illmade-knight/go-campaignflow/pkg/config"
	"github.com/illmade-knight/go-campaignflow/pkg/messagepipeline"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// cleanups runs registered closers in reverse order.
type cleanups []func()

func (c *cleanups) add(fn func()) { *c = append(*c, fn) }

func (c cleanups) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func clientOptions(cfg *config.Config) []option.ClientOption {
	if cfg.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}
}

// newQueue connects to the configured queue backend. withReceiver adds the
// Pub/Sub subscriber client the consumer needs.
func newQueue(ctx context.Context, cfg *config.Config, withReceiver bool, closers *cleanups, logger zerolog.Logger) (messagepipeline.QueueClient, error) {
	switch cfg.Queue.Backend {
	case config.QueueSQS:
		api, err := messagepipeline.NewSQSClient(ctx, cfg.Queue.AWSRegion)
		if err != nil {
			return nil, err
		}
		return messagepipeline.NewSQSQueue(messagepipeline.SQSQueueConfig{
			QueueURL: cfg.Queue.SQSQueueURL,
			Region:   cfg.Queue.AWSRegion,
		}, api, logger)

	case config.QueuePubsub:
		client, err := pubsub.NewClient(ctx, cfg.ProjectID, clientOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create pubsub client: %w", err)
		}
		closers.add(func() { _ = client.Close() })

		var subscriber *pubsubapi.SubscriberClient
		if withReceiver {
			subscriber, err = pubsubapi.NewSubscriberClient(ctx, clientOptions(cfg)...)
			if err != nil {
				return nil, fmt.Errorf("failed to create pubsub subscriber client: %w", err)
			}
			closers.add(func() { _ = subscriber.Close() })
		}

		qcfg := messagepipeline.NewGooglePubsubQueueDefaults()
		qcfg.ProjectID = cfg.ProjectID
		qcfg.TopicID = cfg.Queue.PubsubTopicID
		qcfg.SubscriptionID = cfg.Queue.PubsubSubscriptionID
		queue, err := messagepipeline.NewGooglePubsubQueue(ctx, qcfg, client, subscriber, logger)
		if err != nil {
			return nil, err
		}
		closers.add(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = queue.Stop(stopCtx)
		})
		return queue, nil

	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}
