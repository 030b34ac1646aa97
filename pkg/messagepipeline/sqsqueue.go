package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/rs/zerolog"
)

// sqsBatchLimit is the SQS limit for SendMessageBatch and ReceiveMessage.
const sqsBatchLimit = 10

// SQSAPI is the subset of *sqs.Client used by SQSQueue.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, in *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueueConfig holds configuration for the SQS queue adapter.
type SQSQueueConfig struct {
	QueueURL string
	Region   string
}

// NewSQSClient builds an SQS client from the default AWS credential chain.
func NewSQSClient(ctx context.Context, region string) (*sqs.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// SQSQueue is a QueueClient on Amazon SQS. The receipt handle is the delete
// token.
type SQSQueue struct {
	api      SQSAPI
	queueURL string
	logger   zerolog.Logger
}

// NewSQSQueue creates the adapter.
func NewSQSQueue(cfg SQSQueueConfig, api SQSAPI, logger zerolog.Logger) (*SQSQueue, error) {
	if api == nil {
		return nil, errors.New("sqs client cannot be nil")
	}
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs queue url is required")
	}
	return &SQSQueue{
		api:      api,
		queueURL: cfg.QueueURL,
		logger:   logger.With().Str("component", "SQSQueue").Str("queue_url", cfg.QueueURL).Logger(),
	}, nil
}

// MaxBatchSize returns the SQS batch limit.
func (q *SQSQueue) MaxBatchSize() int { return sqsBatchLimit }

// Publish sends one message.
func (q *SQSQueue) Publish(ctx context.Context, body []byte) (string, error) {
	out, err := q.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return "", fmt.Errorf("sqs send message: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// PublishBatch sends up to ten messages in one call. Entries SQS rejects are
// reported per message.
func (q *SQSQueue) PublishBatch(ctx context.Context, bodies [][]byte) ([]types.ItemResult, error) {
	if len(bodies) == 0 {
		return nil, nil
	}
	if len(bodies) > sqsBatchLimit {
		return nil, fmt.Errorf("batch of %d exceeds limit %d", len(bodies), sqsBatchLimit)
	}

	entries := make([]sqstypes.SendMessageBatchRequestEntry, len(bodies))
	for i, body := range bodies {
		entries[i] = sqstypes.SendMessageBatchRequestEntry{
			Id:          aws.String(strconv.Itoa(i)),
			MessageBody: aws.String(string(body)),
		}
	}
	out, err := q.api.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(q.queueURL),
		Entries:  entries,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs send message batch: %w", err)
	}

	results := make([]types.ItemResult, len(bodies))
	seen := make([]bool, len(bodies))
	for _, ok := range out.Successful {
		i, convErr := strconv.Atoi(aws.ToString(ok.Id))
		if convErr != nil || i < 0 || i >= len(bodies) {
			continue
		}
		results[i].ID = aws.ToString(ok.MessageId)
		seen[i] = true
	}
	for _, failed := range out.Failed {
		i, convErr := strconv.Atoi(aws.ToString(failed.Id))
		if convErr != nil || i < 0 || i >= len(bodies) {
			continue
		}
		results[i].Err = fmt.Errorf("sqs rejected entry: %s: %s", aws.ToString(failed.Code), aws.ToString(failed.Message))
		seen[i] = true
	}
	for i := range results {
		if !seen[i] {
			results[i].Err = errors.New("sqs returned no result for entry")
		}
	}
	return results, nil
}

// ReceiveBatch long-polls for up to maxMessages.
func (q *SQSQueue) ReceiveBatch(ctx context.Context, maxMessages int, wait, visibility time.Duration) ([]types.QueueMessage, error) {
	out, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.queueURL),
		MaxNumberOfMessages:         int32(min(maxMessages, sqsBatchLimit)),
		WaitTimeSeconds:             int32(wait / time.Second),
		VisibilityTimeout:           int32(visibility / time.Second),
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive message: %w", err)
	}

	msgs := make([]types.QueueMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		count, _ := strconv.Atoi(m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
		msgs = append(msgs, types.QueueMessage{
			MessageID:    aws.ToString(m.MessageId),
			AckToken:     aws.ToString(m.ReceiptHandle),
			Body:         aws.ToString(m.Body),
			ReceiveCount: count,
		})
	}
	return msgs, nil
}

// Delete removes the message identified by its receipt handle.
func (q *SQSQueue) Delete(ctx context.Context, ackToken string) error {
	_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(ackToken),
	})
	if err != nil {
		return fmt.Errorf("sqs delete message: %w", err)
	}
	return nil
}
