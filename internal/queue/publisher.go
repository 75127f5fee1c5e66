// Package queue provides the SQS-based message producer dispatching send
// payloads to the delivery workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"notifly/internal/config"
	"notifly/internal/types"
)

// maxSQSDelay is the SQS per-message DelaySeconds ceiling. Deferrals
// longer than this (quiet-hours rollovers can reach a full day) are
// re-published in hops: the worker re-checks the preference gate on
// receipt and defers again if the window is still active.
const maxSQSDelay = 900 * time.Second

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SendPublisher serializes SendMessage envelopes and dispatches them to
// the send queue.
type SendPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewSendPublisher creates a publisher targeting the configured send queue.
func NewSendPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *SendPublisher {
	return &SendPublisher{
		client:   client,
		queueURL: awsCfg.SendQueue,
		logger:   logger,
	}
}

// Publish dispatches a send message with no delivery delay.
func (p *SendPublisher) Publish(ctx context.Context, msg types.SendMessage, reason string) error {
	return p.publish(ctx, msg, 0, reason)
}

// PublishDelayed dispatches a send message with an SQS delivery delay,
// clamped to the SQS maximum of 15 minutes.
func (p *SendPublisher) PublishDelayed(ctx context.Context, msg types.SendMessage, delay time.Duration, reason string) error {
	return p.publish(ctx, msg, delay, reason)
}

// Retry increments the message's retry count and re-publishes it with a
// delivery delay. Workers call this on transient provider failures.
func (p *SendPublisher) Retry(ctx context.Context, msg types.SendMessage, delay time.Duration) error {
	msg.RetryCount++
	return p.publish(ctx, msg, delay, "retry")
}

func (p *SendPublisher) publish(ctx context.Context, msg types.SendMessage, delay time.Duration, reason string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal SendMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	}
	if delay > 0 {
		input.DelaySeconds = clampDelaySeconds(delay)
	}

	_, err = p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("queue: failed to send SendMessage to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "send message published",
		"queue_url", p.queueURL,
		"notification_id", msg.NotificationID,
		"trace_id", msg.TraceID,
		"channel", string(msg.Channel),
		"delay_seconds", input.DelaySeconds,
		"retry_count", msg.RetryCount,
		"reason", reason,
	)

	return nil
}

func clampDelaySeconds(delay time.Duration) int32 {
	if delay > maxSQSDelay {
		delay = maxSQSDelay
	}
	return int32(delay / time.Second)
}
