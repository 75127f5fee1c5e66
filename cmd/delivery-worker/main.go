// Package main is the entrypoint for the Delivery Worker Lambda function.
//
// The Delivery Worker consumes send messages from the SQS send queue,
// re-checks the user's notification preferences at delivery time, dispatches
// through the provider for the message's channel, and records the lifecycle
// transition on the notification record. It implements the SQS Lambda handler
// pattern where each invocation receives a batch of messages.
//
// Cold start (main):
//  1. Initialize structured logger.
//  2. Resolve secrets and load configuration.
//  3. Initialize the database pool, SQS client, and CloudWatch client.
//  4. Build the preference service, provider registry, tracker, and publisher.
//  5. Register the handler and call lambda.Start.
//
// Handler flow per SQS message:
//  1. Unmarshal the send message (parse failures are acked, never retried).
//  2. Skip messages whose record already left the queued state.
//  3. Re-check the preference gate: a block fails the record, a quiet hours
//     deferral re-publishes the message with a delay.
//  4. Dispatch through the channel's provider.
//  5. Success marks the record sent; transient provider failures re-publish
//     with backoff until the attempt budget runs out; permanent failures
//     fail the record.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"notifly/internal/config"
	"notifly/internal/db"
	"notifly/internal/delivery"
	"notifly/internal/external"
	"notifly/internal/prefs"
	"notifly/internal/queue"
	"notifly/internal/telemetry"
	"notifly/internal/types"
)

const (
	// maxSendAttempts bounds the number of dispatch attempts per message,
	// including the first. Past the budget the record fails permanently.
	maxSendAttempts = 3

	// retryBaseDelay is the backoff for the first retry; each subsequent
	// retry doubles it.
	retryBaseDelay = 30 * time.Second

	// maxRetryDelay caps the computed backoff at the SQS delay ceiling.
	maxRetryDelay = 15 * time.Minute
)

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
// slog.Logger satisfies Info, Error, and Warn but With returns *slog.Logger,
// not types.Logger, so an adapter is necessary.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

// DeliveryStore loads the notification record behind a send message.
type DeliveryStore interface {
	GetByID(ctx context.Context, id string) (*types.NotificationRecord, error)
}

// LifecycleRecorder applies status transitions. Implemented by
// delivery.Tracker, which also emits the analytics for each transition.
type LifecycleRecorder interface {
	ApplyStatus(ctx context.Context, n *types.NotificationRecord, update types.StatusUpdate) error
}

// PreferenceGate re-evaluates the user's preferences at delivery time.
// Implemented by prefs.Service.
type PreferenceGate interface {
	CheckAllowed(ctx context.Context, userID string, channel types.Channel, category types.Category) prefs.Decision
}

// RetryQueue re-publishes messages back onto the send queue.
// Implemented by queue.SendPublisher.
type RetryQueue interface {
	// PublishDelayed re-publishes the message unchanged after delay.
	PublishDelayed(ctx context.Context, msg types.SendMessage, delay time.Duration, reason string) error

	// Retry increments the message's retry count and re-publishes it.
	Retry(ctx context.Context, msg types.SendMessage, delay time.Duration) error
}

// GateMetrics records gate outcomes observed at delivery time. Emission is
// best-effort; a nil GateMetrics disables it.
type GateMetrics interface {
	PreferenceBlocked(ctx context.Context, channel types.Channel, category types.Category)
	QuietHoursDeferred(ctx context.Context, channel types.Channel)
}

// Handler holds the dependencies for the delivery worker Lambda handler.
type Handler struct {
	store     DeliveryStore
	lifecycle LifecycleRecorder
	gate      PreferenceGate
	senders   external.SenderRegistry
	requeue   RetryQueue
	metrics   GateMetrics
	logger    types.Logger
}

// Handle processes an SQS event containing one or more send messages. Each
// message is processed independently; Lambda SQS integration uses partial
// batch responses, so messages that fail processing are returned in
// batchItemFailures and redelivered by SQS.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process SQS message",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processRecord runs one send message through the delivery pipeline.
// Returning an error means SQS should redeliver the message; returning nil
// acks it, including outcomes handled by re-publishing or failing the record.
func (h *Handler) processRecord(ctx context.Context, record events.SQSMessage) error {
	var msg types.SendMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		// Permanent parse failure, redelivery can never succeed.
		h.logger.Error("failed to unmarshal send message",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		return nil
	}

	logger := h.logger.With(
		"notification_id", msg.NotificationID,
		"user_id", msg.UserID,
		"channel", string(msg.Channel),
		"retry_count", msg.RetryCount,
		"trace_id", msg.TraceID,
	)

	n, err := h.store.GetByID(ctx, msg.NotificationID)
	if err != nil {
		if types.HasErrorCode(err, types.ErrCodeNotFoundNotification) {
			logger.Warn("send message references unknown notification, dropping")
			return nil
		}
		return fmt.Errorf("loading notification record: %w", err)
	}

	// Redelivered messages for records that already left the queued state
	// are acked without a second dispatch.
	if n.Status.Terminal() || n.Status.Rank() >= types.StatusSent.Rank() {
		logger.Info("notification already processed", "status", string(n.Status))
		return nil
	}

	// Preferences are re-checked on receipt: the user may have opted out,
	// or entered quiet hours, between enqueue and delivery.
	decision := h.gate.CheckAllowed(ctx, msg.UserID, msg.Channel, msg.Category)
	if !decision.Allowed {
		logger.Info("delivery blocked by preferences", "reason", decision.Reason)
		if h.metrics != nil {
			h.metrics.PreferenceBlocked(ctx, msg.Channel, msg.Category)
		}
		return h.lifecycle.ApplyStatus(ctx, n, types.StatusUpdate{
			Status:       types.StatusFailed,
			ErrorMessage: "blocked by preferences: " + decision.Reason,
		})
	}
	if decision.Deferred {
		// The publisher clamps the delay to the SQS maximum; long quiet
		// hours windows are covered by re-checking the gate on each hop.
		logger.Info("delivery deferred for quiet hours",
			"delay_seconds", int(decision.Delay.Seconds()))
		if h.metrics != nil {
			h.metrics.QuietHoursDeferred(ctx, msg.Channel)
		}
		return h.requeue.PublishDelayed(ctx, msg, decision.Delay, "quiet_hours_deferral")
	}

	sender, err := h.senders.SenderFor(msg.Channel)
	if err != nil {
		logger.Error("no provider for channel", "error", err.Error())
		return h.lifecycle.ApplyStatus(ctx, n, types.StatusUpdate{
			Status:       types.StatusFailed,
			ErrorMessage: "no provider configured for channel " + string(msg.Channel),
		})
	}

	providerMsgID, sendErr := sender.Send(ctx, msg)
	if sendErr == nil {
		logger.Info("notification dispatched",
			"provider", string(sender.Provider()),
			"provider_message_id", providerMsgID,
		)
		return h.lifecycle.ApplyStatus(ctx, n, types.StatusUpdate{
			Status:            types.StatusSent,
			ProviderMessageID: providerMsgID,
		})
	}

	if isTransient(sendErr) {
		if msg.RetryCount+1 >= maxSendAttempts {
			logger.Error("send attempt budget exhausted", "error", sendErr.Error())
			return h.lifecycle.ApplyStatus(ctx, n, types.StatusUpdate{
				Status:       types.StatusFailed,
				ErrorMessage: fmt.Sprintf("max retries exceeded: %v", sendErr),
			})
		}
		delay := retryBackoff(msg.RetryCount)
		logger.Warn("transient provider failure, scheduling retry",
			"delay_seconds", int(delay.Seconds()),
			"error", sendErr.Error(),
		)
		return h.requeue.Retry(ctx, msg, delay)
	}

	logger.Error("permanent provider failure", "error", sendErr.Error())
	return h.lifecycle.ApplyStatus(ctx, n, types.StatusUpdate{
		Status:       types.StatusFailed,
		ErrorMessage: sendErr.Error(),
	})
}

// isTransient reports whether a provider error is worth another attempt.
// Rate limiting and upstream outages recover; anything else (bad recipient,
// rejected payload, auth failure) will fail again identically.
func isTransient(err error) bool {
	return types.HasErrorCode(err, types.ErrCodeUpstreamRateLimited) ||
		types.HasErrorCode(err, types.ErrCodeUpstreamUnavailable)
}

// retryBackoff doubles the base delay per prior attempt, capped at the SQS
// delay ceiling.
func retryBackoff(retryCount int) time.Duration {
	delay := retryBaseDelay << retryCount
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("delivery worker initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	typedLogger := &slogAdapter{logger: logger}
	clock := types.RealClock{}

	ctx := context.Background()

	pool, err := newDBPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to initialize database pool", "error", err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	notifRepo := db.NewNotificationRepository(pool)
	prefsRepo := db.NewPreferencesRepository(pool)
	tokenRepo := db.NewTokenRepository(pool)

	prefsService := prefs.NewService(prefs.ServiceConfig{
		Store:    prefsRepo,
		Tokens:   tokenRepo,
		Gate:     prefs.NewGate(clock, typedLogger),
		Cache:    prefs.NewCache(cfg.Prefs.CacheTTL, clock),
		Clock:    clock,
		Logger:   typedLogger,
		TokenTTL: cfg.Prefs.TokenTTL,
	})

	analytics := telemetry.NewCloudWatchAnalytics(cwClient, typedLogger)
	tracker := delivery.NewTracker(notifRepo, analytics, clock, typedLogger)

	registry, err := external.NewClientRegistry(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize provider registry", "error", err)
		os.Exit(1)
	}

	publisher := queue.NewSendPublisher(sqsClient, cfg.AWS, logger)

	handler := &Handler{
		store:     notifRepo,
		lifecycle: tracker,
		gate:      prefsService,
		senders:   registry,
		requeue:   publisher,
		metrics:   analytics,
		logger:    typedLogger,
	}

	logger.Info("delivery worker initialized",
		"environment", cfg.Environment,
		"send_queue", cfg.AWS.SendQueue,
	)

	// Local mode: read a JSON SQS event from stdin instead of starting the
	// Lambda runtime. Enables local integration testing without the RIE.
	if cfg.Environment == "local" {
		runLocal(handler, logger)
		return
	}

	lambda.Start(handler.Handle)
}

// runLocal feeds a single SQS event from stdin through the handler.
func runLocal(handler *Handler, logger *slog.Logger) {
	logger.Info("APP_ENV=local: reading SQS event from stdin")

	payload, err := io.ReadAll(os.Stdin)
	if err != nil || len(payload) == 0 {
		logger.Error("failed to read SQS event from stdin", "error", err)
		os.Exit(1)
	}

	var sqsEvent events.SQSEvent
	if err := json.Unmarshal(payload, &sqsEvent); err != nil {
		logger.Error("failed to parse stdin as SQS event", "error", err)
		os.Exit(1)
	}

	response, err := handler.Handle(context.Background(), sqsEvent)
	if err != nil {
		logger.Error("handler execution failed", "error", err)
		os.Exit(1)
	}

	logger.Info("handler execution completed",
		"records_processed", len(sqsEvent.Records),
		"failures", len(response.BatchItemFailures),
	)
}

// newDBPool builds a pgx connection pool from the database configuration.
func newDBPool(ctx context.Context, dbCfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dbCfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = int32(dbCfg.MaxConns)
	poolCfg.MinConns = int32(dbCfg.MinConns)
	poolCfg.MaxConnLifetime = dbCfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = dbCfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	return pool, nil
}

// Compile-time assertion that slogAdapter implements types.Logger.
var _ types.Logger = (*slogAdapter)(nil)
