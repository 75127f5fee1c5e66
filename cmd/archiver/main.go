// Package main is the entrypoint for the Archiver Lambda function.
//
// The Archiver runs the scheduled retention sweep: notification rows older
// than the retention window are uploaded to the S3 archive bucket as
// compressed NDJSON batches and then deleted, and expired unused unsubscribe
// tokens are purged. EventBridge triggers it on a daily schedule.
//
// Handler flow:
//  1. Parse the RetentionPayload from EventBridge (all fields optional).
//  2. Resolve the effective retention age (payload override or config).
//  3. Run the retention service and report the counts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"

	"notifly/internal/config"
	"notifly/internal/db"
	"notifly/internal/scheduler"
	"notifly/internal/types"
)

// RetentionPayload is the EventBridge input. Both fields are optional;
// MaxAgeHours overrides the configured retention window for manual backfill
// runs.
type RetentionPayload struct {
	MaxAgeHours int `json:"max_age_hours,omitempty"`
}

// RetentionRunner is the service surface the handler calls.
// Implemented by scheduler.RetentionService.
type RetentionRunner interface {
	Run(ctx context.Context, now time.Time, maxAge time.Duration) (scheduler.RetentionResult, error)
}

// Handler holds the dependencies for the archiver Lambda handler.
type Handler struct {
	Retention RetentionRunner
	MaxAge    time.Duration
	Clock     types.Clock
	Logger    *slog.Logger
}

// Handle executes one retention sweep. The returned string summarizes the
// run for the EventBridge invocation log.
func (h *Handler) Handle(ctx context.Context, payload RetentionPayload) (string, error) {
	maxAge := h.MaxAge
	if payload.MaxAgeHours > 0 {
		maxAge = time.Duration(payload.MaxAgeHours) * time.Hour
	}

	now := h.Clock.Now()
	h.Logger.InfoContext(ctx, "retention sweep starting",
		"max_age_hours", int(maxAge.Hours()),
		"cutoff", now.Add(-maxAge).Format(time.RFC3339),
	)

	result, err := h.Retention.Run(ctx, now, maxAge)
	if err != nil {
		h.Logger.ErrorContext(ctx, "retention sweep failed",
			"error", err,
			"notifications_archived", result.NotificationsArchived,
			"notifications_deleted", result.NotificationsDeleted,
		)
		return "", fmt.Errorf("retention sweep failed: %w", err)
	}

	summary := fmt.Sprintf("retention sweep complete: %d archived, %d deleted, %d tokens purged",
		result.NotificationsArchived, result.NotificationsDeleted, result.TokensDeleted)
	h.Logger.InfoContext(ctx, summary)
	return summary, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("archiver initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to parse database url", "error", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}

	notifRepo := db.NewNotificationRepository(pool)
	tokenRepo := db.NewTokenRepository(pool)

	// The archiver is optional: without a bucket the sweep degrades to
	// delete-only and the retention service logs the downgrade.
	var archiver scheduler.ArchiveWriter
	if cfg.AWS.ArchiveBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			logger.Error("failed to load AWS SDK config", "error", err)
			os.Exit(1)
		}
		s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
				o.UsePathStyle = true
			}
		})
		archiver, err = scheduler.NewS3ArchiveWriter(s3Client, cfg.AWS.ArchiveBucket, logger)
		if err != nil {
			logger.Error("failed to create archive writer", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("ARCHIVE_BUCKET not set, retention will purge without archival")
	}

	handler := &Handler{
		Retention: scheduler.NewRetentionService(notifRepo, tokenRepo, archiver, logger),
		MaxAge:    cfg.Retention.MaxAge,
		Clock:     types.RealClock{},
		Logger:    logger,
	}

	logger.Info("archiver initialized",
		"environment", cfg.Environment,
		"archive_bucket", cfg.AWS.ArchiveBucket,
		"retention_max_age_hours", int(cfg.Retention.MaxAge.Hours()),
	)

	// Local mode: run one sweep immediately instead of starting the Lambda
	// runtime.
	if cfg.Environment == "local" {
		summary, err := handler.Handle(ctx, RetentionPayload{})
		if err != nil {
			logger.Error("retention run failed", "error", err)
			os.Exit(1)
		}
		logger.Info(summary)
		return
	}

	lambda.Start(handler.Handle)
}
