// Package scheduler implements the scheduled maintenance jobs for the
// Notifly platform: notification retention (archive to cold storage, then
// purge) and expired unsubscribe token cleanup.
//
// All services use fixed batch sizes to prevent Lambda timeouts and accept
// a `now` parameter for deterministic testing and manual backfill.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"notifly/internal/types"
)

// RetentionBatchLimit is the maximum number of notification rows archived
// per batch. Bounds both the archive object size and the DELETE statement.
const RetentionBatchLimit = 500

// RetentionDB defines the database operations needed by the RetentionService.
type RetentionDB interface {
	// ListCreatedBefore returns notification rows older than cutoff, oldest
	// first, up to limit.
	//
	// SQL: SELECT ... FROM notifications WHERE created_at < $1
	//      ORDER BY created_at LIMIT $2
	ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.NotificationRecord, error)

	// DeleteByIDs removes a batch of notifications by ID. Called only after
	// the same rows were uploaded to the archive.
	//
	// SQL: DELETE FROM notifications WHERE id = ANY($1)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)

	// DeleteBefore removes all notifications older than cutoff. Used only
	// when no archiver is configured.
	//
	// SQL: DELETE FROM notifications WHERE created_at < $1
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TokenCleanupDB defines the database operations needed for unsubscribe
// token cleanup.
type TokenCleanupDB interface {
	// DeleteExpired removes unused tokens whose expiry is past the cutoff.
	// Used tokens are kept as a suppression audit trail.
	//
	// SQL: DELETE FROM unsubscribe_tokens
	//      WHERE expires_at < $1 AND used_at IS NULL
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// ArchiveWriter abstracts the cold storage upload for notification archival.
type ArchiveWriter interface {
	// UploadArchive uploads a compressed archive batch under the given key.
	UploadArchive(ctx context.Context, key string, data []byte) error
}

// RetentionService archives old notification rows to cold storage and then
// purges them, and sweeps expired unsubscribe tokens.
type RetentionService struct {
	db       RetentionDB
	tokens   TokenCleanupDB
	archiver ArchiveWriter // nil disables archival; purge becomes delete-only
	logger   *slog.Logger
}

// NewRetentionService creates a RetentionService. The archiver may be nil
// when no archive bucket is configured; old rows are then deleted without
// an archival copy.
func NewRetentionService(db RetentionDB, tokens TokenCleanupDB, archiver ArchiveWriter, logger *slog.Logger) *RetentionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionService{
		db:       db,
		tokens:   tokens,
		archiver: archiver,
		logger:   logger,
	}
}

// RetentionResult summarizes one retention run.
type RetentionResult struct {
	NotificationsArchived int64
	NotificationsDeleted  int64
	TokensDeleted         int64
}

// Run executes the retention sweep: notification archival/purge and token
// cleanup proceed concurrently, and the first hard failure cancels the rest.
func (s *RetentionService) Run(ctx context.Context, now time.Time, maxAge time.Duration) (RetentionResult, error) {
	var result RetentionResult

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		archived, deleted, err := s.purgeNotifications(ctx, now, maxAge)
		result.NotificationsArchived = archived
		result.NotificationsDeleted = deleted
		return err
	})

	g.Go(func() error {
		deleted, err := s.tokens.DeleteExpired(ctx, now)
		if err != nil {
			return fmt.Errorf("deleting expired unsubscribe tokens: %w", err)
		}
		result.TokensDeleted = deleted
		if deleted > 0 {
			s.logger.InfoContext(ctx, "purged expired unsubscribe tokens",
				"count", deleted,
			)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return result, err
	}

	s.logger.InfoContext(ctx, "retention run complete",
		"notifications_archived", result.NotificationsArchived,
		"notifications_deleted", result.NotificationsDeleted,
		"tokens_deleted", result.TokensDeleted,
	)

	return result, nil
}

// purgeNotifications orchestrates a fetch-upload-delete cycle in batches.
// Each batch is deleted only after its archive upload succeeds, so a failed
// upload leaves the rows in place for the next run.
func (s *RetentionService) purgeNotifications(ctx context.Context, now time.Time, maxAge time.Duration) (archived, deleted int64, err error) {
	cutoff := now.Add(-maxAge)

	if s.archiver == nil {
		s.logger.WarnContext(ctx, "notification archiver not configured, purging without archival")
		deleted, err = s.db.DeleteBefore(ctx, cutoff)
		if err != nil {
			return 0, 0, fmt.Errorf("deleting old notifications: %w", err)
		}
		return 0, deleted, nil
	}

	for {
		records, listErr := s.db.ListCreatedBefore(ctx, cutoff, RetentionBatchLimit)
		if listErr != nil {
			return archived, deleted, fmt.Errorf("listing notifications for archival: %w", listErr)
		}
		if len(records) == 0 {
			break
		}

		data, serErr := serializeNotificationsNDJSON(records)
		if serErr != nil {
			return archived, deleted, fmt.Errorf("serializing notification archive: %w", serErr)
		}

		key := archiveKey(cutoff)
		if upErr := s.archiver.UploadArchive(ctx, key, data); upErr != nil {
			return archived, deleted, fmt.Errorf("uploading notification archive to %s: %w", key, upErr)
		}

		ids := make([]string, len(records))
		for i, r := range records {
			ids[i] = r.ID
		}

		batchDeleted, delErr := s.db.DeleteByIDs(ctx, ids)
		if delErr != nil {
			return archived, deleted, fmt.Errorf("deleting archived notifications: %w", delErr)
		}

		archived += int64(len(records))
		deleted += batchDeleted

		s.logger.InfoContext(ctx, "archived notification batch",
			"batch_size", len(records),
			"s3_key", key,
			"total_archived", archived,
		)

		if len(records) < RetentionBatchLimit {
			break
		}
	}

	return archived, deleted, nil
}

// archiveKey builds the cold storage key for one archive batch, partitioned
// by the retention cutoff date.
func archiveKey(cutoff time.Time) string {
	return fmt.Sprintf("notifications/%d/%02d/%02d/batch_%s.ndjson.zst",
		cutoff.Year(), cutoff.Month(), cutoff.Day(), uuid.New().String())
}

// serializeNotificationsNDJSON serializes records to newline-delimited JSON.
func serializeNotificationsNDJSON(records []*types.NotificationRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("marshaling notification %s: %w", r.ID, err)
		}
	}
	return buf.Bytes(), nil
}
