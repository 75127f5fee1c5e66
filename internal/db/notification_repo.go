package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"notifly/internal/types"
)

// NotificationRepository provides data access for the notifications table.
// Each row is the audit record of one notification through one channel.
// Rows are never deleted by request handling; only the retention job removes
// them, after archiving.
type NotificationRepository struct {
	db DBTX
}

// NewNotificationRepository creates a new NotificationRepository backed by
// the given database connection (pool or transaction).
func NewNotificationRepository(db DBTX) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// notificationColumns defines the standard set of columns selected for
// notification queries. Column order must match scanNotification.
const notificationColumns = `id, user_id, channel, category, status, provider,
	provider_message_id, recipient, subject, body, error_message, metadata,
	sent_at, delivered_at, opened_at, clicked_at, created_at, updated_at`

// Create inserts a new notification record. The caller must set the ID and
// routing fields; status defaults to queued when empty. The row's created_at
// is written back into n on success.
func (r *NotificationRepository) Create(ctx context.Context, n *types.NotificationRecord) error {
	status := n.Status
	if status == "" {
		status = types.StatusQueued
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO notifications
		 (id, user_id, channel, category, status, provider, provider_message_id,
		  recipient, subject, body, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at, updated_at`,
		n.ID,
		n.UserID,
		string(n.Channel),
		string(n.Category),
		string(status),
		nilIfEmpty(string(n.Provider)),
		nilIfEmpty(n.ProviderMessageID),
		nilIfEmpty(n.Recipient),
		nilIfEmpty(n.Subject),
		nilIfEmpty(n.Body),
		metadataOrEmpty(n.Metadata),
	)
	if err := row.Scan(&n.CreatedAt, &n.UpdatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create notification", err)
	}
	n.Status = status
	return nil
}

// GetByID retrieves a notification record by ID. Returns
// ErrCodeNotFoundNotification when no row exists.
func (r *NotificationRepository) GetByID(ctx context.Context, id string) (*types.NotificationRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`,
		id,
	)

	n, err := scanNotificationRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve notification", err)
	}
	return n, nil
}

// GetByProviderMessageID correlates an asynchronous provider webhook back to
// its notification record. Returns ErrCodeNotFoundNotification when no row
// matches; webhook processing logs and skips those events.
func (r *NotificationRepository) GetByProviderMessageID(ctx context.Context, provider types.Provider, messageID string) (*types.NotificationRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE provider = $1 AND provider_message_id = $2`,
		string(provider),
		messageID,
	)

	n, err := scanNotificationRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found for provider message", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve notification by provider message", err)
	}
	return n, nil
}

// SetStatus applies a lifecycle transition in a single atomic statement.
// Each lifecycle timestamp is stamped only if still NULL, so the first
// transition to a state wins and replays leave the original timestamp
// intact. ProviderMessageID and ErrorMessage only overwrite when non-empty;
// update.Metadata is shallow-merged into the stored metadata.
func (r *NotificationRepository) SetStatus(ctx context.Context, id string, update types.StatusUpdate) error {
	extra, err := json.Marshal(metadataOrEmpty(update.Metadata))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to encode status metadata", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE notifications SET
			status = $2,
			provider_message_id = COALESCE(NULLIF($3, ''), provider_message_id),
			error_message = COALESCE(NULLIF($4, ''), error_message),
			metadata = metadata || $5,
			sent_at = CASE WHEN $2 = 'sent' THEN COALESCE(sent_at, NOW()) ELSE sent_at END,
			delivered_at = CASE WHEN $2 = 'delivered' THEN COALESCE(delivered_at, NOW()) ELSE delivered_at END,
			opened_at = CASE WHEN $2 = 'opened' THEN COALESCE(opened_at, NOW()) ELSE opened_at END,
			clicked_at = CASE WHEN $2 = 'clicked' THEN COALESCE(clicked_at, NOW()) ELSE clicked_at END,
			updated_at = NOW()
		 WHERE id = $1`,
		id,
		string(update.Status),
		update.ProviderMessageID,
		update.ErrorMessage,
		extra,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update notification status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)
	}
	return nil
}

// MarkOpenedIfFirst records an open event at most once. The guard on
// opened_at makes the first open win; repeats report false with no write.
// A record that already reached clicked keeps that status: provider event
// batches are unordered, so an open may trail the click it belongs to, and
// only the opened_at stamp is still missing at that point.
func (r *NotificationRepository) MarkOpenedIfFirst(ctx context.Context, id string, extra types.Metadata) (bool, error) {
	merged, err := json.Marshal(metadataOrEmpty(extra))
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to encode open metadata", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE notifications SET
			status = CASE WHEN status = 'clicked' THEN status ELSE 'opened' END,
			opened_at = NOW(),
			metadata = metadata || $2,
			updated_at = NOW()
		 WHERE id = $1 AND opened_at IS NULL`,
		id,
		merged,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record open", err)
	}
	return tag.RowsAffected() == 1, nil
}

// NotificationFilter defines filtering options for listing notifications.
type NotificationFilter struct {
	UserID   string
	Channel  types.Channel
	Category types.Category
	Status   types.NotificationStatus
	Limit    int
	Cursor   string
}

// List retrieves notification history for a user, newest first. Pagination
// is cursor-based using created_at with the limit+1 strategy.
func (r *NotificationRepository) List(ctx context.Context, filter NotificationFilter) ([]*types.NotificationRecord, types.PageInfo, error) {
	var conditions []string
	var args []any
	argIdx := 1

	// User scope is always required.
	conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIdx))
	args = append(args, filter.UserID)
	argIdx++

	if filter.Channel != "" {
		conditions = append(conditions, fmt.Sprintf("channel = $%d", argIdx))
		args = append(args, string(filter.Channel))
		argIdx++
	}
	if filter.Category != "" {
		conditions = append(conditions, fmt.Sprintf("category = $%d", argIdx))
		args = append(args, string(filter.Category.Normalize()))
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339Nano, filter.Cursor)
		if err != nil {
			return nil, types.PageInfo{}, types.NewAppError(
				types.ErrCodeValidationInvalidPayload,
				"invalid cursor format; expected RFC3339 timestamp",
				err,
			)
		}
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, cursorTime)
		argIdx++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	query := fmt.Sprintf(
		`SELECT %s FROM notifications WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		notificationColumns,
		strings.Join(conditions, " AND "),
		argIdx,
	)
	args = append(args, limit+1)

	results, err := r.queryNotifications(ctx, query, args...)
	if err != nil {
		return nil, types.PageInfo{}, err
	}

	pageInfo := types.PageInfo{}
	if len(results) > limit {
		pageInfo.HasMore = true
		pageInfo.NextCursor = results[limit-1].CreatedAt.Format(time.RFC3339Nano)
		results = results[:limit]
	}

	return results, pageInfo, nil
}

// ListByUser retrieves every notification record for a user, unpaginated.
// Used by the stats aggregator, which needs the full set for one pass. A
// zero from or to leaves that side of the created_at range unbounded.
func (r *NotificationRepository) ListByUser(ctx context.Context, userID string, from, to time.Time) ([]*types.NotificationRecord, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = $1`
	args := []any{userID}
	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	query += " ORDER BY created_at"
	return r.queryNotifications(ctx, query, args...)
}

// ListByCampaign retrieves every notification tagged with the campaign ID in
// its metadata, unpaginated. The expression index on
// (metadata->>'campaign_id') keeps this from scanning the table.
func (r *NotificationRepository) ListByCampaign(ctx context.Context, campaignID string) ([]*types.NotificationRecord, error) {
	return r.queryNotifications(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE metadata->>'campaign_id' = $1 ORDER BY created_at`,
		campaignID,
	)
}

// ListCreatedBefore retrieves up to limit records older than the cutoff,
// oldest first. The retention job pages through this to archive before it
// deletes.
func (r *NotificationRepository) ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.NotificationRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	return r.queryNotifications(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE created_at < $1 ORDER BY created_at LIMIT $2`,
		cutoff,
		limit,
	)
}

// DeleteBefore hard-deletes notifications older than the cutoff time.
// Only the retention job calls this, after archiving the rows. Returns the
// count of deleted records.
func (r *NotificationRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM notifications WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete old notifications", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteByIDs hard-deletes a batch of notifications. The retention job
// calls this after archiving exactly these rows, so a failed upload never
// loses data. Returns the count of deleted records.
func (r *NotificationRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM notifications WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete notifications batch", err)
	}
	return tag.RowsAffected(), nil
}

// queryNotifications runs a select over notificationColumns and scans the
// result set.
func (r *NotificationRepository) queryNotifications(ctx context.Context, query string, args ...any) ([]*types.NotificationRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query notifications", err)
	}
	defer rows.Close()

	var results []*types.NotificationRecord
	for rows.Next() {
		n, scanErr := scanNotification(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification row", scanErr)
		}
		results = append(results, n)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating notification rows", err)
	}

	return results, nil
}

// scanNotification scans a notification from pgx.Rows. Column order must
// match notificationColumns.
func scanNotification(rows pgx.Rows) (*types.NotificationRecord, error) {
	return scanNotificationFrom(rows.Scan)
}

// scanNotificationRow scans a notification from a single pgx.Row (for
// QueryRow). Column order must match notificationColumns.
func scanNotificationRow(row pgx.Row) (*types.NotificationRecord, error) {
	return scanNotificationFrom(row.Scan)
}

func scanNotificationFrom(scan func(dest ...any) error) (*types.NotificationRecord, error) {
	var (
		n types.NotificationRecord

		channel  string
		category string
		status   string

		provider     *string
		providerMsg  *string
		recipient    *string
		subject      *string
		body         *string
		errorMessage *string
	)

	err := scan(
		&n.ID,
		&n.UserID,
		&channel,
		&category,
		&status,
		&provider,
		&providerMsg,
		&recipient,
		&subject,
		&body,
		&errorMessage,
		&n.Metadata,
		&n.SentAt,
		&n.DeliveredAt,
		&n.OpenedAt,
		&n.ClickedAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.Channel = types.Channel(channel)
	n.Category = types.Category(category)
	n.Status = types.NotificationStatus(status)
	if provider != nil {
		n.Provider = types.Provider(*provider)
	}
	if providerMsg != nil {
		n.ProviderMessageID = *providerMsg
	}
	if recipient != nil {
		n.Recipient = *recipient
	}
	if subject != nil {
		n.Subject = *subject
	}
	if body != nil {
		n.Body = *body
	}
	if errorMessage != nil {
		n.ErrorMessage = *errorMessage
	}

	return &n, nil
}

// metadataOrEmpty substitutes an empty document for nil metadata so JSONB
// merges and inserts never write SQL NULL.
func metadataOrEmpty(m types.Metadata) types.Metadata {
	if m == nil {
		return types.Metadata{}
	}
	return m
}
