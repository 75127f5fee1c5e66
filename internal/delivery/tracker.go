// Package delivery implements the notification lifecycle: the state
// machine applied by provider webhooks, engagement recording, and the
// stats aggregations over notification records.
package delivery

import (
	"context"
	"time"

	"notifly/internal/types"
)

// Repository is the persistence surface the tracker needs.
type Repository interface {
	GetByProviderMessageID(ctx context.Context, provider types.Provider, messageID string) (*types.NotificationRecord, error)
	SetStatus(ctx context.Context, id string, update types.StatusUpdate) error
	MarkOpenedIfFirst(ctx context.Context, id string, extra types.Metadata) (bool, error)
}

// Analytics receives lifecycle events. Implementations are best-effort;
// the tracker never fails a transition because analytics did.
type Analytics interface {
	StatusChanged(ctx context.Context, channel types.Channel, status types.NotificationStatus)
	WebhookEvent(ctx context.Context, provider types.Provider)
}

// Tracker applies lifecycle transitions to notification records.
//
// The forward order is queued -> sent -> delivered -> opened -> clicked,
// with failed and bounced branching off as terminal states. Provider
// webhooks arrive out of order and duplicated, so every transition path
// is idempotent: timestamps are stamped once, opens are recorded at most
// once, and backward transitions are logged and ignored.
type Tracker struct {
	repo      Repository
	analytics Analytics
	clock     types.Clock
	logger    types.Logger
}

// NewTracker creates a Tracker. analytics may be nil to disable emission.
func NewTracker(repo Repository, analytics Analytics, clock types.Clock, logger types.Logger) *Tracker {
	return &Tracker{
		repo:      repo,
		analytics: analytics,
		clock:     clock,
		logger:    logger,
	}
}

// ApplyStatus transitions the record to update.Status. The conditional
// update in the store stamps the matching lifecycle timestamp only on the
// first arrival, so replays are harmless. Analytics fire after a
// successful write.
func (t *Tracker) ApplyStatus(ctx context.Context, n *types.NotificationRecord, update types.StatusUpdate) error {
	if err := t.repo.SetStatus(ctx, n.ID, update); err != nil {
		return err
	}
	if t.analytics != nil {
		t.analytics.StatusChanged(ctx, n.Channel, update.Status)
	}
	return nil
}

// RecordOpen records an email open at most once. The first open stamps
// opened_at and stores first_open_at in metadata; repeats are no-ops.
func (t *Tracker) RecordOpen(ctx context.Context, n *types.NotificationRecord) error {
	first, err := t.repo.MarkOpenedIfFirst(ctx, n.ID, types.Metadata{
		"first_open_at": t.clock.Now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	if t.analytics != nil {
		t.analytics.StatusChanged(ctx, n.Channel, types.StatusOpened)
	}
	return nil
}

// RecordClick records a click. Every click is recorded: the clicked URL
// and any caller metadata land in the record's metadata, and clicked_at
// is stamped on the first one.
func (t *Tracker) RecordClick(ctx context.Context, n *types.NotificationRecord, url string, extra types.Metadata) error {
	update := types.StatusUpdate{Status: types.StatusClicked}
	if url != "" || len(extra) > 0 {
		merged := types.Metadata{}
		for k, v := range extra {
			merged[k] = v
		}
		if url != "" {
			merged["clicked_url"] = url
		}
		update.Metadata = merged
	}
	return t.ApplyStatus(ctx, n, update)
}

// HandleSMSStatus processes one SMS status callback. A callback for an
// unknown message, or one that would move the record backward, is logged
// and dropped; the provider still gets its acknowledgment.
func (t *Tracker) HandleSMSStatus(ctx context.Context, ev SMSStatusEvent) error {
	n, err := t.repo.GetByProviderMessageID(ctx, types.ProviderTwilio, ev.MessageSid)
	if err != nil {
		if types.HasErrorCode(err, types.ErrCodeNotFoundNotification) {
			t.logger.Warn("sms status for unknown message, skipping",
				"message_sid", ev.MessageSid, "status", ev.MessageStatus)
			return nil
		}
		return err
	}

	mapped := MapSMSStatus(ev.MessageStatus)
	if t.isBackward(n, mapped) {
		return nil
	}

	update := types.StatusUpdate{
		Status:       mapped,
		ErrorMessage: ev.ErrorMessage,
	}
	if ev.ErrorCode != "" {
		update.Metadata = types.Metadata{"provider_error_code": ev.ErrorCode}
	}

	if err := t.ApplyStatus(ctx, n, update); err != nil {
		return err
	}
	if t.analytics != nil {
		t.analytics.WebhookEvent(ctx, types.ProviderTwilio)
	}
	return nil
}

// HandleEmailEvent processes one ESP event. Engagement events route
// through the at-most-once open and always-recorded click paths; bounce
// and dropped both land in the bounced terminal state. Unrecognized
// event names are logged and dropped.
func (t *Tracker) HandleEmailEvent(ctx context.Context, ev EmailEvent) error {
	n, err := t.repo.GetByProviderMessageID(ctx, types.ProviderSendGrid, ev.SGMessageID)
	if err != nil {
		if types.HasErrorCode(err, types.ErrCodeNotFoundNotification) {
			t.logger.Warn("email event for unknown message, skipping",
				"sg_message_id", ev.SGMessageID, "event", ev.Event)
			return nil
		}
		return err
	}

	switch ev.Event {
	case "delivered":
		if t.isBackward(n, types.StatusDelivered) {
			return nil
		}
		err = t.ApplyStatus(ctx, n, types.StatusUpdate{Status: types.StatusDelivered})
	case "open":
		err = t.RecordOpen(ctx, n)
	case "click":
		err = t.RecordClick(ctx, n, ev.URL, nil)
	case "bounce", "dropped":
		update := types.StatusUpdate{
			Status:       types.StatusBounced,
			ErrorMessage: ev.Reason,
			Metadata:     types.Metadata{"bounce_event": ev.Event},
		}
		err = t.ApplyStatus(ctx, n, update)
	default:
		t.logger.Warn("unrecognized email event, skipping",
			"sg_message_id", ev.SGMessageID, "event", ev.Event)
		return nil
	}
	if err != nil {
		return err
	}

	if t.analytics != nil {
		t.analytics.WebhookEvent(ctx, types.ProviderSendGrid)
	}
	return nil
}

// HandlePushStatus processes one push delivery receipt.
func (t *Tracker) HandlePushStatus(ctx context.Context, ev PushStatusEvent) error {
	mapped, ok := MapPushStatus(ev.Status)
	if !ok {
		t.logger.Warn("unrecognized push status, skipping",
			"message_id", ev.MessageID, "status", ev.Status)
		return nil
	}

	n, err := t.repo.GetByProviderMessageID(ctx, types.ProviderFCM, ev.MessageID)
	if err != nil {
		if types.HasErrorCode(err, types.ErrCodeNotFoundNotification) {
			t.logger.Warn("push status for unknown message, skipping",
				"message_id", ev.MessageID, "status", ev.Status)
			return nil
		}
		return err
	}

	if t.isBackward(n, mapped) {
		return nil
	}

	if err := t.ApplyStatus(ctx, n, types.StatusUpdate{Status: mapped, ErrorMessage: ev.Error}); err != nil {
		return err
	}
	if t.analytics != nil {
		t.analytics.WebhookEvent(ctx, types.ProviderFCM)
	}
	return nil
}

// isBackward reports whether moving n to status would rewind the forward
// lifecycle. Terminal failure states rank -1 and branch off from any
// point, so they never count as backward.
func (t *Tracker) isBackward(n *types.NotificationRecord, status types.NotificationStatus) bool {
	newRank := status.Rank()
	curRank := n.Status.Rank()
	if newRank < 0 || curRank < 0 {
		return false
	}
	if newRank < curRank {
		t.logger.Warn("ignoring backward status transition",
			"notification_id", n.ID,
			"current_status", string(n.Status),
			"event_status", string(status))
		return true
	}
	return false
}
