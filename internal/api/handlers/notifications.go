package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"notifly/internal/core"
	"notifly/internal/db"
	"notifly/internal/delivery"
	"notifly/internal/prefs"
	"notifly/internal/types"
)

// defaultHistoryLimit caps notification history pages when the client does
// not ask for a size.
const defaultHistoryLimit = 20

// maxHistoryLimit is the hard ceiling for a single history page.
const maxHistoryLimit = 100

// NotificationStore is the persistence surface the notification handler
// needs. Implemented by db.NotificationRepository.
type NotificationStore interface {
	// Create inserts a new notification record in the queued state.
	Create(ctx context.Context, n *types.NotificationRecord) error

	// GetByID returns one notification record.
	GetByID(ctx context.Context, id string) (*types.NotificationRecord, error)

	// List returns a user's notification history, newest first,
	// cursor-paginated.
	List(ctx context.Context, filter db.NotificationFilter) ([]*types.NotificationRecord, types.PageInfo, error)

	// ListByUser returns every record for a user, for stats aggregation,
	// bounded to the created_at range when from/to are non-zero.
	ListByUser(ctx context.Context, userID string, from, to time.Time) ([]*types.NotificationRecord, error)

	// ListByCampaign returns every record tagged with the campaign.
	ListByCampaign(ctx context.Context, campaignID string) ([]*types.NotificationRecord, error)
}

// PreferenceGate answers whether a proposed send may go out.
// Implemented by prefs.Service.
type PreferenceGate interface {
	CheckAllowed(ctx context.Context, userID string, channel types.Channel, category types.Category) prefs.Decision
}

// SendQueue enqueues accepted notifications for the delivery workers.
// Implemented by queue.SendPublisher.
type SendQueue interface {
	Publish(ctx context.Context, msg types.SendMessage, reason string) error
	PublishDelayed(ctx context.Context, msg types.SendMessage, delay time.Duration, reason string) error
}

// SendNotificationRequest is the body of POST /v1/notifications/send.
// Either a template reference or a literal body must be present.
type SendNotificationRequest struct {
	UserID    string `json:"user_id" validate:"required,max=64"`
	Channel   string `json:"channel" validate:"required,oneof=email sms push"`
	Category  string `json:"category" validate:"required,max=64"`
	Recipient string `json:"recipient" validate:"required,max=320"`

	TemplateID   string         `json:"template_id" validate:"omitempty,max=128"`
	Subject      string         `json:"subject" validate:"omitempty,max=998"`
	Body         string         `json:"body"`
	TemplateData map[string]any `json:"template_data"`

	CampaignID string         `json:"campaign_id" validate:"omitempty,max=64"`
	Metadata   map[string]any `json:"metadata"`
}

// SendNotificationResponse reports the gate decision and, for accepted
// sends, the record to poll for delivery status.
type SendNotificationResponse struct {
	NotificationID string `json:"notification_id,omitempty"`
	Allowed        bool   `json:"allowed"`
	Deferred       bool   `json:"deferred,omitempty"`
	Degraded       bool   `json:"degraded,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// NotificationHandler serves notification submission, history, and the
// delivery statistics endpoints.
type NotificationHandler struct {
	store     NotificationStore
	gate      PreferenceGate
	queue     SendQueue
	validator *core.Validator
	logger    *slog.Logger
}

// NewNotificationHandler creates a NotificationHandler.
func NewNotificationHandler(
	store NotificationStore,
	gate PreferenceGate,
	queue SendQueue,
	v *core.Validator,
	l *slog.Logger,
) *NotificationHandler {
	if l == nil {
		l = slog.Default()
	}
	return &NotificationHandler{
		store:     store,
		gate:      gate,
		queue:     queue,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the notification routes on the provided chi.Router.
func (h *NotificationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/notifications", func(r chi.Router) {
		r.Post("/send", h.Send)
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
	})
	r.Route("/stats", func(r chi.Router) {
		r.Get("/users/{userID}", h.UserStats)
		r.Get("/campaigns/{campaignID}", h.CampaignStats)
	})
}

// Send handles POST /v1/notifications/send.
//
// Flow:
//  1. Decode and validate the request.
//  2. Run the preference gate. A block is not an error: the response says
//     allowed=false and why, with a 200.
//  3. Persist the queued record, then enqueue the send message. Deferred
//     sends (quiet hours) are enqueued with the gate's delay.
func (h *NotificationHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendNotificationRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.TemplateID == "" && req.Body == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"either template_id or body is required", nil))
		return
	}

	channel := types.Channel(req.Channel)
	category := types.Category(req.Category).Normalize()

	decision := h.gate.CheckAllowed(r.Context(), req.UserID, channel, category)
	if !decision.Allowed {
		h.logger.InfoContext(r.Context(), "notification blocked by preferences",
			"user_id", req.UserID,
			"channel", req.Channel,
			"category", string(category),
			"reason", decision.Reason,
		)
		core.JSON(w, r, http.StatusOK, core.APIResponse{Data: SendNotificationResponse{
			Allowed: false,
			Reason:  decision.Reason,
		}})
		return
	}

	record := &types.NotificationRecord{
		ID:        "notif_" + uuid.NewString(),
		UserID:    req.UserID,
		Channel:   channel,
		Category:  category,
		Status:    types.StatusQueued,
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Body:      req.Body,
		Metadata:  buildSendMetadata(req),
	}

	if err := h.store.Create(r.Context(), record); err != nil {
		core.Error(w, r, err)
		return
	}

	msg := types.SendMessage{
		NotificationID: record.ID,
		UserID:         req.UserID,
		Channel:        channel,
		Category:       category,
		Recipient:      req.Recipient,
		TemplateID:     req.TemplateID,
		Subject:        req.Subject,
		Body:           req.Body,
		TemplateData:   req.TemplateData,
		TraceID:        types.GetRequestID(r.Context()),
	}

	var err error
	if decision.Deferred {
		err = h.queue.PublishDelayed(r.Context(), msg, decision.Delay, "quiet_hours_deferral")
	} else {
		err = h.queue.Publish(r.Context(), msg, "api_send")
	}
	if err != nil {
		// The queued row stays behind for reconciliation; the caller sees
		// the failure and can retry.
		h.logger.ErrorContext(r.Context(), "failed to enqueue notification",
			"notification_id", record.ID, "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalQueue,
			"failed to enqueue notification", err))
		return
	}

	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: SendNotificationResponse{
		NotificationID: record.ID,
		Allowed:        true,
		Deferred:       decision.Deferred,
		Degraded:       decision.Degraded,
		Reason:         decision.Reason,
	}})
}

// Get handles GET /v1/notifications/{id}.
func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	record, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: record})
}

// List handles GET /v1/notifications. The user_id query parameter is
// required; channel, category, status, limit, and cursor narrow the page.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	userID := q.Get("user_id")
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"user_id query parameter is required", nil))
		return
	}

	filter := db.NotificationFilter{
		UserID:   userID,
		Channel:  types.Channel(q.Get("channel")),
		Category: types.Category(q.Get("category")).Normalize(),
		Status:   types.NotificationStatus(q.Get("status")),
		Limit:    defaultHistoryLimit,
		Cursor:   q.Get("cursor"),
	}
	if filter.Channel != "" && !filter.Channel.Valid() {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidChannel,
			"unknown channel: "+string(filter.Channel), nil))
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPayload,
				"limit must be a positive integer", nil))
			return
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}
		filter.Limit = limit
	}

	records, page, err := h.store.List(r.Context(), filter)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: records,
		Meta: &types.ResponseMeta{Pagination: &page},
	})
}

// UserStats handles GET /v1/stats/users/{userID}: lifecycle counts across
// the user's history, broken down per channel. Optional from/to query
// parameters (RFC3339) bound the window by creation time.
func (h *NotificationHandler) UserStats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	from, err := parseTimeParam(r, "from")
	if err != nil {
		core.Error(w, r, err)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		core.Error(w, r, err)
		return
	}

	records, err := h.store.ListByUser(r.Context(), userID, from, to)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: delivery.ComputeByChannel(records)})
}

// parseTimeParam reads an optional RFC3339 query parameter. Absent means
// the zero time.
func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, types.NewAppError(types.ErrCodeValidationInvalidPayload,
			name+" must be an RFC3339 timestamp", err)
	}
	return t, nil
}

// CampaignStats handles GET /v1/stats/campaigns/{campaignID}: totals plus
// the delivery/open/click funnel rates. A campaign with no notifications
// reports zero counts and zero rates rather than an error.
func (h *NotificationHandler) CampaignStats(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")

	records, err := h.store.ListByCampaign(r.Context(), campaignID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: delivery.ComputeCampaign(campaignID, records)})
}

// buildSendMetadata merges the caller's metadata with the campaign tag.
func buildSendMetadata(req SendNotificationRequest) types.Metadata {
	if len(req.Metadata) == 0 && req.CampaignID == "" {
		return nil
	}
	meta := types.Metadata{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if req.CampaignID != "" {
		meta["campaign_id"] = req.CampaignID
	}
	return meta
}
