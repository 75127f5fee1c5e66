package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"notifly/internal/core"
	"notifly/internal/delivery"
	"notifly/internal/types"
)

// StatusTracker is the lifecycle surface the webhook handlers need.
// Implemented by delivery.Tracker.
type StatusTracker interface {
	HandleSMSStatus(ctx context.Context, ev delivery.SMSStatusEvent) error
	HandleEmailEvent(ctx context.Context, ev delivery.EmailEvent) error
	HandlePushStatus(ctx context.Context, ev delivery.PushStatusEvent) error
}

// WebhookHandler serves the /v1/webhooks routes that providers call with
// delivery status updates.
//
// Payloads are decoded leniently: providers add fields without notice, so
// unknown fields are never an error here. Once a payload parses, the
// provider always gets a success acknowledgment, whatever happened during
// processing; failures are logged for the operators instead of surfaced to
// the caller, since redelivery cannot fix an uncorrelated event and only
// double-processes the ones that already succeeded.
type WebhookHandler struct {
	tracker StatusTracker
	logger  *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(tracker StatusTracker, l *slog.Logger) *WebhookHandler {
	if l == nil {
		l = slog.Default()
	}
	return &WebhookHandler{tracker: tracker, logger: l}
}

// RegisterRoutes mounts the webhook routes on the provided chi.Router.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/sms", h.SMSStatus)
		r.Post("/email", h.EmailEvents)
		r.Post("/push", h.PushStatus)
	})
}

// SMSStatus handles POST /v1/webhooks/sms. Twilio posts status callbacks as
// form-encoded bodies, one message per request.
func (h *WebhookHandler) SMSStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPayload, "malformed form body", err))
		return
	}

	ev := delivery.SMSStatusEvent{
		MessageSid:    r.PostFormValue("MessageSid"),
		MessageStatus: r.PostFormValue("MessageStatus"),
		ErrorCode:     r.PostFormValue("ErrorCode"),
		ErrorMessage:  r.PostFormValue("ErrorMessage"),
	}
	if ev.MessageSid == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "MessageSid is required", nil))
		return
	}

	// The callback is acknowledged even when processing failed. Status
	// updates are best-effort metadata; a non-2xx would only make Twilio
	// redeliver against the same failing store.
	if err := h.tracker.HandleSMSStatus(r.Context(), ev); err != nil {
		h.logger.ErrorContext(r.Context(), "sms status processing failed",
			"message_sid", ev.MessageSid,
			"status", ev.MessageStatus,
			"error", err,
		)
	}

	w.WriteHeader(http.StatusNoContent)
}

// EmailEvents handles POST /v1/webhooks/email. SendGrid batches events into
// a JSON array; each event is processed independently so one bad element
// never blocks the rest of the batch.
func (h *WebhookHandler) EmailEvents(w http.ResponseWriter, r *http.Request) {
	var events []delivery.EmailEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPayload, "malformed event batch", err))
		return
	}

	var failed int
	for _, ev := range events {
		if ev.SGMessageID == "" {
			continue
		}
		if err := h.tracker.HandleEmailEvent(r.Context(), ev); err != nil {
			failed++
			h.logger.ErrorContext(r.Context(), "email event processing failed",
				"sg_message_id", ev.SGMessageID,
				"event", ev.Event,
				"error", err,
			)
		}
	}

	// The batch is acknowledged even when individual events failed:
	// SendGrid redelivers the whole batch on a non-2xx, which would
	// double-process the events that already succeeded.
	if failed > 0 {
		h.logger.WarnContext(r.Context(), "email event batch partially failed",
			"total", len(events), "failed", failed)
	}

	w.WriteHeader(http.StatusOK)
}

// PushStatus handles POST /v1/webhooks/push, a single JSON status event
// per request.
func (h *WebhookHandler) PushStatus(w http.ResponseWriter, r *http.Request) {
	var ev delivery.PushStatusEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPayload, "malformed event body", err))
		return
	}
	if ev.MessageID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "message_id is required", nil))
		return
	}

	if err := h.tracker.HandlePushStatus(r.Context(), ev); err != nil {
		h.logger.ErrorContext(r.Context(), "push status processing failed",
			"message_id", ev.MessageID,
			"status", ev.Status,
			"error", err,
		)
	}

	w.WriteHeader(http.StatusNoContent)
}
