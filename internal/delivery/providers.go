package delivery

import (
	"notifly/internal/types"
)

// SMSStatusEvent is a Twilio-form status callback, decoded from the
// application/x-www-form-urlencoded webhook body.
type SMSStatusEvent struct {
	MessageSid    string
	MessageStatus string
	ErrorCode     string
	ErrorMessage  string
}

// EmailEvent is one element of the SendGrid-form event webhook array.
// ESPs append fields freely, so decoding must tolerate unknown keys.
type EmailEvent struct {
	SGMessageID string `json:"sg_message_id"`
	Event       string `json:"event"`
	Email       string `json:"email,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	URL         string `json:"url,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// PushStatusEvent is the pass-through push delivery receipt.
type PushStatusEvent struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// MapSMSStatus translates a provider SMS status string into the internal
// lifecycle. Unknown values map to sent: the provider accepted the message
// and said something we don't recognize, which is closer to progress than
// to failure.
func MapSMSStatus(status string) types.NotificationStatus {
	switch status {
	case "queued", "accepted":
		return types.StatusQueued
	case "sending", "sent":
		return types.StatusSent
	case "delivered":
		return types.StatusDelivered
	case "failed", "undelivered":
		return types.StatusFailed
	}
	return types.StatusSent
}

// MapPushStatus translates a push receipt status. Push statuses pass
// through unchanged; anything outside the known set is reported as
// unrecognized and the event is dropped by the caller.
func MapPushStatus(status string) (types.NotificationStatus, bool) {
	switch status {
	case "sent":
		return types.StatusSent, true
	case "delivered":
		return types.StatusDelivered, true
	case "failed":
		return types.StatusFailed, true
	}
	return "", false
}
