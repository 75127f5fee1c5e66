package types

import "strings"

// Channel identifies a notification delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// AllChannels lists every delivery channel the platform supports.
// Used by validators and by unsubscribe scope expansion.
var AllChannels = []Channel{ChannelEmail, ChannelSMS, ChannelPush}

// Valid reports whether c is a recognized delivery channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

// Category classifies a notification by its business purpose.
// Preference toggles are keyed by category.
type Category string

const (
	CategoryMarketing Category = "marketing"
	CategoryBooking   Category = "booking"
	CategoryPayment   Category = "payment"
	CategoryDelivery  Category = "delivery"
	CategorySocial    Category = "social"
	CategorySecurity  Category = "security"
)

// KnownCategories is the set of categories that have preference toggles.
// Categories outside this set bypass the category check entirely.
var KnownCategories = []Category{
	CategoryMarketing,
	CategoryBooking,
	CategoryPayment,
	CategoryDelivery,
	CategorySocial,
	CategorySecurity,
}

// Normalize lowercases the category for case-insensitive matching.
func (c Category) Normalize() Category {
	return Category(strings.ToLower(string(c)))
}

// Known reports whether the category (case-insensitive) has a preference toggle.
func (c Category) Known() bool {
	n := c.Normalize()
	for _, k := range KnownCategories {
		if n == k {
			return true
		}
	}
	return false
}

// EmailFrequency controls how often email notifications may be sent to a user.
type EmailFrequency string

const (
	FrequencyImmediate EmailFrequency = "immediate"
	FrequencyDaily     EmailFrequency = "daily"
	FrequencyWeekly    EmailFrequency = "weekly"
	FrequencyNever     EmailFrequency = "never"
)

// NotificationStatus enumerates all valid states for a notification.
// These values MUST match the CHECK constraint in the notifications table.
type NotificationStatus string

const (
	StatusQueued    NotificationStatus = "queued"
	StatusSent      NotificationStatus = "sent"
	StatusDelivered NotificationStatus = "delivered"
	StatusOpened    NotificationStatus = "opened"
	StatusClicked   NotificationStatus = "clicked"
	StatusFailed    NotificationStatus = "failed"
	StatusBounced   NotificationStatus = "bounced"
)

// Rank orders the forward progression of the delivery lifecycle.
// queued < sent < delivered < opened < clicked. The terminal failure
// states (failed, bounced) rank -1 and are handled separately by callers.
func (s NotificationStatus) Rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusOpened:
		return 3
	case StatusClicked:
		return 4
	default:
		return -1
	}
}

// Terminal reports whether the status is a failure terminal state.
func (s NotificationStatus) Terminal() bool {
	return s == StatusFailed || s == StatusBounced
}

// Provider identifies the external service a notification was dispatched through.
type Provider string

const (
	ProviderTwilio   Provider = "twilio"
	ProviderSendGrid Provider = "sendgrid"
	ProviderFCM      Provider = "fcm"
)

// UnsubscribeScope defines which channels an unsubscribe token disables.
type UnsubscribeScope string

const (
	ScopeEmail UnsubscribeScope = "email"
	ScopeSMS   UnsubscribeScope = "sms"
	ScopeAll   UnsubscribeScope = "all"
)

// Channels expands the scope into the concrete channels it disables.
func (s UnsubscribeScope) Channels() []Channel {
	switch s {
	case ScopeEmail:
		return []Channel{ChannelEmail}
	case ScopeSMS:
		return []Channel{ChannelSMS}
	case ScopeAll:
		return []Channel{ChannelEmail, ChannelSMS, ChannelPush}
	}
	return nil
}
