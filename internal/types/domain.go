package types

import (
	"time"
)

// Default quiet hours applied when a user has no stored preferences.
const (
	DefaultQuietHoursStart = "22:00"
	DefaultQuietHoursEnd   = "08:00"
	DefaultTimezone        = "UTC"
)

// UserPreferences holds a user's notification settings: per-channel master
// switches, per-category toggles, email frequency, and a quiet hours window
// expressed in the user's own timezone.
//
// Rows are created lazily. A user with no row behaves exactly like
// DefaultPreferences; the row is materialized on first write.
type UserPreferences struct {
	UserID string `json:"user_id" db:"user_id"`

	// Channel master switches. A disabled channel blocks every category.
	EmailEnabled bool `json:"email_enabled" db:"email_enabled"`
	SMSEnabled   bool `json:"sms_enabled" db:"sms_enabled"`
	PushEnabled  bool `json:"push_enabled" db:"push_enabled"`

	// Per-category toggles. Categories absent from the map use their
	// default: enabled for everything except marketing.
	Categories CategorySettings `json:"categories" db:"categories"`

	EmailFrequency EmailFrequency `json:"email_frequency" db:"email_frequency"`

	// Quiet hours window, "HH:MM" wall-clock times in Timezone.
	// An empty or degenerate window (start == end) means never quiet.
	QuietHoursStart string `json:"quiet_hours_start" db:"quiet_hours_start"`
	QuietHoursEnd   string `json:"quiet_hours_end" db:"quiet_hours_end"`
	Timezone        string `json:"timezone" db:"timezone"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DefaultPreferences returns the settings applied to a user with no stored row:
// all channels on, all categories on except marketing, immediate email,
// quiet hours 22:00 to 08:00 UTC.
func DefaultPreferences(userID string) *UserPreferences {
	return &UserPreferences{
		UserID:          userID,
		EmailEnabled:    true,
		SMSEnabled:      true,
		PushEnabled:     true,
		Categories:      CategorySettings{CategoryMarketing: false},
		EmailFrequency:  FrequencyImmediate,
		QuietHoursStart: DefaultQuietHoursStart,
		QuietHoursEnd:   DefaultQuietHoursEnd,
		Timezone:        DefaultTimezone,
	}
}

// ChannelEnabled returns the master switch for the given channel.
// Unknown channels are reported as disabled.
func (p *UserPreferences) ChannelEnabled(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return p.EmailEnabled
	case ChannelSMS:
		return p.SMSEnabled
	case ChannelPush:
		return p.PushEnabled
	}
	return false
}

// SetChannelEnabled flips the master switch for the given channel.
func (p *UserPreferences) SetChannelEnabled(ch Channel, enabled bool) {
	switch ch {
	case ChannelEmail:
		p.EmailEnabled = enabled
	case ChannelSMS:
		p.SMSEnabled = enabled
	case ChannelPush:
		p.PushEnabled = enabled
	}
}

// CategoryEnabled returns the toggle for the given category, falling back to
// the category default (enabled, except marketing) when no explicit value is
// stored. Matching is case-insensitive.
func (p *UserPreferences) CategoryEnabled(cat Category) bool {
	n := cat.Normalize()
	if v, ok := p.Categories[n]; ok {
		return v
	}
	return n != CategoryMarketing
}

// Clone returns a deep copy safe to mutate without affecting cached rows.
func (p *UserPreferences) Clone() *UserPreferences {
	cp := *p
	cp.Categories = p.Categories.Clone()
	return &cp
}

// UnsubscribeToken is a single-use opaque credential embedded in outbound
// email footers. Redeeming it disables the channels named by its scope.
// Only a bcrypt hash of the secret is stored; the plaintext is shown once
// at issuance. Tokens expire one year after creation and once used stay
// used forever.
type UnsubscribeToken struct {
	ID          string           `json:"id" db:"id"`
	UserID      string           `json:"user_id" db:"user_id"`
	TokenPrefix string           `json:"token_prefix" db:"token_prefix"`
	TokenHash   string           `json:"-" db:"token_hash"`
	Scope       UnsubscribeScope `json:"scope" db:"scope"`
	ExpiresAt   time.Time        `json:"expires_at" db:"expires_at"`
	UsedAt      *time.Time       `json:"used_at,omitempty" db:"used_at"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *UnsubscribeToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Used reports whether the token has already been redeemed.
func (t *UnsubscribeToken) Used() bool {
	return t.UsedAt != nil
}

// NotificationRecord is the audit row for a single notification through a
// single channel. Records are never deleted by request handling; only the
// retention job removes rows, after archiving them.
type NotificationRecord struct {
	ID       string   `json:"id" db:"id"`
	UserID   string   `json:"user_id" db:"user_id"`
	Channel  Channel  `json:"channel" db:"channel"`
	Category Category `json:"category" db:"category"`

	Status   NotificationStatus `json:"status" db:"status"`
	Provider Provider           `json:"provider,omitempty" db:"provider"`

	// ProviderMessageID correlates asynchronous provider webhooks back to
	// this record. Empty until the dispatch call returns one.
	ProviderMessageID string `json:"provider_message_id,omitempty" db:"provider_message_id"`

	Recipient string `json:"recipient,omitempty" db:"recipient"`
	Subject   string `json:"subject,omitempty" db:"subject"`
	Body      string `json:"body,omitempty" db:"body"`

	ErrorMessage string   `json:"error_message,omitempty" db:"error_message"`
	Metadata     Metadata `json:"metadata,omitempty" db:"metadata"`

	// Lifecycle timestamps. Each is stamped exactly once, the first time
	// the record reaches the corresponding status.
	SentAt      *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	OpenedAt    *time.Time `json:"opened_at,omitempty" db:"opened_at"`
	ClickedAt   *time.Time `json:"clicked_at,omitempty" db:"clicked_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CampaignID returns the campaign identifier from metadata, or "" when the
// notification was not part of a campaign.
func (n *NotificationRecord) CampaignID() string {
	return n.Metadata.String("campaign_id")
}

// StatusUpdate carries one lifecycle transition to apply to a notification
// record. ProviderMessageID and ErrorMessage are set only when non-empty;
// Metadata is shallow-merged into the record's existing metadata.
type StatusUpdate struct {
	Status            NotificationStatus
	ProviderMessageID string
	ErrorMessage      string
	Metadata          Metadata
}

// DeliveryStats aggregates lifecycle counts for a set of notifications.
// A record in a later state counts toward every earlier forward state, so
// a clicked notification contributes to sent, delivered, and opened too.
type DeliveryStats struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Opened    int `json:"opened"`
	Clicked   int `json:"clicked"`
	Failed    int `json:"failed"`
}

// ChannelStats breaks DeliveryStats down per delivery channel.
type ChannelStats struct {
	DeliveryStats
	ByChannel map[Channel]DeliveryStats `json:"by_channel"`
}

// CampaignStats carries campaign totals plus the derived funnel rates.
// Rates are percentages; each denominator is zero-guarded to 0.
type CampaignStats struct {
	CampaignID   string  `json:"campaign_id"`
	Total        int     `json:"total"`
	Sent         int     `json:"sent"`
	Delivered    int     `json:"delivered"`
	Opened       int     `json:"opened"`
	Clicked      int     `json:"clicked"`
	Failed       int     `json:"failed"`
	DeliveryRate float64 `json:"delivery_rate"`
	OpenRate     float64 `json:"open_rate"`
	ClickRate    float64 `json:"click_rate"`
}
