package types

// SendMessage is the SQS payload sent from the API to the delivery workers.
// It is the transport envelope carrying everything a worker needs to
// re-check preferences, render content, and dispatch through a provider.
// JSON tags use snake_case to match the wire contract.
type SendMessage struct {
	// Core Identity
	NotificationID string `json:"notification_id"`
	UserID         string `json:"user_id"`

	// Routing
	Channel  Channel  `json:"channel"`
	Category Category `json:"category"`

	// Content
	Recipient    string         `json:"recipient"`
	TemplateID   string         `json:"template_id,omitempty"`
	Subject      string         `json:"subject,omitempty"`
	Body         string         `json:"body,omitempty"`
	TemplateData map[string]any `json:"template_data,omitempty"`

	// Retry State: carries the retry count across the SQS publish cycle.
	// Incremented by workers on transient failures before re-publishing.
	RetryCount int `json:"retry_count"`

	// Observability
	TraceID string `json:"trace_id"`
}
