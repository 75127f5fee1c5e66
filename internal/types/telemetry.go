package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricStatusChange       = "NotificationStatusChange"
	MetricDeliveryAttempt    = "DeliveryAttempt"
	MetricDeliverySuccess    = "DeliverySuccess"
	MetricDeliveryFailed     = "DeliveryFailed"
	MetricPreferenceBlocked  = "PreferenceBlocked"
	MetricQuietHoursDeferred = "QuietHoursDeferred"
	MetricWebhookEvent       = "WebhookEvent"
	MetricAPILatency         = "APILatency"
	MetricExternalAPIFailure = "ExternalAPIFailure"

	// Dimension Keys
	DimChannel   = "Channel"
	DimStatus    = "Status"
	DimProvider  = "Provider"
	DimCategory  = "Category"
	DimEndpoint  = "Endpoint"
	DimQueue     = "Queue"

	// Metric Namespace
	MetricNamespace = "Notifly"
)
