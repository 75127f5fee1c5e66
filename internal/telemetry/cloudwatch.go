// Package telemetry emits operational metrics to CloudWatch.
// Emission is best-effort everywhere: a metrics failure is logged and
// never propagated into the request or webhook path.
package telemetry

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"notifly/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchAnalytics publishes notification lifecycle metrics.
//
// Metrics emitted:
//   - NotificationStatusChange: Dims {Channel, Status} on every transition
//   - WebhookEvent: Dims {Provider} on every accepted webhook event
//   - PreferenceBlocked: Dims {Channel, Category} on every gate denial
//   - QuietHoursDeferred: Dims {Channel} on every deferral
type CloudWatchAnalytics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchAnalytics creates an analytics emitter publishing to the
// platform namespace.
func NewCloudWatchAnalytics(client CloudWatchClient, logger types.Logger) *CloudWatchAnalytics {
	return &CloudWatchAnalytics{
		client:    client,
		namespace: types.MetricNamespace,
		logger:    logger,
	}
}

// StatusChanged emits a NotificationStatusChange metric.
func (a *CloudWatchAnalytics) StatusChanged(ctx context.Context, channel types.Channel, status types.NotificationStatus) {
	a.put(ctx, types.MetricStatusChange, cwtypes.StandardUnitCount, 1,
		dim(types.DimChannel, string(channel)),
		dim(types.DimStatus, string(status)),
	)
}

// WebhookEvent emits a WebhookEvent metric for an accepted provider event.
func (a *CloudWatchAnalytics) WebhookEvent(ctx context.Context, provider types.Provider) {
	a.put(ctx, types.MetricWebhookEvent, cwtypes.StandardUnitCount, 1,
		dim(types.DimProvider, string(provider)),
	)
}

// PreferenceBlocked emits a PreferenceBlocked metric for a gate denial.
func (a *CloudWatchAnalytics) PreferenceBlocked(ctx context.Context, channel types.Channel, category types.Category) {
	a.put(ctx, types.MetricPreferenceBlocked, cwtypes.StandardUnitCount, 1,
		dim(types.DimChannel, string(channel)),
		dim(types.DimCategory, string(category)),
	)
}

// QuietHoursDeferred emits a QuietHoursDeferred metric.
func (a *CloudWatchAnalytics) QuietHoursDeferred(ctx context.Context, channel types.Channel) {
	a.put(ctx, types.MetricQuietHoursDeferred, cwtypes.StandardUnitCount, 1,
		dim(types.DimChannel, string(channel)),
	)
}

func (a *CloudWatchAnalytics) put(ctx context.Context, name string, unit cwtypes.StandardUnit, value float64, dims ...cwtypes.Dimension) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(a.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(value),
				Unit:       unit,
				Dimensions: dims,
			},
		},
	}

	if _, err := a.client.PutMetricData(ctx, input); err != nil {
		a.logger.Error("failed to emit metric",
			"metric", name,
			"error", err.Error(),
		)
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

// APIMetrics adapts CloudWatch to the API chassis MetricsCollector.
type APIMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewAPIMetrics creates the request latency collector used by the HTTP
// middleware chain.
func NewAPIMetrics(client CloudWatchClient, logger types.Logger) *APIMetrics {
	return &APIMetrics{
		client:    client,
		namespace: types.MetricNamespace,
		logger:    logger,
	}
}

// RecordRequest emits an APILatency metric in milliseconds with Endpoint
// and Status dimensions. The middleware calls this after the response is
// written, so emission runs on its own short deadline.
func (m *APIMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricAPILatency),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: []cwtypes.Dimension{
					dim(types.DimEndpoint, method+" "+endpoint),
					dim(types.DimStatus, status),
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record API latency metric",
			"endpoint", endpoint,
			"error", err.Error(),
		)
	}
}
