package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"notifly/internal/config"
	"notifly/internal/types"
)

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	// err is returned by SendMessage if non-nil (simulates SQS failures).
	err error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/notifly-send"

func newTestPublisher(mock *mockSQSSender) *SendPublisher {
	awsCfg := config.AWSConfig{SendQueue: testQueueURL}
	return NewSendPublisher(mock, awsCfg, slog.Default())
}

func testMessage() types.SendMessage {
	return types.SendMessage{
		NotificationID: "notif_1",
		UserID:         "user_1",
		Channel:        types.ChannelEmail,
		Category:       types.CategoryPayment,
		Recipient:      "user@example.com",
		Subject:        "Receipt",
		Body:           "Thanks for your order.",
		TraceID:        "trace_1",
	}
}

func TestPublish_SendsToConfiguredQueue(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	err := pub.Publish(context.Background(), testMessage(), "api_send")
	if err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}

	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}
	call := mock.calls[0]
	if *call.QueueUrl != testQueueURL {
		t.Errorf("expected queue URL %q, got %q", testQueueURL, *call.QueueUrl)
	}
	if call.DelaySeconds != 0 {
		t.Errorf("expected zero delay, got %d", call.DelaySeconds)
	}
}

func TestPublish_PreservesFullPayload(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	original := testMessage()
	original.TemplateID = "tmpl_receipt"
	original.TemplateData = map[string]any{"order_id": "ord_42"}

	if err := pub.Publish(context.Background(), original, "api_send"); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}

	var decoded types.SendMessage
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &decoded); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}

	if decoded.NotificationID != original.NotificationID {
		t.Errorf("NotificationID mismatch: got %q, want %q", decoded.NotificationID, original.NotificationID)
	}
	if decoded.Channel != original.Channel {
		t.Errorf("Channel mismatch: got %q, want %q", decoded.Channel, original.Channel)
	}
	if decoded.Recipient != original.Recipient {
		t.Errorf("Recipient mismatch: got %q, want %q", decoded.Recipient, original.Recipient)
	}
	if decoded.TemplateID != original.TemplateID {
		t.Errorf("TemplateID mismatch: got %q, want %q", decoded.TemplateID, original.TemplateID)
	}
	if decoded.TemplateData["order_id"] != "ord_42" {
		t.Errorf("TemplateData mismatch: got %v", decoded.TemplateData)
	}
	if decoded.TraceID != original.TraceID {
		t.Errorf("TraceID mismatch: got %q, want %q", decoded.TraceID, original.TraceID)
	}
}

func TestPublish_SetsReasonMessageAttribute(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	if err := pub.Publish(context.Background(), testMessage(), "quiet_hours_rollover"); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}

	attr, ok := mock.calls[0].MessageAttributes["reason"]
	if !ok {
		t.Fatal("expected 'reason' message attribute to be set")
	}
	if *attr.StringValue != "quiet_hours_rollover" {
		t.Errorf("expected reason attribute %q, got %q", "quiet_hours_rollover", *attr.StringValue)
	}
	if *attr.DataType != "String" {
		t.Errorf("expected DataType 'String', got %q", *attr.DataType)
	}
}

func TestPublishDelayed_SetsDelaySeconds(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	err := pub.PublishDelayed(context.Background(), testMessage(), 5*time.Minute, "quiet_hours")
	if err != nil {
		t.Fatalf("PublishDelayed returned unexpected error: %v", err)
	}

	if mock.calls[0].DelaySeconds != 300 {
		t.Errorf("expected DelaySeconds 300, got %d", mock.calls[0].DelaySeconds)
	}
}

func TestPublishDelayed_ClampsToSQSMaximum(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	// A quiet-hours deferral of 9 hours must clamp to the SQS ceiling.
	err := pub.PublishDelayed(context.Background(), testMessage(), 9*time.Hour, "quiet_hours")
	if err != nil {
		t.Fatalf("PublishDelayed returned unexpected error: %v", err)
	}

	if mock.calls[0].DelaySeconds != 900 {
		t.Errorf("expected DelaySeconds clamped to 900, got %d", mock.calls[0].DelaySeconds)
	}
}

func TestRetry_IncrementsRetryCount(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	msg := testMessage()
	msg.RetryCount = 2

	if err := pub.Retry(context.Background(), msg, 30*time.Second); err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}

	var decoded types.SendMessage
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &decoded); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}
	if decoded.RetryCount != 3 {
		t.Errorf("expected RetryCount 3, got %d", decoded.RetryCount)
	}
	if mock.calls[0].DelaySeconds != 30 {
		t.Errorf("expected DelaySeconds 30, got %d", mock.calls[0].DelaySeconds)
	}
}

func TestPublish_SQSError(t *testing.T) {
	mock := &mockSQSSender{err: fmt.Errorf("service unavailable")}
	pub := newTestPublisher(mock)

	err := pub.Publish(context.Background(), testMessage(), "api_send")
	if err == nil {
		t.Fatal("expected error from Publish, got nil")
	}
	if !strings.Contains(err.Error(), "failed to send SendMessage") {
		t.Errorf("expected error message to contain 'failed to send SendMessage', got %q", err.Error())
	}
	if !strings.Contains(err.Error(), testQueueURL) {
		t.Errorf("expected error message to contain queue URL %q, got %q", testQueueURL, err.Error())
	}
}
