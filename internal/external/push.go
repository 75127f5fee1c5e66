package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"notifly/internal/types"
)

// fcmDefaultEndpoint is the FCM legacy HTTP send endpoint.
// Overridable in tests and config via FCMClientConfig.Endpoint.
const fcmDefaultEndpoint = "https://fcm.googleapis.com/fcm/send"

// FCMClientConfig holds the configuration for creating an FCMClient.
type FCMClientConfig struct {
	ServerKey string
	Endpoint  string // Override for testing; defaults to fcmDefaultEndpoint
	Logger    *slog.Logger
}

// FCMClient implements Sender for the push channel against the FCM HTTP API.
// Requests go through BaseClient for circuit breaking and retries.
type FCMClient struct {
	base      *BaseClient
	serverKey string
	endpoint  string
	logger    *slog.Logger
}

// NewFCMClient creates a new FCMClient.
func NewFCMClient(
	httpClient *http.Client,
	cfg FCMClientConfig,
) *FCMClient {
	base := NewBaseClient(
		httpClient,
		"fcm",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"Notifly/1.0",
		WithSleepFunc(time.Sleep),
	)

	return newFCMClient(base, cfg)
}

// NewFCMClientWithBase creates an FCMClient with a pre-configured BaseClient,
// for tests that need to control retry behavior.
func NewFCMClientWithBase(
	base *BaseClient,
	cfg FCMClientConfig,
) *FCMClient {
	return newFCMClient(base, cfg)
}

func newFCMClient(base *BaseClient, cfg FCMClientConfig) *FCMClient {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fcmDefaultEndpoint
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &FCMClient{
		base:      base,
		serverKey: cfg.ServerKey,
		endpoint:  strings.TrimSuffix(endpoint, "/"),
		logger:    logger,
	}
}

// Provider identifies this Sender for notification records and webhooks.
func (f *FCMClient) Provider() types.Provider {
	return types.ProviderFCM
}

// fcmSendPayload is the FCM HTTP send request body. The recipient is a
// device registration token; notification carries the visible content and
// data carries the correlation keys.
type fcmSendPayload struct {
	To           string            `json:"to"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

// fcmSendResponse is the subset of the FCM response we need. message_id is
// set on success; results carries per-token errors.
type fcmSendResponse struct {
	MessageID int64 `json:"message_id"`
	Success   int   `json:"success"`
	Failure   int   `json:"failure"`
	Results   []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// Send transmits a push notification. Returns the FCM message ID, which keys
// later delivery receipts back to the notification record.
func (f *FCMClient) Send(ctx context.Context, msg types.SendMessage) (string, error) {
	payload := fcmSendPayload{
		To: msg.Recipient,
		Notification: fcmNotification{
			Title: msg.Subject,
			Body:  msg.Body,
		},
	}
	if msg.NotificationID != "" {
		payload.Data = map[string]string{
			"notification_id": msg.NotificationID,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to marshal FCM send payload",
			err,
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create FCM send request",
			err,
		)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+f.serverKey)

	resp, err := f.base.Do(req)
	if err != nil {
		return "", f.wrapFCMError("Send", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", f.handleErrorResponse(resp, "Send")
	}

	var result fcmSendResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&result); decErr != nil {
		return "", types.NewAppError(
			types.ErrCodeUpstreamPush,
			"Send: FCM accepted the request but the response was unreadable",
			decErr,
		)
	}

	// FCM reports per-token outcomes inside a 200 response.
	if len(result.Results) > 0 {
		r := result.Results[0]
		if r.Error != "" {
			return "", types.NewAppError(
				types.ErrCodeUpstreamPush,
				fmt.Sprintf("Send: FCM rejected the message: %s", r.Error),
				nil,
			)
		}
		if r.MessageID != "" {
			return r.MessageID, nil
		}
	}

	return fmt.Sprintf("%d", result.MessageID), nil
}

// handleErrorResponse maps a non-200 FCM response to a types.AppError.
func (f *FCMClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: FCM rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: FCM server error: %s", operation, string(body)),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamPush,
			fmt.Sprintf("%s: FCM error (%d): %s", operation, resp.StatusCode, string(body)),
			nil,
		)
	}
}

// wrapFCMError wraps a BaseClient transport error with context.
func (f *FCMClient) wrapFCMError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamPush,
		fmt.Sprintf("%s: FCM request failed: %v", operation, err),
		err,
	)
}

var _ Sender = (*FCMClient)(nil)
