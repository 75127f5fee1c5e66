package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"notifly/internal/types"
)

// twilioAPIBase is the default Twilio API base URL.
// Overridable in tests via TwilioClientConfig.BaseURL.
const twilioAPIBase = "https://api.twilio.com"

// TwilioClientConfig holds the configuration for creating a TwilioClient.
type TwilioClientConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// StatusCallbackURL, when set, is passed on every message so Twilio
	// posts delivery status updates back to the webhook endpoint.
	StatusCallbackURL string
	BaseURL           string // Override for testing; defaults to twilioAPIBase
	Logger            *slog.Logger
}

// TwilioClient implements Sender for the SMS channel against the Twilio
// Programmable Messaging API. Requests go through BaseClient for circuit
// breaking and retries.
type TwilioClient struct {
	base              *BaseClient
	accountSID        string
	authToken         string
	fromNumber        string
	statusCallbackURL string
	baseURL           string
	logger            *slog.Logger
}

// NewTwilioClient creates a new TwilioClient.
func NewTwilioClient(
	httpClient *http.Client,
	cfg TwilioClientConfig,
) *TwilioClient {
	base := NewBaseClient(
		httpClient,
		"twilio",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"Notifly/1.0",
		WithSleepFunc(time.Sleep),
	)

	return newTwilioClient(base, cfg)
}

// NewTwilioClientWithBase creates a TwilioClient with a pre-configured
// BaseClient, for tests that need to control retry behavior.
func NewTwilioClientWithBase(
	base *BaseClient,
	cfg TwilioClientConfig,
) *TwilioClient {
	return newTwilioClient(base, cfg)
}

func newTwilioClient(base *BaseClient, cfg TwilioClientConfig) *TwilioClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = twilioAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &TwilioClient{
		base:              base,
		accountSID:        cfg.AccountSID,
		authToken:         cfg.AuthToken,
		fromNumber:        cfg.FromNumber,
		statusCallbackURL: cfg.StatusCallbackURL,
		baseURL:           strings.TrimSuffix(baseURL, "/"),
		logger:            logger,
	}
}

// Provider identifies this Sender for notification records and webhooks.
func (t *TwilioClient) Provider() types.Provider {
	return types.ProviderTwilio
}

// Send transmits an SMS via POST /2010-04-01/Accounts/{sid}/Messages.json
// with HTTP basic auth. Returns the message SID, which Twilio echoes back as
// MessageSid on status callbacks.
func (t *TwilioClient) Send(ctx context.Context, msg types.SendMessage) (string, error) {
	form := url.Values{}
	form.Set("To", msg.Recipient)
	form.Set("From", t.fromNumber)
	form.Set("Body", msg.Body)
	if t.statusCallbackURL != "" {
		form.Set("StatusCallback", t.statusCallbackURL)
	}

	reqURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, t.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create Twilio message request",
			err,
		)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.accountSID, t.authToken)

	resp, err := t.base.Do(req)
	if err != nil {
		return "", t.wrapTwilioError("Send", err)
	}
	defer resp.Body.Close()

	// Twilio returns 201 Created with the message resource on success.
	if resp.StatusCode == http.StatusCreated {
		var created twilioMessageResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&created); decErr != nil {
			return "", types.NewAppError(
				types.ErrCodeUpstreamSMS,
				"Send: Twilio accepted the message but the response was unreadable",
				decErr,
			)
		}
		return created.Sid, nil
	}

	return "", t.handleErrorResponse(resp, "Send")
}

// twilioMessageResponse is the subset of the Twilio message resource we need.
type twilioMessageResponse struct {
	Sid    string `json:"sid"`
	Status string `json:"status"`
}

// twilioErrorResponse represents the JSON error body returned by Twilio.
type twilioErrorResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
}

// handleErrorResponse reads a Twilio error response and maps it to a
// types.AppError.
func (t *TwilioClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamSMS,
			fmt.Sprintf("%s: Twilio returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var twErr twilioErrorResponse
	errMsg := string(body)
	if jsonErr := json.Unmarshal(body, &twErr); jsonErr == nil && twErr.Message != "" {
		errMsg = fmt.Sprintf("%s (code %d)", twErr.Message, twErr.Code)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Twilio rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Twilio server error: %s", operation, errMsg),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamSMS,
			fmt.Sprintf("%s: Twilio error (%d): %s", operation, resp.StatusCode, errMsg),
			nil,
		)
	}
}

// wrapTwilioError wraps a BaseClient transport error with context.
func (t *TwilioClient) wrapTwilioError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamSMS,
		fmt.Sprintf("%s: Twilio request failed: %v", operation, err),
		err,
	)
}

var _ Sender = (*TwilioClient)(nil)
