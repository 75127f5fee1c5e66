// Package external holds the provider clients: SendGrid for email, Twilio
// for SMS, FCM for push. Every outbound call goes through BaseClient so all
// providers share the same resilience behavior: circuit breaking, retries
// with jittered backoff, trace propagation, and error mapping.
package external

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"notifly/internal/types"

	"github.com/sony/gobreaker/v2"
)

// RetryPolicy configures how BaseClient retries 429 and 5xx responses.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy is the policy the provider clients start from.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    500 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}
}

// BaseClient wraps an *http.Client with a circuit breaker and retry loop.
// The provider clients embed it.
type BaseClient struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	userAgent   string
	sleep       func(time.Duration)
}

// BaseClientOption configures a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc replaces the inter-retry sleep, so tests run without real
// delays.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) {
		c.sleep = fn
	}
}

// NewBaseClient builds a BaseClient with its own circuit breaker. The
// breaker opens after five consecutive failures and probes again after 30
// seconds.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	retryPolicy RetryPolicy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
	return NewBaseClientWithBreaker(httpClient, breaker, retryPolicy, userAgent, opts...)
}

// NewBaseClientWithBreaker builds a BaseClient around a caller-provided
// breaker, for sharing one breaker across clients or for tests.
func NewBaseClientWithBreaker(
	httpClient *http.Client,
	breaker *gobreaker.CircuitBreaker[*http.Response],
	retryPolicy RetryPolicy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	c := &BaseClient{
		client:      httpClient,
		breaker:     breaker,
		retryPolicy: retryPolicy,
		userAgent:   userAgent,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends the request with trace and User-Agent headers injected, wrapped
// in the circuit breaker, retrying 429 and 5xx up to MaxRetries times with
// Retry-After respected. Any other status comes back as-is and the caller
// owns the body. Exhausted retries and an open breaker come back as
// AppErrors with upstream codes.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if traceID := types.GetRequestID(req.Context()); traceID != "" {
		req.Header.Set("X-B3-TraceId", traceID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	body, err := snapshotBody(req)
	if err != nil {
		return nil, err
	}

	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= c.retryPolicy.MaxRetries; attempt++ {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			return c.roundTrip(req)
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// An open breaker fails every attempt until its probe window;
		// retrying inside this call is pointless.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}

		if resp != nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}

		last := attempt == c.retryPolicy.MaxRetries
		if resp != nil {
			if last {
				lastResp = resp
			} else {
				resp.Body.Close()
			}
		}
		if !last {
			c.sleep(c.backoff(attempt, resp))
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, c.mapError(lastResp, lastErr)
}

// roundTrip executes one attempt. 429 and 5xx are reported as errors so
// the breaker counts them as failures.
func (c *BaseClient) roundTrip(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if retryableStatus(resp.StatusCode) {
		return resp, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	return resp, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// snapshotBody buffers the request body once so retries can replay it.
// Bodyless requests return nil.
func snapshotBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	defer req.Body.Close()

	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to read request body for retry support",
			err,
		)
	}
	return b, nil
}

// backoff picks the wait before the next attempt: the upstream's
// Retry-After when it sent one, otherwise exponential growth from MinWait
// with full jitter, clamped to MaxWait.
func (c *BaseClient) backoff(attempt int, resp *http.Response) time.Duration {
	if wait, ok := retryAfterWait(resp, c.retryPolicy); ok {
		return wait
	}

	ceiling := float64(c.retryPolicy.MinWait) * math.Pow(2, float64(attempt))
	if limit := float64(c.retryPolicy.MaxWait); ceiling > limit {
		ceiling = limit
	}
	floor := float64(c.retryPolicy.MinWait)
	if ceiling <= floor {
		return c.retryPolicy.MinWait
	}
	return time.Duration(floor + rand.Float64()*(ceiling-floor))
}

// retryAfterWait parses a Retry-After header, delta-seconds or HTTP-date,
// clamped to the policy's MaxWait.
func retryAfterWait(resp *http.Response, policy RetryPolicy) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0, false
	}

	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return clampWait(time.Duration(seconds)*time.Second, policy), true
	}
	if t, err := http.ParseTime(header); err == nil {
		wait := time.Until(t)
		if wait <= 0 {
			return policy.MinWait, true
		}
		return clampWait(wait, policy), true
	}
	return 0, false
}

func clampWait(wait time.Duration, policy RetryPolicy) time.Duration {
	if wait > policy.MaxWait {
		return policy.MaxWait
	}
	return wait
}

// mapError translates the final failure into a domain error.
func (c *BaseClient) mapError(resp *http.Response, err error) *types.AppError {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			"circuit breaker is open; upstream service unavailable",
			err,
		)
	case resp != nil && resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			"upstream rate limit exceeded",
			err,
		)
	case resp != nil && resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("upstream returned %d after retries", resp.StatusCode),
			err,
		)
	}
	return types.NewAppError(
		types.ErrCodeInternalUnexpected,
		"upstream request failed",
		err,
	)
}
