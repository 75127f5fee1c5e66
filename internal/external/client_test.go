package external

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"notifly/internal/types"

	"github.com/sony/gobreaker/v2"
)

// quickPolicy keeps retry counts small; sleeps are stubbed out anyway.
func quickPolicy(retries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries: retries,
		MinWait:    time.Millisecond,
		MaxWait:    10 * time.Millisecond,
	}
}

func newClient(policy RetryPolicy, opts ...BaseClientOption) *BaseClient {
	opts = append([]BaseClientOption{WithSleepFunc(func(time.Duration) {})}, opts...)
	return NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"upstream-test",
		policy,
		"Notifly-Test/1.0",
		opts...,
	)
}

// failFirst answers the first n requests with status, then 200 with body.
func failFirst(n int32, status int, body string, calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= n {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}
}

func get(t *testing.T, c *BaseClient, ctx context.Context, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	return c.Do(req)
}

func TestBaseClient_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	resp, err := get(t, newClient(DefaultRetryPolicy()), context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q", body)
	}
}

func TestBaseClient_PropagatesTraceHeaders(t *testing.T) {
	var gotTrace, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = r.Header.Get("X-B3-TraceId")
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	ctx := types.WithRequestID(context.Background(), "req_trace_1")
	resp, err := get(t, newClient(DefaultRetryPolicy()), ctx, srv.URL)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if gotTrace != "req_trace_1" {
		t.Errorf("X-B3-TraceId = %q, want req_trace_1", gotTrace)
	}
	if gotUA != "Notifly-Test/1.0" {
		t.Errorf("User-Agent = %q, want Notifly-Test/1.0", gotUA)
	}
}

func TestBaseClient_NoTraceHeaderWithoutRequestID(t *testing.T) {
	var gotTrace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = r.Header.Get("X-B3-TraceId")
	}))
	defer srv.Close()

	resp, err := get(t, newClient(DefaultRetryPolicy()), context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if gotTrace != "" {
		t.Errorf("X-B3-TraceId = %q, want unset", gotTrace)
	}
}

func TestBaseClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(failFirst(2, http.StatusInternalServerError, "recovered", &calls))
	defer srv.Close()

	resp, err := get(t, newClient(quickPolicy(3)), context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Do after two 500s: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("upstream saw %d calls, want 3", got)
	}
}

func TestBaseClient_Retries503(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(failFirst(1, http.StatusServiceUnavailable, "recovered", &calls))
	defer srv.Close()

	resp, err := get(t, newClient(quickPolicy(2)), context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Do after a 503: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "recovered" {
		t.Errorf("body = %q, want recovered", body)
	}
}

func TestBaseClient_RetriesRateLimits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(failFirst(1, http.StatusTooManyRequests, "", &calls))
	defer srv.Close()

	resp, err := get(t, newClient(quickPolicy(2)), context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Do after a 429: %v", err)
	}
	resp.Body.Close()

	if got := calls.Load(); got != 2 {
		t.Errorf("upstream saw %d calls, want 2", got)
	}
}

func TestBaseClient_ExhaustedRetriesOn500(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	resp, err := get(t, newClient(quickPolicy(2)), context.Background(), srv.URL)
	if resp != nil {
		t.Error("response must be nil when retries are exhausted")
	}
	if !types.HasErrorCode(err, types.ErrCodeUpstreamUnavailable) {
		t.Errorf("error = %v, want code %s", err, types.ErrCodeUpstreamUnavailable)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("upstream saw %d calls, want the initial attempt plus two retries", got)
	}
}

func TestBaseClient_ExhaustedRetriesOn429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	resp, err := get(t, newClient(quickPolicy(1)), context.Background(), srv.URL)
	if resp != nil {
		t.Error("response must be nil when retries are exhausted")
	}
	if !types.HasErrorCode(err, types.ErrCodeUpstreamRateLimited) {
		t.Errorf("error = %v, want code %s", err, types.ErrCodeUpstreamRateLimited)
	}
}

func TestBaseClient_4xxNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad request"))
	}))
	defer srv.Close()

	resp, err := get(t, newClient(quickPolicy(3)), context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("a 400 must come back as a response: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream saw %d calls for a 400, want exactly 1", got)
	}
}

func TestBaseClient_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	resp, err := get(t, newClient(quickPolicy(1)), context.Background(), url)
	if resp != nil {
		t.Error("response must be nil on a connection failure")
	}
	if !types.HasErrorCode(err, types.ErrCodeInternalUnexpected) {
		t.Errorf("error = %v, want code %s", err, types.ErrCodeInternalUnexpected)
	}
}

func TestBaseClient_BreakerOpensAndShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "trip-fast",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	client := NewBaseClientWithBreaker(
		&http.Client{Timeout: 5 * time.Second},
		breaker,
		quickPolicy(0),
		"Notifly-Test/1.0",
		WithSleepFunc(func(time.Duration) {}),
	)

	for range 4 {
		if resp, _ := get(t, client, context.Background(), srv.URL); resp != nil {
			resp.Body.Close()
		}
	}

	before := calls.Load()
	resp, err := get(t, client, context.Background(), srv.URL)
	if resp != nil {
		resp.Body.Close()
		t.Error("response must be nil while the breaker is open")
	}
	if !types.HasErrorCode(err, types.ErrCodeUpstreamRateLimited) {
		t.Errorf("error = %v, want code %s", err, types.ErrCodeUpstreamRateLimited)
	}
	if after := calls.Load(); after != before {
		t.Errorf("upstream saw %d extra calls while the breaker was open", after-before)
	}
}

func TestBaseClient_HonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var slept []time.Duration
	client := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"retry-after-test",
		RetryPolicy{MaxRetries: 1, MinWait: 100 * time.Millisecond, MaxWait: 10 * time.Second},
		"Notifly-Test/1.0",
		WithSleepFunc(func(d time.Duration) { slept = append(slept, d) }),
	)

	resp, err := get(t, client, context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if len(slept) != 1 || slept[0] != 2*time.Second {
		t.Errorf("slept %v, want exactly the upstream's 2s", slept)
	}
}

func TestBaseClient_RetryAfterClampedToMaxWait(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "3600")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var slept []time.Duration
	client := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"retry-after-cap-test",
		RetryPolicy{MaxRetries: 1, MinWait: 100 * time.Millisecond, MaxWait: 5 * time.Second},
		"Notifly-Test/1.0",
		WithSleepFunc(func(d time.Duration) { slept = append(slept, d) }),
	)

	resp, err := get(t, client, context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if len(slept) != 1 || slept[0] != 5*time.Second {
		t.Errorf("slept %v, want the 1h Retry-After clamped to 5s", slept)
	}
}

func TestBaseClient_BodyReplayedOnRetry(t *testing.T) {
	var calls atomic.Int32
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	payload := `{"to":"user@example.com","subject":"hi"}`
	req, err := http.NewRequestWithContext(context.Background(),
		http.MethodPost, srv.URL, strings.NewReader(payload))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := newClient(quickPolicy(2)).Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if len(bodies) != 2 {
		t.Fatalf("upstream saw %d requests, want 2", len(bodies))
	}
	for i, got := range bodies {
		if got != payload {
			t.Errorf("attempt %d body = %q, want the original payload", i, got)
		}
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()
	if policy.MaxRetries != 3 || policy.MinWait != 500*time.Millisecond || policy.MaxWait != 10*time.Second {
		t.Errorf("DefaultRetryPolicy() = %+v, want 3 retries between 500ms and 10s", policy)
	}
}

func TestBackoff_StaysWithinPolicyBounds(t *testing.T) {
	client := &BaseClient{retryPolicy: RetryPolicy{
		MaxRetries: 5,
		MinWait:    100 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}}

	// Jitter makes exact values unpredictable; the bounds are the contract.
	for attempt := range 5 {
		wait := client.backoff(attempt, nil)
		if wait < client.retryPolicy.MinWait || wait > client.retryPolicy.MaxWait {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]",
				attempt, wait, client.retryPolicy.MinWait, client.retryPolicy.MaxWait)
		}
	}
}

func TestMapError(t *testing.T) {
	client := &BaseClient{}

	cases := []struct {
		name     string
		resp     *http.Response
		err      error
		wantCode types.ErrorCode
	}{
		{"open breaker", nil, gobreaker.ErrOpenState, types.ErrCodeUpstreamRateLimited},
		{"breaker half-open overflow", nil, gobreaker.ErrTooManyRequests, types.ErrCodeUpstreamRateLimited},
		{"rate limited response", &http.Response{StatusCode: http.StatusTooManyRequests}, errors.New("upstream returned 429"), types.ErrCodeUpstreamRateLimited},
		{"server error response", &http.Response{StatusCode: http.StatusInternalServerError}, errors.New("upstream returned 500"), types.ErrCodeUpstreamUnavailable},
		{"transport failure", nil, errors.New("connection reset"), types.ErrCodeInternalUnexpected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			appErr := client.mapError(tc.resp, tc.err)
			if appErr.Code != tc.wantCode {
				t.Errorf("code = %s, want %s", appErr.Code, tc.wantCode)
			}
		})
	}
}

func TestMapError_OpenBreakerMessage(t *testing.T) {
	appErr := (&BaseClient{}).mapError(nil, gobreaker.ErrOpenState)
	if !strings.Contains(appErr.Message, "circuit breaker") {
		t.Errorf("message = %q, want the breaker named", appErr.Message)
	}
}
