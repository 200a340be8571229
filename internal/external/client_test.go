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

	"c2cpipeline/internal/types"
)

func noopSleep(time.Duration) {}

func newTestClient(t *testing.T, policy RetryPolicy, opts ...BaseClientOption) *BaseClient {
	t.Helper()
	opts = append([]BaseClientOption{WithSleepFunc(noopSleep)}, opts...)
	return NewBaseClient(&http.Client{Timeout: 5 * time.Second}, t.Name(), policy, "c2cpipeline-test/1.0", opts...)
}

func mustRequest(t *testing.T, ctx context.Context, method, url string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	return req
}

func TestDo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())
	resp, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"ok"}` {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestDo_SetsHeaders(t *testing.T) {
	var gotID, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Request-Id")
		gotUA = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())
	ctx := types.WithInvocationID(context.Background(), "inv-42")
	resp, err := client.Do(mustRequest(t, ctx, http.MethodGet, server.URL, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if gotID != "inv-42" {
		t.Errorf("X-Request-Id = %q, want inv-42", gotID)
	}
	if gotUA != "c2cpipeline-test/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
}

func TestDo_NoRequestIDWithoutInvocation(t *testing.T) {
	var present bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present = r.Header["X-Request-Id"]
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())
	resp, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if present {
		t.Error("X-Request-Id should not be set")
	}
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"500", http.StatusInternalServerError},
		{"503", http.StatusServiceUnavailable},
		{"429", http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) < 3 {
					w.WriteHeader(tt.status)
					return
				}
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			var sleeps int
			client := newTestClient(t, DefaultRetryPolicy(), WithSleepFunc(func(time.Duration) { sleeps++ }))
			resp, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			resp.Body.Close()

			if calls.Load() != 3 {
				t.Errorf("calls = %d, want 3", calls.Load())
			}
			if sleeps != 2 {
				t.Errorf("sleeps = %d, want 2", sleeps)
			}
		})
	}
}

func TestDo_ExhaustedRetries(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   types.ErrorCode
	}{
		{"server error", http.StatusBadGateway, types.ErrCodeUpstreamUnavailable},
		{"rate limited", http.StatusTooManyRequests, types.ErrCodeUpstreamRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := newTestClient(t, RetryPolicy{MaxRetries: 2, MinWait: time.Millisecond, MaxWait: time.Millisecond})
			_, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))

			var appErr *types.AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected *types.AppError, got %T: %v", err, err)
			}
			if appErr.Code != tt.want {
				t.Errorf("code = %s, want %s", appErr.Code, tt.want)
			}
			if calls.Load() != 3 {
				t.Errorf("calls = %d, want 3", calls.Load())
			}
		})
	}
}

func TestDo_4xxReturnedWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())
	resp, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestDo_BodyReplayedOnRetry(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if len(bodies) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())
	resp, err := client.Do(mustRequest(t, context.Background(), http.MethodPost, server.URL, strings.NewReader(`{"meter":"1"}`)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if len(bodies) != 2 || bodies[0] != bodies[1] || bodies[1] != `{"meter":"1"}` {
		t.Errorf("bodies = %q", bodies)
	}
}

func TestDo_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, RetryPolicy{MaxRetries: 0})
	for i := 0; i < 6; i++ {
		if _, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil)); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	before := calls.Load()

	_, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if types.CodeOf(err) != types.ErrCodeUpstreamUnavailable {
		t.Errorf("code = %s, want %s", types.CodeOf(err), types.ErrCodeUpstreamUnavailable)
	}
	if calls.Load() != before {
		t.Error("open breaker must not reach the server")
	}
}

func TestDo_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	client := newTestClient(t, RetryPolicy{MaxRetries: 1})
	_, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, url, nil))
	if types.CodeOf(err) != types.ErrCodeUpstreamUnavailable {
		t.Errorf("code = %s, want %s", types.CodeOf(err), types.ErrCodeUpstreamUnavailable)
	}
}

func TestBackoff(t *testing.T) {
	c := newTestClient(t, RetryPolicy{MaxRetries: 3, MinWait: 100 * time.Millisecond, MaxWait: time.Second})

	if got := c.backoff(0, nil); got != 100*time.Millisecond {
		t.Errorf("attempt 0 = %v, want MinWait", got)
	}
	for attempt := 1; attempt < 6; attempt++ {
		got := c.backoff(attempt, nil)
		if got < 100*time.Millisecond || got > time.Second {
			t.Errorf("attempt %d = %v, outside [MinWait, MaxWait]", attempt, got)
		}
	}

	resp := &http.Response{Header: http.Header{"Retry-After": []string{"2"}}}
	if got := c.backoff(0, resp); got != time.Second {
		t.Errorf("Retry-After 2 capped = %v, want 1s", got)
	}
	resp.Header.Set("Retry-After", "bogus")
	if got := c.backoff(0, resp); got != 100*time.Millisecond {
		t.Errorf("invalid Retry-After = %v, want MinWait", got)
	}
}
