package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chunkflow/chunkflow/pkg/version"
)

// DefaultTimeout bounds a single vendor HTTP call.
const DefaultTimeout = 120 * time.Second

// HTTPClient is the shared JSON-over-HTTP helper the vendor clients build
// on.
type HTTPClient struct {
	Client *http.Client
}

// NewHTTPClient returns a client with the given timeout (zero means
// DefaultTimeout).
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{Client: &http.Client{Timeout: timeout}}
}

// DoJSON sends a JSON request and decodes a JSON response. A nil body
// sends no payload; a nil out discards the response body. Returns the HTTP
// status code alongside any transport or decode error.
func (c *HTTPClient) DoJSON(ctx context.Context, method, url string, headers map[string]string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.Full())
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(data), 512))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// DoRaw sends a request and returns the raw response body. Used for batch
// result downloads, which are JSONL rather than a single document.
func (c *HTTPClient) DoRaw(ctx context.Context, method, url string, headers map[string]string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", version.Full())
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(data), 512))
	}
	return data, resp.StatusCode, nil
}

// ClassifyHTTPError converts an HTTP status into the port's error taxonomy.
func ClassifyHTTPError(providerName, op string, status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return NewRateLimitError(providerName, op, err)
	case status == http.StatusBadRequest,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusPaymentRequired:
		return NewAuthError(providerName, op, err)
	default:
		return NewError(providerName, op, err)
	}
}

// RetryTransient runs fn with exponential backoff, retrying only
// rate-limit and transient failures up to cfg.MaxAttempts. Authentication
// errors surface immediately.
func RetryTransient(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg = cfg.Normalise()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(cfg.InitialDelay * float64(time.Second))
	policy.Multiplier = cfg.BackoffMultiplier
	policy.MaxElapsedTime = 0 // attempt count is the only budget

	attempts := uint64(cfg.MaxAttempts)
	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if IsRateLimit(err) || IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(policy, attempts-1), ctx))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
