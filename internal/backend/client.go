// Package backend is the HTTP client for the hosted Postgres backend.
// It exposes the narrow surface the sync core needs: a fluent range
// query ordered by updated_at, upsert-by-id, delete-by-id, and auth.
// Request construction, bearer injection, retry with exponential
// backoff, and error classification all live here.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Retry and backoff constants.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "fieldsync/0.1"
)

// TokenSource provides bearer tokens for API requests. Defined at the
// consumer per Go convention "accept interfaces, return structs"; the
// auth flow in this package provides the real implementation.
type TokenSource interface {
	Token() (string, error)
}

// Client is an HTTP client for the backend's REST API. The same client
// instance is shared by the sync engine and the auth flow.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a backend API client. baseURL is the project URL
// without a trailing slash; apiKey is the public API key sent with
// every request. Returns ErrNotConfigured when either is missing —
// retrying cannot help without a configuration change.
func NewClient(baseURL, apiKey string, httpClient *http.Client, token TokenSource, logger *slog.Logger) (*Client, error) {
	if baseURL == "" || apiKey == "" {
		return nil, ErrNotConfigured
	}

	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		sleepFunc:  timeSleep,
	}, nil
}

// do executes a REST request with retries. path is appended to the base
// URL; query may be nil. Network errors, 429 and 5xx responses are
// retried with exponential backoff; other non-2xx responses return an
// *APIError immediately. The caller must close the response body on
// success.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, prefer string, body []byte) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var attempt int
	for {
		resp, err := c.doOnce(ctx, method, u, prefer, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("backend: request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("backend: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("backend: %s %s failed after %d retries: %w", method, path, maxRetries, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = nil
		}

		apiErr := newAPIError(resp.StatusCode, errBody)

		if apiErr.retryable() && attempt < maxRetries {
			backoff := c.retryAfterOrBackoff(resp, attempt)
			c.logger.Warn("retrying after API error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
				return nil, fmt.Errorf("backend: request canceled: %w", sleepErr)
			}

			attempt++

			continue
		}

		return nil, apiErr
	}
}

// doOnce builds and executes a single HTTP request.
func (c *Client) doOnce(ctx context.Context, method, u, prefer string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("apikey", c.apiKey)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	if c.token != nil {
		tok, tokErr := c.token.Token()
		if tokErr != nil {
			return nil, fmt.Errorf("get token: %w", tokErr)
		}

		req.Header.Set("Authorization", "Bearer "+tok)
	}

	return c.httpClient.Do(req)
}

// retryAfterOrBackoff honors a Retry-After header when present,
// otherwise falls back to calculated backoff.
func (c *Client) retryAfterOrBackoff(resp *http.Response, attempt int) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with jitter for the given
// attempt number (0-based).
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	// Jitter in [-jitterFraction, +jitterFraction].
	jitter := (rand.Float64()*2 - 1) * jitterFraction * backoff

	return time.Duration(backoff + jitter)
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// decodeRows reads and decodes a JSON array response body.
func decodeRows(body io.ReadCloser) ([]json.RawMessage, error) {
	defer body.Close()

	var rows []json.RawMessage

	if err := json.NewDecoder(body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("backend: decode rows: %w", err)
	}

	return rows, nil
}
