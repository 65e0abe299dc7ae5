package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prbodas/pillow-endpoint/internal/metrics"
)

// RequestIDHeader carries the per-call request id; retries reuse it
const RequestIDHeader = "X-Request-ID"

// maxErrorBody bounds how much of an error response is kept
const maxErrorBody = 64 * 1024

// Client talks to the voice server
type Client struct {
	config     Config
	base       *url.URL
	httpClient *http.Client
	semaphore  chan struct{}
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains voice server client configuration
type Config struct {
	BaseURL string

	// Timeout bounds the wait for response headers. Bodies stream for as
	// long as the server keeps sending.
	Timeout       time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration // first retry delay, doubled per attempt up to 30s
	MaxConcurrent int
	UserAgent     string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// StatusError is a non-2xx response from the voice server
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("HTTP %s", e.Status)
	}
	return fmt.Sprintf("HTTP %s: %s", e.Status, body)
}

// Retryable reports whether the server may succeed on a later attempt
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// NewClient creates a new voice server HTTP client
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}

	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https: %q", config.BaseURL)
	}

	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	if config.UserAgent == "" {
		config.UserAgent = "pillow-voice-client/1.0"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          16,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: config.Timeout,
		},
	}

	return &Client{
		config:     config,
		base:       base,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     config.Logger,
		metrics:    config.Metrics,
	}, nil
}

// BaseURL returns the server base URL
func (c *Client) BaseURL() string {
	return c.base.String()
}

// request describes one logical call; the body is replayed on retry
type request struct {
	endpoint    string
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	accept      string
}

func (c *Client) url(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends req with retries and returns the open response. The caller
// must close the body. Non-2xx responses become *StatusError.
func (c *Client) do(ctx context.Context, req request) (*http.Response, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	c.incrementTotalRequests()
	requestID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			c.metrics.RecordClientRetry(req.endpoint)

			// Exponential backoff
			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * c.config.RetryBackoff
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			c.logger.Debug("Retrying voice server request",
				slog.String("endpoint", req.endpoint),
				slog.String("request_id", requestID),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoffTime),
				slog.String("error", lastErr.Error()),
			)

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				c.incrementFailedRequests()
				c.metrics.RecordClientRequest(req.endpoint, "cancelled", time.Since(startTime).Seconds())
				return nil, ctx.Err()
			}
		}

		resp, err := c.attempt(ctx, req, requestID)
		if err == nil {
			elapsed := time.Since(startTime)
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(elapsed)
			c.metrics.RecordClientRequest(req.endpoint, "success", elapsed.Seconds())
			c.logger.Debug("Voice server responded",
				slog.String("endpoint", req.endpoint),
				slog.String("request_id", requestID),
				slog.String("content_type", resp.Header.Get("Content-Type")),
				slog.Duration("elapsed", elapsed),
			)
			return resp, nil
		}

		lastErr = err
		if !c.isRetryableError(ctx, err) {
			break
		}
	}

	c.incrementFailedRequests()
	c.metrics.RecordClientRequest(req.endpoint, "error", time.Since(startTime).Seconds())

	if c.config.MaxRetries > 0 {
		return nil, fmt.Errorf("%s failed after %d attempts: %w", req.endpoint, c.config.MaxRetries+1, lastErr)
	}
	return nil, fmt.Errorf("%s failed: %w", req.endpoint, lastErr)
}

// attempt performs a single HTTP request
func (c *Client) attempt(ctx context.Context, req request, requestID string) (*http.Response, error) {
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.url(req.path, req.query), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if req.accept != "" {
		httpReq.Header.Set("Accept", req.accept)
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set(RequestIDHeader, requestID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Code:   resp.StatusCode,
			Status: resp.Status,
			Body:   string(respBody),
		}
	}

	return resp, nil
}

// isRetryableError determines if an error is retryable
func (c *Client) isRetryableError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}

	// Transport failures (refused, reset, header timeout) are retried
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for in-flight requests to receive their headers
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	c.httpClient.CloseIdleConnections()
	return nil
}
