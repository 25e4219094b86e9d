package clickhouse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jkaflik/hass-sampler/internal/metrics"
	"github.com/jkaflik/hass-sampler/pkg/retry"
)

// RetryConfig defines the retry configuration for ClickHouse operations
type RetryConfig struct {
	MaxRetries          int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default retry configuration for ClickHouse operations
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:          5,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// QueryError is returned when ClickHouse answers with a non-200 status.
type QueryError struct {
	StatusCode int
	Body       string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query execution failed with status %d: %s", e.StatusCode, e.Body)
}

// Client is an HTTP client for ClickHouse
type Client struct {
	url        url.URL
	username   string
	password   string
	userAgent  string
	httpClient *http.Client
	retryConf  RetryConfig
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client for the ClickHouse client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRetryConfig sets a custom retry configuration for the ClickHouse client
func WithRetryConfig(retryConf RetryConfig) ClientOption {
	return func(c *Client) {
		c.retryConf = retryConf
	}
}

// WithDatabase sets the default database of every query.
func WithDatabase(database string) ClientOption {
	return func(c *Client) {
		q := c.url.Query()
		q.Set("database", database)
		c.url.RawQuery = q.Encode()
	}
}

func NewClient(serverURL, username, password string, options ...ClientOption) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ClickHouse URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported ClickHouse URL scheme: %s", u.Scheme)
	}

	queryParams := u.Query()
	queryParams.Set("async_insert", "1")
	queryParams.Set("wait_for_async_insert", "1")
	queryParams.Set("date_time_input_format", "best_effort")
	queryParams.Set("input_format_skip_unknown_fields", "1")
	u.RawQuery = queryParams.Encode()

	client := &Client{
		url:        *u,
		username:   username,
		password:   password,
		userAgent:  "hass-sampler",
		httpClient: http.DefaultClient,
		retryConf:  DefaultRetryConfig(),
	}

	for _, option := range options {
		option(client)
	}

	return client, nil
}

var retryableMessages = []string{
	"Too many parts",
	"Memory limit",
	"DB::Exception: Timeout",
	"No space left on device",
}

// isRetryableError determines if an error from ClickHouse should be retried
func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	if retry.IsNetworkError(err) {
		return true
	}

	var qe *QueryError
	if errors.As(err, &qe) {
		if qe.StatusCode >= http.StatusInternalServerError {
			return true
		}
		for _, msg := range retryableMessages {
			if strings.Contains(qe.Body, msg) {
				return true
			}
		}
	}

	return false
}

// queryType returns the leading keyword of a query, used as metric label.
func queryType(query string) string {
	keyword, _, _ := strings.Cut(strings.TrimSpace(query), " ")
	return strings.ToLower(keyword)
}

// Execute runs a query on ClickHouse with retries for transient failures. The body,
// if any, is read once and replayed on every attempt.
func (c *Client) Execute(ctx context.Context, query string, body io.Reader) error {
	var buf []byte
	if body != nil {
		var err error
		if buf, err = io.ReadAll(body); err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
	}

	retryConfig := retry.Config{
		MaxRetries:          c.retryConf.MaxRetries,
		InitialInterval:     c.retryConf.InitialInterval,
		MaxInterval:         c.retryConf.MaxInterval,
		Multiplier:          c.retryConf.Multiplier,
		RandomizationFactor: c.retryConf.RandomizationFactor,
	}

	callbacks := retry.Callbacks{
		OnRetryAttempt: func(attempt int, err error, nextBackoff time.Duration) {
			metrics.CHRetryAttempts.Inc()
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("next_backoff", nextBackoff).
				Msg("Retrying ClickHouse operation")
		},
		OnRetrySuccess: func(attempt int) {
			metrics.CHRetrySuccess.Inc()
			log.Info().
				Int("attempt", attempt).
				Msg("ClickHouse operation succeeded after retry")
		},
		OnRetryFailure: func(attempt int, err error) {
			log.Error().
				Err(err).
				Int("attempt", attempt).
				Msg("ClickHouse operation failed after all retries")
		},
	}

	timer := time.Now()
	defer func() {
		metrics.CHQueryDuration.WithLabelValues(queryType(query)).Observe(time.Since(timer).Seconds())
	}()

	return retry.DoWithCallbacks(ctx, func() error {
		return c.do(ctx, query, buf)
	}, isRetryableError, retryConfig, callbacks)
}

func (c *Client) do(ctx context.Context, query string, body []byte) error {
	uri := c.url
	queryParams := uri.Query()
	queryParams.Set("query", query)
	uri.RawQuery = queryParams.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return &QueryError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
