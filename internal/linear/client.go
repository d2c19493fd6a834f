// ABOUTME: GraphQL client for the Linear issue tracker used by the poll-only transport
// ABOUTME: Paces requests, retries 429/5xx with backoff and maps failures to hiamp error codes

package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/hiamp/internal/hiamp"
)

// DefaultEndpoint is Linear's public GraphQL API.
const DefaultEndpoint = "https://api.linear.app/graphql"

const (
	defaultRequestsPerSecond = 1.0
	defaultBurst             = 5
	defaultMaxRetries        = 3
	defaultBaseBackoff       = time.Second
	maxErrorBody             = 512
)

// Client talks to the GraphQL API.
type Client struct {
	endpoint    string
	apiKey      string
	http        *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the GraphQL endpoint.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRequestsPerSecond paces outgoing requests. Zero or less disables pacing.
func WithRequestsPerSecond(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), defaultBurst)
	}
}

// WithRetry sets the retry budget and base backoff for throttled requests.
func WithRetry(maxRetries int, baseBackoff time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseBackoff = baseBackoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client authenticating with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		endpoint:    DefaultEndpoint,
		apiKey:      apiKey,
		http:        &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultBurst),
		maxRetries:  defaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
		logger:      slog.Default(),
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "linear")
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// errRetry marks a throttled or transient attempt that may be retried.
type errRetry struct {
	err   error
	after time.Duration
}

func (e *errRetry) Error() string { return e.err.Error() }
func (e *errRetry) Unwrap() error { return e.err }

// do runs one GraphQL operation and decodes data into out.
func (c *Client) do(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return hiamp.Wrap(hiamp.CodeNetworkError, err, "waiting for request slot")
		}

		err := c.attempt(ctx, body, out)
		var retry *errRetry
		if !errors.As(err, &retry) {
			return err
		}
		if attempt >= c.maxRetries {
			return retry.err
		}

		wait := retry.after
		if wait <= 0 {
			wait = c.baseBackoff << attempt
		}
		c.logger.Warn("linear request throttled, retrying", "attempt", attempt+1, "wait", wait, "error", retry.err)
		if err := c.sleep(ctx, wait); err != nil {
			return hiamp.Wrap(hiamp.CodeNetworkError, err, "waiting to retry")
		}
	}
}

func (c *Client) attempt(ctx context.Context, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return hiamp.Wrap(hiamp.CodeNetworkError, err, "calling linear api")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return hiamp.Wrap(hiamp.CodeNetworkError, err, "reading linear response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return hiamp.Errorf(hiamp.CodeAuthError, "linear rejected credentials (HTTP %d)", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return &errRetry{
			err:   hiamp.Errorf(hiamp.CodeRateLimited, "linear rate limit exceeded (HTTP 429)"),
			after: retryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return &errRetry{err: hiamp.Errorf(hiamp.CodeAPIError, "linear server error (HTTP %d): %s", resp.StatusCode, truncate(raw))}
	}

	var gr graphQLResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		if resp.StatusCode >= 400 {
			return hiamp.Errorf(hiamp.CodeAPIError, "linear api error (HTTP %d): %s", resp.StatusCode, truncate(raw))
		}
		return hiamp.Wrap(hiamp.CodeGraphQLError, err, "decoding linear response")
	}

	if len(gr.Errors) > 0 {
		first := gr.Errors[0]
		switch strings.ToUpper(first.Extensions.Code) {
		case "RATELIMITED":
			return &errRetry{err: hiamp.Errorf(hiamp.CodeRateLimited, "linear rate limit: %s", first.Message)}
		case "AUTHENTICATION_ERROR", "FORBIDDEN":
			return hiamp.Errorf(hiamp.CodeAuthError, "linear: %s", first.Message)
		}
		msgs := make([]string, len(gr.Errors))
		for i, e := range gr.Errors {
			msgs[i] = e.Message
		}
		return hiamp.Errorf(hiamp.CodeGraphQLError, "linear: %s", strings.Join(msgs, "; "))
	}

	if resp.StatusCode >= 400 {
		return hiamp.Errorf(hiamp.CodeAPIError, "linear api error (HTTP %d): %s", resp.StatusCode, truncate(raw))
	}
	if len(gr.Data) == 0 || string(gr.Data) == "null" {
		return hiamp.Errorf(hiamp.CodeGraphQLError, "linear response has no data")
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return hiamp.Wrap(hiamp.CodeGraphQLError, err, "decoding linear data")
	}
	return nil
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
