// Package kite is a market-data client for the Kite Connect REST API.
package kite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// MaxQuoteKeys is the broker's cap on instruments per quote request.
const MaxQuoteKeys = 500

var (
	// ErrTokenException is returned when the broker rejects the access token.
	ErrTokenException = errors.New("access token rejected")
	// ErrNoCredential is returned when no usable credential is available.
	ErrNoCredential = errors.New("no usable credential")
)

// APIError is a non-retryable error reported by the broker.
type APIError struct {
	StatusCode int
	ErrorType  string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kite api error %d (%s): %s", e.StatusCode, e.ErrorType, e.Message)
}

// ClientConfig holds tuning for the HTTP client.
type ClientConfig struct {
	MaxRetries        int
	RetryDelayBase    time.Duration
	RequestsPerSecond float64
	// Location is the timezone of quote timestamps.
	Location *time.Location
}

// Client provides access to the Kite market-data endpoints
type Client struct {
	apiURL         string
	httpClient     *http.Client
	session        *Session
	limiter        *rate.Limiter
	maxRetries     int
	retryDelayBase time.Duration
	loc            *time.Location
}

// NewClient creates a new market-data client
func NewClient(apiURL string, timeout time.Duration, session *Session, cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Client{
		apiURL:         strings.TrimRight(apiURL, "/"),
		httpClient:     &http.Client{Timeout: timeout},
		session:        session,
		limiter:        rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
		loc:            cfg.Location,
	}
}

type errorEnvelope struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

// doRequest performs a GET with rate limiting and linear-backoff retry on
// transport errors, 429 and 5xx. Other non-2xx responses are returned as errors.
func (c *Client) doRequest(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	apiKey, token, ok := c.session.Credential()
	if !ok {
		return nil, ErrNoCredential
	}

	u := c.apiURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelayBase * time.Duration(i)):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Kite-Version", "3")
		req.Header.Set("Authorization", "token "+apiKey+":"+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		if resp.StatusCode >= 400 {
			defer resp.Body.Close()
			return nil, c.decodeError(resp)
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env errorEnvelope
	_ = json.Unmarshal(body, &env)

	if env.ErrorType == "TokenException" {
		c.session.Invalidate()
		return fmt.Errorf("%w: %s", ErrTokenException, env.Message)
	}
	return &APIError{StatusCode: resp.StatusCode, ErrorType: env.ErrorType, Message: env.Message}
}
