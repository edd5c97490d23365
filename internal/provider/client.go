// Package provider implements dsync.Provider for the remote file hosts a
// project can be linked to: GitHub and GitLab over REST (including
// self-hosted installs), a local git repository, and an in-memory remote.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"diagramsync/internal/dsync"
)

const (
	// DefaultRetries is how many times a rate-limited request is retried.
	DefaultRetries = 3

	// DefaultBackoff is the first retry delay. It doubles on each retry.
	DefaultBackoff = 1000 * time.Millisecond
)

var tracer = otel.Tracer("diagramsync/internal/provider")

// Options configure an HTTP-backed provider. Zero values select defaults.
type Options struct {
	Name       string // label used in logs and metrics
	BaseURL    string
	PathSuffix string
	Retries    int
	Backoff    time.Duration

	HTTPClient *http.Client
	Logger     dsync.Logger
	Metrics    dsync.Metrics
}

// client performs API requests with the rate-limit retry policy:
// 403 and 429 responses are retried with doubling delays and a Retry-After
// header takes precedence over the computed delay. Any other non-success
// status fails at once. Transport errors are never retried.
type client struct {
	name    string
	baseURL string
	accept  string
	retries int
	backoff time.Duration

	http    *http.Client
	logger  dsync.Logger
	metrics dsync.Metrics
}

func newClient(opts Options, defaultBase, defaultSuffix, accept string) *client {
	base := defaultBase
	if opts.BaseURL != "" {
		suffix := opts.PathSuffix
		if suffix == "" {
			suffix = defaultSuffix
		}
		base = strings.TrimRight(opts.BaseURL, "/") + suffix
	}

	c := &client{
		name:    opts.Name,
		baseURL: strings.TrimRight(base, "/"),
		accept:  accept,
		retries: opts.Retries,
		backoff: opts.Backoff,
		http:    opts.HTTPClient,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if c.retries <= 0 {
		c.retries = DefaultRetries
	}
	if c.backoff <= 0 {
		c.backoff = DefaultBackoff
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = dsync.NewNopLogger()
	}
	if c.metrics == nil {
		c.metrics = dsync.NopMetrics{}
	}
	return c
}

// backOff returns the retry schedule: backoff, then doubling, no jitter.
func (c *client) backOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     c.backoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.backoff << c.retries,
	}
}

// refusal is a 403 or 429 response. It carries the Retry-After hint, if
// any, for backoff.Retry.
type refusal struct {
	perr  *dsync.PermissionError
	after *backoff.RetryAfterError
}

func (r *refusal) Error() string { return r.perr.Error() }

func (r *refusal) Unwrap() []error {
	if r.after == nil {
		return []error{r.perr}
	}
	return []error{r.perr, r.after}
}

// request describes one API call. path is appended to the base URL and must
// already be escaped.
type request struct {
	op     string
	method string
	path   string
	body   any
	token  string

	// header, if set, receives the headers of the successful response.
	header *http.Header
}

// do sends req and decodes a successful JSON response into out (if non-nil).
func (c *client) do(ctx context.Context, req request, out any) error {
	ctx, span := tracer.Start(ctx, "provider."+req.op)
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", c.name),
		attribute.String("http.method", req.method),
	)

	var payload []byte
	if req.body != nil {
		var err error
		if payload, err = json.Marshal(req.body); err != nil {
			return fmt.Errorf("%s: encoding request: %w", req.op, err)
		}
	}

	attempts := 0
	operation := func() (struct{}, error) {
		attempts++
		status, header, body, err := c.send(ctx, req, payload)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		span.SetAttributes(attribute.Int("http.status_code", status))

		if status >= 200 && status < 300 {
			if req.header != nil {
				*req.header = header
			}
			if out == nil || len(bytes.TrimSpace(body)) == 0 {
				return struct{}{}, nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("decoding response: %w", err))
			}
			return struct{}{}, nil
		}

		msg := errorMessage(body)
		if status != http.StatusForbidden && status != http.StatusTooManyRequests {
			return struct{}{}, backoff.Permanent(&dsync.ProviderError{Op: req.op, StatusCode: status, Message: msg})
		}

		r := &refusal{perr: &dsync.PermissionError{
			StatusCode:    status,
			RateLimited:   isRateLimited(status, header),
			Attempts:      attempts,
			RequiredScope: requiredScope(header, body),
			Message:       msg,
		}}
		if d, ok := retryAfter(header); ok {
			r.after = &backoff.RetryAfterError{Duration: d}
		}
		return struct{}{}, r
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.backOff()),
		backoff.WithMaxTries(uint(c.retries)+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			c.logger.Warn("provider refused request, retrying",
				"provider", c.name, "op", req.op, "attempt", attempts,
				"delay", delay, "error", err)
			c.metrics.ProviderRetry(c.name, delay)
		}),
	)
	if err == nil {
		return nil
	}

	span.RecordError(err)
	var (
		perr  *dsync.PermissionError
		pverr *dsync.ProviderError
	)
	switch {
	case errors.As(err, &perr):
		span.SetStatus(codes.Error, perr.Error())
		return perr
	case errors.As(err, &pverr):
		span.SetStatus(codes.Error, pverr.Message)
		return pverr
	default:
		span.SetStatus(codes.Error, "transport")
		return fmt.Errorf("%s: %w", req.op, err)
	}
}

func (c *client) send(ctx context.Context, req request, payload []byte) (int, http.Header, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Accept", c.accept)
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.metrics.ProviderRequest(c.name, req.op, 0, time.Since(start))
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	c.metrics.ProviderRequest(c.name, req.op, resp.StatusCode, time.Since(start))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("reading response: %w", err)
	}
	c.logger.Debug("provider request", "provider", c.name, "op", req.op,
		"method", req.method, "path", req.path, "status", resp.StatusCode)
	return resp.StatusCode, resp.Header, data, nil
}

// retryAfter reads a Retry-After hint given in seconds or as an HTTP date.
func retryAfter(header http.Header) (time.Duration, bool) {
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(time.Until(at), 0), true
	}
	return 0, false
}

func isRateLimited(status int, header http.Header) bool {
	return status == http.StatusTooManyRequests ||
		header.Get("X-RateLimit-Remaining") == "0" ||
		header.Get("RateLimit-Remaining") == "0" ||
		header.Get("Retry-After") != ""
}

// requiredScope reads the scope a request needed from GitHub's
// X-Accepted-OAuth-Scopes header or GitLab's insufficient_scope body.
func requiredScope(header http.Header, body []byte) string {
	if v := header.Get("X-Accepted-OAuth-Scopes"); v != "" {
		return v
	}
	return gjson.GetBytes(body, "scope").String()
}

// errorMessage extracts a provider's error text from a JSON or plain body.
func errorMessage(body []byte) string {
	for _, key := range []string{"message", "error_description", "error"} {
		if v := gjson.GetBytes(body, key); v.Exists() {
			return v.String()
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// statusOf returns the HTTP status carried by a ProviderError, or 0.
func statusOf(err error) int {
	var perr *dsync.ProviderError
	if errors.As(err, &perr) {
		return perr.StatusCode
	}
	return 0
}
