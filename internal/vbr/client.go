package vbr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vbrwatch/vbr-monitor/internal/telemetry"
)

// UpstreamError indicates a transport or non-2xx failure on a resource fetch.
// It is recovered locally as a failed Result and never aborts sibling fetches.
type UpstreamError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("upstream %s unavailable: %s", e.Path, e.Body)
	}
	return fmt.Sprintf("upstream %s returned %d: %s", e.Path, e.StatusCode, e.Body)
}

// tokenSource is the slice of Session the client depends on.
type tokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(token string)
}

// ClientConfig configures the upstream API client.
type ClientConfig struct {
	BaseURL    string
	APIVersion string
	TLSVerify  bool
	Timeout    time.Duration
}

// Client is a typed facade over the upstream REST surface. Every call is
// mediated by the session: token attach up front, and on an unauthorized
// response exactly one refresh-and-replay before surfacing a hard failure.
type Client struct {
	baseURL    string
	apiVersion string
	session    tokenSource
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates an upstream API client.
func NewClient(cfg ClientConfig, session tokenSource, logger *zap.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("upstream base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse upstream base url: missing scheme or host")
	}
	if session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    base,
		apiVersion: cfg.APIVersion,
		session:    session,
		httpClient: &http.Client{Timeout: timeout, Transport: NewTransport(cfg.TLSVerify)},
		logger:     logger,
	}, nil
}

// JobStates returns the state of every backup job.
func (c *Client) JobStates(ctx context.Context) Result[[]JobState] {
	return fetchList[JobState](ctx, c, "/api/v1/jobs/states")
}

// JobByID returns one job's state.
func (c *Client) JobByID(ctx context.Context, id string) Result[JobState] {
	return fetchOne[JobState](ctx, c, "/api/v1/jobs/"+url.PathEscape(id))
}

// JobSessions returns the sessions recorded for one job.
func (c *Client) JobSessions(ctx context.Context, jobID string) Result[[]SessionState] {
	return fetchList[SessionState](ctx, c, "/api/v1/jobs/"+url.PathEscape(jobID)+"/sessions")
}

// RepositoryStates returns repository capacity states with derived used space.
func (c *Client) RepositoryStates(ctx context.Context) Result[[]RepositoryState] {
	result := fetchList[RepositoryState](ctx, c, "/api/v1/backupInfrastructure/repositories/states")
	if !result.Success {
		return result
	}
	for i := range result.Data {
		result.Data[i].UsedSpaceGB = result.Data[i].CapacityGB - result.Data[i].FreeGB
	}
	return result
}

// Sessions returns recent sessions across all jobs.
func (c *Client) Sessions(ctx context.Context) Result[[]SessionState] {
	return fetchList[SessionState](ctx, c, "/api/v1/sessions")
}

// ManagedServers returns registered infrastructure servers.
func (c *Client) ManagedServers(ctx context.Context) Result[[]ManagedServer] {
	return fetchList[ManagedServer](ctx, c, "/api/v1/backupInfrastructure/managedServers")
}

// Health returns the upstream health state.
func (c *Client) Health(ctx context.Context) Result[HealthState] {
	return fetchOne[HealthState](ctx, c, "/api/v1/health")
}

func fetchList[T any](ctx context.Context, c *Client, path string) Result[[]T] {
	body, err := c.get(ctx, path)
	if err != nil {
		return failure[[]T](err)
	}

	var envelope listEnvelope[T]
	if err := json.Unmarshal(body, &envelope); err != nil {
		return failure[[]T](fmt.Errorf("decode %s response: %w", path, err))
	}
	return success(envelope.Data)
}

func fetchOne[T any](ctx context.Context, c *Client, path string) Result[T] {
	body, err := c.get(ctx, path)
	if err != nil {
		return failure[T](err)
	}

	var value T
	if err := json.Unmarshal(body, &value); err != nil {
		return failure[T](fmt.Errorf("decode %s response: %w", path, err))
	}
	return success(value)
}

// get performs an authenticated GET with the single-retry-on-401 guard.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	ctx, span := c.startSpan(ctx, path)
	defer span.end()

	token, err := c.session.Token(ctx)
	if err != nil {
		span.fail(err)
		return nil, err
	}

	body, status, err := c.execute(ctx, path, token)
	if err != nil {
		span.fail(err)
		return nil, err
	}
	if status != http.StatusUnauthorized {
		if status < 200 || status > 299 {
			upstreamErr := &UpstreamError{Path: path, StatusCode: status, Body: truncate(string(body))}
			span.fail(upstreamErr)
			return nil, upstreamErr
		}
		span.ok(status)
		return body, nil
	}

	// Unauthorized: renew once and replay the original call.
	c.session.Invalidate(token)
	token, err = c.session.Token(ctx)
	if err != nil {
		span.fail(err)
		return nil, err
	}

	body, status, err = c.execute(ctx, path, token)
	if err != nil {
		span.fail(err)
		return nil, err
	}
	if status == http.StatusUnauthorized {
		authErr := &AuthError{Reason: fmt.Sprintf("%s rejected a freshly renewed token", path)}
		c.logger.Error("upstream rejected renewed token", zap.String("path", path))
		span.fail(authErr)
		return nil, authErr
	}
	if status < 200 || status > 299 {
		upstreamErr := &UpstreamError{Path: path, StatusCode: status, Body: truncate(string(body))}
		span.fail(upstreamErr)
		return nil, upstreamErr
	}
	span.ok(status)
	return body, nil
}

func (c *Client) execute(ctx context.Context, path, token string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-version", c.apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &UpstreamError{Path: path, Body: err.Error()}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, 0, &UpstreamError{Path: path, Body: "read response: " + err.Error()}
	}
	return body, resp.StatusCode, nil
}

func truncate(body string) string {
	const limit = 256
	trimmed := strings.TrimSpace(body)
	if len(trimmed) > limit {
		return trimmed[:limit]
	}
	return trimmed
}

// clientSpan wraps the optional dependency span so call sites stay flat.
type clientSpan struct {
	end  func()
	ok   func(status int)
	fail func(err error)
}

func (c *Client) startSpan(ctx context.Context, path string) (context.Context, clientSpan) {
	if !telemetry.ShouldTraceDependencies() {
		noop := func() {}
		return ctx, clientSpan{end: noop, ok: func(int) {}, fail: func(error) {}}
	}

	ctx, span := otel.Tracer("vbr-monitor/internal/vbr").Start(ctx, "upstream.get",
		trace.WithAttributes(attribute.String("http.target", path)))
	return ctx, clientSpan{
		end: func() { span.End() },
		ok: func(status int) {
			span.SetAttributes(attribute.Int("http.status_code", status))
			span.SetStatus(codes.Ok, "request completed")
		},
		fail: func(err error) {
			span.SetStatus(codes.Error, err.Error())
		},
	}
}
