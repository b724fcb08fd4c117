// Package upstream implements the typed HTTP client for the scraping
// platform API. Every call carries the account API key as a query
// parameter, respects a client-side rate limit, and retries transient
// failures with jittered exponential backoff. Run data is addressed by run
// token only; the platform 404s any project-scoped data path.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/runharvest/runharvest/internal/metrics"
)

var tracer = otel.Tracer("runharvest/upstream")

const (
	userAgent    = "harvestd/1.0"
	maxBodyBytes = 64 << 20

	endpointProjects    = "projects"
	endpointProject     = "project"
	endpointProjectRuns = "project_runs"
	endpointTrigger     = "trigger_run"
	endpointRunStatus   = "run_status"
	endpointRunData     = "run_data"
	endpointCancel      = "cancel_run"
)

// Config holds client construction knobs.
type Config struct {
	BaseURL        string
	APIKey         string
	StatusTimeout  time.Duration
	DataTimeout    time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	RateLimitRPS   int
	RateLimitBurst int
}

// Client talks to the scraping platform.
type Client struct {
	baseURL       string
	apiKey        string
	httpc         *http.Client
	limiter       *rate.Limiter
	backoff       *Backoff
	maxRetries    int
	statusTimeout time.Duration
	dataTimeout   time.Duration
	logger        *zap.Logger
}

// New builds a Client. Timeouts are enforced per call through contexts, not
// on the shared http.Client, so status and data calls can differ.
func New(cfg Config, logger *zap.Logger) *Client {
	limit := rate.Limit(cfg.RateLimitRPS)
	if cfg.RateLimitRPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	statusTimeout := cfg.StatusTimeout
	if statusTimeout <= 0 {
		statusTimeout = 5 * time.Second
	}
	dataTimeout := cfg.DataTimeout
	if dataTimeout <= 0 {
		dataTimeout = 15 * time.Second
	}
	return &Client{
		baseURL:       cfg.BaseURL,
		apiKey:        cfg.APIKey,
		httpc:         &http.Client{},
		limiter:       rate.NewLimiter(limit, burst),
		backoff:       NewBackoff(cfg.BackoffInitial, cfg.BackoffMax),
		maxRetries:    cfg.MaxRetries,
		statusTimeout: statusTimeout,
		dataTimeout:   dataTimeout,
		logger:        logger.Named("upstream"),
	}
}

// ListProjects fetches one page of the project catalog.
func (c *Client) ListProjects(ctx context.Context, offset, limit int) (ProjectPage, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	body, err := c.do(ctx, http.MethodGet, "/projects", q, c.statusTimeout, endpointProjects)
	if err != nil {
		return ProjectPage{}, err
	}
	var payload projectListPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return ProjectPage{}, fmt.Errorf("decode project list: %w", err)
	}
	page := ProjectPage{TotalProjects: payload.TotalProjects}
	for _, p := range payload.Projects {
		page.Projects = append(page.Projects, p.toProjectInfo())
	}
	return page, nil
}

// GetProject fetches one project snapshot including its last run.
func (c *Client) GetProject(ctx context.Context, token string) (ProjectInfo, error) {
	body, err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(token), nil, c.statusTimeout, endpointProject)
	if err != nil {
		return ProjectInfo{}, err
	}
	var payload projectPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return ProjectInfo{}, fmt.Errorf("decode project: %w", err)
	}
	return payload.toProjectInfo(), nil
}

// ListRuns fetches a project's run history, newest first.
func (c *Client) ListRuns(ctx context.Context, token string) ([]RunInfo, error) {
	body, err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(token)+"/runs", nil, c.statusTimeout, endpointProjectRuns)
	if err != nil {
		return nil, err
	}
	var payload runListPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode run list: %w", err)
	}
	runs := make([]RunInfo, 0, len(payload.Runs))
	for _, r := range payload.Runs {
		info := r.toRunInfo()
		if info.ProjectToken == "" {
			info.ProjectToken = token
		}
		runs = append(runs, info)
	}
	return runs, nil
}

// TriggerRun starts a new run for the project, optionally overriding the
// start URL.
func (c *Client) TriggerRun(ctx context.Context, token, startURL string) (RunInfo, error) {
	q := url.Values{}
	if startURL != "" {
		q.Set("start_url", startURL)
	}
	body, err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(token)+"/run", q, c.statusTimeout, endpointTrigger)
	if err != nil {
		return RunInfo{}, err
	}
	var payload runPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return RunInfo{}, fmt.Errorf("decode trigger response: %w", err)
	}
	info := payload.toRunInfo()
	if info.RunToken == "" {
		return RunInfo{}, fmt.Errorf("trigger run for %s: response carried no run token", token)
	}
	if info.ProjectToken == "" {
		info.ProjectToken = token
	}
	if info.Status == "" {
		info.Status = StatusInitialized
	}
	return info, nil
}

// RunStatus fetches the current state of one run.
func (c *Client) RunStatus(ctx context.Context, runToken string) (RunInfo, error) {
	body, err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runToken), nil, c.statusTimeout, endpointRunStatus)
	if err != nil {
		return RunInfo{}, err
	}
	var payload runPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return RunInfo{}, fmt.Errorf("decode run status: %w", err)
	}
	info := payload.toRunInfo()
	if info.RunToken == "" {
		info.RunToken = runToken
	}
	return info, nil
}

// RunData fetches the run's output in the requested format (csv or json).
// The data URL is keyed by run token alone.
func (c *Client) RunData(ctx context.Context, runToken, format string) ([]byte, error) {
	q := url.Values{}
	q.Set("format", format)
	return c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runToken)+"/data", q, c.dataTimeout, endpointRunData)
}

// CancelRun asks the platform to stop a run. The platform answers 200 even
// when the run already finished.
func (c *Client) CancelRun(ctx context.Context, runToken string) error {
	_, err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runToken)+"/cancel", nil, c.statusTimeout, endpointCancel)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, timeout time.Duration, endpoint string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "upstream."+endpoint, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	for attempt := 0; ; attempt++ {
		body, err := c.doOnce(ctx, method, path, query, timeout, endpoint)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			return body, nil
		}
		if attempt >= c.maxRetries || !IsTransient(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, endpoint+" failed")
			return nil, err
		}
		wait := c.backoff.Delay(attempt)
		c.logger.Debug("retrying upstream call",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, timeout time.Duration, endpoint string) ([]byte, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	q := url.Values{}
	for key, values := range query {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	q.Set("api_key", c.apiKey)

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		metrics.ObserveUpstreamRequest(endpoint, "network_error", time.Since(start))
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read side already consumed

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if readErr != nil {
			metrics.ObserveUpstreamRequest(endpoint, "network_error", time.Since(start))
			return nil, fmt.Errorf("read response: %w", readErr)
		}
		metrics.ObserveUpstreamRequest(endpoint, "ok", time.Since(start))
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		metrics.ObserveUpstreamRequest(endpoint, "rejected", time.Since(start))
		return nil, fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, ErrRejected)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		metrics.ObserveUpstreamRequest(endpoint, "unavailable", time.Since(start))
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrUnavailable)
	default:
		metrics.ObserveUpstreamRequest(endpoint, "error", time.Since(start))
		return nil, &StatusError{Code: resp.StatusCode, Body: snippet(body)}
	}
}

func (c *Client) throttle(ctx context.Context) error {
	start := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveThrottleWait(waited)
	}
	return nil
}

func snippet(body []byte) string {
	const max = 256
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
