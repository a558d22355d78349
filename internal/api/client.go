package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"atmosync/internal/auth"
	"atmosync/internal/core"

	"github.com/sony/gobreaker"
)

// DefaultBaseURL is the vendor API root
const DefaultBaseURL = "https://api.netatmo.com"

const (
	pathStationsData = "/api/getstationsdata"
	pathMeasure      = "/api/getmeasure"
)

// Authorizer provides access tokens and scope checks
type Authorizer interface {
	AccessToken(ctx context.Context) (string, error)
	HasScope(scope auth.Scope) bool
}

// Config contains API client settings
type Config struct {
	BaseURL string
	// Consecutive failures before the breaker opens; 0 uses the default
	BreakerMaxFailures uint32
	// How long the breaker stays open
	BreakerTimeout time.Duration
}

// RemoteError is a non-2xx answer from the API
type RemoteError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Is makes RemoteError match core.ErrRemoteFailure
func (e *RemoteError) Is(target error) bool {
	return target == core.ErrRemoteFailure
}

// Client issues typed calls against the data endpoints
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       Authorizer
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewClient creates a new API client. httpClient should be the rate-limited
// client shared with the OAuth session.
func NewClient(cfg Config, httpClient *http.Client, authorizer Authorizer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	logger = logger.With("component", "api")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "netatmo-api",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		auth:       authorizer,
		breaker:    breaker,
		logger:     logger,
	}
}

// GetStationsData fetches the station snapshot. Requires read_station.
func (c *Client) GetStationsData(ctx context.Context, req StationsRequest) (*StationsData, error) {
	if err := c.requireScope(auth.ScopeReadStation); err != nil {
		return nil, err
	}

	form := url.Values{}
	if req.DeviceID != "" {
		form.Set("device_id", req.DeviceID)
	}
	if req.GetFavorites != nil {
		form.Set("get_favorites", strconv.FormatBool(*req.GetFavorites))
	}

	var resp envelope[StationsData]
	if err := c.post(ctx, pathStationsData, form, &resp); err != nil {
		return nil, err
	}
	return &resp.Body, nil
}

// GetMeasure fetches historical measurements of one module. Requires read_station.
func (c *Client) GetMeasure(ctx context.Context, req MeasureRequest) (*MeasureData, error) {
	if err := c.requireScope(auth.ScopeReadStation); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("device_id", req.DeviceID)
	if req.ModuleID != "" {
		form.Set("module_id", req.ModuleID)
	}
	scale := req.Scale
	if scale == "" {
		scale = "max"
	}
	form.Set("scale", scale)
	form.Set("type", strings.Join(req.Types, ","))
	if req.DateBegin != nil {
		form.Set("date_begin", strconv.FormatInt(*req.DateBegin, 10))
	}
	if req.DateEnd != nil {
		form.Set("date_end", strconv.FormatInt(*req.DateEnd, 10))
	}
	if req.Limit > 0 {
		form.Set("limit", strconv.Itoa(req.Limit))
	}
	form.Set("optimize", strconv.FormatBool(req.Optimize))
	if req.RealTime {
		form.Set("real_time", "true")
	}

	var resp envelope[MeasureData]
	if err := c.post(ctx, pathMeasure, form, &resp); err != nil {
		return nil, err
	}
	return &resp.Body, nil
}

// HasScope exposes the session's scope check to callers of the client
func (c *Client) HasScope(scope auth.Scope) bool {
	return c.auth.HasScope(scope)
}

func (c *Client) requireScope(scope auth.Scope) error {
	if !c.auth.HasScope(scope) {
		c.logger.Error("Missing scope", "scope", scope.String())
		return fmt.Errorf("%w: %s", core.ErrPermissionDenied, scope)
	}
	return nil
}

// post sends a form-encoded request with the current access token and
// decodes a JSON answer into out
func (c *Client) post(ctx context.Context, path string, form url.Values, out interface{}) error {
	token, err := c.auth.AccessToken(ctx)
	if err != nil {
		c.logger.Error("No access token for request", "endpoint", path, "error", err)
		return err
	}
	form.Set("access_token", token)

	c.logger.Debug("Request", "endpoint", path, "params", form)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &RemoteError{Endpoint: path, StatusCode: resp.StatusCode, Body: string(body)}
		}
		return body, nil
	})
	if err != nil {
		var remoteErr *RemoteError
		switch {
		case errors.As(err, &remoteErr):
			c.logger.Error("Request failed", "endpoint", path, "status_code", remoteErr.StatusCode, "body", remoteErr.Body)
			return remoteErr
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			c.logger.Error("Request rejected by circuit breaker", "endpoint", path, "error", err)
			return fmt.Errorf("%w: circuit breaker open: %v", core.ErrRemoteFailure, err)
		default:
			c.logger.Error("Request failed", "endpoint", path, "error", err)
			return fmt.Errorf("%w: %v", core.ErrRemoteFailure, err)
		}
	}

	body := result.([]byte)
	c.logger.Debug("Response", "endpoint", path, "body", string(body))

	if err := json.Unmarshal(body, out); err != nil {
		c.logger.Error("Failed to decode response", "endpoint", path, "error", err)
		return fmt.Errorf("%w: failed to decode %s response: %v", core.ErrRemoteFailure, path, err)
	}
	return nil
}
