// Package client is the authenticated request pipeline to the Labhya backend.
//
// Every call attaches the current bearer credential. An authorization
// failure triggers exactly one coordinated refresh and exactly one retry;
// when that does not recover the call, the credential store is logged out
// and the call fails with ErrAuthFailure.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/labhya/labhya/internal/auth"
	"github.com/labhya/labhya/internal/logging"
	"github.com/labhya/labhya/internal/metrics"
	"github.com/labhya/labhya/pkg/models"
)

const (
	defaultBaseURL = "http://localhost:8000/api"
	defaultTimeout = 30 * time.Second

	// maxResponseSize bounds how much of a response body is read
	maxResponseSize = 10 << 20

	refreshEndpoint = "/auth/refresh/"
)

// invalidTokenPattern matches backend messages that signal a rejected
// token even when the status code is not 401/403
var invalidTokenPattern = regexp.MustCompile(`(?i)token not valid|invalid token|token is invalid|token has expired`)

var errNoRefreshToken = errors.New("no refresh token available")

// Client executes requests against the backend on behalf of the credential store
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      *auth.Store
	limiter    *rate.Limiter
	validate   *validator.Validate
	logger     *slog.Logger

	refreshGroup singleflight.Group
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the API base URL, including the /api prefix
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRateLimit limits outgoing requests. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client bound to the given credential store
func New(store *auth.Store, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		store:      store,
		validate:   newValidator(),
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Store returns the credential store the client reads from
func (c *Client) Store() *auth.Store {
	return c.store
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks a request payload locally
func (c *Client) Validate(v any) error {
	return fromValidator(c.validate.Struct(v))
}

type requestOptions struct {
	noRefresh bool
}

// RequestOption adjusts a single Execute call
type RequestOption func(*requestOptions)

// NoRefresh makes an authorization failure surface as an HTTPError instead
// of triggering refresh, retry and logout. Used for the auth endpoints
// themselves and for role probing.
func NoRefresh() RequestOption {
	return func(o *requestOptions) {
		o.noRefresh = true
	}
}

// Execute performs one logical call: method on endpoint (relative to the
// base URL) with an optional JSON body, decoding a 2xx response into out.
//
// Errors are *NetworkError, *HTTPError or *AuthError.
func (c *Client) Execute(ctx context.Context, method, endpoint string, body, out any, opts ...RequestOption) error {
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	token := c.store.AccessToken()
	status, data, err := c.do(ctx, method, endpoint, payload, token)
	if err != nil {
		return err
	}
	if isSuccess(status) {
		return decode(data, out)
	}

	message := extractMessage(data, status)
	if !isAuthFailure(status, message) || ro.noRefresh {
		return &HTTPError{Status: status, Message: message, Body: data}
	}

	rejected := &HTTPError{Status: status, Message: message, Body: data}

	if !c.store.IsAuthenticated() {
		return &AuthError{Cause: rejected}
	}

	newToken, err := c.refresh(ctx, token)
	if err != nil {
		c.forceLogout(ctx, "refresh_failed", err)
		return &AuthError{Cause: err}
	}

	// Exactly one retry with the refreshed credential
	status, data, err = c.do(ctx, method, endpoint, payload, newToken)
	if err != nil {
		return err
	}
	if isSuccess(status) {
		return decode(data, out)
	}

	retryErr := &HTTPError{Status: status, Message: extractMessage(data, status), Body: data}
	c.forceLogout(ctx, "retry_failed", retryErr)
	return &AuthError{Cause: retryErr}
}

// refresh returns an access token to retry with. Concurrent callers share
// one refresh round-trip keyed on the refresh token.
func (c *Client) refresh(ctx context.Context, usedToken string) (string, error) {
	cred := c.store.Snapshot()
	if !cred.IsAuthenticated {
		return "", auth.ErrNotAuthenticated
	}
	if cred.AccessToken != usedToken {
		// Another caller already refreshed since this request was sent
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		return "", errNoRefreshToken
	}

	v, err, shared := c.refreshGroup.Do(cred.RefreshToken, func() (any, error) {
		// A flight started after another one completed must not refresh again
		current := c.store.Snapshot()
		if !current.IsAuthenticated {
			return "", auth.ErrNotAuthenticated
		}
		if current.AccessToken != usedToken {
			return current.AccessToken, nil
		}

		// Waiters share this call; one caller's cancellation must not fail the rest
		rctx := context.WithoutCancel(ctx)

		var resp models.RefreshResponse
		err := c.Execute(rctx, http.MethodPost, refreshEndpoint,
			models.RefreshRequest{Refresh: cred.RefreshToken}, &resp, NoRefresh())
		if err == nil && resp.Access == "" {
			err = errors.New("empty access token")
		}
		metrics.RecordTokenRefresh(err == nil)
		if err != nil {
			err = fmt.Errorf("token refresh failed: %w", err)
			// Log out before the flight completes so no later flight reuses the rejected refresh token
			c.forceLogout(rctx, "refresh_failed", err)
			return "", err
		}

		if err := c.store.UpdateAccess(rctx, resp.Access, resp.Refresh); err != nil {
			if errors.Is(err, auth.ErrNotAuthenticated) {
				return "", err
			}
			// In-memory credential is updated; only persistence failed
			logging.Warn(ctx, "failed to persist refreshed token", slog.String("error", err.Error()))
		}
		return resp.Access, nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Debug("access token refreshed", slog.Bool("shared", shared))
	return v.(string), nil
}

func (c *Client) forceLogout(ctx context.Context, reason string, cause error) {
	if !c.store.IsAuthenticated() {
		return
	}

	metrics.RecordForcedLogout()
	logging.Audit(ctx, "forced_logout",
		slog.String("reason", reason),
		slog.String("cause", cause.Error()))

	if err := c.store.Logout(ctx); err != nil {
		logging.Warn(ctx, "logout cleanup failed", slog.String("error", err.Error()))
	}
}

// do sends a single HTTP request and reads the response body
func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte, token string) (int, []byte, error) {
	op := method + " " + endpoint

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, &NetworkError{Op: op, Err: err}
		}
	}

	requestID := uuid.NewString()
	ctx = logging.WithRequestID(ctx, requestID)

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordAPIRequest(method, endpoint, 0, time.Since(start))
		c.logger.Debug("request failed",
			slog.String("request_id", requestID),
			slog.String("op", op),
			slog.String("error", err.Error()))
		return 0, nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	duration := time.Since(start)
	metrics.RecordAPIRequest(method, endpoint, resp.StatusCode, duration)
	if err != nil {
		return 0, nil, &NetworkError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	c.logger.Debug("request completed",
		slog.String("request_id", requestID),
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", duration))

	return resp.StatusCode, data, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func isAuthFailure(status int, message string) bool {
	return status == http.StatusUnauthorized ||
		status == http.StatusForbidden ||
		invalidTokenPattern.MatchString(message)
}

// extractMessage prefers the backend's "error" field, then "detail", then a
// generic status message
func extractMessage(data []byte, status int) string {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err == nil {
		for _, key := range []string{"error", "detail", "message"} {
			if s, ok := body[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("HTTP %d", status)
}

func decode(data []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
