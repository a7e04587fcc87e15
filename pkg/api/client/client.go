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
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/splax/teamup/pkg/logger"
	"github.com/splax/teamup/pkg/notify"
	"github.com/splax/teamup/pkg/session"
)

// DefaultBaseURL is used when New receives an empty base.
const DefaultBaseURL = "http://127.0.0.1:8000/api"

const refreshEndpoint = "token/refresh/"

// Client provides typed access to the collaboration API. Authorized calls read the
// bearer token from the session and transparently refresh it once on a 401.
type Client struct {
	baseURL    string
	httpClient *http.Client
	session    *session.Session
	notifier   notify.Notifier
	log        *slog.Logger
	metrics    *metrics
	coalesce   bool
	refreshes  singleflight.Group

	// endMu serialises session teardown so requests failing together show one message.
	endMu sync.Mutex
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithSession sets the session the client reads and updates tokens through.
func WithSession(s *session.Session) Option {
	return func(c *Client) {
		if s != nil {
			c.session = s
		}
	}
}

// WithNotifier sets where user-visible messages are shown.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Client) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics registers request and refresh collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.metrics = newMetrics(reg)
	}
}

// WithRefreshCoalescing controls whether concurrent 401s holding the same refresh token
// share a single refresh call. Enabled by default.
func WithRefreshCoalescing(enabled bool) Option {
	return func(c *Client) {
		c.coalesce = enabled
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{},
		session:    session.New(nil),
		notifier:   notify.Discard{},
		log:        logger.Discard(),
		coalesce:   true,
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// BaseURL returns the normalised API base.
func (c *Client) BaseURL() string { return c.baseURL }

// Session returns the session the client operates on.
func (c *Client) Session() *session.Session { return c.session }

// Notifier returns the configured display port.
func (c *Client) Notifier() notify.Notifier { return c.notifier }

// BuildURL joins endpoint onto the base URL with exactly one slash.
func (c *Client) BuildURL(endpoint string) string {
	return c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
}

// Result is a normalised successful response. Exactly one of Empty, JSON or Text applies.
type Result struct {
	Status int
	Empty  bool
	JSON   json.RawMessage
	Text   string
}

// Decode unmarshals a JSON result into v. Empty and text results leave v untouched.
func (r Result) Decode(v any) error {
	if v == nil || len(r.JSON) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.JSON, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// attempt is the request protocol state. The only transition is direct -> retried.
type attempt int

const (
	attemptDirect attempt = iota
	attemptRetriedAfterRefresh
)

func (a attempt) String() string {
	if a == attemptRetriedAfterRefresh {
		return "retried_after_refresh"
	}
	return "direct"
}

// Do sends a request to endpoint and normalises the response. When requiresAuth is set
// the bearer token is attached and a 401 triggers exactly one refresh and retry.
// If out is non-nil a JSON response is decoded into it.
//
// Every failure is shown once through the notifier and returned. ErrNotAuthenticated and
// ErrSessionExpired also log the session out.
func (c *Client) Do(ctx context.Context, method, endpoint string, body any, requiresAuth bool, out any) (Result, error) {
	if c == nil {
		return Result{}, errors.New("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := c.do(ctx, method, endpoint, body, requiresAuth)
	if err == nil {
		err = res.Decode(out)
	}
	if err != nil {
		c.fail(ctx, method, endpoint, err)
		return Result{}, err
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, requiresAuth bool) (Result, error) {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete:
	default:
		return Result{}, fmt.Errorf("unsupported method %q", method)
	}

	var token string
	if requiresAuth {
		stored, err := c.session.AccessToken(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("load session: %w", err)
		}
		if stored == "" {
			return Result{}, ErrNotAuthenticated
		}
		token = stored
	}

	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return Result{}, fmt.Errorf("encode request body: %w", err)
		}
		payload = encoded
	}

	state := attemptDirect
	for {
		resp, err := c.send(ctx, method, endpoint, payload, token, state)
		if err != nil {
			return Result{}, err
		}
		if resp.StatusCode == http.StatusUnauthorized && requiresAuth && state == attemptDirect {
			drain(resp)
			c.log.Warn("access token rejected, attempting refresh", "method", method, "endpoint", endpoint)
			refreshed, err := c.refresh(ctx)
			if err != nil {
				return Result{}, err
			}
			token = refreshed
			state = attemptRetriedAfterRefresh
			continue
		}
		return readResponse(resp)
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte, token string, state attempt) (*http.Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	fullURL := c.BuildURL(endpoint)
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.observeRequest(method, 0, time.Since(start))
		return nil, err
	}
	c.metrics.observeRequest(method, resp.StatusCode, time.Since(start))
	c.log.Debug("api request",
		"method", method,
		"url", fullURL,
		"status", resp.StatusCode,
		"attempt", state.String(),
		"request_id", req.Header.Get("X-Request-ID"),
	)
	return resp, nil
}

// refresh exchanges the stored refresh token for a new access token and persists it.
// Any failure is reported as ErrSessionExpired.
func (c *Client) refresh(ctx context.Context) (string, error) {
	refreshToken, err := c.session.RefreshToken(ctx)
	if err != nil || refreshToken == "" {
		c.metrics.observeRefresh("missing")
		return "", fmt.Errorf("%w: no refresh token available", ErrSessionExpired)
	}
	if !c.coalesce {
		return c.exchangeRefresh(ctx, refreshToken)
	}
	// The shared exchange is detached from any one caller's cancellation. Each caller
	// still stops waiting when its own ctx is done.
	ch := c.refreshes.DoChan(refreshToken, func() (any, error) {
		return c.exchangeRefresh(context.WithoutCancel(ctx), refreshToken)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.log.Debug("token refresh shared with concurrent request")
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

func (c *Client) exchangeRefresh(ctx context.Context, refreshToken string) (string, error) {
	payload, err := json.Marshal(map[string]string{"refresh": refreshToken})
	if err != nil {
		return "", err
	}
	resp, err := c.send(ctx, http.MethodPost, refreshEndpoint, payload, "", attemptDirect)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		c.metrics.observeRefresh("error")
		c.log.Warn("token refresh failed", "error", err)
		return "", fmt.Errorf("%w: token refresh failed", ErrSessionExpired)
	}
	res, err := readResponse(resp)
	var tokens refreshResponse
	if err == nil {
		err = res.Decode(&tokens)
	}
	if err == nil && tokens.Access == "" {
		err = errors.New("refresh response carried no access token")
	}
	if err == nil {
		err = c.session.SetAccessToken(ctx, tokens.Access, tokens.Refresh)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		c.metrics.observeRefresh("rejected")
		c.log.Warn("token refresh failed", "error", err)
		return "", fmt.Errorf("%w: token refresh failed", ErrSessionExpired)
	}
	c.metrics.observeRefresh("success")
	c.log.Info("access token refreshed")
	return tokens.Access, nil
}

// fail shows err once and tears the session down when err ends it.
func (c *Client) fail(ctx context.Context, method, endpoint string, err error) {
	c.log.Error("api request failed", "method", method, "endpoint", endpoint, "error", err)
	if sessionEnding(err) {
		msg := MsgSessionExpired
		if errors.Is(err, ErrNotAuthenticated) {
			msg = MsgAuthRequired
		}
		c.endSession(ctx, msg)
		return
	}
	msg := displayMessage(err)
	if !notify.Shown(c.notifier, msg) {
		c.notifier.Error(failurePrefix + msg)
	}
}

// endSession tears the session down and shows msg unless it is already displayed.
func (c *Client) endSession(ctx context.Context, msg string) {
	c.endMu.Lock()
	defer c.endMu.Unlock()
	c.teardown(ctx)
	if !notify.Shown(c.notifier, msg) {
		c.notifier.Error(msg)
	}
}

func (c *Client) teardown(ctx context.Context) {
	if err := c.session.Logout(context.WithoutCancel(ctx)); err != nil {
		c.log.Error("session teardown failed", "error", err)
	}
}

func readResponse(resp *http.Response) (Result, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return Result{}, APIError{Status: resp.StatusCode, Message: extractError(data, resp)}
	}
	if resp.StatusCode == http.StatusNoContent {
		return Result{Status: resp.StatusCode, Empty: true}, nil
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		if !json.Valid(data) {
			return Result{}, errors.New("decode response: invalid JSON body")
		}
		return Result{Status: resp.StatusCode, JSON: data}, nil
	}
	return Result{Status: resp.StatusCode, Text: string(data)}, nil
}

// extractError prefers the "detail" field, then "error", then the status text.
func extractError(data []byte, resp *http.Response) string {
	text := statusText(resp)
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil || payload == nil {
		return fmt.Sprintf("HTTP Error: %d %s", resp.StatusCode, text)
	}
	for _, key := range []string{"detail", "error"} {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return "Request failed: " + text
}

func statusText(resp *http.Response) string {
	prefix := strconv.Itoa(resp.StatusCode) + " "
	if text := strings.TrimSpace(strings.TrimPrefix(resp.Status, prefix)); text != "" && text != resp.Status {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
