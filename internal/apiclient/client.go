// Package apiclient is the authenticated JSON client for the agent backend.
//
// Every non-auth request carries the stored bearer token. A request rejected
// with 401 asks the refresh coordinator for a new token and is replayed once;
// a second rejection is returned to the caller.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kaiwa/internal/auth"
	"github.com/ashita-ai/kaiwa/internal/ctxutil"
	"github.com/ashita-ai/kaiwa/internal/model"
)

var meter = otel.GetMeterProvider().Meter("kaiwa/apiclient")

// DefaultTimeout bounds a single non-streaming request.
const DefaultTimeout = 25 * time.Minute

// successCode is the envelope code of a successful call.
const successCode = 200

// Paths that must never carry a bearer token.
var authPaths = []string{"/auth/login", "/auth/register", auth.DefaultRefreshPath}

// AuthFailureHandler supplies a fresh access token after a 401.
type AuthFailureHandler interface {
	OnAuthFailure(ctx context.Context, failedURL string) (string, error)
}

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the API root (e.g. "http://localhost:8080/api").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. Its transport is wrapped
	// for tracing. If nil, a client with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual requests when HTTPClient is nil.
	// Defaults to DefaultTimeout.
	Timeout time.Duration

	// Credentials supplies the bearer token. Nil sends no token.
	Credentials auth.CredentialStore

	// Auth is consulted on 401. Nil returns 401s to the caller.
	Auth AuthFailureHandler

	Logger *slog.Logger
}

// Client is an HTTP client for the agent backend.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	creds   auth.CredentialStore
	auth    AuthFailureHandler
	logger  *slog.Logger
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("apiclient: BaseURL %q must be an absolute http(s) URL", cfg.BaseURL)
	}

	httpClient := instrument(cfg.HTTPClient, cfg.Timeout)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
		creds:   cfg.Credentials,
		auth:    cfg.Auth,
		logger:  logger,
	}, nil
}

// instrument returns a copy of c whose transport records client spans.
func instrument(c *http.Client, timeout time.Duration) *http.Client {
	if c == nil {
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c = &http.Client{Timeout: timeout}
	}
	out := *c
	base := out.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	out.Transport = otelhttp.NewTransport(base)
	return &out
}

// HTTPClient returns the instrumented HTTP client, for callers that stream.
func (c *Client) HTTPClient() *http.Client { return c.client }

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Get sends a GET and decodes the envelope's data into dest.
func (c *Client) Get(ctx context.Context, path string, dest any) error {
	return c.Do(ctx, http.MethodGet, path, nil, dest)
}

// Post sends body as JSON and decodes the envelope's data into dest.
func (c *Client) Post(ctx context.Context, path string, body, dest any) error {
	return c.Do(ctx, http.MethodPost, path, body, dest)
}

// Delete sends a DELETE and decodes the envelope's data into dest.
func (c *Client) Delete(ctx context.Context, path string, dest any) error {
	return c.Do(ctx, http.MethodDelete, path, nil, dest)
}

// Do sends one request. dest may be nil.
func (c *Client) Do(ctx context.Context, method, path string, body, dest any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiclient: marshal request body: %w", err)
		}
	}
	target := c.baseURL + "/" + strings.TrimLeft(path, "/")

	token := ""
	if !isAuthPath(path) {
		token = auth.AccessToken(c.creds)
	}
	status, raw, err := c.send(ctx, method, target, payload, token)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized && c.auth != nil && !isAuthPath(path) && !ctxutil.Retried(ctx) {
		token, err = c.auth.OnAuthFailure(ctx, target)
		if err != nil {
			c.countReplay(ctx, "refresh_failed")
			return fmt.Errorf("apiclient: %s %s: reauthenticate: %w", method, path, err)
		}
		c.countReplay(ctx, "replayed")
		status, raw, err = c.send(ctxutil.WithRetried(ctx), method, target, payload, token)
		if err != nil {
			return err
		}
	}
	return decodeEnvelope(status, raw, dest)
}

// send performs one HTTP exchange and returns the status and body.
func (c *Client) send(ctx context.Context, method, target string, payload []byte, token string) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, fmt.Errorf("apiclient: create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	requestID := ctxutil.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set("X-Request-ID", requestID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("apiclient: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("apiclient: read response body: %w", err)
	}
	c.logger.Debug("apiclient: response", "method", method, "path", req.URL.Path, "status", resp.StatusCode, "request_id", requestID)
	return resp.StatusCode, raw, nil
}

// envelope is the backend's standard response wrapper.
type envelope struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

func decodeEnvelope(status int, raw []byte, dest any) error {
	var env envelope
	envErr := json.Unmarshal(raw, &env)

	if status < 200 || status >= 300 {
		apiErr := &Error{StatusCode: status}
		if envErr == nil && env.Message != "" {
			apiErr.Code = env.Code
			apiErr.Message = env.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(status)
			}
		}
		return apiErr
	}

	if status == http.StatusNoContent {
		return nil
	}
	if envErr != nil {
		return fmt.Errorf("apiclient: decode response envelope: %w", envErr)
	}
	if env.Code != 0 && env.Code != successCode {
		return &Error{StatusCode: status, Code: env.Code, Message: env.Message}
	}
	if dest == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		return fmt.Errorf("apiclient: decode response data: %w", err)
	}
	return nil
}

func isAuthPath(path string) bool {
	for _, p := range authPaths {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

func (c *Client) countReplay(ctx context.Context, outcome string) {
	if counter, err := meter.Int64Counter("kaiwa.api.reauth_total"); err == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// CurrentUser returns the account the stored token belongs to.
func (c *Client) CurrentUser(ctx context.Context) (model.User, error) {
	var u model.User
	if err := c.Get(ctx, "/auth/me", &u); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// historyMessage is a stored message as the history endpoint returns it.
type historyMessage struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	StartTime time.Time       `json:"startTime"`
	EndTime   *time.Time      `json:"endTime"`
	Data      json.RawMessage `json:"data"`
}

// SessionMessages fetches the stored transcript of a ReAct+ session.
func (c *Client) SessionMessages(ctx context.Context, sessionID string) ([]model.DisplayMessage, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("apiclient: session id is required")
	}
	var stored []historyMessage
	if err := c.Get(ctx, "/agent/chat/react-plus/"+url.PathEscape(sessionID)+"/messages", &stored); err != nil {
		return nil, err
	}
	out := make([]model.DisplayMessage, 0, len(stored))
	for _, m := range stored {
		sender := model.DefaultSender
		if model.MessageType(m.Type) == model.MessageUser {
			sender = model.UserSender
		}
		out = append(out, model.DisplayMessage{
			MessageID: m.ID,
			SessionID: sessionID,
			Type:      model.MessageType(m.Type),
			Sender:    sender,
			Message:   m.Message,
			Data:      m.Data,
			StartTime: m.StartTime,
			EndTime:   m.EndTime,
		})
	}
	return out, nil
}
