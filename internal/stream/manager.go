package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kaiwa/internal/auth"
	"github.com/ashita-ai/kaiwa/internal/ctxutil"
)

var (
	tracer = otel.Tracer("kaiwa/stream")
	meter  = otel.GetMeterProvider().Meter("kaiwa/stream")
)

// DefaultConnectTimeout bounds opening a stream. The stream itself never times out.
const DefaultConnectTimeout = 30 * time.Second

// ErrSuperseded is returned by Start when another Start replaced the
// connection before it finished opening.
var ErrSuperseded = errors.New("stream: superseded by a newer connection")

// Request describes a streaming request.
type Request struct {
	// Endpoint is an absolute URL or a path resolved against Config.BaseURL.
	Endpoint string
	// Method defaults to POST.
	Method  string
	Headers map[string]string
	// Payload is encoded as the JSON request body. Nil sends no body.
	Payload any
}

// StatusError is returned when the server refuses to open the stream.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("stream: open: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("stream: open: HTTP %d: %s", e.StatusCode, e.Body)
}

// AuthFailureHandler supplies a fresh access token after a 401.
type AuthFailureHandler interface {
	OnAuthFailure(ctx context.Context, failedURL string) (string, error)
}

// Config configures a Manager.
type Config struct {
	BaseURL        string
	HTTPClient     *http.Client
	Credentials    auth.CredentialStore
	Auth           AuthFailureHandler // optional
	ConnectTimeout time.Duration
	// MaxLineBytes bounds one stream line; defaults to DefaultMaxLineBytes.
	MaxLineBytes int
	Logger       *slog.Logger
}

// Manager owns the single active connection.
type Manager struct {
	baseURL        string
	client         *http.Client
	creds          auth.CredentialStore
	auth           AuthFailureHandler
	connectTimeout time.Duration
	maxLine        int
	logger         *slog.Logger

	// deliverMu serializes sink calls with generation changes, so a replaced
	// connection cannot deliver after Start returns. Lock order: deliverMu, mu.
	deliverMu sync.Mutex
	mu        sync.Mutex
	gen       uint64
	active    *Connection
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("stream: credential store is required")
	}
	m := &Manager{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		client:         cfg.HTTPClient,
		creds:          cfg.Credentials,
		auth:           cfg.Auth,
		connectTimeout: cfg.ConnectTimeout,
		maxLine:        cfg.MaxLineBytes,
		logger:         cfg.Logger,
	}
	if m.client == nil {
		m.client = &http.Client{}
	}
	if m.connectTimeout <= 0 {
		m.connectTimeout = DefaultConnectTimeout
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// Active returns the current connection, or nil.
func (m *Manager) Active() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Close terminates the active connection, if any. Safe to call from a Sink.
func (m *Manager) Close() {
	m.mu.Lock()
	c := m.active
	m.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// Start terminates any existing connection and opens a new one delivering
// to sink. It returns once the server accepted the stream; events are
// delivered from a separate goroutine until the stream ends. A sink that
// implements Preparer is prepared between the two connections.
//
// Start must not be called from inside a Sink callback.
func (m *Manager) Start(ctx context.Context, req Request, sink Sink) (*Connection, error) {
	m.deliverMu.Lock()
	m.mu.Lock()
	m.gen++
	gen := m.gen
	old := m.active
	m.active = nil
	m.mu.Unlock()
	if p, ok := sink.(Preparer); ok {
		p.Prepare()
	}
	m.deliverMu.Unlock()
	if old != nil {
		m.logger.Debug("stream: replacing active connection")
		old.Close()
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn := newConnection(gen, cancel)
	connCtx, span := tracer.Start(connCtx, "stream.connection",
		trace.WithAttributes(attribute.String("stream.endpoint", req.Endpoint)))

	body, err := m.open(ctx, connCtx, req)
	if err != nil {
		conn.fail(err)
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		m.countConnection(ctx, "failed")
		m.deliver(gen, func() { sink.Closed(err) })
		close(conn.done)
		return nil, err
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		conn.Close()
		_ = body.Close()
		span.End()
		close(conn.done)
		return nil, ErrSuperseded
	}
	m.active = conn
	m.mu.Unlock()

	conn.transition(StateOpen)
	m.countConnection(ctx, "opened")
	m.deliver(gen, sink.Opened)

	go m.read(connCtx, span, conn, body, sink)
	return conn, nil
}

// open issues the request and returns the body of an accepted stream. A
// credential past its estimated expiry is refreshed before the request; on a
// 401 the request is replayed once with a token from the auth handler. A
// request is refreshed at most once either way.
func (m *Manager) open(ctx, connCtx context.Context, req Request) (io.ReadCloser, error) {
	url, err := m.resolve(req.Endpoint)
	if err != nil {
		return nil, err
	}
	var payload []byte
	if req.Payload != nil {
		payload, err = json.Marshal(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("stream: encode payload: %w", err)
		}
	}

	token := auth.AccessToken(m.creds)
	refreshed := false
	if cred, ok := m.creds.Get(); ok && m.auth != nil && cred.RefreshToken != "" &&
		!cred.ExpiresAt.IsZero() && cred.ExpiringSoon(time.Now()) {
		m.logger.Debug("stream: credential expired, refreshing before connect", "expires_at", cred.ExpiresAt)
		token, err = m.auth.OnAuthFailure(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("stream: refresh expired credential: %w", err)
		}
		refreshed = true
	}

	resp, err := m.do(connCtx, req, url, payload, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && m.auth != nil && !refreshed && !ctxutil.Retried(ctx) {
		_ = resp.Body.Close()
		token, err = m.auth.OnAuthFailure(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("stream: reauthenticate: %w", err)
		}
		resp, err = m.do(connCtx, req, url, payload, token)
		if err != nil {
			return nil, err
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp.Body, nil
}

func (m *Manager) do(connCtx context.Context, req Request, url string, payload []byte, token string) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(connCtx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("stream: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if id := ctxutil.RequestIDFromContext(connCtx); id != "" {
		httpReq.Header.Set("X-Request-ID", id)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	// Only the wait for response headers is bounded. Stopping the timer after
	// the headers arrive leaves the body unbounded.
	setupCtx, cancelSetup := context.WithCancel(connCtx)
	timer := time.AfterFunc(m.connectTimeout, cancelSetup)
	resp, err := m.client.Do(httpReq.WithContext(setupCtx))
	if !timer.Stop() {
		if err == nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("stream: connect %s: timed out after %s", url, m.connectTimeout)
	}
	if err != nil {
		cancelSetup()
		return nil, fmt.Errorf("stream: connect %s: %w", url, err)
	}
	context.AfterFunc(connCtx, cancelSetup)
	return resp, nil
}

func (m *Manager) resolve(endpoint string) (string, error) {
	if endpoint == "" {
		return "", errors.New("stream: endpoint is required")
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint, nil
	}
	if m.baseURL == "" {
		return "", fmt.Errorf("stream: relative endpoint %q without a base URL", endpoint)
	}
	return m.baseURL + "/" + strings.TrimLeft(endpoint, "/"), nil
}

// read is the connection's only reader. It stops delivering as soon as the
// connection is replaced.
func (m *Manager) read(ctx context.Context, span trace.Span, conn *Connection, body io.ReadCloser, sink Sink) {
	defer close(conn.done)
	defer span.End()
	defer func() { _ = body.Close() }()

	var frames int64
	for frame, err := range DecodeLimit(ctx, body, m.maxLine) {
		if err != nil {
			if conn.fail(err) {
				m.logger.Warn("stream: transport error", "error", err)
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				m.deliver(conn.gen, func() { sink.Closed(err) })
			} else {
				m.deliver(conn.gen, func() { sink.Closed(nil) })
			}
			return
		}
		frames++
		ev, perr := ParseFrame(frame)
		if perr != nil {
			m.logger.Warn("stream: dropping frame", "channel", frame.Event, "error", perr)
			m.countFrame(ctx, "dropped")
			continue
		}
		m.countFrame(ctx, "ok")
		conn.transition(StateStreaming)
		if !m.deliver(conn.gen, func() { sink.Event(ev) }) {
			m.logger.Debug("stream: connection replaced, stopping reader")
			return
		}
		if conn.isClosed() {
			break
		}
	}

	span.SetAttributes(attribute.Int64("stream.frames", frames))
	conn.transition(StateClosed)
	m.deliver(conn.gen, func() { sink.Closed(nil) })
}

// deliver runs fn if gen is still the current generation.
func (m *Manager) deliver(gen uint64, fn func()) bool {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	m.mu.Lock()
	current := m.gen == gen
	m.mu.Unlock()
	if !current {
		return false
	}
	fn()
	return true
}

func (m *Manager) countConnection(ctx context.Context, outcome string) {
	if counter, err := meter.Int64Counter("kaiwa.stream.connections_total"); err == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *Manager) countFrame(ctx context.Context, outcome string) {
	if counter, err := meter.Int64Counter("kaiwa.stream.frames_total"); err == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
