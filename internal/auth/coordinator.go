package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	// ErrNoRefreshToken is returned when a refresh is needed but no refresh
	// token is stored. Terminal: the user has to log in again.
	ErrNoRefreshToken = errors.New("auth: no refresh token available")

	// ErrRefreshRejected is returned when the refresh endpoint itself failed
	// authentication. The refresh is never retried.
	ErrRefreshRejected = errors.New("auth: refresh token rejected")
)

var (
	tracer = otel.Tracer("kaiwa/auth")
	meter  = otel.GetMeterProvider().Meter("kaiwa/auth")
)

// DefaultRefreshPath identifies the refresh endpoint in failed request URLs.
const DefaultRefreshPath = "/auth/refresh"

// Grant is a successful refresh response.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // seconds
}

// Refresher exchanges a refresh token for a new Grant.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Grant, error)
}

// RefresherFunc adapts a function to the Refresher interface.
type RefresherFunc func(ctx context.Context, refreshToken string) (Grant, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (Grant, error) {
	return f(ctx, refreshToken)
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Store     CredentialStore
	Refresher Refresher
	Logger    *slog.Logger

	// RefreshPath is matched against failed request URLs. Defaults to
	// DefaultRefreshPath.
	RefreshPath string

	// Margin is subtracted from refreshed token lifetimes. Defaults to
	// DefaultExpiryMargin.
	Margin time.Duration

	// RefreshTimeout bounds a single refresh call. The refresh is detached
	// from the cancellation of the caller that started it, since other
	// callers may be waiting on it. Defaults to 30s.
	RefreshTimeout time.Duration

	// Now is the clock used to stamp refreshed credentials.
	Now func() time.Time
}

type refreshResult struct {
	token string
	err   error
}

// Coordinator runs at most one refresh at a time. It is safe for concurrent use.
type Coordinator struct {
	store          CredentialStore
	refresher      Refresher
	logger         *slog.Logger
	refreshPath    string
	margin         time.Duration
	refreshTimeout time.Duration
	now            func() time.Time

	mu         sync.Mutex
	refreshing bool
	waiters    []chan refreshResult
}

// NewCoordinator validates cfg and returns a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("auth: coordinator requires a credential store")
	}
	if cfg.Refresher == nil {
		return nil, fmt.Errorf("auth: coordinator requires a refresher")
	}
	c := &Coordinator{
		store:          cfg.Store,
		refresher:      cfg.Refresher,
		logger:         cfg.Logger,
		refreshPath:    cfg.RefreshPath,
		margin:         cfg.Margin,
		refreshTimeout: cfg.RefreshTimeout,
		now:            cfg.Now,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.refreshPath == "" {
		c.refreshPath = DefaultRefreshPath
	}
	if c.margin == 0 {
		c.margin = DefaultExpiryMargin
	}
	if c.refreshTimeout == 0 {
		c.refreshTimeout = 30 * time.Second
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// IsRefreshURL reports whether url addresses the refresh endpoint.
func (c *Coordinator) IsRefreshURL(url string) bool {
	return strings.Contains(url, c.refreshPath)
}

// Refreshing reports whether a refresh is currently in flight.
func (c *Coordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshing
}

// Waiting returns the number of callers queued behind the in-flight refresh.
func (c *Coordinator) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// OnAuthFailure is called by a request that failed with an authentication
// error. It returns the access token the request should be replayed with.
//
// Only the first caller performs the refresh. Callers arriving while it is in
// flight are queued and settled in arrival order once it completes; the
// first caller returns last.
func (c *Coordinator) OnAuthFailure(ctx context.Context, failedURL string) (string, error) {
	if c.IsRefreshURL(failedURL) {
		c.logger.Warn("auth: refresh endpoint rejected credentials, clearing", "url", failedURL)
		c.clear()
		return "", ErrRefreshRejected
	}

	c.mu.Lock()
	if c.refreshing {
		ch := make(chan refreshResult, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()
		select {
		case r := <-ch:
			return r.token, r.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	c.refreshing = true
	c.mu.Unlock()

	token, err := c.refresh(ctx)

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.refreshing = false
	c.mu.Unlock()

	if hist, herr := meter.Int64Histogram("kaiwa.auth.refresh_waiters"); herr == nil {
		hist.Record(ctx, int64(len(waiters)))
	}
	for _, w := range waiters {
		w <- refreshResult{token: token, err: err}
	}
	return token, err
}

// refresh performs the single refresh call. On any failure the stored
// credential is cleared exactly once.
func (c *Coordinator) refresh(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "auth.refresh")
	defer span.End()

	outcome := "ok"
	defer func() {
		if counter, err := meter.Int64Counter("kaiwa.auth.refresh_total"); err == nil {
			counter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
		}
	}()

	cur, ok := c.store.Get()
	if !ok || cur.RefreshToken == "" {
		outcome = "no_token"
		span.SetStatus(codes.Error, ErrNoRefreshToken.Error())
		c.clear()
		return "", ErrNoRefreshToken
	}

	grant, err := c.refresher.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("auth: token refresh failed, clearing credentials", "error", err)
		c.clear()
		return "", fmt.Errorf("auth: refresh: %w", err)
	}

	next := NewCredentialWithMargin(grant.AccessToken, grant.RefreshToken, grant.ExpiresIn, c.now(), c.margin)
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if err := c.store.Set(next); err != nil {
		outcome = "store_failed"
		span.RecordError(err)
		c.clear()
		return "", fmt.Errorf("auth: store refreshed credential: %w", err)
	}
	c.logger.Debug("auth: token refreshed", "expires_at", next.ExpiresAt)
	return next.AccessToken, nil
}

func (c *Coordinator) clear() {
	if err := c.store.Clear(); err != nil {
		c.logger.Error("auth: clear credentials", "error", err)
	}
}
