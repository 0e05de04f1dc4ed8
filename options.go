package kaiwa

import (
	"log/slog"
	"net/http"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	baseURL     string
	profile     string
	logger      *slog.Logger
	version     string
	httpClient  *http.Client
	credentials CredentialStore
	eventHooks  map[string][]EventHook
	noticeHooks []NoticeHook
}

// WithBaseURL overrides the API root from config (KAIWA_BASE_URL env var).
func WithBaseURL(url string) Option {
	return func(o *resolvedOptions) { o.baseURL = url }
}

// WithProfile overrides the credential profile from config (KAIWA_PROFILE env var).
func WithProfile(profile string) Option {
	return func(o *resolvedOptions) { o.profile = profile }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithHTTPClient replaces the HTTP client used for every backend call. Its
// transport is wrapped for tracing. Streams are opened with a copy that has
// no overall timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = c }
}

// WithCredentialStore replaces the configured credential store.
func WithCredentialStore(s CredentialStore) Option {
	return func(o *resolvedOptions) { o.credentials = s }
}

// WithEventHook registers hook for events of the given wire type (for example
// "THINKING"). An unrecognized type name hooks the generic handler used for
// unknown event types. Multiple hooks for one type all run; the built-in
// handler is skipped if any of them returns false.
func WithEventHook(eventType string, hook EventHook) Option {
	return func(o *resolvedOptions) {
		if o.eventHooks == nil {
			o.eventHooks = make(map[string][]EventHook)
		}
		o.eventHooks[eventType] = append(o.eventHooks[eventType], hook)
	}
}

// WithNoticeHook subscribes hook to completion and error notices for the
// life of the App. Use App.Notices to subscribe later.
func WithNoticeHook(hook NoticeHook) Option {
	return func(o *resolvedOptions) { o.noticeHooks = append(o.noticeHooks, hook) }
}
