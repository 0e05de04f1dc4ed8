// Package kaiwa is the public API of the agent session client.
//
// An App signs in to the agent backend, keeps the access token valid across
// concurrent requests, streams agent turns and folds their events into a
// transcript, per-session plans and a live status:
//
//	app, err := kaiwa.New(
//	    kaiwa.WithLogger(logger),
//	    kaiwa.WithNoticeHook(func(n kaiwa.Notice) { ... }),
//	)
//	if err != nil { ... }
//	defer app.Close()
//	if _, err := app.Login(ctx, user, password); err != nil { ... }
//	turn, err := app.Send(ctx, "plan a trip to Kyoto")
//	if err != nil { ... }
//	err = turn.Wait(ctx)
//	snap := app.Snapshot()
//
// The import graph enforces a strict no-cycle rule: kaiwa (root) imports
// internal/*, but internal/* never imports kaiwa (root). Public types are
// standalone structs; the conversion helpers live here because this is the
// only file that sees both sides of the boundary.
package kaiwa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kaiwa/internal/aggregate"
	"github.com/ashita-ai/kaiwa/internal/apiclient"
	"github.com/ashita-ai/kaiwa/internal/auth"
	"github.com/ashita-ai/kaiwa/internal/config"
	"github.com/ashita-ai/kaiwa/internal/ctxutil"
	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/plan"
	"github.com/ashita-ai/kaiwa/internal/session"
	"github.com/ashita-ai/kaiwa/internal/storage"
	"github.com/ashita-ai/kaiwa/internal/stream"
	"github.com/ashita-ai/kaiwa/internal/telemetry"
)

// Stream endpoints, relative to the API root.
const (
	ReActPlusEndpoint = "/agent/chat/react-plus/stream"
	ReActEndpoint     = "/agent/chat/react/stream"
)

// ErrTurnFailed is returned by Turn.Wait when the agent reported an error.
var ErrTurnFailed = errors.New("kaiwa: agent reported an error")

// App is the client session. Construct with New(), release with Close().
// App has no public fields; use New() options to configure it.
// All methods are safe for concurrent use.
type App struct {
	cfg          config.Config
	db           *storage.DB // nil unless credentials are persisted
	creds        auth.CredentialStore
	authAPI      *apiclient.AuthAPI
	coordinator  *auth.Coordinator
	client       *apiclient.Client
	sessions     *session.Registry
	plans        *plan.Registry
	engine       *aggregate.Engine
	streams      *stream.Manager
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	closeOnce sync.Once
	closeErr  error
}

// New loads configuration, initializes telemetry and wires the client. It
// makes no network calls.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Best-effort .env loading; missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("kaiwa: config: %w", err)
	}
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	if o.profile != "" {
		cfg.Profile = o.profile
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kaiwa: config: %w", err)
	}

	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Settings{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("kaiwa: telemetry: %w", err)
	}

	a := &App{
		cfg:          cfg,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}
	if err := a.wire(o); err != nil {
		_ = a.Close()
		return nil, err
	}
	logger.Debug("kaiwa: ready", "base_url", cfg.BaseURL, "profile", cfg.Profile, "version", version)
	return a, nil
}

func (a *App) wire(o resolvedOptions) error {
	switch {
	case o.credentials != nil:
		a.creds = credentialAdapter{store: o.credentials}
	case a.cfg.CredentialsPath != "":
		db, err := storage.Open(context.Background(), a.cfg.CredentialsPath, a.logger)
		if err != nil {
			return fmt.Errorf("kaiwa: credential store: %w", err)
		}
		a.db = db
		a.creds = db.Credentials(a.cfg.Profile)
	default:
		a.creds = auth.NewMemoryStore()
	}

	authAPI, err := apiclient.NewAuthAPI(apiclient.AuthConfig{
		BaseURL:    a.cfg.BaseURL,
		HTTPClient: o.httpClient,
		Timeout:    a.cfg.RequestTimeout,
		Store:      a.creds,
		Margin:     a.cfg.RefreshMargin,
		Logger:     a.logger,
	})
	if err != nil {
		return fmt.Errorf("kaiwa: %w", err)
	}
	a.authAPI = authAPI

	a.coordinator, err = auth.NewCoordinator(auth.CoordinatorConfig{
		Store:     a.creds,
		Refresher: authAPI,
		Margin:    a.cfg.RefreshMargin,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("kaiwa: %w", err)
	}

	a.client, err = apiclient.NewClient(apiclient.Config{
		BaseURL:     a.cfg.BaseURL,
		HTTPClient:  o.httpClient,
		Timeout:     a.cfg.RequestTimeout,
		Credentials: a.creds,
		Auth:        a.coordinator,
		Logger:      a.logger,
	})
	if err != nil {
		return fmt.Errorf("kaiwa: %w", err)
	}

	// The two tables reference each other: plans touch their session, and a
	// promoted session takes its plan along.
	a.sessions = session.NewRegistry(
		session.WithLogger(a.logger),
		session.OnPromote(func(p session.Promotion) { a.plans.Move(p.From, p.To) }),
	)
	a.plans = plan.NewRegistry(plan.WithLogger(a.logger), plan.WithToucher(a.sessions))

	a.engine = aggregate.New(aggregate.Options{
		Sessions: a.sessions,
		Plans:    a.plans,
		Hooks:    toInternalHooks(o.eventHooks),
		Logger:   a.logger,
	})
	for _, hook := range o.noticeHooks {
		a.engine.OnNotice(func(n model.Notice) { hook(toPublicNotice(n)) })
	}

	a.streams, err = stream.NewManager(stream.Config{
		BaseURL:        a.cfg.BaseURL,
		HTTPClient:     streamingClient(o.httpClient),
		Credentials:    a.creds,
		Auth:           a.coordinator,
		ConnectTimeout: a.cfg.ConnectTimeout,
		Logger:         a.logger,
	})
	if err != nil {
		return fmt.Errorf("kaiwa: %w", err)
	}
	a.engine.SetTerminator(a.streams.Close)
	return nil
}

// streamingClient returns a traced copy of c without an overall timeout; a
// stream lives as long as the agent keeps talking.
func streamingClient(c *http.Client) *http.Client {
	if c == nil {
		c = &http.Client{}
	}
	out := *c
	out.Timeout = 0
	base := out.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	out.Transport = otelhttp.NewTransport(base)
	return &out
}

// Close terminates the active stream, releases the credential database and
// flushes telemetry. Safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.streams != nil {
			a.streams.Close()
		}
		if a.db != nil {
			errs = append(errs, a.db.Close())
		}
		if a.otelShutdown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, a.otelShutdown(ctx))
			cancel()
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

// Login exchanges a password for tokens and stores them.
func (a *App) Login(ctx context.Context, externalID, password string) (User, error) {
	u, err := a.authAPI.Login(ctx, externalID, password)
	if err != nil {
		return User{}, err
	}
	return toPublicUser(u), nil
}

// Register creates an account. It does not log in.
func (a *App) Register(ctx context.Context, req RegisterRequest) (Registration, error) {
	reg, err := a.authAPI.Register(ctx, apiclient.RegisterRequest{
		ExternalID: req.ExternalID,
		Password:   req.Password,
		Nickname:   req.Nickname,
		AvatarURL:  req.AvatarURL,
	})
	if err != nil {
		return Registration{}, err
	}
	return Registration{UserID: reg.UserID, ExternalID: reg.ExternalID}, nil
}

// Logout ends the active stream, tells the backend to revoke the session and
// clears the stored credential whatever the backend answered.
func (a *App) Logout(ctx context.Context) error {
	a.streams.Close()
	return a.authAPI.Logout(ctx)
}

// LoggedIn reports whether a credential is stored. The token may still be
// rejected by the backend.
func (a *App) LoggedIn() bool {
	return auth.AccessToken(a.creds) != ""
}

// CurrentUser returns the account the stored token belongs to.
func (a *App) CurrentUser(ctx context.Context) (User, error) {
	u, err := a.client.CurrentUser(ctx)
	if err != nil {
		return User{}, err
	}
	return toPublicUser(u), nil
}

// AgentRequest describes the stream a turn is sent to.
type AgentRequest struct {
	// Endpoint is a path relative to the API root or an absolute URL.
	// Defaults to ReActPlusEndpoint.
	Endpoint string
	// Method defaults to POST.
	Method  string
	Headers map[string]string
	// Kind is recorded for a conversation this turn starts.
	// Defaults to AgentReActPlus.
	Kind AgentKind
	// SessionID continues a known conversation. Empty uses the current
	// session when it is of Kind, and starts a new conversation otherwise.
	SessionID string
	// Extra fields are merged into the request payload. They cannot replace
	// message or sessionId.
	Extra map[string]any
}

// ContextWithRequestID tags the requests made with ctx with a client request
// id, sent as X-Request-ID. Requests without one get a fresh id each.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return ctxutil.WithRequestID(ctx, id)
}

// Turn is one streamed exchange with the agent.
type Turn struct {
	// SessionID is the session the turn was sent in. It is temporary for a new
	// conversation until the backend announces the real id.
	SessionID string
	// RequestID is the X-Request-ID the stream was opened with.
	RequestID string

	app  *App
	conn *stream.Connection
}

// Done is closed when the stream has ended.
func (t *Turn) Done() <-chan struct{} { return t.conn.Done() }

// Cancel ends the stream. Events already received stay in the transcript.
func (t *Turn) Cancel() { t.conn.Close() }

// Wait blocks until the stream ends. It returns the transport error that
// ended the stream, ErrTurnFailed if the agent reported an error, or nil.
func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-t.conn.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := t.conn.Err(); err != nil {
		return err
	}
	if t.app.engine.Snapshot().Task == model.TaskError {
		return ErrTurnFailed
	}
	return nil
}

// Send streams text to the ReAct+ agent in the current conversation.
func (a *App) Send(ctx context.Context, text string) (*Turn, error) {
	return a.Execute(ctx, text, AgentRequest{Endpoint: ReActPlusEndpoint, Kind: AgentReActPlus})
}

// SendReAct streams text to the ReAct agent in the current conversation.
func (a *App) SendReAct(ctx context.Context, text string) (*Turn, error) {
	return a.Execute(ctx, text, AgentRequest{Endpoint: ReActEndpoint, Kind: AgentReAct})
}

// Execute starts a turn. Any active stream is terminated first. It returns
// once the backend accepted the stream; events are folded in the background.
func (a *App) Execute(ctx context.Context, text string, req AgentRequest) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("kaiwa: message is empty")
	}
	if req.Endpoint == "" {
		req.Endpoint = ReActPlusEndpoint
	}
	kind := model.AgentKind(req.Kind)
	if kind == "" {
		kind = model.AgentReActPlus
	}

	sessionID := req.SessionID
	switch {
	case sessionID != "":
		if !a.sessions.Switch(sessionID) {
			a.logger.Debug("kaiwa: session not known locally, the backend will announce it", "session_id", sessionID)
		}
	default:
		if cur, ok := a.sessions.Current(); ok && cur.Kind == kind {
			sessionID = cur.ID
		} else {
			sessionID = a.sessions.NewConversation(kind).ID
		}
	}

	// The backend assigns ids; a local placeholder is never sent.
	wireID := sessionID
	if session.IsTemporary(wireID) {
		wireID = ""
	}
	payload := make(map[string]any, len(req.Extra)+2)
	for k, v := range req.Extra {
		payload[k] = v
	}
	payload["message"] = text
	payload["sessionId"] = wireID

	requestID := ctxutil.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = ctxutil.WithRequestID(ctx, requestID)
	}

	turn := aggregate.Turn{Title: text, SessionID: wireID, Kind: kind}
	if wireID == "" {
		turn.LocalID = sessionID
	}
	conn, err := a.streams.Start(ctx, stream.Request{
		Endpoint: req.Endpoint,
		Method:   req.Method,
		Headers:  req.Headers,
		Payload:  payload,
	}, turnSink{Engine: a.engine, turn: turn})
	if err != nil {
		return nil, fmt.Errorf("kaiwa: start turn: %w", err)
	}
	a.logger.Debug("kaiwa: turn started", "session_id", sessionID, "request_id", requestID, "endpoint", req.Endpoint)
	return &Turn{SessionID: sessionID, RequestID: requestID, app: a, conn: conn}, nil
}

// turnSink feeds a turn's stream into the engine. The turn is applied only
// after the previous stream has stopped delivering.
type turnSink struct {
	*aggregate.Engine
	turn aggregate.Turn
}

func (s turnSink) Prepare() { s.BeginTurn(s.turn) }

// Stop ends the active stream, if any.
func (a *App) Stop() { a.streams.Close() }

// Snapshot returns a copy of the transcript and the current turn's state.
func (a *App) Snapshot() Snapshot {
	s := a.engine.Snapshot()
	out := Snapshot{
		Status:    toPublicStatus(s.Status),
		Messages:  make([]Message, 0, len(s.Messages)),
		TaskTitle: s.TaskTitle,
		SessionID: s.SessionID,
	}
	for i := range s.Messages {
		out.Messages = append(out.Messages, toPublicMessage(&s.Messages[i]))
	}
	return out
}

// ClearTranscript empties the transcript and resets the statuses.
func (a *App) ClearTranscript() {
	a.engine.Reset()
}

// Plan returns the execution plan of a session.
func (a *App) Plan(sessionID string) (Plan, bool) {
	p, ok := a.plans.Get(sessionID)
	if !ok {
		return Plan{}, false
	}
	return toPublicPlan(p), true
}

// Sessions lists the known conversations, most recently updated first.
func (a *App) Sessions() []Session {
	list := a.sessions.List()
	out := make([]Session, 0, len(list))
	for _, s := range list {
		out = append(out, toPublicSession(s))
	}
	return out
}

// CurrentSession returns the conversation the next turn is sent in.
func (a *App) CurrentSession() (Session, bool) {
	s, ok := a.sessions.Current()
	if !ok {
		return Session{}, false
	}
	return toPublicSession(s), true
}

// NewConversation starts a conversation with the given agent and makes it
// current. It has a temporary id until its first turn starts.
func (a *App) NewConversation(kind AgentKind) Session {
	return toPublicSession(a.sessions.NewConversation(model.AgentKind(kind)))
}

// SwitchSession makes a known session current.
func (a *App) SwitchSession(id string) bool {
	return a.sessions.Switch(id)
}

// RenameSession sets a session's title.
func (a *App) RenameSession(id, title string) bool {
	return a.sessions.Rename(id, title)
}

// SessionMessages fetches the stored transcript of a ReAct+ session.
func (a *App) SessionMessages(ctx context.Context, sessionID string) ([]Message, error) {
	msgs, err := a.client.SessionMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(msgs))
	for i := range msgs {
		out = append(out, toPublicMessage(&msgs[i]))
	}
	return out, nil
}

// SessionHistories fetches several stored transcripts concurrently, at most
// KAIWA_HISTORY_CONCURRENCY at a time. The first failure cancels the rest.
func (a *App) SessionHistories(ctx context.Context, sessionIDs []string) (map[string][]Message, error) {
	out := make(map[string][]Message, len(sessionIDs))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.HistoryConcurrency)
	for _, id := range sessionIDs {
		g.Go(func() error {
			msgs, err := a.SessionMessages(gctx, id)
			if err != nil {
				return fmt.Errorf("session %s: %w", id, err)
			}
			mu.Lock()
			out[id] = msgs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Notices subscribes fn to completion and error notices. Call cancel to
// unsubscribe.
func (a *App) Notices(fn NoticeHook) (cancel func()) {
	return a.engine.OnNotice(func(n model.Notice) { fn(toPublicNotice(n)) })
}

// StatusChanges subscribes fn to connection, task and progress changes.
func (a *App) StatusChanges(fn func(Status)) (cancel func()) {
	return a.engine.OnStatus(func(s aggregate.Status) { fn(toPublicStatus(s)) })
}

// credentialAdapter lets a public CredentialStore serve the internal packages.
type credentialAdapter struct {
	store CredentialStore
}

func (c credentialAdapter) Get() (auth.Credential, bool) {
	pc, ok := c.store.Get()
	if !ok {
		return auth.Credential{}, false
	}
	cred := auth.Credential{
		AccessToken:  pc.AccessToken,
		RefreshToken: pc.RefreshToken,
		ExpiresAt:    pc.ExpiresAt,
	}
	if exp, ok := auth.TokenExpiry(pc.AccessToken); ok {
		cred.TokenExpiresAt = exp
	}
	return cred, true
}

func (c credentialAdapter) Set(cred auth.Credential) error {
	return c.store.Set(Credential{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    cred.ExpiresAt,
	})
}

func (c credentialAdapter) Clear() error { return c.store.Clear() }

func toInternalHooks(hooks map[string][]EventHook) map[model.EventType]aggregate.Hook {
	if len(hooks) == 0 {
		return nil
	}
	byType := make(map[model.EventType][]EventHook, len(hooks))
	for name, list := range hooks {
		typ, ok := model.ParseEventType(name)
		if !ok {
			typ = model.EventUnknown
		}
		byType[typ] = append(byType[typ], list...)
	}
	out := make(map[model.EventType]aggregate.Hook, len(byType))
	for typ, list := range byType {
		out[typ] = func(ev *model.StreamEvent) bool {
			pub := toPublicEvent(ev)
			proceed := true
			for _, hook := range list {
				if !hook(pub) {
					proceed = false
				}
			}
			return proceed
		}
	}
	return out
}

func toPublicEvent(ev *model.StreamEvent) Event {
	typ := string(ev.Type)
	if ev.Type == model.EventUnknown {
		typ = ev.RawType
	}
	return Event{
		Type:      typ,
		SessionID: ev.SessionID,
		MessageID: ev.MessageID,
		AgentID:   ev.AgentID,
		Message:   ev.Message,
		Data:      ev.Data,
		StartTime: ev.StartTime,
		EndTime:   ev.EndTime,
	}
}

func toPublicUser(u model.User) User {
	return User{UserID: u.UserID, ExternalID: u.ExternalID, Nickname: u.Nickname, AvatarURL: u.AvatarURL}
}

func toPublicSession(s model.Session) Session {
	return Session{
		ID:        s.ID,
		Title:     s.Title,
		Kind:      AgentKind(s.Kind),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Temporary: s.Temporary,
	}
}

func toPublicMessage(m *model.DisplayMessage) Message {
	return Message{
		ID:        m.MessageID,
		SessionID: m.SessionID,
		Type:      string(m.Type),
		Sender:    m.Sender,
		Text:      m.Message,
		Data:      m.Data,
		StartTime: m.StartTime,
		EndTime:   m.EndTime,
		Events:    len(m.Events),
	}
}

func toPublicPlan(p *model.PlanData) Plan {
	out := Plan{
		Goal:           p.Goal,
		Phases:         make([]Phase, 0, len(p.Phases)),
		CurrentPhaseID: p.CurrentPhaseID,
		Status:         string(p.Status),
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
	for _, ph := range p.Phases {
		out.Phases = append(out.Phases, Phase{
			ID:          ph.ID,
			Title:       ph.Title,
			Description: ph.Description,
			Parallel:    ph.IsParallel,
			Status:      string(ph.Status),
			Index:       ph.Index,
		})
	}
	return out
}

func toPublicNotice(n model.Notice) Notice {
	return Notice{
		Text:      n.Text,
		Title:     n.Title,
		MessageID: n.MessageID,
		Severity:  string(n.Severity),
		StartTime: n.StartTime,
	}
}

func toPublicStatus(s aggregate.Status) Status {
	out := Status{Connection: string(s.Connection), Task: string(s.Task)}
	if s.Progress != nil {
		out.Progress = &Progress{Label: s.Progress.Label, AgentID: s.Progress.AgentID, StartTime: s.Progress.StartTime}
	}
	return out
}
