package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/kaiwa/internal/model"
)

// Seeded account.
const (
	DefaultUser     = "alice"
	DefaultPassword = "correct-horse"
)

const tokenIssuer = "kaiwa-test"

// Claims are carried by the access tokens the backend issues.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// ChatRequest is the body of a stream request.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	// Agent is "react-plus" or "react", from the endpoint.
	Agent string `json:"-"`
}

// Frame is one SSE frame written by a stream script.
type Frame struct {
	// Channel is the SSE event name. Empty writes no event line, which the
	// client reads as the default channel.
	Channel string
	Payload any
	// Raw, when set, is written as the data line instead of Payload.
	Raw string
}

// Script produces the frames of one turn.
type Script func(req ChatRequest) []Frame

// HistoryMessage is a stored message as the history endpoint returns it.
type HistoryMessage struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	StartTime time.Time       `json:"startTime"`
	EndTime   *time.Time      `json:"endTime,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type account struct {
	user     model.User
	password string
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithAccessTTL sets the lifetime reported for issued access tokens.
func WithAccessTTL(d time.Duration) BackendOption {
	return func(b *Backend) { b.accessTTL = d }
}

// WithScript replaces the default turn script.
func WithScript(s Script) BackendOption {
	return func(b *Backend) { b.script = s }
}

// Backend is a fake of the agent backend: auth endpoints issuing EdDSA JWTs,
// the two stream endpoints and the session history endpoint. Every response
// uses the {code, message, data, timestamp} envelope.
type Backend struct {
	server     *httptest.Server
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	accessTTL  time.Duration

	mu          sync.Mutex
	users       map[string]*account // externalId -> account
	live        map[string]bool     // jti of accepted access tokens
	refresh     map[string]string   // refresh token -> userId
	script      Script
	history     map[string][]HistoryMessage
	chats       []ChatRequest
	failRefresh bool
	holdRefresh chan struct{}

	refreshCalls atomic.Int32
	rejected     atomic.Int32
}

// NewBackend starts a backend seeded with DefaultUser. It is closed when the
// test ends.
func NewBackend(t testing.TB, opts ...BackendOption) *Backend {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("testutil: generate key pair: %v", err)
	}
	b := &Backend{
		privateKey: priv,
		publicKey:  pub,
		accessTTL:  time.Hour,
		users:      make(map[string]*account),
		live:       make(map[string]bool),
		refresh:    make(map[string]string),
		script:     DefaultScript,
		history:    make(map[string][]HistoryMessage),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.addUser(DefaultUser, DefaultPassword, "Alice")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", b.handleLogin)
	mux.HandleFunc("POST /api/auth/register", b.handleRegister)
	mux.HandleFunc("POST /api/auth/refresh", b.handleRefresh)
	mux.HandleFunc("POST /api/auth/logout", b.handleLogout)
	mux.HandleFunc("GET /api/auth/me", b.authenticated(b.handleMe))
	mux.HandleFunc("POST /api/agent/chat/react-plus/stream", b.authenticated(b.handleStream("react-plus")))
	mux.HandleFunc("POST /api/agent/chat/react/stream", b.authenticated(b.handleStream("react")))
	mux.HandleFunc("GET /api/agent/chat/react-plus/{id}/messages", b.authenticated(b.handleHistory))

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

// URL returns the API root, e.g. "http://127.0.0.1:1234/api".
func (b *Backend) URL() string { return b.server.URL + "/api" }

// Client returns an HTTP client for the backend.
func (b *Backend) Client() *http.Client { return b.server.Client() }

// IssueTokens signs a fresh token pair for an existing user.
func (b *Backend) IssueTokens(externalID string) (access, refresh string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.users[externalID]
	if !ok {
		panic(fmt.Sprintf("testutil: unknown user %q", externalID))
	}
	access, refresh, err := b.issueLocked(acct.user.UserID)
	if err != nil {
		panic(err)
	}
	return access, refresh
}

// ExpireAccessTokens makes every access token issued so far fail with 401.
// Refresh tokens stay valid.
func (b *Backend) ExpireAccessTokens() {
	b.mu.Lock()
	clear(b.live)
	b.mu.Unlock()
}

// RevokeRefreshTokens makes every refresh token issued so far invalid.
func (b *Backend) RevokeRefreshTokens() {
	b.mu.Lock()
	clear(b.refresh)
	b.mu.Unlock()
}

// FailRefresh makes the refresh endpoint reject every request.
func (b *Backend) FailRefresh(fail bool) {
	b.mu.Lock()
	b.failRefresh = fail
	b.mu.Unlock()
}

// HoldRefresh blocks refresh requests until the returned function is called.
func (b *Backend) HoldRefresh() (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.holdRefresh = ch
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.holdRefresh = nil
			b.mu.Unlock()
			close(ch)
		})
	}
}

// SetScript replaces the turn script.
func (b *Backend) SetScript(s Script) {
	b.mu.Lock()
	b.script = s
	b.mu.Unlock()
}

// SetHistory stores the messages returned for a session.
func (b *Backend) SetHistory(sessionID string, msgs []HistoryMessage) {
	b.mu.Lock()
	b.history[sessionID] = msgs
	b.mu.Unlock()
}

// RefreshCalls returns how many refresh requests the backend received.
func (b *Backend) RefreshCalls() int { return int(b.refreshCalls.Load()) }

// Rejected returns how many requests failed authentication.
func (b *Backend) Rejected() int { return int(b.rejected.Load()) }

// Chats returns the stream requests received so far.
func (b *Backend) Chats() []ChatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ChatRequest(nil), b.chats...)
}

func (b *Backend) addUser(externalID, password, nickname string) model.User {
	u := model.User{UserID: uuid.NewString(), ExternalID: externalID, Nickname: nickname}
	b.mu.Lock()
	b.users[externalID] = &account{user: u, password: password}
	b.mu.Unlock()
	return u
}

func (b *Backend) issueLocked(userID string) (string, string, error) {
	now := time.Now().UTC()
	jti := uuid.NewString()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenIssuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(b.accessTTL)),
			ID:        jti,
		},
		UserID: userID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(b.privateKey)
	if err != nil {
		return "", "", fmt.Errorf("testutil: sign token: %w", err)
	}
	refresh := "rt-" + uuid.NewString()
	b.live[jti] = true
	b.refresh[refresh] = userID
	return signed, refresh, nil
}

func (b *Backend) validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return b.publicKey, nil
		},
		jwt.WithAudience(tokenIssuer),
		jwt.WithIssuer(tokenIssuer),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	b.mu.Lock()
	live := b.live[claims.ID]
	b.mu.Unlock()
	if !live {
		return nil, errors.New("token expired")
	}
	return claims, nil
}

func (b *Backend) authenticated(next func(http.ResponseWriter, *http.Request, *Claims)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			b.rejected.Add(1)
			writeResult(w, http.StatusUnauthorized, "missing bearer token", nil)
			return
		}
		claims, err := b.validate(raw)
		if err != nil {
			b.rejected.Add(1)
			writeResult(w, http.StatusUnauthorized, err.Error(), nil)
			return
		}
		next(w, r, claims)
	}
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExternalID string `json:"externalId"`
		Password   string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResult(w, http.StatusBadRequest, "malformed body", nil)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.users[req.ExternalID]
	if !ok || acct.password != req.Password {
		writeResult(w, http.StatusUnauthorized, "invalid credentials", nil)
		return
	}
	access, refresh, err := b.issueLocked(acct.user.UserID)
	if err != nil {
		writeResult(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	writeResult(w, http.StatusOK, "success", map[string]any{
		"accessToken":  access,
		"refreshToken": refresh,
		"expiresIn":    int64(b.accessTTL / time.Second),
		"user":         acct.user,
	})
}

func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExternalID string `json:"externalId"`
		Password   string `json:"password"`
		Nickname   string `json:"nickname"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExternalID == "" || req.Password == "" {
		writeResult(w, http.StatusBadRequest, "externalId and password are required", nil)
		return
	}
	b.mu.Lock()
	_, exists := b.users[req.ExternalID]
	b.mu.Unlock()
	if exists {
		writeResult(w, http.StatusConflict, "user already exists", nil)
		return
	}
	u := b.addUser(req.ExternalID, req.Password, req.Nickname)
	writeResult(w, http.StatusOK, "success", map[string]string{
		"userId":     u.UserID,
		"externalId": u.ExternalID,
	})
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.refreshCalls.Add(1)
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResult(w, http.StatusBadRequest, "malformed body", nil)
		return
	}

	b.mu.Lock()
	hold := b.holdRefresh
	b.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	userID, ok := b.refresh[req.RefreshToken]
	if b.failRefresh || !ok {
		writeResult(w, http.StatusUnauthorized, "refresh token invalid", nil)
		return
	}
	delete(b.refresh, req.RefreshToken)
	access, refresh, err := b.issueLocked(userID)
	if err != nil {
		writeResult(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	writeResult(w, http.StatusOK, "success", map[string]any{
		"accessToken":  access,
		"refreshToken": refresh,
		"expiresIn":    int64(b.accessTTL / time.Second),
	})
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	if raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		if claims, err := b.validate(raw); err == nil {
			b.mu.Lock()
			delete(b.live, claims.ID)
			for rt, uid := range b.refresh {
				if uid == claims.UserID {
					delete(b.refresh, rt)
				}
			}
			b.mu.Unlock()
		}
	}
	writeResult(w, http.StatusOK, "success", nil)
}

func (b *Backend) handleMe(w http.ResponseWriter, _ *http.Request, claims *Claims) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, acct := range b.users {
		if acct.user.UserID == claims.UserID {
			writeResult(w, http.StatusOK, "success", acct.user)
			return
		}
	}
	writeResult(w, http.StatusNotFound, "user not found", nil)
}

func (b *Backend) handleHistory(w http.ResponseWriter, r *http.Request, _ *Claims) {
	b.mu.Lock()
	msgs, ok := b.history[r.PathValue("id")]
	b.mu.Unlock()
	if !ok {
		writeResult(w, http.StatusNotFound, "session not found", nil)
		return
	}
	writeResult(w, http.StatusOK, "success", msgs)
}

func (b *Backend) handleStream(agent string) func(http.ResponseWriter, *http.Request, *Claims) {
	return func(w http.ResponseWriter, r *http.Request, _ *Claims) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeResult(w, http.StatusBadRequest, "malformed body", nil)
			return
		}
		req.Agent = agent
		b.mu.Lock()
		b.chats = append(b.chats, req)
		script := b.script
		b.mu.Unlock()

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeResult(w, http.StatusInternalServerError, "streaming not supported", nil)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for _, f := range script(req) {
			if r.Context().Err() != nil {
				return
			}
			data := f.Raw
			if data == "" {
				payload, err := json.Marshal(f.Payload)
				if err != nil {
					return
				}
				data = string(payload)
			}
			if _, err := w.Write(formatSSE(f.Channel, data)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func formatSSE(eventType, data string) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	if eventType == "" {
		return []byte("data: " + data + "\n\n")
	}
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}

func writeResult(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":      status,
		"message":   message,
		"data":      data,
		"timestamp": time.Now().UnixMilli(),
	})
}

// Step builds a frame on the event's own named channel.
func Step(typ model.EventType, sessionID, messageID, message string, data any) Frame {
	payload := map[string]any{
		"type":      string(typ),
		"sessionId": sessionID,
		"agentId":   "react-plus",
		"messageId": messageID,
		"message":   message,
		"startTime": time.Now().UnixMilli(),
	}
	if data != nil {
		payload["data"] = data
	}
	return Frame{Channel: string(typ), Payload: payload}
}

// DefaultScript runs a short planned turn. A request without a session id is
// assigned a new one, announced by STARTED.
func DefaultScript(req ChatRequest) []Frame {
	sid := req.SessionID
	if sid == "" {
		sid = "sess-" + uuid.NewString()
	}
	return []Frame{
		Step(model.EventStarted, sid, "", "Working on: "+req.Message, nil),
		Step(model.EventTaskAnalysis, sid, "analysis-1", "Two phases are needed.", nil),
		Step(model.EventInitPlan, sid, "", "", map[string]any{
			"plan": map[string]any{
				"goal": req.Message,
				"phases": []map[string]any{
					{"id": "p1", "title": "Research", "status": "RUNNING"},
					{"id": "p2", "title": "Answer"},
				},
				"currentPhaseId": "p1",
			},
		}),
		Step(model.EventThinking, sid, "think-1", "Looking ", nil),
		Step(model.EventThinking, sid, "think-1", "things up.", nil),
		Step(model.EventTool, sid, "tool-1", "search(query)", nil),
		Step(model.EventProgress, sid, "", "Drafting answer", nil),
		Step(model.EventAdvancePlan, sid, "", "", map[string]any{"fromPhaseId": "p1", "toPhaseId": "p2"}),
		Step(model.EventThought, sid, "answer-1", "Here is ", nil),
		Step(model.EventThought, sid, "answer-1", "the answer.", nil),
		Step(model.EventCompleted, sid, "", "done", nil),
	}
}
