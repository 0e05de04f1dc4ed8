package apiclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kaiwa/internal/apiclient"
	"github.com/ashita-ai/kaiwa/internal/auth"
	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/testutil"
)

type fixture struct {
	backend *testutil.Backend
	store   *auth.MemoryStore
	authAPI *apiclient.AuthAPI
	coord   *auth.Coordinator
	client  *apiclient.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	be := testutil.NewBackend(t)
	store := auth.NewMemoryStore()
	logger := testutil.TestLogger()

	authAPI, err := apiclient.NewAuthAPI(apiclient.AuthConfig{
		BaseURL:    be.URL(),
		HTTPClient: be.Client(),
		Store:      store,
		Logger:     logger,
	})
	require.NoError(t, err)
	coord, err := auth.NewCoordinator(auth.CoordinatorConfig{Store: store, Refresher: authAPI, Logger: logger})
	require.NoError(t, err)
	client, err := apiclient.NewClient(apiclient.Config{
		BaseURL:     be.URL(),
		HTTPClient:  be.Client(),
		Credentials: store,
		Auth:        coord,
		Logger:      logger,
	})
	require.NoError(t, err)
	return &fixture{backend: be, store: store, authAPI: authAPI, coord: coord, client: client}
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	_, err := f.authAPI.Login(context.Background(), testutil.DefaultUser, testutil.DefaultPassword)
	require.NoError(t, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClientValidatesBaseURL(t *testing.T) {
	for _, base := range []string{"", "/api", "ftp://host/api", "http://"} {
		_, err := apiclient.NewClient(apiclient.Config{BaseURL: base})
		assert.Error(t, err, "base %q", base)
	}
	_, err := apiclient.NewAuthAPI(apiclient.AuthConfig{BaseURL: "http://localhost/api"})
	assert.Error(t, err, "store is required")
}

func TestLoginStoresCredential(t *testing.T) {
	f := newFixture(t)
	before := time.Now()
	user, err := f.authAPI.Login(context.Background(), testutil.DefaultUser, testutil.DefaultPassword)
	require.NoError(t, err)
	assert.Equal(t, testutil.DefaultUser, user.ExternalID)
	assert.NotEmpty(t, user.UserID)

	cred, ok := f.store.Get()
	require.True(t, ok)
	assert.NotEmpty(t, cred.AccessToken)
	assert.NotEmpty(t, cred.RefreshToken)
	assert.WithinDuration(t, before.Add(time.Hour-auth.DefaultExpiryMargin), cred.ExpiresAt, 5*time.Second)

	exp, ok := auth.TokenExpiry(cred.AccessToken)
	require.True(t, ok)
	assert.WithinDuration(t, before.Add(time.Hour), exp, 5*time.Second)
}

func TestLoginRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.authAPI.Login(context.Background(), testutil.DefaultUser, "wrong")
	require.Error(t, err)
	assert.True(t, apiclient.IsUnauthorized(err))
	_, ok := f.store.Get()
	assert.False(t, ok)
	assert.Zero(t, f.backend.RefreshCalls(), "auth endpoints never trigger a refresh")
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	reg, err := f.authAPI.Register(context.Background(), apiclient.RegisterRequest{ExternalID: "bob", Password: "pw", Nickname: "Bob"})
	require.NoError(t, err)
	assert.Equal(t, "bob", reg.ExternalID)
	assert.NotEmpty(t, reg.UserID)

	_, err = f.authAPI.Register(context.Background(), apiclient.RegisterRequest{ExternalID: "bob", Password: "pw"})
	assert.True(t, apiclient.IsConflict(err))

	user, err := f.authAPI.Login(context.Background(), "bob", "pw")
	require.NoError(t, err)
	assert.Equal(t, reg.UserID, user.UserID)
}

func TestCurrentUserCarriesBearer(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	user, err := f.client.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testutil.DefaultUser, user.ExternalID)
	assert.Zero(t, f.backend.Rejected())
}

func TestExpiredTokenIsRefreshedAndReplayed(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	old, _ := f.store.Get()
	f.backend.ExpireAccessTokens()

	user, err := f.client.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testutil.DefaultUser, user.ExternalID)
	assert.Equal(t, 1, f.backend.RefreshCalls())
	assert.Equal(t, 1, f.backend.Rejected())

	cur, ok := f.store.Get()
	require.True(t, ok)
	assert.NotEqual(t, old.AccessToken, cur.AccessToken)
	assert.NotEqual(t, old.RefreshToken, cur.RefreshToken, "backend rotates refresh tokens")
}

func TestConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.backend.ExpireAccessTokens()
	release := f.backend.HoldRefresh()
	defer release()

	const n = 8
	users := make([]model.User, n)
	g, ctx := errgroup.WithContext(context.Background())
	for i := range n {
		g.Go(func() error {
			u, err := f.client.CurrentUser(ctx)
			users[i] = u
			return err
		})
	}

	require.Eventually(t, func() bool {
		return f.backend.RefreshCalls() == 1 && f.coord.Waiting() == n-1
	}, 5*time.Second, 5*time.Millisecond)
	release()

	require.NoError(t, g.Wait())
	assert.Equal(t, 1, f.backend.RefreshCalls())
	assert.Equal(t, n, f.backend.Rejected())
	for i, u := range users {
		assert.Equal(t, testutil.DefaultUser, u.ExternalID, "caller %d", i)
	}
}

func TestRefreshFailureClearsCredentials(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.backend.ExpireAccessTokens()
	f.backend.FailRefresh(true)

	_, err := f.client.CurrentUser(context.Background())
	require.Error(t, err)
	assert.True(t, apiclient.IsUnauthorized(err))
	_, ok := f.store.Get()
	assert.False(t, ok, "credentials are cleared after a failed refresh")
	assert.Equal(t, 1, f.backend.RefreshCalls())
}

func TestSecondUnauthorizedIsReturned(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": 401, "message": "token expired"})
	}))
	defer srv.Close()

	store := auth.NewMemoryStore()
	require.NoError(t, store.Set(auth.Credential{AccessToken: "a", RefreshToken: "r"}))
	var refreshes atomic.Int32
	coord, err := auth.NewCoordinator(auth.CoordinatorConfig{
		Store: store,
		Refresher: auth.RefresherFunc(func(context.Context, string) (auth.Grant, error) {
			refreshes.Add(1)
			return auth.Grant{AccessToken: "b", RefreshToken: "r2", ExpiresIn: 60}, nil
		}),
	})
	require.NoError(t, err)
	client, err := apiclient.NewClient(apiclient.Config{BaseURL: srv.URL, Credentials: store, Auth: coord})
	require.NoError(t, err)

	err = client.Get(context.Background(), "/things", nil)
	var apiErr *apiclient.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "token expired", apiErr.Message)
	assert.Equal(t, int32(2), hits.Load(), "replayed exactly once")
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestAuthPathsCarryNoBearer(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, map[string]any{
			"code": 200, "message": "success",
			"data": map[string]any{"accessToken": "new", "refreshToken": "r", "expiresIn": 60},
		})
	}))
	defer srv.Close()

	store := auth.NewMemoryStore()
	require.NoError(t, store.Set(auth.Credential{AccessToken: "stale"}))
	a, err := apiclient.NewAuthAPI(apiclient.AuthConfig{BaseURL: srv.URL, Store: store})
	require.NoError(t, err)

	_, err = a.Login(context.Background(), "u", "p")
	require.NoError(t, err)
	assert.Empty(t, <-got)

	_, err = a.Refresh(context.Background(), "r")
	require.NoError(t, err)
	assert.Empty(t, <-got)
}

func TestLogicalFailureInSuccessfulResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"code": 500, "message": "agent busy", "data": nil})
	}))
	defer srv.Close()

	client, err := apiclient.NewClient(apiclient.Config{BaseURL: srv.URL})
	require.NoError(t, err)
	err = client.Post(context.Background(), "/x", map[string]string{"a": "b"}, nil)
	var apiErr *apiclient.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusOK, apiErr.StatusCode)
	assert.Equal(t, 500, apiErr.Code)
	assert.Contains(t, apiErr.Error(), "agent busy")
}

func TestPlainTextErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, err := apiclient.NewClient(apiclient.Config{BaseURL: srv.URL})
	require.NoError(t, err)
	err = client.Delete(context.Background(), "/x", nil)
	assert.True(t, apiclient.IsRateLimited(err))
	assert.False(t, apiclient.IsNotFound(err))
	assert.Contains(t, err.Error(), "slow down")
}

func TestSessionMessages(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Minute)
	f.backend.SetHistory("s1", []testutil.HistoryMessage{
		{ID: "u1", Type: "USER", Message: "hello", StartTime: start},
		{ID: "a1", Type: "THOUGHT", Message: "hi there", StartTime: start, EndTime: &end},
	})

	msgs, err := f.client.SessionMessages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.MessageUser, msgs[0].Type)
	assert.Equal(t, model.UserSender, msgs[0].Sender)
	assert.Equal(t, "s1", msgs[0].SessionID)
	assert.Equal(t, model.DefaultSender, msgs[1].Sender)
	require.NotNil(t, msgs[1].EndTime)
	assert.True(t, end.Equal(*msgs[1].EndTime))

	_, err = f.client.SessionMessages(context.Background(), "missing")
	assert.True(t, apiclient.IsNotFound(err))
	_, err = f.client.SessionMessages(context.Background(), "")
	assert.Error(t, err)
}

func TestLogoutAlwaysClears(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	require.NoError(t, f.authAPI.Logout(context.Background()))
	_, ok := f.store.Get()
	assert.False(t, ok)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()
	store := auth.NewMemoryStore()
	require.NoError(t, store.Set(auth.Credential{AccessToken: "a"}))
	a, err := apiclient.NewAuthAPI(apiclient.AuthConfig{BaseURL: srv.URL, Store: store})
	require.NoError(t, err)
	require.NoError(t, a.Logout(context.Background()))
	_, ok = store.Get()
	assert.False(t, ok)
}
