package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaiwa/internal/auth"
	"github.com/ashita-ai/kaiwa/internal/storage"
	"github.com/ashita-ai/kaiwa/internal/testutil"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "kaiwa.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCredentialRoundTrip(t *testing.T) {
	db := openTestDB(t)
	store := db.Credentials("")

	_, ok := store.Get()
	assert.False(t, ok)
	_, err := store.Load(context.Background())
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	exp := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	want := auth.Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: exp, TokenExpiresAt: exp.Add(30 * time.Second)}
	require.NoError(t, store.Set(want))

	got, ok := store.Get()
	require.True(t, ok)
	assert.Equal(t, want, got)

	// Set replaces the row.
	want.AccessToken = "a2"
	want.TokenExpiresAt = time.Time{}
	require.NoError(t, store.Set(want))
	got, ok = store.Get()
	require.True(t, ok)
	assert.Equal(t, "a2", got.AccessToken)
	assert.True(t, got.TokenExpiresAt.IsZero())

	require.NoError(t, store.Clear())
	_, ok = store.Get()
	assert.False(t, ok)
	require.NoError(t, store.Clear(), "clearing twice is harmless")
}

func TestProfilesAreIsolated(t *testing.T) {
	db := openTestDB(t)
	work := db.Credentials("work")
	home := db.Credentials("home")

	require.NoError(t, work.Set(auth.Credential{AccessToken: "w", ExpiresAt: time.Now()}))
	_, ok := home.Get()
	assert.False(t, ok)

	require.NoError(t, home.Set(auth.Credential{AccessToken: "h", ExpiresAt: time.Now()}))
	require.NoError(t, work.Clear())
	c, ok := home.Get()
	require.True(t, ok)
	assert.Equal(t, "h", c.AccessToken)
}

func TestCredentialsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "kaiwa.db")
	ctx := context.Background()

	db, err := storage.Open(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	require.NoError(t, db.Credentials("p").Set(auth.Credential{AccessToken: "persisted", RefreshToken: "r", ExpiresAt: time.Now()}))
	require.NoError(t, db.Close())

	// Reopening re-runs migrations, which must be idempotent.
	db, err = storage.Open(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	c, ok := db.Credentials("p").Get()
	require.True(t, ok)
	assert.Equal(t, "persisted", c.AccessToken)
}

func TestWithRetryStopsOnNonRetriableError(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
