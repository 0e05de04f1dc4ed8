package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaiwa/internal/testutil"
)

func setup(t *testing.T) *testutil.Backend {
	t.Helper()
	b := testutil.NewBackend(t)
	t.Setenv("KAIWA_BASE_URL", b.URL())
	t.Setenv("KAIWA_CREDENTIALS_PATH", filepath.Join(t.TempDir(), "credentials.db"))
	t.Setenv("KAIWA_PASSWORD", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	return b
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(testutil.TestLogger())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoginWhoamiLogout(t *testing.T) {
	setup(t)

	out, err := execute(t, testutil.DefaultPassword+"\n", "login", testutil.DefaultUser)
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as")

	out, err = execute(t, "", "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, testutil.DefaultUser)

	out, err = execute(t, "", "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged out")

	_, err = execute(t, "", "whoami")
	require.Error(t, err)
}

func TestLoginWrongPassword(t *testing.T) {
	setup(t)
	_, err := execute(t, "", "login", testutil.DefaultUser, "--password", "nope")
	require.Error(t, err)

	_, err = execute(t, "", "login", testutil.DefaultUser)
	require.ErrorContains(t, err, "password is required")
}

func TestRegisterThenLogin(t *testing.T) {
	setup(t)
	out, err := execute(t, "", "register", "bob", "-p", "hunter22", "--nickname", "Bob")
	require.NoError(t, err)
	assert.Contains(t, out, "Registered bob")

	t.Setenv("KAIWA_PASSWORD", "hunter22")
	out, err = execute(t, "", "login", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as Bob")
}

func TestChatPrintsTranscriptAndPlan(t *testing.T) {
	b := setup(t)
	_, err := execute(t, "", "login", testutil.DefaultUser, "-p", testutil.DefaultPassword)
	require.NoError(t, err)

	out, err := execute(t, "", "chat", "plan", "a", "trip")
	require.NoError(t, err)
	assert.Contains(t, out, "[THINKING] react-plus: Looking things up.")
	assert.Contains(t, out, "[ASSISTANT] react-plus: Here is the answer.")
	assert.Contains(t, out, "plan: plan a trip (EXECUTING)")
	assert.Contains(t, out, "> 2. RUNNING")
	assert.Contains(t, out, "session: sess-")

	chats := b.Chats()
	require.Len(t, chats, 1)
	assert.Equal(t, "plan a trip", chats[0].Message)

	_, err = execute(t, "", "chat", "--react", "--session", "sess-1", "again")
	require.NoError(t, err)
	chats = b.Chats()
	require.Len(t, chats, 2)
	assert.Equal(t, "react", chats[1].Agent)
	assert.Equal(t, "sess-1", chats[1].SessionID)
}

func TestChatRequiresLogin(t *testing.T) {
	b := setup(t)
	_, err := execute(t, "", "chat", "hello")
	require.ErrorContains(t, err, "not logged in")
	assert.Empty(t, b.Chats())
}

func TestHistory(t *testing.T) {
	b := setup(t)
	b.SetHistory("s1", []testutil.HistoryMessage{{ID: "m1", Type: "USER", Message: "hello"}})
	b.SetHistory("s2", []testutil.HistoryMessage{{ID: "m2", Type: "THOUGHT", Message: "hi"}})
	_, err := execute(t, "", "login", testutil.DefaultUser, "-p", testutil.DefaultPassword)
	require.NoError(t, err)

	out, err := execute(t, "", "history", "s1", "s2")
	require.NoError(t, err)
	assert.Contains(t, out, "== s1 ==\n[USER] User: hello")
	assert.Contains(t, out, "== s2 ==\n[THOUGHT] Agent: hi")
	assert.Less(t, strings.Index(out, "== s1 =="), strings.Index(out, "== s2 =="))
}

func TestLogLevelFollowsConfig(t *testing.T) {
	t.Setenv("KAIWA_CONFIG", "")
	t.Setenv("KAIWA_LOG_LEVEL", "")
	assert.Equal(t, slog.LevelInfo, logLevel())

	t.Setenv("KAIWA_LOG_LEVEL", "debug")
	assert.Equal(t, slog.LevelDebug, logLevel())

	path := filepath.Join(t.TempDir(), "kaiwa.toml")
	require.NoError(t, os.WriteFile(path, []byte("log_level = \"error\"\n"), 0o600))
	t.Setenv("KAIWA_CONFIG", path)
	assert.Equal(t, slog.LevelError, logLevel())
}
