package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidTimeout(t *testing.T) {
	t.Setenv("KAIWA_CONNECT_TIMEOUT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid KAIWA_CONNECT_TIMEOUT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !contains(got, "KAIWA_CONNECT_TIMEOUT") || !contains(got, "abc") {
		t.Fatalf("error should mention KAIWA_CONNECT_TIMEOUT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("KAIWA_CONNECT_TIMEOUT", "abc")
	t.Setenv("KAIWA_OTEL_INSECURE", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !contains(got, "KAIWA_CONNECT_TIMEOUT") {
		t.Fatalf("error should mention KAIWA_CONNECT_TIMEOUT, got: %s", got)
	}
	if !contains(got, "KAIWA_OTEL_INSECURE") {
		t.Fatalf("error should mention KAIWA_OTEL_INSECURE, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.BaseURL != "http://localhost:8080/api" {
		t.Fatalf("unexpected default base URL %q", cfg.BaseURL)
	}
	if cfg.RequestTimeout != 25*time.Minute {
		t.Fatalf("expected default request timeout 25m, got %s", cfg.RequestTimeout)
	}
	if cfg.ConnectTimeout != 30*time.Second || cfg.RefreshMargin != 30*time.Second {
		t.Fatalf("unexpected default timeouts: connect=%s margin=%s", cfg.ConnectTimeout, cfg.RefreshMargin)
	}
	if cfg.Profile != "default" || cfg.ServiceName != "kaiwa" {
		t.Fatalf("unexpected defaults: profile=%q service=%q", cfg.Profile, cfg.ServiceName)
	}
}

func TestLoadRejectsRelativeBaseURL(t *testing.T) {
	t.Setenv("KAIWA_BASE_URL", "/api")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to reject a relative base URL")
	}
}

func TestLoadAppliesConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kaiwa.toml")
	body := `base_url = "https://agent.example.com/api"
connect_timeout = "5s"
profile = "work"
history_concurrency = 8

[telemetry]
endpoint = "otel:4318"
insecure = true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KAIWA_CONFIG", path)
	t.Setenv("KAIWA_PROFILE", "env-profile")
	t.Setenv("KAIWA_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BaseURL != "https://agent.example.com/api" {
		t.Fatalf("file should override base URL, got %q", cfg.BaseURL)
	}
	if cfg.ConnectTimeout != 5*time.Second {
		t.Fatalf("expected 5s connect timeout, got %s", cfg.ConnectTimeout)
	}
	if cfg.Profile != "work" {
		t.Fatalf("file should override the environment profile, got %q", cfg.Profile)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("keys absent from the file keep the environment value, got %q", cfg.LogLevel)
	}
	if cfg.HistoryConcurrency != 8 || cfg.OTELEndpoint != "otel:4318" || !cfg.OTELInsecure {
		t.Fatalf("unexpected file values: %+v", cfg)
	}
}

func TestLoadRejectsBadFileDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kaiwa.toml")
	if err := os.WriteFile(path, []byte(`refresh_margin = "soon"`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KAIWA_CONFIG", path)
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail on an invalid file duration")
	}
	if got := err.Error(); !contains(got, `refresh_margin="soon" is not a valid duration`) {
		t.Fatalf("unexpected error: %s", got)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchSubstring(s, substr)
}

func searchSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
