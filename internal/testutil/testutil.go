// Package testutil provides shared test infrastructure: a quiet logger and an
// in-process fake of the agent backend.
//
// Usage:
//
//	func TestTurn(t *testing.T) {
//	    be := testutil.NewBackend(t)
//	    access, refresh := be.IssueTokens(testutil.DefaultUser)
//	    // point the client at be.URL()
//	}
package testutil

import (
	"log/slog"
	"os"
)

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
