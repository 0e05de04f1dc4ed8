// Command kaiwa talks to the agent backend from a terminal.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kaiwa/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := logLevel()
	// Stdout carries the transcript; logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, os.Args[1:]); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// logLevel reads KAIWA_LOG_LEVEL or the config file's log_level. A config
// that does not load logs at info; the command reports the error itself.
func logLevel() slog.Level {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func run(ctx context.Context, logger *slog.Logger, args []string) error {
	root := newRootCmd(logger)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
