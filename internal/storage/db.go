// Package storage persists client state in a local sqlite database.
//
// The only state kept across runs is the credential of each profile, so
// logging in once lasts until the refresh token is rejected.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kaiwa/migrations"
)

// DB wraps a sqlite handle opened with the pure-Go driver.
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// embedded migrations. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("storage: create directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// A single writer avoids SQLITE_BUSY between pooled connections and keeps
	// ":memory:" databases from splitting per connection.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	db := &DB{conn: conn, logger: logger, now: time.Now}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Debug("storage: database ready", "path", path)
	return db, nil
}

// Close releases the database handle.
func (db *DB) Close() error {
	return db.conn.Close()
}
