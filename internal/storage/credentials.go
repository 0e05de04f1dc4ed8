package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/kaiwa/internal/auth"
)

const (
	// DefaultProfile is used when no profile name is configured.
	DefaultProfile = "default"

	opTimeout  = 5 * time.Second
	maxRetries = 3
	retryDelay = 20 * time.Millisecond
)

// CredentialStore is an auth.CredentialStore backed by one row per profile.
type CredentialStore struct {
	db      *DB
	profile string
}

var _ auth.CredentialStore = (*CredentialStore)(nil)

// Credentials returns the credential store for profile.
func (db *DB) Credentials(profile string) *CredentialStore {
	if profile == "" {
		profile = DefaultProfile
	}
	return &CredentialStore{db: db, profile: profile}
}

// Load returns the stored credential, or ErrNotFound.
func (s *CredentialStore) Load(ctx context.Context) (auth.Credential, error) {
	var (
		c                       auth.Credential
		expiresAt, tokenExpires int64
	)
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, token_expires_at
		 FROM credentials WHERE profile = ?`, s.profile,
	).Scan(&c.AccessToken, &c.RefreshToken, &expiresAt, &tokenExpires)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Credential{}, ErrNotFound
	}
	if err != nil {
		return auth.Credential{}, fmt.Errorf("storage: load credential: %w", err)
	}
	c.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if tokenExpires > 0 {
		c.TokenExpiresAt = time.UnixMilli(tokenExpires).UTC()
	}
	return c, nil
}

// Save replaces the stored credential.
func (s *CredentialStore) Save(ctx context.Context, c auth.Credential) error {
	var tokenExpires int64
	if !c.TokenExpiresAt.IsZero() {
		tokenExpires = c.TokenExpiresAt.UnixMilli()
	}
	err := WithRetry(ctx, maxRetries, retryDelay, func() error {
		_, err := s.db.conn.ExecContext(ctx, `
			INSERT INTO credentials (profile, access_token, refresh_token, expires_at, token_expires_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (profile) DO UPDATE SET
				access_token = excluded.access_token,
				refresh_token = excluded.refresh_token,
				expires_at = excluded.expires_at,
				token_expires_at = excluded.token_expires_at,
				updated_at = excluded.updated_at`,
			s.profile, c.AccessToken, c.RefreshToken, c.ExpiresAt.UnixMilli(), tokenExpires, s.db.now().UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: save credential: %w", err)
	}
	return nil
}

// Delete removes the stored credential. Deleting a missing row is not an error.
func (s *CredentialStore) Delete(ctx context.Context) error {
	err := WithRetry(ctx, maxRetries, retryDelay, func() error {
		_, err := s.db.conn.ExecContext(ctx, `DELETE FROM credentials WHERE profile = ?`, s.profile)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: delete credential: %w", err)
	}
	return nil
}

func (s *CredentialStore) Get() (auth.Credential, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	c, err := s.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.db.logger.Warn("storage: read credential", "profile", s.profile, "error", err)
		}
		return auth.Credential{}, false
	}
	return c, true
}

func (s *CredentialStore) Set(c auth.Credential) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return s.Save(ctx, c)
}

func (s *CredentialStore) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return s.Delete(ctx)
}
