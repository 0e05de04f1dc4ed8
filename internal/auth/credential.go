// Package auth owns the client credential and keeps it valid across
// concurrent requests.
//
// A Coordinator serializes every authentication failure behind a single
// refresh call. Requests that fail while a refresh is in flight wait for its
// outcome instead of starting their own.
package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultExpiryMargin is subtracted from the server-declared lifetime so the
// client treats a token as expired slightly before the server does.
const DefaultExpiryMargin = 30 * time.Second

// Credential is the access/refresh token pair and its estimated expiry.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time

	// TokenExpiresAt is the exp claim of the access token, when it is a JWT.
	// Diagnostic only; ExpiresAt is authoritative.
	TokenExpiresAt time.Time
}

// NewCredential builds a Credential issued at now that lives expiresIn seconds,
// less DefaultExpiryMargin.
func NewCredential(access, refresh string, expiresIn int64, now time.Time) Credential {
	return NewCredentialWithMargin(access, refresh, expiresIn, now, DefaultExpiryMargin)
}

// NewCredentialWithMargin is NewCredential with an explicit safety margin.
func NewCredentialWithMargin(access, refresh string, expiresIn int64, now time.Time, margin time.Duration) Credential {
	c := Credential{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(time.Duration(expiresIn)*time.Second - margin),
	}
	if exp, ok := TokenExpiry(access); ok {
		c.TokenExpiresAt = exp
	}
	return c
}

// ExpiringSoon reports whether the credential has passed its estimated expiry.
func (c Credential) ExpiringSoon(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// The client cannot verify backend tokens; the claim is only informative.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// CredentialStore persists the current credential. Implementations must be
// safe for concurrent use and replace the whole credential atomically.
type CredentialStore interface {
	Get() (Credential, bool)
	Set(Credential) error
	Clear() error
}

// MemoryStore is a CredentialStore that lives for the life of the process.
type MemoryStore struct {
	mu   sync.RWMutex
	cred Credential
	ok   bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred, s.ok
}

func (s *MemoryStore) Set(c Credential) error {
	s.mu.Lock()
	s.cred, s.ok = c, true
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	s.cred, s.ok = Credential{}, false
	s.mu.Unlock()
	return nil
}

// AccessToken returns the stored access token, or "" when none is stored.
func AccessToken(s CredentialStore) string {
	if s == nil {
		return ""
	}
	c, ok := s.Get()
	if !ok {
		return ""
	}
	return c.AccessToken
}
