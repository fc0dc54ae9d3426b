package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	size              = 32
	defaultLongevity  = 24 * time.Hour
	minCleanupPeriod  = time.Minute
	maxCleanupPeriods = 2
)

var (
	ErrExpirationTooShort = errors.New("expiration time is in the past or is too short")
	ErrTokenNotFound      = errors.New("token not found or expired")
)

// Claims holds the identity the token was issued for.
type Claims struct {
	UserID        string `json:"user_id"`
	InstitutionID string `json:"institution_id"`
	Role          string `json:"role"`
}

// Token holds information about unique token.
// Token is a way of proving to the REST API that the request comes from the authenticated user.
type Token struct {
	Token          string `json:"token"`
	Valid          bool   `json:"valid"`
	ExpirationDate int64  `json:"expiration_date"`
	Claims         Claims `json:"-"`
}

// New creates new token expiring at the given unix micro timestamp.
func New(expiration int64, claims Claims) (Token, error) {
	if time.UnixMicro(expiration).Before(time.Now()) {
		return Token{}, ErrExpirationTooShort
	}

	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return Token{}, fmt.Errorf("failed to generate token: %w", err)
	}

	return Token{
		Token:          base64.RawURLEncoding.EncodeToString(b),
		Valid:          true,
		ExpirationDate: expiration,
		Claims:         claims,
	}, nil
}

// Config holds configuration for Sessions.
type Config struct {
	Longevity time.Duration `yaml:"longevity"` // Token longevity, defaults to 24h.
}

// Sessions is an in-memory store of issued tokens.
type Sessions struct {
	mux       sync.RWMutex
	tokens    map[string]Token
	longevity time.Duration
}

// NewSessions creates new Sessions and runs the cleaner until the context is done.
func NewSessions(ctx context.Context, cfg Config) *Sessions {
	if cfg.Longevity <= 0 {
		cfg.Longevity = defaultLongevity
	}
	s := &Sessions{
		tokens:    make(map[string]Token),
		longevity: cfg.Longevity,
	}

	period := cfg.Longevity / maxCleanupPeriods
	if period < minCleanupPeriod {
		period = minCleanupPeriod
	}
	go func(ctx context.Context, t time.Duration, s *Sessions) {
		ticker := time.NewTicker(t)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.clean()
			}
		}
	}(ctx, period, s)

	return s
}

// Issue creates and stores a new token for the claims.
func (s *Sessions) Issue(claims Claims) (Token, error) {
	t, err := New(time.Now().Add(s.longevity).UnixMicro(), claims)
	if err != nil {
		return Token{}, err
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	s.tokens[t.Token] = t

	return t, nil
}

// Validate returns claims of the valid and not expired token.
func (s *Sessions) Validate(token string) (Claims, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	t, ok := s.tokens[token]
	if !ok || !t.Valid || t.ExpirationDate < time.Now().UnixMicro() {
		return Claims{}, ErrTokenNotFound
	}
	return t.Claims, nil
}

// Revoke invalidates the token.
func (s *Sessions) Revoke(token string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	delete(s.tokens, token)
}

// RevokeUser invalidates all tokens issued for the user.
func (s *Sessions) RevokeUser(userID string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	for k, t := range s.tokens {
		if t.Claims.UserID == userID {
			delete(s.tokens, k)
		}
	}
}

func (s *Sessions) clean() {
	s.mux.Lock()
	defer s.mux.Unlock()
	now := time.Now().UnixMicro()
	for k, t := range s.tokens {
		if t.ExpirationDate < now {
			delete(s.tokens, k)
		}
	}
}
