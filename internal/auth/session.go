package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoSession indicates no token has been stored yet.
	ErrNoSession = errors.New("auth: no active session")
	// ErrSessionExpired indicates the stored token's expiry has passed.
	ErrSessionExpired = errors.New("auth: session expired")
	// ErrMalformedToken indicates the token could not be parsed.
	ErrMalformedToken = errors.New("auth: malformed token")
)

// SessionConfig configures the session holder.
type SessionConfig struct {
	Clock func() time.Time
	// ExpirySlack renews slightly before the real expiry so an in-flight
	// request does not race the deadline.
	ExpirySlack time.Duration
}

// Session holds the backend-issued JWT for the device. The agent is not the
// token's verifier; it only reads the registered expiry claim to know when a
// refresh is due. Signature verification stays on the server.
type Session struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	clock     func() time.Time
	slack     time.Duration
}

// NewSession constructs an empty session holder.
func NewSession(cfg SessionConfig) *Session {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	slack := cfg.ExpirySlack
	if slack < 0 {
		slack = 0
	}
	return &Session{clock: clock, slack: slack}
}

// SetToken stores a freshly issued token after reading its expiry claim.
func (s *Session) SetToken(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrMalformedToken)
	}
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, &claims); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	expiresAt := time.Time{}
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	s.mu.Lock()
	s.token = raw
	s.expiresAt = expiresAt
	s.mu.Unlock()
	return nil
}

// Clear drops the stored token.
func (s *Session) Clear() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

// Valid reports whether a token is present and not past its expiry.
func (s *Session) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validLocked()
}

func (s *Session) validLocked() bool {
	if s.token == "" {
		return false
	}
	if s.expiresAt.IsZero() {
		return true
	}
	return s.clock().Add(s.slack).Before(s.expiresAt)
}

// Authorization returns the Bearer header value for remote calls.
func (s *Session) Authorization() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrNoSession
	}
	if !s.validLocked() {
		return "", ErrSessionExpired
	}
	return "Bearer " + s.token, nil
}
