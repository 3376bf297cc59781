package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/natefinch/atomic"
)

// Session holds the authenticated session for the remote API. It is an
// explicit object handed to the client at construction, not ambient
// state; the token is cached in a state file so a restart does not force
// a re-login.
type Session struct {
	mu    sync.Mutex
	path  string
	token string
}

type sessionState struct {
	Token string `json:"token"`
}

// LoadSession reads the session state file at path, if present. A missing
// file yields an empty (unauthenticated) session.
func LoadSession(path string) (*Session, error) {
	s := &Session{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read session state: %w", err)
	}
	var state sessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse session state: %w", err)
	}
	s.token = state.Token
	return s, nil
}

// SetToken replaces the session token and persists it atomically.
func (s *Session) SetToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(sessionState{Token: token})
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	return nil
}

func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Expired reports whether the token is missing or is a JWT whose exp
// claim has passed. The claim is read without signature verification:
// only the server can truly validate the token; this just avoids issuing
// calls that are guaranteed to 401. Opaque (non-JWT) tokens are assumed
// live.
func (s *Session) Expired(now time.Time) bool {
	token := s.Token()
	if token == "" {
		return true
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}
