package auth

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

var (
	ErrUnknownToken = errors.New("unknown token")
)

// Store tracks which tokens are valid and how often each has been used.
// It is shared by all sessions; every read-check-mutate-persist sequence
// runs under one mutex so concurrent sessions cannot lose updates to the
// persisted record.
type Store struct {
	path   string
	secret []byte

	mu     sync.Mutex
	tokens map[string]int
}

// NewStore loads the token database from path. A missing or corrupt
// database is replaced with an empty one; startup never fails on it.
func NewStore(path string, secret []byte) *Store {
	s := &Store{path: path, secret: secret, tokens: make(map[string]int)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("using fresh token database", "path", path)
		} else {
			slog.Warn("token database unreadable, starting with a new one", "path", path, "error", err)
		}
		return s
	}
	if err := json.Unmarshal(data, &s.tokens); err != nil {
		slog.Warn("token database is corrupted, starting with a new one", "path", path, "error", err)
		s.tokens = make(map[string]int)
	}
	return s
}

// IsValid reports whether the credential is acceptable. A token is valid
// if it has been seen before, or if it matches the digest derived from
// the credential's team id, in which case it is recorded with a usage
// count of zero.
func (s *Store) IsValid(c Credential) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[c.Token]; ok {
		return true
	}
	expected := DeriveToken(s.secret, c.TeamID)
	if hmac.Equal([]byte(expected), []byte(c.Token)) {
		s.tokens[c.Token] = 0
		return true
	}
	return false
}

// UsageCount returns how many attempts the credential has consumed. The
// token must already be known, either from the database or from a prior
// IsValid derivation.
func (s *Store) UsageCount(c Credential) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.tokens[c.Token]
	if !ok {
		return 0, ErrUnknownToken
	}
	return n, nil
}

// RecordUse consumes one attempt and persists the whole record before
// returning. Credentials with the unlimited team id are never counted.
func (s *Store) RecordUse(c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[c.Token]; !ok {
		return ErrUnknownToken
	}
	if c.TeamID == UnlimitedTeamID {
		return nil
	}
	s.tokens[c.Token]++
	if err := s.persistLocked(); err != nil {
		return fmt.Errorf("persist token database: %w", err)
	}
	return nil
}

// persistLocked rewrites the database file wholesale. Callers must hold mu.
func (s *Store) persistLocked() error {
	data, err := json.Marshal(s.tokens)
	if err != nil {
		return fmt.Errorf("encode token database: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write token database: %w", err)
	}
	return nil
}
