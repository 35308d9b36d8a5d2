package auth

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/collabdocs/collabsync/internal/store"
)

// Credential is the persisted token triple for the current session. The
// access token is a compact JWT whose payload carries the expiry instant.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
}

func (c Credential) Empty() bool {
	return strings.TrimSpace(c.AccessToken) == ""
}

// Store holds the single process-wide credential. It is pure storage: no
// expiry logic lives here. An optional backend persists the triple across
// restarts; with a nil backend the store is memory-only.
type Store struct {
	mu      sync.Mutex
	backend store.Backend
	cred    Credential
	loaded  bool
}

func NewStore(backend store.Backend) *Store {
	return &Store{backend: backend}
}

func (s *Store) Set(cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
	s.loaded = true
	return s.persistLocked()
}

func (s *Store) Get() Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	return s.cred
}

func (s *Store) AccessToken() string {
	return s.Get().AccessToken
}

func (s *Store) RefreshToken() string {
	return s.Get().RefreshToken
}

// SetAccessToken replaces only the access token, keeping the refresh token
// and user id. Used after a refresh rotates the short-lived token.
func (s *Store) SetAccessToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	s.cred.AccessToken = token
	return s.persistLocked()
}

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = Credential{}
	s.loaded = true
	return s.persistLocked()
}

func (s *Store) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true
	if s.backend == nil {
		return
	}
	data, err := s.backend.Load()
	if err != nil || len(data) == 0 {
		return
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return
	}
	s.cred = cred
}

func (s *Store) persistLocked() error {
	if s.backend == nil {
		return nil
	}
	data, err := json.Marshal(s.cred)
	if err != nil {
		return err
	}
	return s.backend.Save(data)
}
