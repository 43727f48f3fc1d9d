// Package memory provides the in-memory storage backend. All flow state in
// this gateway is ephemeral; a restart invalidates outstanding sessions,
// codes, and refresh tokens, which is acceptable for the deployment model.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sokosumi/mcp-gateway/internal/storage"
)

// DefaultCleanupInterval is how often the background sweeper runs.
const DefaultCleanupInterval = 5 * time.Minute

// sweepEvery is how many writes may happen between opportunistic sweeps.
const sweepEvery = 64

// Store is a concurrency-safe in-memory implementation of storage.Store.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*storage.Session
	delegations map[string]*storage.Delegation
	codes       map[string]*storage.AuthorizationCode
	refresh     map[string]*storage.RefreshToken

	writes int

	logger      *slog.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once

	now func() time.Time
}

// Compile-time interface checks.
var (
	_ storage.SessionStore    = (*Store)(nil)
	_ storage.DelegationStore = (*Store)(nil)
	_ storage.CodeStore       = (*Store)(nil)
	_ storage.RefreshStore    = (*Store)(nil)
	_ storage.Store           = (*Store)(nil)
)

// New creates a memory store with the default cleanup interval.
func New(logger *slog.Logger) *Store {
	return NewWithInterval(logger, DefaultCleanupInterval)
}

// NewWithInterval creates a memory store whose background sweeper runs at
// the given interval. An interval of zero disables the background sweeper;
// expired records are still removed lazily on access and opportunistically
// on writes.
func NewWithInterval(logger *slog.Logger, cleanupInterval time.Duration) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		sessions:    make(map[string]*storage.Session),
		delegations: make(map[string]*storage.Delegation),
		codes:       make(map[string]*storage.AuthorizationCode),
		refresh:     make(map[string]*storage.RefreshToken),
		logger:      logger,
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}

	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}

	return s
}

// SetTimeFunc overrides the clock. Tests use this to cross TTL boundaries
// without sleeping.
func (s *Store) SetTimeFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutSession stores a session under its ID.
func (s *Store) PutSession(_ context.Context, sess *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	s.maybeSweepLocked()
	return nil
}

// GetSession returns the session without consuming it.
func (s *Store) GetSession(_ context.Context, id string) (*storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if s.expired(sess.ExpiresAt) {
		delete(s.sessions, id)
		return nil, storage.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

// PopSession atomically returns and deletes the session.
func (s *Store) PopSession(_ context.Context, id string) (*storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.sessions, id)
	if s.expired(sess.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return sess, nil
}

// PutDelegation stores upstream flow state under its server state.
func (s *Store) PutDelegation(_ context.Context, d *storage.Delegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.delegations[d.State] = &cp
	s.maybeSweepLocked()
	return nil
}

// PopDelegation atomically returns and deletes the delegation.
func (s *Store) PopDelegation(_ context.Context, state string) (*storage.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.delegations[state]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.delegations, state)
	if s.expired(d.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return d, nil
}

// PutCode stores an authorization code.
func (s *Store) PutCode(_ context.Context, c *storage.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.codes[c.Code] = &cp
	s.maybeSweepLocked()
	return nil
}

// PopCode atomically returns and deletes the code.
func (s *Store) PopCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.codes, code)
	if s.expired(c.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return c, nil
}

// PutRefreshToken stores a refresh token.
func (s *Store) PutRefreshToken(_ context.Context, t *storage.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.refresh[t.Token] = &cp
	s.maybeSweepLocked()
	return nil
}

// PopRefreshToken atomically returns and deletes the token.
func (s *Store) PopRefreshToken(_ context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.refresh[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.refresh, token)
	if s.expired(t.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

// Sweep removes all expired records.
func (s *Store) Sweep(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	return nil
}

// Close stops the background sweeper.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

// Counts returns the number of live records per store, for observability
// gauges.
func (s *Store) Counts() (sessions, delegations, codes, refresh int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), len(s.delegations), len(s.codes), len(s.refresh)
}

func (s *Store) expired(at time.Time) bool {
	return !at.IsZero() && s.now().After(at)
}

// maybeSweepLocked runs a full sweep every sweepEvery writes so expired
// records cannot pile up between background sweeps. Must hold the write lock.
func (s *Store) maybeSweepLocked() {
	s.writes++
	if s.writes%sweepEvery != 0 {
		return
	}
	s.sweepLocked()
}

func (s *Store) sweepLocked() {
	removed := 0
	for id, sess := range s.sessions {
		if s.expired(sess.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	for state, d := range s.delegations {
		if s.expired(d.ExpiresAt) {
			delete(s.delegations, state)
			removed++
		}
	}
	for code, c := range s.codes {
		if s.expired(c.ExpiresAt) {
			delete(s.codes, code)
			removed++
		}
	}
	for token, t := range s.refresh {
		if s.expired(t.ExpiresAt) {
			delete(s.refresh, token)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("Swept expired flow state", "removed", removed)
	}
}

func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.sweepLocked()
			s.mu.Unlock()
		case <-s.stopCleanup:
			return
		}
	}
}
