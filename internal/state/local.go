// ABOUTME: In-process shared state backend for single-process deployments
// ABOUTME: Per-key locking makes read-merge-write atomic under concurrent callers

package state

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalStore keeps session state in a keyed in-memory map. Read-merge-write
// is serialized per session id so the "version increases by exactly 1"
// invariant holds under concurrent UpdateSession calls.
type LocalStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionState
	locks    map[string]*sync.Mutex // per-session write serialization

	subMu      sync.RWMutex
	subs       map[string]map[string]func(Update) // session id -> sub id -> cb
	globalSubs map[string]func(Update)

	logger *slog.Logger
}

// NewLocalStore creates an empty in-process store. Pass nil logger for default.
func NewLocalStore(logger *slog.Logger) *LocalStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalStore{
		sessions:   make(map[string]*SessionState),
		locks:      make(map[string]*sync.Mutex),
		subs:       make(map[string]map[string]func(Update)),
		globalSubs: make(map[string]func(Update)),
		logger:     logger.With("component", "state-local"),
	}
}

// sessionLock returns the mutex serializing writes for one session id.
func (s *LocalStore) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// GetSession returns a copy of the state for id, or ErrSessionNotFound.
func (s *LocalStore) GetSession(_ context.Context, id string) (*SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return st.Clone(), nil
}

// SetSession overwrites the full record, creating it if absent.
func (s *LocalStore) SetSession(_ context.Context, id string, st *SessionState) error {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	stored := st.Clone()
	stored.SessionID = id
	if stored.Version == 0 {
		stored.Version = 1
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.sessions[id] = stored
	s.mu.Unlock()

	s.notify(Update{State: stored.Clone(), Source: "set"})
	return nil
}

// UpdateSession merges the patch, bumps the version by exactly 1 and
// synchronously notifies session-scoped and global subscribers in write order.
func (s *LocalStore) UpdateSession(_ context.Context, id string, patch Patch, source string) (*SessionState, error) {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	current, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	next := current.Clone()
	next.apply(patch)
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()
	s.sessions[id] = next
	s.mu.Unlock()

	// Notify while still holding the per-session lock so subscribers observe
	// updates to one session in write order.
	s.notify(Update{State: next.Clone(), Source: source})

	s.logger.Debug("session state updated",
		"session_id", id,
		"version", next.Version,
		"source", source,
	)
	return next.Clone(), nil
}

// DeleteSession removes the record, reporting whether it existed.
func (s *LocalStore) DeleteSession(_ context.Context, id string) (bool, error) {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	return ok, nil
}

// ListSessions returns all record ids.
func (s *LocalStore) ListSessions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

// Subscribe registers cb for updates to one session id.
func (s *LocalStore) Subscribe(id string, cb func(Update)) func() {
	subID := uuid.New().String()

	s.subMu.Lock()
	if _, ok := s.subs[id]; !ok {
		s.subs[id] = make(map[string]func(Update))
	}
	s.subs[id][subID] = cb
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if m, ok := s.subs[id]; ok {
			delete(m, subID)
			if len(m) == 0 {
				delete(s.subs, id)
			}
		}
	}
}

// SubscribeAll registers cb for updates to every session.
func (s *LocalStore) SubscribeAll(cb func(Update)) func() {
	subID := uuid.New().String()

	s.subMu.Lock()
	s.globalSubs[subID] = cb
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.globalSubs, subID)
	}
}

// notify delivers an update to session-scoped subscribers first, then global
// ones. Callbacks run synchronously on the writer's goroutine.
func (s *LocalStore) notify(u Update) {
	s.subMu.RLock()
	var targets []func(Update)
	if m, ok := s.subs[u.State.SessionID]; ok {
		for _, cb := range m {
			targets = append(targets, cb)
		}
	}
	for _, cb := range s.globalSubs {
		targets = append(targets, cb)
	}
	s.subMu.RUnlock()

	for _, cb := range targets {
		cb(u)
	}
}

// Close clears all records and subscriptions.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	s.sessions = make(map[string]*SessionState)
	s.locks = make(map[string]*sync.Mutex)
	s.mu.Unlock()

	s.subMu.Lock()
	s.subs = make(map[string]map[string]func(Update))
	s.globalSubs = make(map[string]func(Update))
	s.subMu.Unlock()
	return nil
}

var _ Store = (*LocalStore)(nil)
