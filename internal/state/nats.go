// ABOUTME: Distributed shared state backend on NATS JetStream KV
// ABOUTME: CAS on the KV revision keeps concurrent writers from losing updates

package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// casRetries bounds the read-merge-write retry loop. Contention on one
// session is already serialized by the router, so collisions are rare.
const casRetries = 16

// NATSStore implements Store on a JetStream key-value bucket. Every write is
// published on a per-session subject; each process holding this backend
// re-delivers incoming published states to its local subscriber registry, so
// subscribers in any process observe writes from every process.
type NATSStore struct {
	nc     *nats.Conn
	kv     nats.KeyValue
	sub    *nats.Subscription
	prefix string
	logger *slog.Logger

	subMu      sync.RWMutex
	subs       map[string]map[string]func(Update)
	globalSubs map[string]func(Update)
}

// NATSOptions configures the distributed backend.
type NATSOptions struct {
	URL    string
	Bucket string
	Prefix string // subject prefix for state publications
	Logger *slog.Logger
}

// stateEnvelope is the wire form published after each write.
type stateEnvelope struct {
	State  *SessionState `json:"state"`
	Source string        `json:"source"`
}

// NewNATSStore connects to NATS, binds (or creates) the KV bucket, and
// subscribes to the state subject space so remote writes reach local
// subscribers.
func NewNATSStore(opts NATSOptions) (*NATSStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(opts.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", opts.URL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("opening JetStream context: %w", err)
	}

	kv, err := js.KeyValue(opts.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: opts.Bucket})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("binding KV bucket %s: %w", opts.Bucket, err)
	}

	s := &NATSStore{
		nc:         nc,
		kv:         kv,
		prefix:     opts.Prefix,
		logger:     logger.With("component", "state-nats"),
		subs:       make(map[string]map[string]func(Update)),
		globalSubs: make(map[string]func(Update)),
	}

	sub, err := nc.Subscribe(s.stateSubject(">"), s.handleStateMessage)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribing to state subjects: %w", err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so writes from other processes are routed immediately.
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}
	s.sub = sub

	return s, nil
}

// stateSubject returns the publication subject for a session id.
func (s *NATSStore) stateSubject(id string) string {
	return s.prefix + ".state." + id
}

// handleStateMessage fans an incoming published state out to local subscribers.
func (s *NATSStore) handleStateMessage(msg *nats.Msg) {
	var env stateEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.State == nil {
		s.logger.Warn("dropping malformed state publication", "subject", msg.Subject)
		return
	}
	s.deliver(Update{State: env.State, Source: env.Source})
}

// deliver invokes session-scoped subscribers first, then global ones.
// Runs on the NATS callback goroutine, which preserves per-subject order.
func (s *NATSStore) deliver(u Update) {
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

// publish broadcasts the new state on the session's subject.
func (s *NATSStore) publish(st *SessionState, source string) {
	data, err := json.Marshal(stateEnvelope{State: st, Source: source})
	if err != nil {
		s.logger.Error("marshaling state publication", "error", err)
		return
	}
	if err := s.nc.Publish(s.stateSubject(st.SessionID), data); err != nil {
		s.logger.Error("publishing state update", "session_id", st.SessionID, "error", err)
	}
}

// GetSession returns the state for id, or ErrSessionNotFound.
func (s *NATSStore) GetSession(_ context.Context, id string) (*SessionState, error) {
	entry, err := s.kv.Get(id)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session state: %w", err)
	}

	var st SessionState
	if err := json.Unmarshal(entry.Value(), &st); err != nil {
		return nil, fmt.Errorf("decoding session state: %w", err)
	}
	return &st, nil
}

// SetSession overwrites the full record, creating it if absent.
func (s *NATSStore) SetSession(_ context.Context, id string, st *SessionState) error {
	stored := st.Clone()
	stored.SessionID = id
	if stored.Version == 0 {
		stored.Version = 1
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encoding session state: %w", err)
	}
	if _, err := s.kv.Put(id, data); err != nil {
		return fmt.Errorf("writing session state: %w", err)
	}

	s.publish(stored, "set")
	return nil
}

// UpdateSession performs an atomic read-merge-version-write using the KV
// revision as a compare-and-swap token, then publishes the new state.
func (s *NATSStore) UpdateSession(_ context.Context, id string, patch Patch, source string) (*SessionState, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		entry, err := s.kv.Get(id)
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrSessionNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("reading session state: %w", err)
		}

		var current SessionState
		if err := json.Unmarshal(entry.Value(), &current); err != nil {
			return nil, fmt.Errorf("decoding session state: %w", err)
		}

		next := current.Clone()
		next.apply(patch)
		next.Version = current.Version + 1
		next.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encoding session state: %w", err)
		}

		_, err = s.kv.Update(id, data, entry.Revision())
		if err == nil {
			s.publish(next, source)
			s.logger.Debug("session state updated",
				"session_id", id,
				"version", next.Version,
				"source", source,
			)
			return next, nil
		}
		if isRevisionConflict(err) {
			// Another writer won the race; reread and retry.
			continue
		}
		return nil, fmt.Errorf("writing session state: %w", err)
	}
	return nil, fmt.Errorf("updating session %s: CAS retries exhausted", id)
}

// isRevisionConflict reports whether a KV update failed because the expected
// revision no longer matches.
func isRevisionConflict(err error) bool {
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

// DeleteSession removes the record, reporting whether it existed.
func (s *NATSStore) DeleteSession(_ context.Context, id string) (bool, error) {
	_, err := s.kv.Get(id)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading session state: %w", err)
	}
	if err := s.kv.Purge(id); err != nil {
		return false, fmt.Errorf("deleting session state: %w", err)
	}
	return true, nil
}

// ListSessions returns all record ids in the bucket.
func (s *NATSStore) ListSessions(_ context.Context) ([]string, error) {
	keys, err := s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing session state keys: %w", err)
	}
	return keys, nil
}

// Subscribe registers cb for updates to one session id. Delivery happens via
// the NATS loopback so local and remote writes take the same path.
func (s *NATSStore) Subscribe(id string, cb func(Update)) func() {
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
func (s *NATSStore) SubscribeAll(cb func(Update)) func() {
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

// Close unsubscribes and drops the connection.
func (s *NATSStore) Close() error {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.nc.Close()
	return nil
}

var _ Store = (*NATSStore)(nil)
