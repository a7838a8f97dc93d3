// ABOUTME: Pending-approval tracker holding at most one outstanding interrupt per session
// ABOUTME: Keyed on the shared state store so scaled router instances see one set

package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/relay-gateway/internal/state"
	"github.com/2389/relay-gateway/internal/worker"
)

// keyPrefix namespaces tracker records inside the shared state store.
// Dot-separated so the keys are valid in the NATS KV backend too.
const keyPrefix = "approval."

// Entry is one outstanding interrupt awaiting a human decision. ChainDepth
// counts how many interrupts in a row this session has produced without a
// completed turn; the router refuses chains past its configured cap.
type Entry struct {
	SessionID  string            `json:"session_id"`
	UserID     string            `json:"user_id,omitempty"`
	Interrupt  *worker.Interrupt `json:"interrupt"`
	ChainDepth int               `json:"chain_depth"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Tracker stores pending approvals as records in the shared state store, one
// per session. Because records are keyed by session id, "at most one pending
// approval per session" holds by construction: a new interrupt overwrites,
// and Clear removes atomically.
type Tracker struct {
	states state.Store
	logger *slog.Logger
}

// NewTracker creates a Tracker over the given state store.
func NewTracker(states state.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		states: states,
		logger: logger.With("component", "approval-tracker"),
	}
}

func trackerKey(sessionID string) string {
	return keyPrefix + sessionID
}

// Get returns the pending entry for a session, or nil if there is none.
func (t *Tracker) Get(ctx context.Context, sessionID string) (*Entry, error) {
	st, err := t.states.GetSession(ctx, trackerKey(sessionID))
	if errors.Is(err, state.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading pending approval: %w", err)
	}
	return decodeEntry(st)
}

// Set records the interrupt as the session's pending approval, replacing any
// previous one (a chained interrupt supersedes its predecessor).
func (t *Tracker) Set(ctx context.Context, entry *Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding pending approval: %w", err)
	}

	record := &state.SessionState{
		SessionID: trackerKey(entry.SessionID),
		Metadata:  map[string]any{"pending": string(data)},
	}
	if err := t.states.SetSession(ctx, record.SessionID, record); err != nil {
		return fmt.Errorf("storing pending approval: %w", err)
	}

	t.logger.Debug("pending approval set",
		"session_id", entry.SessionID,
		"interrupt_id", entry.Interrupt.InterruptID,
		"actions", len(entry.Interrupt.PendingActions),
	)
	return nil
}

// Clear atomically removes the session's pending approval. The bool reports
// whether this caller removed it: when a decision and the TTL sweep race,
// exactly one of them observes true and the other is a no-op.
//
// A non-empty expectedInterruptID makes the clear conditional: the entry is
// re-read immediately before the delete and left alone unless it still holds
// that interrupt. Callers that observed an entry earlier must pass its
// interrupt id, so a superseding entry written in the meantime survives.
// Empty expectedInterruptID clears whatever is pending.
func (t *Tracker) Clear(ctx context.Context, sessionID, expectedInterruptID string) (*Entry, bool, error) {
	entry, err := t.Get(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return nil, false, nil
	}
	if expectedInterruptID != "" &&
		(entry.Interrupt == nil || entry.Interrupt.InterruptID != expectedInterruptID) {
		return nil, false, nil
	}

	removed, err := t.states.DeleteSession(ctx, trackerKey(sessionID))
	if err != nil {
		return nil, false, fmt.Errorf("clearing pending approval: %w", err)
	}
	if !removed {
		return nil, false, nil
	}

	t.logger.Debug("pending approval cleared", "session_id", sessionID)
	return entry, true, nil
}

// ActiveSessions returns the session ids with an outstanding approval.
func (t *Tracker) ActiveSessions(ctx context.Context) ([]string, error) {
	keys, err := t.states.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pending approvals: %w", err)
	}

	var ids []string
	for _, key := range keys {
		if strings.HasPrefix(key, keyPrefix) {
			ids = append(ids, strings.TrimPrefix(key, keyPrefix))
		}
	}
	return ids, nil
}

// decodeEntry extracts the Entry payload from a tracker record.
func decodeEntry(st *state.SessionState) (*Entry, error) {
	raw, ok := st.Metadata["pending"].(string)
	if !ok {
		return nil, fmt.Errorf("tracker record %s has no pending payload", st.SessionID)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decoding pending approval: %w", err)
	}
	return &entry, nil
}
