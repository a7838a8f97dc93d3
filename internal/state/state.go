// ABOUTME: Shared session-state record and store interface
// ABOUTME: One interface, two backends, so gateway and worker interoperate in any topology

package state

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when an update is addressed to a session id
// that has no state record. Updates never create records implicitly.
var ErrSessionNotFound = errors.New("session state not found")

// SessionState is the shared record for one session. The gateway owns the
// routing fields, the worker owns the activity fields; both go through the
// same store so either side observes the other's writes.
type SessionState struct {
	SessionID string `json:"session_id"`

	// Gateway-managed
	Priority       int              `json:"priority,omitempty"`
	AssignedWorker string           `json:"assigned_worker,omitempty"`
	Directives     []string         `json:"directives,omitempty"`
	Quotas         map[string]int64 `json:"quotas,omitempty"`
	ActivationMode string           `json:"activation_mode,omitempty"`
	Paired         bool             `json:"paired"`
	PairingCode    string           `json:"pairing_code,omitempty"`

	// Worker-managed
	MessageCount     int64     `json:"message_count"`
	LastTurnAt       time.Time `json:"last_turn_at,omitzero"`
	ActiveTools      []string  `json:"active_tools,omitempty"`
	PendingApprovals int       `json:"pending_approvals"`

	// Record bookkeeping. Version increases by exactly 1 on every
	// successful update.
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers can't mutate stored state.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	out := *s
	if s.Directives != nil {
		out.Directives = append([]string(nil), s.Directives...)
	}
	if s.ActiveTools != nil {
		out.ActiveTools = append([]string(nil), s.ActiveTools...)
	}
	if s.Quotas != nil {
		out.Quotas = make(map[string]int64, len(s.Quotas))
		for k, v := range s.Quotas {
			out.Quotas[k] = v
		}
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Patch carries a partial update. Nil fields are left untouched; map fields
// are merged key-wise, slice fields replace the stored value.
// MessageCountDelta is added to the stored count during the merge, so
// concurrent writers on different processes never lose increments; it is
// applied after an absolute MessageCount when both are set.
type Patch struct {
	Priority          *int
	AssignedWorker    *string
	Directives        []string
	Quotas            map[string]int64
	ActivationMode    *string
	Paired            *bool
	PairingCode       *string
	MessageCount      *int64
	MessageCountDelta int64
	LastTurnAt        *time.Time
	ActiveTools       []string
	PendingApprovals  *int
	Metadata          map[string]any
}

// apply merges p into s. Version bookkeeping is the store's job, not apply's.
func (s *SessionState) apply(p Patch) {
	if p.Priority != nil {
		s.Priority = *p.Priority
	}
	if p.AssignedWorker != nil {
		s.AssignedWorker = *p.AssignedWorker
	}
	if p.Directives != nil {
		s.Directives = append([]string(nil), p.Directives...)
	}
	if p.Quotas != nil {
		if s.Quotas == nil {
			s.Quotas = make(map[string]int64, len(p.Quotas))
		}
		for k, v := range p.Quotas {
			s.Quotas[k] = v
		}
	}
	if p.ActivationMode != nil {
		s.ActivationMode = *p.ActivationMode
	}
	if p.Paired != nil {
		s.Paired = *p.Paired
	}
	if p.PairingCode != nil {
		s.PairingCode = *p.PairingCode
	}
	if p.MessageCount != nil {
		s.MessageCount = *p.MessageCount
	}
	s.MessageCount += p.MessageCountDelta
	if p.LastTurnAt != nil {
		s.LastTurnAt = *p.LastTurnAt
	}
	if p.ActiveTools != nil {
		s.ActiveTools = append([]string(nil), p.ActiveTools...)
	}
	if p.PendingApprovals != nil {
		s.PendingApprovals = *p.PendingApprovals
	}
	if p.Metadata != nil {
		if s.Metadata == nil {
			s.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			s.Metadata[k] = v
		}
	}
}

// Update is delivered to subscribers after a state write.
type Update struct {
	State  *SessionState
	Source string // who wrote: "gateway", "worker", "sweeper", ...
}

// Store is the shared state store contract. Backend selection happens at
// construction time; callers never type-switch on the implementation.
type Store interface {
	// GetSession returns the state for id, or ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (*SessionState, error)

	// SetSession overwrites the full record. Used for initialization and
	// migration. Creates the record if absent. Only zero fields are
	// defaulted: a zero Version is stored as 1 and a zero UpdatedAt is
	// stamped with the current time; everything else round-trips exactly.
	SetSession(ctx context.Context, id string, st *SessionState) error

	// UpdateSession merges the patch into the existing record, bumps the
	// version by exactly 1, and notifies subscribers. Fails with
	// ErrSessionNotFound if the record does not exist.
	UpdateSession(ctx context.Context, id string, patch Patch, source string) (*SessionState, error)

	// DeleteSession removes the record, reporting whether it existed.
	DeleteSession(ctx context.Context, id string) (bool, error)

	// ListSessions returns all record ids.
	ListSessions(ctx context.Context) ([]string, error)

	// Subscribe registers cb for updates to one session id; SubscribeAll for
	// every session. Both return an unsubscribe function. For a given session
	// updates are delivered in write order.
	Subscribe(id string, cb func(Update)) (unsubscribe func())
	SubscribeAll(cb func(Update)) (unsubscribe func())

	// Close releases backend resources.
	Close() error
}
