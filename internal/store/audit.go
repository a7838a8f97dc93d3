// ABOUTME: Append-only audit log for approval-lifecycle transitions
// ABOUTME: Each record is self-contained and carries the pending actions it covers

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ApprovalEventType identifies an approval-lifecycle transition.
type ApprovalEventType string

const (
	ApprovalRequested ApprovalEventType = "approval_requested"
	ApprovalGranted   ApprovalEventType = "approval_granted"
	ApprovalDenied    ApprovalEventType = "approval_denied"
	ApprovalTimeout   ApprovalEventType = "approval_timeout"
)

// ApprovalAction is a snapshot of one pending action at decision time.
// Copied into the event so the log can be read without foreign-key lookups.
type ApprovalAction struct {
	ToolName    string         `json:"tool_name"`
	Args        map[string]any `json:"args,omitempty"`
	Description string         `json:"description,omitempty"`
}

// ApprovalEvent is one append-only audit record. Never mutated after insert.
type ApprovalEvent struct {
	ID        string
	Type      ApprovalEventType
	SessionID string
	UserID    string // optional
	Decision  string // optional: "approve" or "reject"
	Actions   []ApprovalAction
	Timestamp time.Time
}

// ApprovalEventFilter specifies filtering options for listing audit entries.
type ApprovalEventFilter struct {
	SessionID string
	Type      ApprovalEventType
	Since     *time.Time
	Limit     int // default 100, max 1000
}

// AppendApprovalEvent appends a new entry to the approval audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendApprovalEvent(ctx context.Context, event *ApprovalEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var actionsJSON *string
	if len(event.Actions) > 0 {
		data, err := json.Marshal(event.Actions)
		if err != nil {
			return fmt.Errorf("marshaling approval actions: %w", err)
		}
		str := string(data)
		actionsJSON = &str
	}

	query := `
		INSERT INTO approval_events (event_id, event_type, session_id, user_id, decision, actions_json, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		string(event.Type),
		event.SessionID,
		nullString(event.UserID),
		nullString(event.Decision),
		actionsJSON,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting approval event: %w", err)
	}

	s.logger.Debug("appended approval event",
		"id", event.ID,
		"type", event.Type,
		"session_id", event.SessionID,
		"actions", len(event.Actions),
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// ListApprovalEvents returns audit entries matching the filter, newest first.
func (s *SQLiteStore) ListApprovalEvents(ctx context.Context, f ApprovalEventFilter) ([]ApprovalEvent, error) {
	query := `
		SELECT event_id, event_type, session_id, user_id, decision, actions_json, ts
		FROM approval_events
		WHERE 1=1
	`
	args := []any{}

	if f.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		query += " AND event_type = ?"
		args = append(args, string(f.Type))
	}
	if f.Since != nil {
		query += " AND ts >= ?"
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, normalizeAuditLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying approval events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []ApprovalEvent
	for rows.Next() {
		event, err := scanApprovalEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating approval events: %w", err)
	}

	if events == nil {
		events = []ApprovalEvent{}
	}
	return events, nil
}

// scanApprovalEvent scans a row into an ApprovalEvent.
func scanApprovalEvent(scanner interface{ Scan(dest ...any) error }) (ApprovalEvent, error) {
	var event ApprovalEvent
	var typeStr, tsStr string
	var userID, decision, actionsJSON *string

	if err := scanner.Scan(
		&event.ID,
		&typeStr,
		&event.SessionID,
		&userID,
		&decision,
		&actionsJSON,
		&tsStr,
	); err != nil {
		return event, fmt.Errorf("scanning approval event: %w", err)
	}

	event.Type = ApprovalEventType(typeStr)
	if userID != nil {
		event.UserID = *userID
	}
	if decision != nil {
		event.Decision = *decision
	}

	var err error
	event.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return event, fmt.Errorf("parsing timestamp: %w", err)
	}

	if actionsJSON != nil {
		if err := json.Unmarshal([]byte(*actionsJSON), &event.Actions); err != nil {
			return event, fmt.Errorf("unmarshaling actions: %w", err)
		}
	}
	return event, nil
}
