// ABOUTME: Store interface and data types for relay-gateway persistence
// ABOUTME: Defines the Session directory record and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when trying to create a session that already exists
var ErrDuplicateSession = errors.New("session already exists")

// Session represents one durable conversation identity in the session directory.
// The ID is a deterministic function of the (ChannelType, ChannelID, ChatID,
// UserID) tuple, so the same identity always resolves to the same session.
type Session struct {
	ID           string
	ChannelType  string
	ChannelID    string
	ChatID       string
	UserID       string
	UserName     string
	Paired       bool
	PairingCode  string // present only while unpaired
	CreatedAt    time.Time
	LastActivity time.Time
}

// Store defines the interface for session directory, audit and telemetry persistence
type Store interface {
	// Session directory
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]*Session, error)
	SetPairingCode(ctx context.Context, id, code string) error
	MarkPaired(ctx context.Context, id string) error
	TouchSession(ctx context.Context, id string, at time.Time) error
	DeleteSession(ctx context.Context, id string) error

	// Approval audit log (append-only)
	AppendApprovalEvent(ctx context.Context, event *ApprovalEvent) error
	ListApprovalEvents(ctx context.Context, filter ApprovalEventFilter) ([]ApprovalEvent, error)

	// Worker call telemetry
	SaveWorkerUsage(ctx context.Context, usage *WorkerUsage) error
	GetWorkerUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)

	// Close releases any resources held by the store
	Close() error
}
