// ABOUTME: Background sweep that expires pending approvals past their TTL
// ABOUTME: Expired entries are treated as rejections and leave an audit trail

package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/relay-gateway/internal/store"
)

// AuditSink receives the audit record for each expired approval.
type AuditSink interface {
	AppendApprovalEvent(ctx context.Context, event *store.ApprovalEvent) error
}

// Sweeper periodically clears pending approvals older than the TTL. An
// expired approval counts as a rejection: the entry is removed and an
// approval_timeout event is written, so a later decision for it is refused
// the same way as any other stale decision.
type Sweeper struct {
	tracker  *Tracker
	audit    AuditSink
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper; it does nothing until Run is called.
func NewSweeper(tracker *Tracker, audit AuditSink, ttl, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		tracker:  tracker,
		audit:    audit,
		ttl:      ttl,
		interval: interval,
		logger:   logger.With("component", "approval-sweeper"),
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("approval sweeper started", "ttl", s.ttl, "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("approval sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce expires every pending approval past the TTL and returns how many
// it cleared. Clear is atomic, so racing a live decision is safe: only one
// side wins.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	sessionIDs, err := s.tracker.ActiveSessions(ctx)
	if err != nil {
		s.logger.Error("listing pending approvals failed", "error", err)
		return 0
	}

	cutoff := time.Now().Add(-s.ttl)
	expired := 0
	for _, sessionID := range sessionIDs {
		entry, err := s.tracker.Get(ctx, sessionID)
		if err != nil {
			s.logger.Error("reading pending approval failed", "session_id", sessionID, "error", err)
			continue
		}
		if entry == nil || entry.CreatedAt.After(cutoff) {
			continue
		}

		// Clear only the interrupt observed above: if a decision resolved it
		// and a chained interrupt replaced it in the meantime, the fresh
		// entry must survive the sweep.
		entry, removed, err := s.tracker.Clear(ctx, sessionID, entry.Interrupt.InterruptID)
		if err != nil {
			s.logger.Error("expiring pending approval failed", "session_id", sessionID, "error", err)
			continue
		}
		if !removed {
			// A decision landed between Get and Clear.
			continue
		}

		expired++
		s.logger.Info("pending approval expired",
			"session_id", sessionID,
			"interrupt_id", entry.Interrupt.InterruptID,
			"age", time.Since(entry.CreatedAt).Round(time.Second),
		)

		event := &store.ApprovalEvent{
			Type:      store.ApprovalTimeout,
			SessionID: sessionID,
			UserID:    entry.UserID,
			Actions:   actionsSnapshot(entry),
		}
		if err := s.audit.AppendApprovalEvent(ctx, event); err != nil {
			s.logger.Error("writing timeout audit event failed", "session_id", sessionID, "error", err)
		}
	}
	return expired
}

// actionsSnapshot converts the entry's pending actions for the audit record.
func actionsSnapshot(entry *Entry) []store.ApprovalAction {
	if entry.Interrupt == nil {
		return nil
	}
	actions := make([]store.ApprovalAction, 0, len(entry.Interrupt.PendingActions))
	for _, a := range entry.Interrupt.PendingActions {
		actions = append(actions, store.ApprovalAction{
			ToolName:    a.ToolName,
			Args:        a.Args,
			Description: a.Description,
		})
	}
	return actions
}
