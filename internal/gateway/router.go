// ABOUTME: Per-message state machine composing admission, approvals, and the worker
// ABOUTME: Serializes handling per session so tracker and state writes never race

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/admission"
	"github.com/2389/relay-gateway/internal/approval"
	"github.com/2389/relay-gateway/internal/state"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/worker"
)

const (
	dedupeTTL     = 5 * time.Minute
	dedupeMaxSize = 4096
)

// WorkerCaller is the slice of the worker client the router needs.
type WorkerCaller interface {
	Turn(ctx context.Context, sessionID, text string, metadata map[string]any) (*worker.TurnResult, error)
	Resume(ctx context.Context, sessionID string, decisions []worker.Decision) (*worker.TurnResult, error)
}

// AuditLog receives one append per approval-lifecycle transition.
type AuditLog interface {
	AppendApprovalEvent(ctx context.Context, event *store.ApprovalEvent) error
}

// Router turns one inbound channel message into one response. Per message it
// runs: admission check, pending-approval decision handling, worker call,
// interrupt tracking, audit emission. Messages for different sessions run in
// parallel; messages for the same session are serialized.
type Router struct {
	gate     *admission.Gate
	tracker  *approval.Tracker
	worker   WorkerCaller
	audit    AuditLog
	states   state.Store
	dedupe   *dedupeCache
	maxChain int
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRouter wires the router. maxChain caps back-to-back interrupts for one
// session; past it the router fails closed instead of re-prompting forever.
func NewRouter(gate *admission.Gate, tracker *approval.Tracker, wc WorkerCaller, audit AuditLog, states state.Store, maxChain int, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		gate:     gate,
		tracker:  tracker,
		worker:   wc,
		audit:    audit,
		states:   states,
		dedupe:   newDedupeCache(dedupeTTL, dedupeMaxSize),
		maxChain: maxChain,
		logger:   logger.With("component", "router"),
	}
}

// Close releases the router's background resources.
func (r *Router) Close() {
	r.dedupe.close()
}

// sessionLock returns the mutex serializing one session's message handling.
func (r *Router) sessionLock(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks == nil {
		r.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := r.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[sessionID] = lock
	}
	return lock
}

// HandleMessage is the channel adapters' entry point. Worker failures come
// back as error-flagged responses, not as returned errors; the error return
// is reserved for gateway-internal failures (store unavailable and the like).
// A nil, nil return means the message was a duplicate delivery and should be
// dropped without replying.
func (r *Router) HandleMessage(ctx context.Context, msg *ChannelMessage) (*ChannelResponse, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return errorResponse("", "Message text is required."), nil
	}

	if key := dedupeKey(msg); r.dedupe.checkAndMark(key) {
		r.logger.Debug("duplicate message dropped", "channel_type", msg.ChannelType, "chat_id", msg.ChatID)
		return nil, nil
	}

	session, err := r.gate.ResolveSession(ctx, admission.Identity{
		ChannelType: msg.ChannelType,
		ChannelID:   msg.ChannelID,
		ChatID:      msg.ChatID,
		UserID:      msg.UserID,
		UserName:    msg.UserName,
	})
	if err != nil {
		return nil, fmt.Errorf("resolving session: %w", err)
	}

	if !session.Paired {
		return r.pairingResponse(ctx, session)
	}

	lock := r.sessionLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := r.ensureStateRecord(ctx, session); err != nil {
		return nil, err
	}

	pending, err := r.tracker.Get(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("checking pending approval: %w", err)
	}
	if pending != nil {
		return r.handleDecision(ctx, session, pending, msg)
	}

	result, err := r.worker.Turn(ctx, session.ID, msg.Text, turnMetadata(msg))
	if err != nil {
		return r.workerErrorResponse(session.ID, err), nil
	}
	return r.handleWorkerResult(ctx, session, msg.UserID, result, 0)
}

// pairingResponse issues (or re-issues) the session's pairing code. The
// worker is never contacted for unpaired sessions.
func (r *Router) pairingResponse(ctx context.Context, session *store.Session) (*ChannelResponse, error) {
	code, err := r.gate.GeneratePairingCode(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("issuing pairing code: %w", err)
	}

	resp := &ChannelResponse{
		Text: fmt.Sprintf("This conversation is not yet authorized. Ask an operator to approve pairing code %s.", code),
	}
	m := resp.meta()
	m[MetaSessionID] = session.ID
	m[MetaPairingRequired] = true
	m[MetaPairingCode] = code
	return resp, nil
}

// handleDecision runs the AWAITING_APPROVAL arm: classify the text, and
// either re-prompt or clear the tracker and resume the worker.
func (r *Router) handleDecision(ctx context.Context, session *store.Session, pending *approval.Entry, msg *ChannelMessage) (*ChannelResponse, error) {
	verdict := approval.ParseDecision(msg.Text)
	if verdict == approval.VerdictNone {
		resp := approvalPrompt(session.ID, pending.Interrupt.PendingActions)
		resp.Text = "A pending approval is waiting.\n\n" + resp.Text
		return resp, nil
	}

	// Clear before resuming; a decision resolves the interrupt exactly once
	// even if the sweeper fires concurrently, and only the interrupt this
	// decision was read against.
	pending, removed, err := r.tracker.Clear(ctx, session.ID, pending.Interrupt.InterruptID)
	if err != nil {
		return nil, fmt.Errorf("clearing pending approval: %w", err)
	}
	if !removed {
		return &ChannelResponse{
			Text:     "That approval request has expired. Send your message again.",
			Metadata: map[string]any{MetaSessionID: session.ID},
		}, nil
	}

	eventType := store.ApprovalGranted
	decisionType := worker.DecisionApprove
	if verdict == approval.VerdictReject {
		eventType = store.ApprovalDenied
		decisionType = worker.DecisionReject
	}
	r.appendAudit(ctx, &store.ApprovalEvent{
		Type:      eventType,
		SessionID: session.ID,
		UserID:    msg.UserID,
		Decision:  verdict.String(),
		Actions:   auditActions(pending.Interrupt.PendingActions),
	})

	// One decision from the user covers every pending action of the
	// interrupt; the wire protocol wants one entry per action.
	decisions := make([]worker.Decision, len(pending.Interrupt.PendingActions))
	for i := range decisions {
		decisions[i] = worker.Decision{Type: decisionType}
	}

	result, err := r.worker.Resume(ctx, session.ID, decisions)
	if err != nil {
		return r.workerErrorResponse(session.ID, err), nil
	}
	return r.handleWorkerResult(ctx, session, msg.UserID, result, pending.ChainDepth)
}

// handleWorkerResult finishes a turn or resume: either track a new interrupt
// or deliver the reply. prevDepth is 0 for a fresh turn and the cleared
// entry's depth for a resume.
func (r *Router) handleWorkerResult(ctx context.Context, session *store.Session, userID string, result *worker.TurnResult, prevDepth int) (*ChannelResponse, error) {
	if result.Interrupt != nil {
		depth := prevDepth + 1
		if depth > r.maxChain {
			r.logger.Warn("interrupt chain cap exceeded",
				"session_id", session.ID,
				"depth", depth,
				"max", r.maxChain,
			)
			return errorResponse(session.ID, fmt.Sprintf(
				"The agent requested approval %d times in a row; giving up. Start a new request.", depth)), nil
		}

		entry := &approval.Entry{
			SessionID:  session.ID,
			UserID:     userID,
			Interrupt:  result.Interrupt,
			ChainDepth: depth,
		}
		if err := r.tracker.Set(ctx, entry); err != nil {
			return nil, fmt.Errorf("tracking pending approval: %w", err)
		}
		r.appendAudit(ctx, &store.ApprovalEvent{
			Type:      store.ApprovalRequested,
			SessionID: session.ID,
			UserID:    userID,
			Actions:   auditActions(result.Interrupt.PendingActions),
		})
		r.recordActivity(ctx, session.ID, len(result.Interrupt.PendingActions))

		return approvalPrompt(session.ID, result.Interrupt.PendingActions), nil
	}

	r.recordActivity(ctx, session.ID, 0)

	resp := &ChannelResponse{Text: result.Text}
	m := resp.meta()
	m[MetaSessionID] = session.ID
	if len(result.Events) > 0 {
		m[MetaEvents] = result.Events
	}
	return resp, nil
}

// ensureStateRecord creates the shared state record on a session's first
// routed message. Later writes go through UpdateSession so versions advance.
func (r *Router) ensureStateRecord(ctx context.Context, session *store.Session) error {
	_, err := r.states.GetSession(ctx, session.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, state.ErrSessionNotFound) {
		return fmt.Errorf("reading session state: %w", err)
	}
	record := &state.SessionState{
		SessionID: session.ID,
		Paired:    session.Paired,
	}
	if err := r.states.SetSession(ctx, session.ID, record); err != nil {
		return fmt.Errorf("initializing session state: %w", err)
	}
	return nil
}

// recordActivity bumps the session's shared activity counters after a worker
// exchange. The count moves by a delta applied inside the store's merge, so
// routers on other processes bumping the same session never lose increments.
// Best effort: a state-store hiccup must not eat the user's reply.
func (r *Router) recordActivity(ctx context.Context, sessionID string, pendingApprovals int) {
	now := time.Now().UTC()
	_, err := r.states.UpdateSession(ctx, sessionID, state.Patch{
		MessageCountDelta: 1,
		LastTurnAt:        &now,
		PendingApprovals:  &pendingApprovals,
	}, "gateway")
	if err != nil {
		r.logger.Warn("updating session state failed", "session_id", sessionID, "error", err)
	}
}

// appendAudit writes one audit record, logging instead of failing the turn.
func (r *Router) appendAudit(ctx context.Context, event *store.ApprovalEvent) {
	if err := r.audit.AppendApprovalEvent(ctx, event); err != nil {
		r.logger.Error("writing audit event failed",
			"type", event.Type,
			"session_id", event.SessionID,
			"error", err,
		)
	}
}

// workerErrorResponse converts a worker failure into the single user-visible
// error shape. Nothing is retried here and no tracker or session state is
// touched.
func (r *Router) workerErrorResponse(sessionID string, err error) *ChannelResponse {
	r.logger.Error("worker call failed", "session_id", sessionID, "error", err)

	var httpErr *worker.HTTPError
	switch {
	case errors.As(err, &httpErr):
		return errorResponse(sessionID, fmt.Sprintf("The agent returned an error (HTTP %d). Please try again.", httpErr.Status))
	case errors.Is(err, worker.ErrWorkerUnavailable):
		return errorResponse(sessionID, "The agent is currently unreachable. Please try again shortly.")
	default:
		return errorResponse(sessionID, "Something went wrong talking to the agent. Please try again.")
	}
}

// errorResponse builds the error-flagged response shape.
func errorResponse(sessionID, text string) *ChannelResponse {
	resp := &ChannelResponse{Text: text}
	m := resp.meta()
	m[MetaError] = true
	if sessionID != "" {
		m[MetaSessionID] = sessionID
	}
	return resp
}

// approvalPrompt renders an interrupt's actions and asks for a decision.
func approvalPrompt(sessionID string, actions []worker.PendingAction) *ChannelResponse {
	var b strings.Builder
	b.WriteString("The agent wants to perform the following before continuing:\n")
	for i, a := range actions {
		desc := a.Description
		if desc == "" {
			desc = a.ToolName
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, desc)
	}
	b.WriteString("\nReply \"approve\" or \"reject\".")

	resp := &ChannelResponse{Text: b.String()}
	m := resp.meta()
	m[MetaSessionID] = sessionID
	m[MetaApprovalPending] = true
	m[MetaPendingActions] = actionSummaries(actions)
	return resp
}

// actionSummaries flattens pending actions for response metadata.
func actionSummaries(actions []worker.PendingAction) []map[string]any {
	out := make([]map[string]any, 0, len(actions))
	for _, a := range actions {
		out = append(out, map[string]any{
			"tool_name":   a.ToolName,
			"description": a.Description,
		})
	}
	return out
}

// auditActions converts wire actions into self-contained audit snapshots.
func auditActions(actions []worker.PendingAction) []store.ApprovalAction {
	out := make([]store.ApprovalAction, 0, len(actions))
	for _, a := range actions {
		out = append(out, store.ApprovalAction{
			ToolName:    a.ToolName,
			Args:        a.Args,
			Description: a.Description,
		})
	}
	return out
}

// turnMetadata is the channel context forwarded to the worker with each turn.
func turnMetadata(msg *ChannelMessage) map[string]any {
	md := map[string]any{
		"channel_type": msg.ChannelType,
		"channel_id":   msg.ChannelID,
		"chat_id":      msg.ChatID,
	}
	if msg.UserName != "" {
		md["user_name"] = msg.UserName
	}
	for k, v := range msg.Metadata {
		md[k] = v
	}
	return md
}

// dedupeKey identifies one delivery of one message. Adapters that supply a
// message_id get exact dedupe; others fall back to identity plus content.
func dedupeKey(msg *ChannelMessage) string {
	if id, ok := msg.Metadata["message_id"].(string); ok && id != "" {
		return msg.ChannelType + "|" + msg.ChannelID + "|" + id
	}
	return fmt.Sprintf("%s|%s|%s|%s|%d|%s",
		msg.ChannelType, msg.ChannelID, msg.ChatID, msg.UserID,
		msg.Timestamp.UnixNano(), msg.Text)
}
