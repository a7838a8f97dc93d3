// ABOUTME: Tests for the per-message routing state machine
// ABOUTME: Covers pairing, interrupts, decisions, chain caps, and failure paths

package gateway

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/admission"
	"github.com/2389/relay-gateway/internal/approval"
	"github.com/2389/relay-gateway/internal/state"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/worker"
)

// fakeWorker scripts worker responses and records calls.
type fakeWorker struct {
	mu          sync.Mutex
	turnResult  *worker.TurnResult
	turnErr     error
	resumeQueue []*worker.TurnResult
	resumeErr   error
	onResume    func() // runs before Resume returns, for ordering assertions

	turnCalls   int
	resumeCalls [][]worker.Decision
}

func (f *fakeWorker) Turn(_ context.Context, sessionID, text string, _ map[string]any) (*worker.TurnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turnCalls++
	if f.turnErr != nil {
		return nil, f.turnErr
	}
	result := f.turnResult
	if result == nil {
		result = &worker.TurnResult{SessionID: sessionID, Text: "echo: " + text}
	}
	return result, nil
}

func (f *fakeWorker) Resume(_ context.Context, sessionID string, decisions []worker.Decision) (*worker.TurnResult, error) {
	f.mu.Lock()
	f.resumeCalls = append(f.resumeCalls, decisions)
	var result *worker.TurnResult
	if len(f.resumeQueue) > 0 {
		result = f.resumeQueue[0]
		f.resumeQueue = f.resumeQueue[1:]
	}
	err := f.resumeErr
	hook := f.onResume
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &worker.TurnResult{SessionID: sessionID, Text: "resumed"}
	}
	return result, nil
}

type routerFixture struct {
	router  *Router
	gate    *admission.Gate
	tracker *approval.Tracker
	worker  *fakeWorker
	store   *store.SQLiteStore
	states  *state.LocalStore
}

func newRouterFixture(t *testing.T, maxChain int) *routerFixture {
	t.Helper()

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	states := state.NewLocalStore(nil)
	t.Cleanup(func() { _ = states.Close() })

	gate := admission.NewGate(db, nil)
	tracker := approval.NewTracker(states, nil)
	fw := &fakeWorker{}
	router := NewRouter(gate, tracker, fw, db, states, maxChain, nil)
	t.Cleanup(router.Close)

	return &routerFixture{
		router:  router,
		gate:    gate,
		tracker: tracker,
		worker:  fw,
		store:   db,
		states:  states,
	}
}

func testMessage(text string) *ChannelMessage {
	return &ChannelMessage{
		ChannelType: "telegram",
		ChannelID:   "bot-1",
		ChatID:      "chat-42",
		UserID:      "user-7",
		UserName:    "alice",
		Text:        text,
		Timestamp:   time.Now(),
	}
}

// pairSession resolves the test identity's session and marks it paired.
func (f *routerFixture) pairSession(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	session, err := f.gate.ResolveSession(ctx, admission.Identity{
		ChannelType: "telegram", ChannelID: "bot-1", ChatID: "chat-42", UserID: "user-7",
	})
	require.NoError(t, err)
	_, err = f.gate.ManualApprove(ctx, session.ID)
	require.NoError(t, err)
	return session.ID
}

func singleActionInterrupt() *worker.Interrupt {
	return &worker.Interrupt{
		InterruptID: "int-1",
		PendingActions: []worker.PendingAction{
			{ToolName: "shell", Args: map[string]any{"command": "make deploy"}, Description: "Deploy to production"},
		},
		ActionCount: 1,
	}
}

func TestHandleMessage_UnpairedGetsPairingCode(t *testing.T) {
	f := newRouterFixture(t, 8)

	resp, err := f.router.HandleMessage(context.Background(), testMessage("Hello"))
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, true, resp.Metadata[MetaPairingRequired])
	code, _ := resp.Metadata[MetaPairingCode].(string)
	assert.NotEmpty(t, code)
	assert.Contains(t, resp.Text, code)
	assert.Equal(t, 0, f.worker.turnCalls, "unpaired messages never reach the worker")

	// Re-sending returns the same active code.
	resp2, err := f.router.HandleMessage(context.Background(), testMessage("Hello again"))
	require.NoError(t, err)
	assert.Equal(t, code, resp2.Metadata[MetaPairingCode])
}

func TestHandleMessage_PairedTurnRoundTrip(t *testing.T) {
	f := newRouterFixture(t, 8)
	sessionID := f.pairSession(t)

	f.worker.turnResult = &worker.TurnResult{
		SessionID: sessionID,
		Text:      "hi there",
		Events:    []map[string]any{{"type": "thinking"}},
	}

	resp, err := f.router.HandleMessage(context.Background(), testMessage("Hello"))
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Text)
	assert.Equal(t, sessionID, resp.Metadata[MetaSessionID])
	assert.NotNil(t, resp.Metadata[MetaEvents])
	assert.Nil(t, resp.Metadata[MetaError])

	// The shared state record tracks activity.
	st, err := f.states.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.MessageCount)
	assert.False(t, st.LastTurnAt.IsZero())
}

func TestHandleMessage_InterruptCreatesPendingApproval(t *testing.T) {
	f := newRouterFixture(t, 8)
	sessionID := f.pairSession(t)

	f.worker.turnResult = &worker.TurnResult{SessionID: sessionID, Interrupt: singleActionInterrupt()}

	resp, err := f.router.HandleMessage(context.Background(), testMessage("deploy please"))
	require.NoError(t, err)

	assert.Equal(t, true, resp.Metadata[MetaApprovalPending])
	assert.Contains(t, resp.Text, "Deploy to production")
	assert.NotNil(t, resp.Metadata[MetaPendingActions])

	entry, err := f.tracker.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotNil(t, entry, "tracker holds exactly one entry")
	assert.Equal(t, "int-1", entry.Interrupt.InterruptID)
	assert.Equal(t, 1, entry.ChainDepth)

	events, err := f.store.ListApprovalEvents(context.Background(), store.ApprovalEventFilter{SessionID: sessionID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.ApprovalRequested, events[0].Type)
	require.Len(t, events[0].Actions, 1)
	assert.Equal(t, "Deploy to production", events[0].Actions[0].Description)
}

func TestHandleMessage_ApproveClearsTrackerBeforeResume(t *testing.T) {
	f := newRouterFixture(t, 8)
	sessionID := f.pairSession(t)

	f.worker.turnResult = &worker.TurnResult{SessionID: sessionID, Interrupt: singleActionInterrupt()}
	_, err := f.router.HandleMessage(context.Background(), testMessage("deploy please"))
	require.NoError(t, err)

	var pendingDuringResume *approval.Entry
	f.worker.onResume = func() {
		pendingDuringResume, _ = f.tracker.Get(context.Background(), sessionID)
	}

	resp, err := f.router.HandleMessage(context.Background(), testMessage("approve"))
	require.NoError(t, err)
	assert.Equal(t, "resumed", resp.Text)

	// Cleared before the resume call returned.
	assert.Nil(t, pendingDuringResume)

	// One approve decision per pending action.
	require.Len(t, f.worker.resumeCalls, 1)
	require.Len(t, f.worker.resumeCalls[0], 1)
	assert.Equal(t, worker.DecisionApprove, f.worker.resumeCalls[0][0].Type)

	events, err := f.store.ListApprovalEvents(context.Background(), store.ApprovalEventFilter{
		SessionID: sessionID, Type: store.ApprovalGranted,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "approve", events[0].Decision)
	assert.Equal(t, "user-7", events[0].UserID)
}

func TestHandleMessage_OneDecisionCoversAllActions(t *testing.T) {
	f := newRouterFixture(t, 8)
	sessionID := f.pairSession(t)

	f.worker.turnResult = &worker.TurnResult{
		SessionID: sessionID,
		Interrupt: &worker.Interrupt{
			InterruptID: "int-multi",
			PendingActions: []worker.PendingAction{
				{ToolName: "shell", Description: "Step one"},
				{ToolName: "shell", Description: "Step two"},
				{ToolName: "http", Description: "Step three"},
			},
			ActionCount: 3,
		},
	}
	_, err := f.router.HandleMessage(context.Background(), testMessage("go"))
	require.NoError(t, err)

	_, err = f.router.HandleMessage(context.Background(), testMessage("no"))
	require.NoError(t, err)

	require.Len(t, f.worker.resumeCalls, 1)
	require.Len(t, f.worker.resumeCalls[0], 3, "one decision entry per pending action")
	for _, d := range f.worker.resumeCalls[0] {
		assert.Equal(t, worker.DecisionReject, d.Type)
	}

	events, err := f.store.ListApprovalEvents(context.Background(), store.ApprovalEventFilter{
		SessionID: sessionID, Type: store.ApprovalDenied,
	})
	require.NoError(t, err)
	require.Len(t, events, 1, "one audit event covers the whole interrupt")
	assert.Len(t, events[0].Actions, 3)
}

func TestHandleMessage_NonDecisionReprompts(t *testing.T) {
	f := newRouterFixture(t, 8)
	sessionID := f.pairSession(t)

	f.worker.turnResult = &worker.TurnResult{SessionID: sessionID, Interrupt: singleActionInterrupt()}
	_, err := f.router.HandleMessage(context.Background(), testMessage("deploy please"))
	require.NoError(t, err)

	resp, err := f.router.HandleMessage(context.Background(), testMessage("what will this do?"))
	require.NoError(t, err)

	assert.Equal(t, true, resp.Metadata[MetaApprovalPending])
	assert.Contains(t, resp.Text, "Deploy to production", "re-prompt repeats the pending actions")

	entry, err := f.tracker.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.NotNil(t, entry, "tracker unchanged by a non-decision")
	assert.Empty(t, f.worker.resumeCalls, "no resume for a non-decision")
}

func TestHandleMessage_ChainedInterrupts(t *testing.T) {
	f := newRouterFixture(t, 8)
	sessionID := f.pairSession(t)

	f.worker.turnResult = &worker.TurnResult{SessionID: sessionID, Interrupt: singleActionInterrupt()}
	_, err := f.router.HandleMessage(context.Background(), testMessage("go"))
	require.NoError(t, err)

	// The resume itself interrupts again.
	f.worker.resumeQueue = []*worker.TurnResult{{
		SessionID: sessionID,
		Interrupt: &worker.Interrupt{
			InterruptID:    "int-2",
			PendingActions: []worker.PendingAction{{ToolName: "shell", Description: "Second step"}},
			ActionCount:    1,
		},
	}}

	resp, err := f.router.HandleMessage(context.Background(), testMessage("approve"))
	require.NoError(t, err)
	assert.Equal(t, true, resp.Metadata[MetaApprovalPending])
	assert.Contains(t, resp.Text, "Second step")

	entry, err := f.tracker.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "int-2", entry.Interrupt.InterruptID)
	assert.Equal(t, 2, entry.ChainDepth, "depth grows along the chain")
}

func TestHandleMessage_ChainCapFailsClosed(t *testing.T) {
	f := newRouterFixture(t, 2)
	sessionID := f.pairSession(t)

	interrupt := func(id string) *worker.TurnResult {
		return &worker.TurnResult{
			SessionID: sessionID,
			Interrupt: &worker.Interrupt{
				InterruptID:    id,
				PendingActions: []worker.PendingAction{{ToolName: "shell", Description: "again"}},
				ActionCount:    1,
			},
		}
	}

	f.worker.turnResult = interrupt("int-1")
	_, err := f.router.HandleMessage(context.Background(), testMessage("go"))
	require.NoError(t, err)

	f.worker.resumeQueue = []*worker.TurnResult{interrupt("int-2"), interrupt("int-3")}

	// Depth 2 still within the cap.
	resp, err := f.router.HandleMessage(context.Background(), testMessage("approve"))
	require.NoError(t, err)
	assert.Equal(t, true, resp.Metadata[MetaApprovalPending])

	// Depth 3 exceeds maxChain=2: fail closed, no new tracker entry.
	resp, err = f.router.HandleMessage(context.Background(), testMessage("approve"))
	require.NoError(t, err)
	assert.Equal(t, true, resp.Metadata[MetaError])
	assert.NotEmpty(t, resp.Text)

	entry, err := f.tracker.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Nil(t, entry, "past the cap nothing is tracked")
}

func TestHandleMessage_WorkerHTTPError(t *testing.T) {
	f := newRouterFixture(t, 8)
	sessionID := f.pairSession(t)

	f.worker.turnErr = &worker.HTTPError{Status: 500, Body: "model overloaded"}

	resp, err := f.router.HandleMessage(context.Background(), testMessage("Hello"))
	require.NoError(t, err, "worker failures are responses, not errors")

	assert.Equal(t, true, resp.Metadata[MetaError])
	assert.Contains(t, resp.Text, "500")
	assert.NotContains(t, resp.Text, "model overloaded", "internals stay out of user-visible text")

	entry, err := f.tracker.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Nil(t, entry, "no pending approval is created on failure")
}

func TestHandleMessage_WorkerUnavailable(t *testing.T) {
	f := newRouterFixture(t, 8)
	f.pairSession(t)

	f.worker.turnErr = worker.ErrWorkerUnavailable

	resp, err := f.router.HandleMessage(context.Background(), testMessage("Hello"))
	require.NoError(t, err)
	assert.Equal(t, true, resp.Metadata[MetaError])
	assert.Contains(t, resp.Text, "unreachable")
}

func TestHandleMessage_WorkerErrorPreservesPendingApproval(t *testing.T) {
	f := newRouterFixture(t, 8)
	sessionID := f.pairSession(t)

	f.worker.turnResult = &worker.TurnResult{SessionID: sessionID, Interrupt: singleActionInterrupt()}
	_, err := f.router.HandleMessage(context.Background(), testMessage("go"))
	require.NoError(t, err)

	// A failed resume surfaces the error; the decision already consumed the
	// pending approval, and the failure must not resurrect it.
	f.worker.resumeErr = worker.ErrWorkerUnavailable
	resp, err := f.router.HandleMessage(context.Background(), testMessage("approve"))
	require.NoError(t, err)
	assert.Equal(t, true, resp.Metadata[MetaError])

	entry, err := f.tracker.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestHandleMessage_EmptyText(t *testing.T) {
	f := newRouterFixture(t, 8)

	resp, err := f.router.HandleMessage(context.Background(), testMessage("   "))
	require.NoError(t, err)
	assert.Equal(t, true, resp.Metadata[MetaError])
	assert.Equal(t, 0, f.worker.turnCalls)
}

func TestHandleMessage_DropsDuplicateDeliveries(t *testing.T) {
	f := newRouterFixture(t, 8)
	f.pairSession(t)

	msg := testMessage("Hello")
	msg.Metadata = map[string]any{"message_id": "m-123"}

	resp, err := f.router.HandleMessage(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, resp)

	dup, err := f.router.HandleMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Nil(t, dup, "duplicate deliveries are dropped silently")
	assert.Equal(t, 1, f.worker.turnCalls)
}

func TestHandleLegacyMessage(t *testing.T) {
	f := newRouterFixture(t, 8)

	// Missing text is rejected before any worker call.
	result := f.router.HandleLegacyMessage(context.Background(), map[string]any{})
	assert.False(t, result.OK)
	assert.True(t, result.Invalid, "malformed requests carry the typed marker")
	assert.Equal(t, ErrInvalidMessage.Error(), result.Error)
	assert.Equal(t, 0, f.worker.turnCalls)

	// First contact: pairing required, a session token is synthesized.
	result = f.router.HandleLegacyMessage(context.Background(), map[string]any{"text": "Hello"})
	assert.True(t, result.OK)
	assert.NotEmpty(t, result.SessionID)
	assert.True(t, result.PairingRequired)
	assert.NotEmpty(t, result.PairingCode)

	// Reusing the returned token continues the same session.
	again := f.router.HandleLegacyMessage(context.Background(), map[string]any{
		"message":    "Hello again",
		"session_id": result.SessionID,
	})
	assert.Equal(t, result.SessionID, again.SessionID)
	assert.Equal(t, result.PairingCode, again.PairingCode, "same session, same active code")
}

func TestHandleLegacyMessage_PairedFlow(t *testing.T) {
	f := newRouterFixture(t, 8)
	ctx := context.Background()

	first := f.router.HandleLegacyMessage(ctx, map[string]any{"text": "Hello", "sessionId": "client-1"})
	require.True(t, first.PairingRequired)

	sessionID := admission.SessionID(admission.Identity{
		ChannelType: "api", ChannelID: "legacy", ChatID: "client-1", UserID: "client-1",
	})
	_, err := f.gate.ManualApprove(ctx, sessionID)
	require.NoError(t, err)

	result := f.router.HandleLegacyMessage(ctx, map[string]any{"text": "Hello", "sessionId": "client-1"})
	assert.True(t, result.OK)
	assert.False(t, result.PairingRequired)
	assert.Equal(t, "echo: Hello", result.Text)
}

func TestHandleMessage_AuditOrdering(t *testing.T) {
	f := newRouterFixture(t, 8)
	sessionID := f.pairSession(t)

	f.worker.turnResult = &worker.TurnResult{SessionID: sessionID, Interrupt: singleActionInterrupt()}
	_, err := f.router.HandleMessage(context.Background(), testMessage("go"))
	require.NoError(t, err)
	_, err = f.router.HandleMessage(context.Background(), testMessage("yes"))
	require.NoError(t, err)

	events, err := f.store.ListApprovalEvents(context.Background(), store.ApprovalEventFilter{SessionID: sessionID})
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Newest first: the grant follows the request.
	assert.Equal(t, store.ApprovalGranted, events[0].Type)
	assert.Equal(t, store.ApprovalRequested, events[1].Type)
}
