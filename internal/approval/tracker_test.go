// ABOUTME: Tests for the pending-approval tracker over the shared state store
// ABOUTME: Covers the one-per-session invariant and atomic clear semantics

package approval

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/state"
	"github.com/2389/relay-gateway/internal/worker"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	states := state.NewLocalStore(nil)
	t.Cleanup(func() { _ = states.Close() })
	return NewTracker(states, nil)
}

func testInterrupt(id string) *worker.Interrupt {
	return &worker.Interrupt{
		InterruptID: id,
		PendingActions: []worker.PendingAction{
			{
				ToolName:    "shell",
				Args:        map[string]any{"command": "make deploy"},
				Description: "Deploy to production",
			},
		},
		ActionCount: 1,
	}
}

func TestTracker_SetGetRoundTrip(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	entry, err := tr.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, entry, "no pending approval yet")

	require.NoError(t, tr.Set(ctx, &Entry{
		SessionID:  "sess-1",
		UserID:     "user-7",
		Interrupt:  testInterrupt("int-1"),
		ChainDepth: 1,
	}))

	entry, err = tr.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "sess-1", entry.SessionID)
	assert.Equal(t, "user-7", entry.UserID)
	assert.Equal(t, "int-1", entry.Interrupt.InterruptID)
	assert.Equal(t, 1, entry.ChainDepth)
	assert.False(t, entry.CreatedAt.IsZero(), "CreatedAt is stamped on Set")
	require.Len(t, entry.Interrupt.PendingActions, 1)
	assert.Equal(t, "Deploy to production", entry.Interrupt.PendingActions[0].Description)
}

func TestTracker_AtMostOnePerSession(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Set(ctx, &Entry{SessionID: "sess-1", Interrupt: testInterrupt("int-old"), ChainDepth: 1}))
	require.NoError(t, tr.Set(ctx, &Entry{SessionID: "sess-1", Interrupt: testInterrupt("int-new"), ChainDepth: 2}))

	entry, err := tr.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "int-new", entry.Interrupt.InterruptID, "a new interrupt supersedes the old one")

	ids, err := tr.ActiveSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-1"}, ids, "still exactly one entry for the session")
}

func TestTracker_ClearAtomicity(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Set(ctx, &Entry{SessionID: "sess-1", Interrupt: testInterrupt("int-1")}))

	entry, removed, err := tr.Clear(ctx, "sess-1", "int-1")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, "int-1", entry.Interrupt.InterruptID)

	entry, removed, err = tr.Clear(ctx, "sess-1", "int-1")
	require.NoError(t, err)
	assert.False(t, removed, "second clear is a no-op")
	assert.Nil(t, entry)
}

func TestTracker_ClearSkipsSupersededEntry(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Set(ctx, &Entry{SessionID: "sess-1", Interrupt: testInterrupt("int-old"), ChainDepth: 1}))

	// A caller observes int-old, but before its clear runs a decision
	// resolves it and a chained interrupt takes its place.
	observed, err := tr.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "int-old", observed.Interrupt.InterruptID)

	require.NoError(t, tr.Set(ctx, &Entry{SessionID: "sess-1", Interrupt: testInterrupt("int-fresh"), ChainDepth: 2}))

	entry, removed, err := tr.Clear(ctx, "sess-1", observed.Interrupt.InterruptID)
	require.NoError(t, err)
	assert.False(t, removed, "stale clear must not destroy the superseding entry")
	assert.Nil(t, entry)

	current, err := tr.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, current, "the fresh entry survives")
	assert.Equal(t, "int-fresh", current.Interrupt.InterruptID)
}

func TestTracker_ClearWithoutExpectedIDRemovesAnything(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Set(ctx, &Entry{SessionID: "sess-1", Interrupt: testInterrupt("int-1")}))

	entry, removed, err := tr.Clear(ctx, "sess-1", "")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, "int-1", entry.Interrupt.InterruptID)
}

func TestTracker_ConcurrentClearSingleWinner(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Set(ctx, &Entry{SessionID: "sess-1", Interrupt: testInterrupt("int-1")}))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, removed, err := tr.Clear(ctx, "sess-1", "int-1")
			assert.NoError(t, err)
			if removed {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(), "exactly one concurrent clearer wins")
}

func TestTracker_ActiveSessionsIgnoresOtherRecords(t *testing.T) {
	states := state.NewLocalStore(nil)
	t.Cleanup(func() { _ = states.Close() })
	tr := NewTracker(states, nil)
	ctx := context.Background()

	// A plain session-state record must not be mistaken for a pending approval.
	require.NoError(t, states.SetSession(ctx, "sess-plain", &state.SessionState{}))
	require.NoError(t, tr.Set(ctx, &Entry{SessionID: "sess-1", Interrupt: testInterrupt("int-1")}))
	require.NoError(t, tr.Set(ctx, &Entry{SessionID: "sess-2", Interrupt: testInterrupt("int-2")}))

	ids, err := tr.ActiveSessions(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sess-1", "sess-2"}, ids)
}
