// ABOUTME: Tests for the pairing-based admission gate
// ABOUTME: Covers session resolution, code issuance/consumption, and bypass

package admission

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/store"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewGate(s, nil)
}

func testIdentity() Identity {
	return Identity{
		ChannelType: "telegram",
		ChannelID:   "bot-1",
		ChatID:      "chat-42",
		UserID:      "user-7",
		UserName:    "alice",
	}
}

func TestSessionID_Deterministic(t *testing.T) {
	id := testIdentity()
	assert.Equal(t, SessionID(id), SessionID(id))
	assert.True(t, strings.HasPrefix(SessionID(id), "sess-"))

	// Every field of the tuple participates.
	variants := []Identity{
		{ChannelType: "slack", ChannelID: "bot-1", ChatID: "chat-42", UserID: "user-7"},
		{ChannelType: "telegram", ChannelID: "bot-2", ChatID: "chat-42", UserID: "user-7"},
		{ChannelType: "telegram", ChannelID: "bot-1", ChatID: "chat-43", UserID: "user-7"},
		{ChannelType: "telegram", ChannelID: "bot-1", ChatID: "chat-42", UserID: "user-8"},
	}
	for _, v := range variants {
		assert.NotEqual(t, SessionID(id), SessionID(v), "identity %+v should map to a different session", v)
	}

	// Field boundaries matter: "ab"+"c" must differ from "a"+"bc".
	a := Identity{ChannelType: "ab", ChannelID: "c"}
	b := Identity{ChannelType: "a", ChannelID: "bc"}
	assert.NotEqual(t, SessionID(a), SessionID(b))

	// UserName is informational and does not affect identity.
	named := testIdentity()
	named.UserName = "bob"
	assert.Equal(t, SessionID(testIdentity()), SessionID(named))
}

func TestResolveSession_CreatesOnFirstContact(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	session, err := gate.ResolveSession(ctx, testIdentity())
	require.NoError(t, err)
	assert.Equal(t, SessionID(testIdentity()), session.ID)
	assert.False(t, session.Paired)

	// Second resolution returns the same session, no duplicate.
	again, err := gate.ResolveSession(ctx, testIdentity())
	require.NoError(t, err)
	assert.Equal(t, session.ID, again.ID)
}

func TestIsPaired_Lifecycle(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	session, err := gate.ResolveSession(ctx, testIdentity())
	require.NoError(t, err)

	paired, err := gate.IsPaired(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, paired, "sessions start unpaired")

	ok, err := gate.ManualApprove(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	paired, err = gate.IsPaired(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, paired, "manual approval pairs durably")
}

func TestIsPaired_UnknownSession(t *testing.T) {
	gate := newTestGate(t)

	_, err := gate.IsPaired(context.Background(), "sess-unknown")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGeneratePairingCode_Idempotent(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	session, err := gate.ResolveSession(ctx, testIdentity())
	require.NoError(t, err)

	code, err := gate.GeneratePairingCode(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, code, codeLength)
	for _, c := range code {
		assert.Contains(t, codeAlphabet, string(c))
	}

	// Re-requesting returns the same active code.
	again, err := gate.GeneratePairingCode(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, code, again)
}

func TestGeneratePairingCode_PairedSession(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	session, err := gate.ResolveSession(ctx, testIdentity())
	require.NoError(t, err)
	_, err = gate.ManualApprove(ctx, session.ID)
	require.NoError(t, err)

	_, err = gate.GeneratePairingCode(ctx, session.ID)
	assert.Error(t, err, "paired sessions never get a new code")
}

func TestApproveByCode(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	session, err := gate.ResolveSession(ctx, testIdentity())
	require.NoError(t, err)
	code, err := gate.GeneratePairingCode(ctx, session.ID)
	require.NoError(t, err)

	// Wrong code is refused without side effects.
	ok, err := gate.ApproveByCode(ctx, session.ID, "WRONG123")
	require.NoError(t, err)
	assert.False(t, ok)
	paired, err := gate.IsPaired(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, paired)

	// Matching is case-insensitive and trims whitespace.
	ok, err = gate.ApproveByCode(ctx, session.ID, "  "+strings.ToLower(code)+" ")
	require.NoError(t, err)
	assert.True(t, ok)

	paired, err = gate.IsPaired(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, paired)

	// The code is consumed on approval.
	after, err := gate.ResolveSession(ctx, testIdentity())
	require.NoError(t, err)
	assert.Empty(t, after.PairingCode)

	// Approving an already-paired session reports success.
	ok, err = gate.ApproveByCode(ctx, session.ID, "ANYTHING")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApproveByCode_NoActiveCode(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	session, err := gate.ResolveSession(ctx, testIdentity())
	require.NoError(t, err)

	ok, err := gate.ApproveByCode(ctx, session.ID, "ABCD2345")
	require.NoError(t, err)
	assert.False(t, ok, "no code issued yet, nothing can match")
}

func TestManualApprove_UnknownSession(t *testing.T) {
	gate := newTestGate(t)

	_, err := gate.ManualApprove(context.Background(), "sess-unknown")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
