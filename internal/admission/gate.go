// ABOUTME: Pairing-based admission gate consulted before any message reaches the worker
// ABOUTME: Resolves deterministic session ids and issues/validates pairing codes

package admission

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/2389/relay-gateway/internal/store"
)

// ErrSessionNotFound indicates the gate was asked about an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// codeAlphabet excludes ambiguous glyphs (0/O, 1/I/L) so codes survive being
// read aloud or retyped from a phone screen.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// codeLength is the pairing code length in characters.
const codeLength = 8

// Identity is the channel-side identity tuple a session is derived from.
type Identity struct {
	ChannelType string
	ChannelID   string
	ChatID      string
	UserID      string
	UserName    string // optional, informational only
}

// SessionDirectory is the slice of the store the gate needs.
type SessionDirectory interface {
	CreateSession(ctx context.Context, session *store.Session) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
	SetPairingCode(ctx context.Context, id, code string) error
	MarkPaired(ctx context.Context, id string) error
	TouchSession(ctx context.Context, id string, at time.Time) error
}

// Gate decides whether a sender is authorized to reach the worker.
// Sessions are unpaired by default; both approval paths durably mark them
// paired so subsequent messages skip gating.
type Gate struct {
	directory SessionDirectory
	logger    *slog.Logger
}

// NewGate creates a Gate over the given session directory.
func NewGate(directory SessionDirectory, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		directory: directory,
		logger:    logger.With("component", "admission"),
	}
}

// SessionID derives the stable session identifier for an identity tuple.
// The same tuple always resolves to the same id.
func SessionID(id Identity) string {
	h := sha256.New()
	for _, part := range []string{id.ChannelType, id.ChannelID, id.ChatID, id.UserID} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f}) // unit separator, guards against field concatenation collisions
	}
	return "sess-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// ResolveSession returns the session for the identity tuple, creating it on
// first contact. New sessions start unpaired.
func (g *Gate) ResolveSession(ctx context.Context, id Identity) (*store.Session, error) {
	sessionID := SessionID(id)

	session, err := g.directory.GetSession(ctx, sessionID)
	if err == nil {
		if err := g.directory.TouchSession(ctx, sessionID, time.Now().UTC()); err != nil {
			g.logger.Warn("touching session failed", "session_id", sessionID, "error", err)
		}
		return session, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolving session: %w", err)
	}

	now := time.Now().UTC()
	session = &store.Session{
		ID:           sessionID,
		ChannelType:  id.ChannelType,
		ChannelID:    id.ChannelID,
		ChatID:       id.ChatID,
		UserID:       id.UserID,
		UserName:     id.UserName,
		Paired:       false,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := g.directory.CreateSession(ctx, session); err != nil {
		if errors.Is(err, store.ErrDuplicateSession) {
			// Concurrent first contact; the other writer won.
			return g.directory.GetSession(ctx, sessionID)
		}
		return nil, fmt.Errorf("creating session: %w", err)
	}

	g.logger.Info("new session",
		"session_id", sessionID,
		"channel_type", id.ChannelType,
		"chat_id", id.ChatID,
	)
	return session, nil
}

// IsPaired reports whether a session has been authorized.
func (g *Gate) IsPaired(ctx context.Context, sessionID string) (bool, error) {
	session, err := g.directory.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return false, ErrSessionNotFound
	}
	if err != nil {
		return false, fmt.Errorf("checking pairing: %w", err)
	}
	return session.Paired, nil
}

// GeneratePairingCode returns the active pairing code for an unpaired
// session, generating one on first request. Re-requesting returns the same
// code until it is consumed by approval.
func (g *Gate) GeneratePairingCode(ctx context.Context, sessionID string) (string, error) {
	session, err := g.directory.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading session: %w", err)
	}

	if session.Paired {
		return "", fmt.Errorf("session %s is already paired", sessionID)
	}
	if session.PairingCode != "" {
		return session.PairingCode, nil
	}

	code, err := newPairingCode()
	if err != nil {
		return "", fmt.Errorf("generating pairing code: %w", err)
	}
	if err := g.directory.SetPairingCode(ctx, sessionID, code); err != nil {
		return "", fmt.Errorf("storing pairing code: %w", err)
	}

	g.logger.Info("pairing code issued", "session_id", sessionID)
	return code, nil
}

// ApproveByCode pairs the session if the presented code matches its active
// pairing code. The code is consumed on success.
func (g *Gate) ApproveByCode(ctx context.Context, sessionID, code string) (bool, error) {
	session, err := g.directory.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return false, ErrSessionNotFound
	}
	if err != nil {
		return false, fmt.Errorf("loading session: %w", err)
	}

	if session.Paired {
		return true, nil
	}
	if session.PairingCode == "" {
		return false, nil
	}
	if !strings.EqualFold(strings.TrimSpace(code), session.PairingCode) {
		return false, nil
	}

	if err := g.directory.MarkPaired(ctx, sessionID); err != nil {
		return false, fmt.Errorf("marking paired: %w", err)
	}

	g.logger.Info("session paired by code", "session_id", sessionID)
	return true, nil
}

// ManualApprove is the operator bypass: pairs the session without a code.
func (g *Gate) ManualApprove(ctx context.Context, sessionID string) (bool, error) {
	err := g.directory.MarkPaired(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return false, ErrSessionNotFound
	}
	if err != nil {
		return false, fmt.Errorf("marking paired: %w", err)
	}

	g.logger.Info("session paired manually", "session_id", sessionID)
	return true, nil
}

// newPairingCode draws codeLength characters from codeAlphabet.
func newPairingCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}
