// ABOUTME: Legacy simple-message entry point kept for pre-adapter integrations
// ABOUTME: Accepts an untyped payload and flattens the router response

package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LegacyResult is the flattened response shape of the legacy interface.
// Invalid marks a malformed request; it is not serialized and exists so the
// HTTP layer can choose the status code without inspecting Error text.
type LegacyResult struct {
	OK              bool             `json:"ok"`
	SessionID       string           `json:"session_id"`
	Text            string           `json:"text,omitempty"`
	Events          []map[string]any `json:"events,omitempty"`
	Error           string           `json:"error,omitempty"`
	PairingRequired bool             `json:"pairingRequired,omitempty"`
	PairingCode     string           `json:"pairingCode,omitempty"`
	ApprovalPending bool             `json:"approvalPending,omitempty"`
	Invalid         bool             `json:"-"`
}

// HandleLegacyMessage accepts the old untyped payload: `text` (or `message`)
// is required, `session_id`/`sessionId` is optional and synthesized when
// absent. The returned session_id is the caller-facing token; sending it back
// continues the same session.
func (r *Router) HandleLegacyMessage(ctx context.Context, payload map[string]any) *LegacyResult {
	text := stringField(payload, "text")
	if text == "" {
		text = stringField(payload, "message")
	}
	if strings.TrimSpace(text) == "" {
		return &LegacyResult{OK: false, Invalid: true, Error: ErrInvalidMessage.Error()}
	}

	token := stringField(payload, "session_id")
	if token == "" {
		token = stringField(payload, "sessionId")
	}
	if token == "" {
		token = uuid.NewString()
	}

	resp, err := r.HandleMessage(ctx, &ChannelMessage{
		ChannelType: "api",
		ChannelID:   "legacy",
		ChatID:      token,
		UserID:      token,
		Text:        text,
		Timestamp:   time.Now(),
	})
	if err != nil {
		r.logger.Error("legacy message failed", "error", err)
		return &LegacyResult{OK: false, SessionID: token, Error: "internal error"}
	}
	if resp == nil {
		// Duplicate delivery; acknowledge without content.
		return &LegacyResult{OK: true, SessionID: token}
	}

	result := &LegacyResult{OK: true, SessionID: token, Text: resp.Text}
	if v, ok := resp.Metadata[MetaError].(bool); ok && v {
		result.OK = false
		result.Error = resp.Text
		result.Text = ""
	}
	if v, ok := resp.Metadata[MetaPairingRequired].(bool); ok && v {
		result.PairingRequired = true
		result.PairingCode, _ = resp.Metadata[MetaPairingCode].(string)
	}
	if v, ok := resp.Metadata[MetaApprovalPending].(bool); ok && v {
		result.ApprovalPending = true
	}
	if events, ok := resp.Metadata[MetaEvents].([]map[string]any); ok {
		result.Events = events
	}
	return result
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}
