// ABOUTME: Channel adapter message and response types consumed by the router
// ABOUTME: Response metadata keys are the wire contract adapters render from

package gateway

import (
	"errors"
	"time"
)

// ErrInvalidMessage marks a request the router refuses before doing any work,
// such as one with no message text.
var ErrInvalidMessage = errors.New("message text is required")

// Metadata keys the router sets on ChannelResponse. Channel adapters render
// these; they are part of the adapter contract and must stay stable.
const (
	MetaPairingRequired = "pairingRequired"
	MetaPairingCode     = "pairingCode"
	MetaApprovalPending = "approvalPending"
	MetaPendingActions  = "pendingActions"
	MetaEvents          = "events"
	MetaSessionID       = "sessionId"
	MetaError           = "error"
)

// ChannelMessage is one inbound message from a channel adapter.
type ChannelMessage struct {
	ChannelType string         `json:"channel_type"`
	ChannelID   string         `json:"channel_id"`
	ChatID      string         `json:"chat_id"`
	UserID      string         `json:"user_id,omitempty"`
	UserName    string         `json:"user_name,omitempty"`
	Text        string         `json:"text"`
	Timestamp   time.Time      `json:"timestamp,omitzero"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ChannelResponse is what the adapter sends back to the user. Text is always
// renderable as-is; Metadata carries the structured flags above.
type ChannelResponse struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// meta returns the response metadata map, allocating it on first use.
func (r *ChannelResponse) meta() map[string]any {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	return r.Metadata
}
