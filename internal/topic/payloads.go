package topic

import "github.com/mew-protocol/gateway/pkg/types"

// WelcomePayload is the payload of a synthesized system/welcome envelope
// (spec §4.4 "Welcome assembly").
type WelcomePayload struct {
	ParticipantID string              `json:"participant_id"`
	Participants  []types.RosterEntry `json:"participants"`
	History       []*types.Envelope   `json:"history"`
	Capabilities  WelcomeCapabilities `json:"capabilities"`
}

// WelcomeCapabilities carries capability hints for the joining session.
type WelcomeCapabilities struct {
	History HistoryHint `json:"history"`
	Streams bool        `json:"streams"`
}

// HistoryHint tells a joining client whether and how much history it got.
type HistoryHint struct {
	Enabled bool `json:"enabled"`
	Limit   int  `json:"limit"`
}

// PresencePayload is the payload of a `presence` envelope.
type PresencePayload struct {
	Event         string `json:"event"` // join | leave | heartbeat | invited
	ParticipantID string `json:"participant_id,omitempty"`
}

// ErrorPayload is the payload of a `system/error` envelope.
type ErrorPayload struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// GrantRequestPayload is the payload of a capability/grant envelope.
type GrantRequestPayload struct {
	Recipient    string                  `json:"recipient"`
	Capabilities []types.CapabilityRule  `json:"capabilities"`
	Reason       string                  `json:"reason,omitempty"`
	ExpiresAt    *string                 `json:"expires_at,omitempty"`
}

// RevokeRequestPayload is the payload of a capability/revoke envelope.
type RevokeRequestPayload struct {
	Recipient    string                 `json:"recipient"`
	Capabilities []types.CapabilityRule `json:"capabilities"`
}

// InviteRequestPayload is the payload of a space/invite envelope.
type InviteRequestPayload struct {
	ParticipantID       string                 `json:"participant_id"`
	Name                string                 `json:"name,omitempty"`
	Kind                string                 `json:"kind,omitempty"`
	InitialCapabilities []types.CapabilityRule `json:"initial_capabilities"`
}

// InviteAckPayload is the payload of a space/invite-ack envelope.
type InviteAckPayload struct {
	Status        string `json:"status"`
	Token         string `json:"token"`
	ParticipantID string `json:"participant_id"`
}

// StreamRequestPayload is the payload of a stream/request envelope.
type StreamRequestPayload struct {
	Direction    types.StreamDirection `json:"direction"`
	Description  string                `json:"description,omitempty"`
	Participants []string              `json:"participants,omitempty"`
}

// StreamOpenPayload is the payload of a stream/open envelope.
type StreamOpenPayload struct {
	StreamID  string                `json:"stream_id"`
	Direction types.StreamDirection `json:"direction"`
}

// StreamClosePayload is the payload of a stream/close envelope.
type StreamClosePayload struct {
	StreamID string `json:"stream_id"`
}

// StreamOpenAckPayload is sent back to a stream/open sender only when the
// router had to fan the open out to an independent child stream (more
// than one peer opening against the same stream/request).
type StreamOpenAckPayload struct {
	StreamID        string `json:"stream_id"`
	ParentRequestID string `json:"parent_request_id"`
}
