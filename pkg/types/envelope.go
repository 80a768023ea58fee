// Package types holds the wire-level data model shared by every gateway
// component: the envelope, participants, topics, capability rules, grants
// and stream records.
package types

import (
	"encoding/json"
	"time"
)

// Protocol is the envelope protocol tag this gateway speaks.
const Protocol = "mew/v0.4"

// Well-known envelope kinds the gateway handles specially. Any other kind
// passes through subject only to capability checks.
const (
	KindSystemWelcome     = "system/welcome"
	KindSystemError       = "system/error"
	KindSystemPing        = "system/ping"
	KindSystemPong        = "system/pong"
	KindPresence          = "presence"
	KindCapabilityGrant   = "capability/grant"
	KindCapabilityGrantAck = "capability/grant-ack"
	KindCapabilityRevoke  = "capability/revoke"
	KindSpaceInvite       = "space/invite"
	KindSpaceInviteAck    = "space/invite-ack"
	KindStreamRequest     = "stream/request"
	KindStreamOpen        = "stream/open"
	KindStreamOpenAck     = "stream/open-ack"
	KindStreamClose       = "stream/close"
)

// Presence event values carried in a `presence` envelope's payload.
const (
	PresenceJoin      = "join"
	PresenceLeave     = "leave"
	PresenceHeartbeat = "heartbeat"
	PresenceInvited   = "invited"
)

// Error codes returned in `system/error` envelopes and REST rejections.
const (
	ErrCodeCapabilityViolation     = "capability_violation"
	ErrCodeProtocolVersionMismatch = "protocol_version_mismatch"
	ErrCodeUnknownParticipant      = "unknown_participant"
	ErrCodeAlreadyExists           = "already_exists"
	ErrCodeMalformedEnvelope       = "malformed_envelope"
	ErrCodeRateLimited             = "rate_limited"
	ErrCodeSlowConsumer            = "slow_consumer"
	ErrCodeInternal                = "internal_error"
)

// GatewayParticipantID is the pseudo-identity used for envelopes the
// gateway synthesizes itself (welcome, presence, system errors, ...).
const GatewayParticipantID = "system:gateway"

// Envelope is the sole unit of routed traffic (spec §3).
type Envelope struct {
	Protocol      string          `json:"protocol"`
	ID            string          `json:"id"`
	TS            time.Time       `json:"ts"`
	From          string          `json:"from"`
	To            []string        `json:"to,omitempty"`
	Kind          string          `json:"kind"`
	CorrelationID []string        `json:"correlation_id,omitempty"`
	Context       string          `json:"context,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`

	// extra carries any fields not recognized above, preserved verbatim
	// through parse/serialize round-trips.
	extra map[string]json.RawMessage `json:"-"`
}

// IsBroadcast reports whether the envelope has no addressed recipients.
func (e *Envelope) IsBroadcast() bool {
	return len(e.To) == 0
}

// SetExtraFields stores fields not recognized by the envelope schema so
// they round-trip through parse/serialize unchanged.
func (e *Envelope) SetExtraFields(extra map[string]json.RawMessage) {
	e.extra = extra
}

// ExtraFields returns the fields not recognized by the envelope schema.
func (e *Envelope) ExtraFields() map[string]json.RawMessage {
	return e.extra
}

// Clone returns a value-independent copy of the envelope, suitable for
// placing into history rings and outbound queues independently.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.To != nil {
		c.To = append([]string(nil), e.To...)
	}
	if e.CorrelationID != nil {
		c.CorrelationID = append([]string(nil), e.CorrelationID...)
	}
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.extra != nil {
		c.extra = make(map[string]json.RawMessage, len(e.extra))
		for k, v := range e.extra {
			c.extra[k] = v
		}
	}
	return &c
}

// Participant is an authenticated identity within a topic (spec §3).
type Participant struct {
	ID           string
	Name         string
	Kind         string // "human" | "agent" | "robot" | other tag
	Capabilities []CapabilityRule
	Tokens       map[string]struct{}
	Status       string // "online" | "offline"
	LastSeen     time.Time
	Metadata     map[string]any
}

// RosterEntry is the capability-summary view of a participant sent in
// welcome/roster payloads; it never includes tokens.
type RosterEntry struct {
	ID           string           `json:"id"`
	Name         string           `json:"name,omitempty"`
	Kind         string           `json:"kind,omitempty"`
	Status       string           `json:"status"`
	Capabilities []CapabilityRule `json:"capabilities"`
}

// CapabilityRule is a structural pattern authorizing a participant to
// produce matching envelopes (spec §3, §4.2).
type CapabilityRule struct {
	Kind    string          `json:"kind"`
	To      []string        `json:"to,omitempty"`
	Payload map[string]any  `json:"payload,omitempty"`
}

// GrantStatus is the lifecycle state of a Grant.
type GrantStatus string

const (
	GrantPendingAck GrantStatus = "pending_ack"
	GrantActive     GrantStatus = "active"
	GrantRevoked    GrantStatus = "revoked"
	GrantExpired    GrantStatus = "expired"
)

// Grant is a capability added to a participant at runtime (spec §3, §4.6).
type Grant struct {
	ID           string
	Recipient    string
	Capabilities []CapabilityRule
	GrantedBy    string
	Reason       string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	Status       GrantStatus
	EnvelopeID   string // id of the capability/grant envelope that created this grant
}

// StreamDirection is the direction of binary data flow for a Stream.
type StreamDirection string

const (
	StreamUpload   StreamDirection = "upload"
	StreamDownload StreamDirection = "download"
)

// StreamState is the lifecycle state of a Stream.
type StreamState string

const (
	StreamRequested StreamState = "requested"
	StreamOpen      StreamState = "open"
	StreamClosed    StreamState = "closed"
	StreamExpired   StreamState = "expired"
)

// Stream is a registered out-of-band binary channel (spec §3, §4.7).
type Stream struct {
	ID              string
	ParentRequestID string // set when this stream is a fanout child of a multi-opener request
	Direction       StreamDirection
	Owner           string
	Participants    []string
	Description     string
	State           StreamState
	OpenedAt        time.Time
}
