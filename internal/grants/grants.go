// Package grants implements the pure decision logic behind the runtime
// capability engine (spec §4.6): constructing grant records, validating
// the ack integrity rule, and computing revoke set algebra. The Router
// owns the actual grant state and invokes these functions under the
// topic lock; nothing here holds state of its own.
package grants

import (
	"errors"
	"time"

	"github.com/mew-protocol/gateway/internal/capability"
	"github.com/mew-protocol/gateway/internal/codec"
	"github.com/mew-protocol/gateway/pkg/types"
)

// ErrAckWrongSender is returned when a capability/grant-ack's `from`
// does not equal the grant's recipient — the one integrity rule the
// gateway must never bend, per spec §4.6.
var ErrAckWrongSender = errors.New("grants: only the recipient may ack their own grant")

// ErrAckMissingCorrelation is returned when an ack does not correlate to
// the grant envelope it claims to acknowledge.
var ErrAckMissingCorrelation = errors.New("grants: ack does not correlate to the grant envelope")

// ErrAlreadyActive is returned when a grant has already been acked; a
// second ack is a no-op, not an error, per spec §8 idempotence laws —
// callers should treat this as "nothing to do", not surface it to users.
var ErrAlreadyActive = errors.New("grants: grant already active")

// New constructs a pending_ack Grant for a capability/grant envelope.
func New(id, recipient, grantedBy, reason, envelopeID string, caps []types.CapabilityRule, expiresAt *time.Time, now time.Time) *types.Grant {
	return &types.Grant{
		ID:           id,
		Recipient:    recipient,
		Capabilities: caps,
		GrantedBy:    grantedBy,
		Reason:       reason,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		Status:       types.GrantPendingAck,
		EnvelopeID:   envelopeID,
	}
}

// ValidateAck enforces spec §4.6's integrity rule: only g.Recipient may
// emit the ack, and it must correlate to the original grant envelope.
// A second ack for an already-active grant returns ErrAlreadyActive so
// callers can drop it silently (spec §8: "double-acking is a no-op").
func ValidateAck(g *types.Grant, ackFrom string, correlationIDs []string) error {
	if g.Status == types.GrantActive {
		return ErrAlreadyActive
	}
	if ackFrom != g.Recipient {
		return ErrAckWrongSender
	}
	for _, id := range correlationIDs {
		if id == g.EnvelopeID {
			return nil
		}
	}
	return ErrAckMissingCorrelation
}

// IsExpired reports whether a pending grant's ack window has elapsed.
func IsExpired(g *types.Grant, ackTimeout time.Duration, now time.Time) bool {
	if g.Status != types.GrantPendingAck {
		return false
	}
	return now.Sub(g.CreatedAt) > ackTimeout
}

// ApplyRevoke removes every rule in effective that conflicts with any
// pattern in patterns (spec §4.6: "matching uses conflicts() from the
// matcher"), returning the filtered slice.
func ApplyRevoke(effective []types.CapabilityRule, patterns []types.CapabilityRule) []types.CapabilityRule {
	out := make([]types.CapabilityRule, 0, len(effective))
	for _, rule := range effective {
		revoked := false
		for _, pattern := range patterns {
			if capability.Conflicts(pattern, rule) {
				revoked = true
				break
			}
		}
		if !revoked {
			out = append(out, rule)
		}
	}
	return out
}

// NewToken mints an opaque bearer token for a newly invited participant.
func NewToken() string {
	return codec.NewID()
}
