// Package stream implements the binary-frame half of the stream
// subsystem (spec §4.7): a length-prefixed stream-id header the router
// uses to multiplex binary data frames onto the same transport as JSON
// envelopes, plus the pure stream-record helpers the Router's topic
// lock serializes around.
//
// Framing (the reference choice named in spec §9's open question):
// a 2-byte big-endian length prefix naming the stream id's byte length,
// followed by the stream id itself, followed by the raw payload bytes.
// This unambiguously identifies the stream id without touching the
// payload, and preserves arrival order because the router never
// reorders frames relative to a given inbound session.
package stream

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/mew-protocol/gateway/pkg/types"
)

// ErrFrameTooShort is returned when a binary frame doesn't even contain
// a length prefix.
var ErrFrameTooShort = errors.New("stream: frame shorter than header")

// ErrStreamIDTooLong is returned by Encode when the stream id would not
// fit the 2-byte length prefix (max 65535 bytes).
var ErrStreamIDTooLong = errors.New("stream: stream id exceeds header capacity")

const headerLen = 2

// Encode builds a framed binary message carrying streamID and payload.
func Encode(streamID string, payload []byte) ([]byte, error) {
	if len(streamID) > 0xFFFF {
		return nil, ErrStreamIDTooLong
	}
	out := make([]byte, headerLen+len(streamID)+len(payload))
	binary.BigEndian.PutUint16(out[:headerLen], uint16(len(streamID)))
	copy(out[headerLen:], streamID)
	copy(out[headerLen+len(streamID):], payload)
	return out, nil
}

// Decode extracts the stream id and payload from a framed binary
// message. It never copies or buffers beyond what's needed to read the
// header and the stream id itself.
func Decode(frame []byte) (streamID string, payload []byte, err error) {
	if len(frame) < headerLen {
		return "", nil, ErrFrameTooShort
	}
	idLen := int(binary.BigEndian.Uint16(frame[:headerLen]))
	if len(frame) < headerLen+idLen {
		return "", nil, ErrFrameTooShort
	}
	streamID = string(frame[headerLen : headerLen+idLen])
	payload = frame[headerLen+idLen:]
	return streamID, payload, nil
}

// New constructs an open Stream record for a newly registered stream.
func New(id, owner string, direction types.StreamDirection, participants []string, description string, openedAt time.Time) *types.Stream {
	return &types.Stream{
		ID:           id,
		Direction:    direction,
		Owner:        owner,
		Participants: participants,
		Description:  description,
		State:        types.StreamOpen,
		OpenedAt:     openedAt,
	}
}

// CanRelay reports whether fromParticipant may send binary frames on s —
// either the owner or one of the stream's registered participants.
func CanRelay(s *types.Stream, fromParticipant string) bool {
	if s == nil || s.State != types.StreamOpen {
		return false
	}
	if s.Owner == fromParticipant {
		return true
	}
	for _, p := range s.Participants {
		if p == fromParticipant {
			return true
		}
	}
	return false
}

// RelayTargets returns every participant that should receive a frame
// sent by fromParticipant on s (everyone else registered on the stream).
func RelayTargets(s *types.Stream, fromParticipant string) []string {
	targets := make([]string, 0, len(s.Participants)+1)
	if s.Owner != fromParticipant {
		targets = append(targets, s.Owner)
	}
	for _, p := range s.Participants {
		if p != fromParticipant {
			targets = append(targets, p)
		}
	}
	return targets
}
