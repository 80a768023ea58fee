// Package codec parses and serializes the MEW wire envelope and mints
// envelope ids. It is the gateway's sole boundary between untyped bytes
// off the wire and the typed Envelope used by the rest of the system.
package codec

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mew-protocol/gateway/pkg/types"
)

// ParseError reports why an inbound frame was rejected before it ever
// reaches the capability matcher or router.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "malformed envelope: " + e.Reason }

var knownFields = map[string]struct{}{
	"protocol": {}, "id": {}, "ts": {}, "from": {}, "to": {},
	"kind": {}, "correlation_id": {}, "context": {}, "payload": {},
}

// Parse decodes a single JSON object into an Envelope. It rejects input
// that is not a single JSON object, has no recognized protocol tag, or
// has fields of the wrong semantic type. Unknown extra fields are kept
// so Serialize can round-trip them.
func Parse(data []byte) (*types.Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Reason: "not a single JSON object"}
	}

	env := &types.Envelope{}

	if v, ok := raw["protocol"]; ok {
		if err := json.Unmarshal(v, &env.Protocol); err != nil {
			return nil, &ParseError{Reason: "protocol must be a string"}
		}
	}
	if env.Protocol == "" {
		return nil, &ParseError{Reason: "missing protocol"}
	}

	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &env.ID); err != nil {
			return nil, &ParseError{Reason: "id must be a string"}
		}
	}
	if v, ok := raw["ts"]; ok {
		if err := json.Unmarshal(v, &env.TS); err != nil {
			return nil, &ParseError{Reason: "ts must be an RFC3339 timestamp"}
		}
	}
	if v, ok := raw["from"]; ok {
		if err := json.Unmarshal(v, &env.From); err != nil {
			return nil, &ParseError{Reason: "from must be a string"}
		}
	}
	if v, ok := raw["to"]; ok {
		if err := json.Unmarshal(v, &env.To); err != nil {
			return nil, &ParseError{Reason: "to must be a list of strings"}
		}
	}
	if v, ok := raw["kind"]; ok {
		if err := json.Unmarshal(v, &env.Kind); err != nil {
			return nil, &ParseError{Reason: "kind must be a string"}
		}
	}
	if env.Kind == "" {
		return nil, &ParseError{Reason: "missing kind"}
	}
	if v, ok := raw["correlation_id"]; ok {
		if err := json.Unmarshal(v, &env.CorrelationID); err != nil {
			return nil, &ParseError{Reason: "correlation_id must be a list of strings"}
		}
	}
	if v, ok := raw["context"]; ok {
		if err := json.Unmarshal(v, &env.Context); err != nil {
			return nil, &ParseError{Reason: "context must be a string"}
		}
	}
	if v, ok := raw["payload"]; ok {
		env.Payload = append(json.RawMessage(nil), v...)
	}

	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if _, known := knownFields[k]; known {
			continue
		}
		extra[k] = v
	}
	env.SetExtraFields(extra)

	return env, nil
}

// Serialize encodes an Envelope back to JSON, restoring any unknown
// fields captured by Parse.
func Serialize(env *types.Envelope) ([]byte, error) {
	out := map[string]json.RawMessage{}

	for k, v := range env.ExtraFields() {
		out[k] = v
	}

	set := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = b
		return nil
	}

	if err := set("protocol", env.Protocol); err != nil {
		return nil, err
	}
	if err := set("id", env.ID); err != nil {
		return nil, err
	}
	if err := set("ts", env.TS.Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}
	if err := set("from", env.From); err != nil {
		return nil, err
	}
	if len(env.To) > 0 {
		if err := set("to", env.To); err != nil {
			return nil, err
		}
	}
	if err := set("kind", env.Kind); err != nil {
		return nil, err
	}
	if len(env.CorrelationID) > 0 {
		if err := set("correlation_id", env.CorrelationID); err != nil {
			return nil, err
		}
	}
	if env.Context != "" {
		if err := set("context", env.Context); err != nil {
			return nil, err
		}
	}
	if len(env.Payload) > 0 {
		out["payload"] = env.Payload
	}

	return json.Marshal(out)
}

// idEncoding renders raw entropy as a compact, URL-safe opaque string.
var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID produces an opaque id with at least 96 bits of randomness, ample
// for negligible collision odds within any plausible history retention
// window.
func NewID() string {
	var buf [16]byte // 128 bits
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is a fatal environment problem; fall back to
		// a low-entropy but non-empty id rather than panic on a hot path.
		return fmt.Sprintf("id-fallback-%d", time.Now().UnixNano())
	}
	return idEncoding.EncodeToString(buf[:])
}
