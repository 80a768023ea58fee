// Package mirror fans accepted envelopes out to optional external
// sinks — a durable audit trail separate from the in-memory history
// ring. Two transports are supported, following the gateway's wider
// project: RabbitMQ via a single-channel publisher, and AWS SQS.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mew-protocol/gateway/internal/codec"
	"github.com/mew-protocol/gateway/pkg/types"
)

// Sink receives a copy of every envelope the router accepts for a
// topic. Implementations must not block the router's delivery path for
// long; mirroring is best-effort.
type Sink interface {
	Mirror(ctx context.Context, topic string, env *types.Envelope) error
	Close() error
}

// Fanout mirrors to every configured sink. One failing sink does not
// stop the others from being tried; Mirror reports the first failure to
// its caller and does no logging itself.
type Fanout struct {
	sinks []Sink
}

// NewFanout builds a Fanout over the given sinks (nil sinks are
// skipped).
func NewFanout(sinks ...Sink) *Fanout {
	out := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			out.sinks = append(out.sinks, s)
		}
	}
	return out
}

// Mirror sends env to every configured sink. It returns the first error
// encountered (after attempting all sinks) so callers can log it, but
// mirroring is never on the router's critical path.
func (f *Fanout) Mirror(ctx context.Context, topic string, env *types.Envelope) error {
	var firstErr error
	for _, s := range f.sinks {
		if err := s.Mirror(ctx, topic, env); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mirror: %w", err)
		}
	}
	return firstErr
}

// Close closes every configured sink.
func (f *Fanout) Close() error {
	var firstErr error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// mirroredEnvelope is the wire shape written to external sinks: the
// topic name alongside the envelope's full wire encoding (including any
// unrecognized fields Parse preserved), since sinks have no other way to
// know which space an envelope belonged to.
type mirroredEnvelope struct {
	Topic    string          `json:"topic"`
	Envelope json.RawMessage `json:"envelope"`
}

func encode(topic string, env *types.Envelope) ([]byte, error) {
	wire, err := codec.Serialize(env)
	if err != nil {
		return nil, err
	}
	return json.Marshal(mirroredEnvelope{Topic: topic, Envelope: wire})
}
