// Package history implements the bounded per-topic envelope ring
// described in spec §4.5. It is single-writer (the router) per topic and
// is never persisted across restarts.
package history

import (
	"sync"
	"time"

	"github.com/mew-protocol/gateway/pkg/types"
)

// entry pairs a stored envelope with its serialized size, so the ring
// can enforce a byte budget without re-marshaling on every eviction
// check.
type entry struct {
	env  *types.Envelope
	size int
}

// Ring is a FIFO bounded history of accepted envelopes for one topic.
// It never exceeds its configured count OR byte budget, whichever is
// hit first.
type Ring struct {
	mu        sync.RWMutex
	entries   []entry
	maxCount  int
	maxBytes  int
	curBytes  int
}

// Config bounds a Ring. A zero value for either field disables that
// particular budget.
type Config struct {
	MaxCount int
	MaxBytes int
}

// New creates an empty Ring with the given bounds.
func New(cfg Config) *Ring {
	return &Ring{maxCount: cfg.MaxCount, maxBytes: cfg.MaxBytes}
}

// approxSize is a cheap stand-in for the serialized envelope size,
// avoiding a full marshal on every append on the router's hot path.
func approxSize(env *types.Envelope) int {
	size := len(env.ID) + len(env.From) + len(env.Kind) + len(env.Context) + len(env.Payload) + 64
	for _, t := range env.To {
		size += len(t)
	}
	for _, c := range env.CorrelationID {
		size += len(c)
	}
	return size
}

// Append inserts env at the tail, evicting the oldest entries until both
// budgets are satisfied. The stored copy is independent of env.
func (r *Ring) Append(env *types.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := entry{env: env.Clone(), size: approxSize(env)}
	r.entries = append(r.entries, e)
	r.curBytes += e.size

	for r.overBudget() {
		evicted := r.entries[0]
		r.entries = r.entries[1:]
		r.curBytes -= evicted.size
	}
}

func (r *Ring) overBudget() bool {
	if r.maxCount > 0 && len(r.entries) > r.maxCount {
		return true
	}
	if r.maxBytes > 0 && r.curBytes > r.maxBytes {
		return true
	}
	return false
}

// Query parameters for paginating history (spec §4.5). BeforeID wins
// when both BeforeID and BeforeTS are supplied.
type Query struct {
	Limit    int
	BeforeID string
	BeforeTS *int64 // unix nanos; nil means unset
}

// Query returns up to Limit envelopes, in insertion order, matching the
// pagination cursor.
func (r *Ring) Query(q Query) []*types.Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	end := len(r.entries)
	if q.BeforeID != "" {
		for i, e := range r.entries {
			if e.env.ID == q.BeforeID {
				end = i
				break
			}
		}
	} else if q.BeforeTS != nil {
		for i, e := range r.entries {
			if e.env.TS.UnixNano() >= *q.BeforeTS {
				end = i
				break
			}
		}
	}

	start := 0
	if q.Limit > 0 && end-q.Limit > 0 {
		start = end - q.Limit
	}
	if start > end {
		start = end
	}

	out := make([]*types.Envelope, 0, end-start)
	for _, e := range r.entries[start:end] {
		out = append(out, e.env)
	}
	return out
}

// Since returns every retained envelope stamped strictly after ts, in
// insertion order — a convenience cursor for callers that want "what
// happened since I last looked" instead of a BeforeID/BeforeTS page walk.
func (r *Ring) Since(ts time.Time) []*types.Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := len(r.entries)
	for i, e := range r.entries {
		if e.env.TS.After(ts) {
			start = i
			break
		}
	}

	out := make([]*types.Envelope, 0, len(r.entries)-start)
	for _, e := range r.entries[start:] {
		out = append(out, e.env)
	}
	return out
}

// Snapshot returns every retained envelope in insertion order.
func (r *Ring) Snapshot() []*types.Envelope {
	return r.Query(Query{})
}

// Len reports the number of envelopes currently retained.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
