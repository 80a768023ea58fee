// Package audit persists grant, revoke and invite decisions to Postgres —
// a durable ledger separate from the in-memory history ring, which only
// remembers the configured window of recent envelopes per topic.
package audit

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mew-protocol/gateway/pkg/types"
)

// Record is one durable ledger entry. Kind is one of the
// types.KindCapability*/types.KindSpaceInvite* constants.
type Record struct {
	ID          int64
	Topic       string
	Kind        string
	EnvelopeID  string
	FromParticipant string
	ToParticipant   string
	Detail      string
	OccurredAt  time.Time
}

// Store writes ledger entries to a Postgres table, pooling connections
// with pgxpool. Pool sizing follows the same env-var contract the rest
// of the gateway uses for external stores.
type Store struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id BIGSERIAL PRIMARY KEY,
	topic TEXT NOT NULL,
	kind TEXT NOT NULL,
	envelope_id TEXT NOT NULL,
	from_participant TEXT NOT NULL,
	to_participant TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL,
	UNIQUE(envelope_id, kind)
)`

// NewStore connects to connString, applying MEW_AUDIT_DB_MAX_CONNS,
// MEW_AUDIT_DB_MIN_CONNS, MEW_AUDIT_DB_MAX_CONN_LIFETIME and
// MEW_AUDIT_DB_MAX_CONN_IDLE_TIME overrides, and ensures the audit_log
// table exists.
func NewStore(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to parse connection string: %w", err)
	}

	cfg.MaxConns = int32(getEnvInt("MEW_AUDIT_DB_MAX_CONNS", 10))
	cfg.MinConns = int32(getEnvInt("MEW_AUDIT_DB_MIN_CONNS", 2))
	cfg.MaxConnLifetime = getEnvDuration("MEW_AUDIT_DB_MAX_CONN_LIFETIME", time.Hour)
	cfg.MaxConnIdleTime = getEnvDuration("MEW_AUDIT_DB_MAX_CONN_IDLE_TIME", 30*time.Minute)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to create connection pool: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: failed to ensure schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// RecordGrant appends a capability/grant entry. A duplicate envelope
// ID for the same kind is ignored rather than erroring, since grants
// can be retried over an unreliable transport.
func (s *Store) RecordGrant(ctx context.Context, topic string, g *types.Grant, at time.Time) error {
	return s.insert(ctx, topic, types.KindCapabilityGrant, g.EnvelopeID, g.GrantedBy, g.Recipient, string(g.Status), at)
}

// RecordGrantAck appends the acknowledgment of a previously recorded grant.
func (s *Store) RecordGrantAck(ctx context.Context, topic string, env *types.Envelope, grantEnvelopeID string, at time.Time) error {
	return s.insert(ctx, topic, types.KindCapabilityGrantAck, env.ID, env.From, grantEnvelopeID, "", at)
}

// RecordRevoke appends a capability/revoke entry.
func (s *Store) RecordRevoke(ctx context.Context, topic string, env *types.Envelope, target string, at time.Time) error {
	return s.insert(ctx, topic, types.KindCapabilityRevoke, env.ID, env.From, target, "", at)
}

// RecordInvite appends a space/invite entry.
func (s *Store) RecordInvite(ctx context.Context, topic string, env *types.Envelope, invitedParticipant string, at time.Time) error {
	return s.insert(ctx, topic, types.KindSpaceInvite, env.ID, env.From, invitedParticipant, "", at)
}

func (s *Store) insert(ctx context.Context, topic, kind, envelopeID, from, to, detail string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (topic, kind, envelope_id, from_participant, to_participant, detail, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (envelope_id, kind) DO NOTHING`,
		topic, kind, envelopeID, from, to, detail, at,
	)
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", kind, err)
	}
	return nil
}

// ForTopic returns the most recent limit ledger entries for topic,
// newest first.
func (s *Store) ForTopic(ctx context.Context, topic string, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, topic, kind, envelope_id, from_participant, to_participant, detail, occurred_at
		 FROM audit_log WHERE topic = $1 ORDER BY occurred_at DESC LIMIT $2`,
		topic, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Topic, &r.Kind, &r.EnvelopeID, &r.FromParticipant, &r.ToParticipant, &r.Detail, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
