// Package topic implements the per-topic admission pipeline: capability
// checks, kind-specific handling for the runtime protocol envelopes,
// history, presence, and fan-out (spec §4.4).
//
// A Router owns all topic state behind a single mutex. Sessions hold
// only a participant-id + topic-name handle; the Router is the sole
// lookup authority, so the arena pattern in spec §9 never lets a
// session dereference topic state directly.
package topic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mew-protocol/gateway/internal/capability"
	"github.com/mew-protocol/gateway/internal/codec"
	"github.com/mew-protocol/gateway/internal/grants"
	"github.com/mew-protocol/gateway/internal/history"
	"github.com/mew-protocol/gateway/internal/session"
	"github.com/mew-protocol/gateway/internal/stream"
	"github.com/mew-protocol/gateway/pkg/types"
)

// Config bounds one topic's runtime behavior.
type Config struct {
	Name                 string
	MaxParticipants      int
	HistoryLimit         int
	HistoryMaxBytes      int
	HistoryOnJoin        int
	GrantAckTimeout      time.Duration
	StreamOpenTimeout    time.Duration
}

// DefaultConfig matches the defaults named in spec §4.4/§5.
func DefaultConfig(name string) Config {
	return Config{
		Name:              name,
		MaxParticipants:   50,
		HistoryLimit:      1000,
		HistoryMaxBytes:   10 << 20,
		HistoryOnJoin:     100,
		GrantAckTimeout:   60 * time.Second,
		StreamOpenTimeout: 30 * time.Second,
	}
}

// Router is the single authority for one topic's participants, sessions,
// capability state, grants, and streams.
type Router struct {
	cfg Config

	mu           sync.Mutex
	participants map[string]*types.Participant
	sessions     map[string]*session.Session // participant id -> active session
	effective    map[string][]types.CapabilityRule
	grants       map[string]*types.Grant
	streams      map[string]*types.Stream

	history *history.Ring

	mirror  Mirror
	audit   AuditRecorder
	metrics MetricsRecorder

	now func() time.Time
}

// Mirror fans an accepted envelope out to an external sink — satisfied
// by *mirror.Fanout, kept as a narrow interface here so this package
// never needs to import the transports mirror speaks.
type Mirror interface {
	Mirror(ctx context.Context, topic string, env *types.Envelope) error
}

// AuditRecorder durably records capability decisions — satisfied by
// *audit.Store.
type AuditRecorder interface {
	RecordGrant(ctx context.Context, topic string, g *types.Grant, at time.Time) error
	RecordGrantAck(ctx context.Context, topic string, env *types.Envelope, grantEnvelopeID string, at time.Time) error
	RecordRevoke(ctx context.Context, topic string, env *types.Envelope, target string, at time.Time) error
	RecordInvite(ctx context.Context, topic string, env *types.Envelope, invitedParticipant string, at time.Time) error
}

// MetricsRecorder records admission-pipeline and capability-engine
// events — satisfied by *metrics.Metrics, kept narrow so this package
// never needs to import prometheus directly.
type MetricsRecorder interface {
	EnvelopeIngested(topic, kind string)
	CapabilityDenied(topic, kind string)
	GrantEvent(topic, event string)
	SetHistorySize(topic string, n int)
	ObserveDeliveryLatency(topic string, seconds float64)
}

// RejectionError is returned by Inject when an envelope fails admission.
// Code is one of the spec's canonical error strings (the same ones a
// WebSocket session would get in a system/error envelope), unwrapped so
// REST callers can surface it verbatim.
type RejectionError struct {
	Code string
}

func (e *RejectionError) Error() string { return e.Code }

// NewRouter constructs an empty Router for one topic.
func NewRouter(cfg Config) *Router {
	return &Router{
		cfg:          cfg,
		participants: make(map[string]*types.Participant),
		sessions:     make(map[string]*session.Session),
		effective:    make(map[string][]types.CapabilityRule),
		grants:       make(map[string]*types.Grant),
		streams:      make(map[string]*types.Stream),
		history:      history.New(history.Config{MaxCount: cfg.HistoryLimit, MaxBytes: cfg.HistoryMaxBytes}),
		now:          time.Now,
	}
}

// SetMirror attaches an external fan-out sink; every envelope the
// admission pipeline accepts is mirrored to it after delivery.
func (r *Router) SetMirror(m Mirror) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mirror = m
}

// SetAudit attaches a durable ledger; grant, grant-ack, revoke and
// invite decisions are recorded to it as they are applied.
func (r *Router) SetAudit(a AuditRecorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = a
}

// SetMetrics attaches the collector recording admission, capability and
// delivery events for this topic.
func (r *Router) SetMetrics(m MetricsRecorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// AddParticipant registers a participant's static identity and base
// capabilities, typically from topic configuration at startup.
func (r *Router) AddParticipant(p *types.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[p.ID] = p
	r.effective[p.ID] = append([]types.CapabilityRule(nil), p.Capabilities...)
}

// AddToken binds an additional bearer token to an already-registered
// participant, used by the dev-only token-issuance endpoint (spec §4.8).
// It is a no-op if the participant is unknown.
func (r *Router) AddToken(participantID, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[participantID]
	if !ok {
		return
	}
	if p.Tokens == nil {
		p.Tokens = make(map[string]struct{})
	}
	p.Tokens[token] = struct{}{}
}

// Authenticate looks up a participant by bearer token, returning its id.
func (r *Router) Authenticate(token string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.participants {
		if _, ok := p.Tokens[token]; ok {
			return p.ID, true
		}
	}
	return "", false
}

// Join admits a new session for participantID: it displaces any existing
// session for the same participant (spec §4.4 "last writer wins"),
// assembles and sends the welcome envelope, and broadcasts a join
// presence event.
func (r *Router) Join(ctx context.Context, participantID string, sess *session.Session) error {
	r.mu.Lock()
	p, ok := r.participants[participantID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("topic: unknown participant %q", participantID)
	}
	if len(r.sessions) >= r.cfg.MaxParticipants {
		if _, already := r.sessions[participantID]; !already {
			r.mu.Unlock()
			return fmt.Errorf("topic: %q at capacity", r.cfg.Name)
		}
	}

	old, displaced := r.sessions[participantID]
	r.sessions[participantID] = sess
	p.Status = "online"
	p.LastSeen = r.now()

	welcome := r.buildWelcomeLocked(participantID)
	r.mu.Unlock()

	// The new session is already the session of record by the time we
	// close the old one, so HandleClose's current-session check makes
	// that a no-op (spec §4.3: "last writer wins") and the leave below
	// is the only leave emitted for this displacement.
	if displaced {
		old.Close(session.CloseDisplaced)
		r.broadcastPresence(ctx, types.PresenceLeave, participantID)
	}

	if err := sess.Send(welcome); err != nil {
		slog.Warn("failed to send welcome", "participant", participantID, "error", err)
	}

	r.broadcastPresence(ctx, types.PresenceJoin, participantID)
	return nil
}

func (r *Router) buildWelcomeLocked(participantID string) *types.Envelope {
	roster := make([]types.RosterEntry, 0, len(r.participants))
	for id, p := range r.participants {
		roster = append(roster, types.RosterEntry{
			ID:           id,
			Name:         p.Name,
			Kind:         p.Kind,
			Status:       p.Status,
			Capabilities: r.effective[id],
		})
	}

	hist := r.history.Query(history.Query{Limit: r.cfg.HistoryOnJoin})

	payload := WelcomePayload{
		ParticipantID: participantID,
		Participants:  roster,
		History:       hist,
		Capabilities: WelcomeCapabilities{
			History: HistoryHint{Enabled: r.cfg.HistoryOnJoin > 0, Limit: r.cfg.HistoryOnJoin},
			Streams: true,
		},
	}
	return r.systemEnvelope(types.KindSystemWelcome, []string{participantID}, payload)
}

func (r *Router) systemEnvelope(kind string, to []string, payload any) *types.Envelope {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal system payload", "kind", kind, "error", err)
		body = nil
	}
	return &types.Envelope{
		Protocol: types.Protocol,
		ID:       codec.NewID(),
		TS:       r.now(),
		From:     types.GatewayParticipantID,
		To:       to,
		Kind:     kind,
		Payload:  body,
	}
}

// broadcastPresence sends a presence event to every connected session
// except the subject's own, so a participant never receives presence
// about itself.
func (r *Router) broadcastPresence(ctx context.Context, event, subjectID string) {
	env := r.systemEnvelope(types.KindPresence, nil, PresencePayload{Event: event, ParticipantID: subjectID})

	r.mu.Lock()
	targets := make([]*session.Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id != subjectID {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		if err := s.Send(env); err != nil {
			slog.Debug("dropping presence on slow consumer", "participant", s.ParticipantID, "error", err)
		}
	}
}

// HandleClose is invoked by the transport layer when a session's
// connection ends. It removes the session (if it's still the session of
// record; a displaced session closing late is a no-op) and broadcasts a
// leave presence event.
func (r *Router) HandleClose(ctx context.Context, sess *session.Session, reason session.CloseReason) {
	r.mu.Lock()
	current, ok := r.sessions[sess.ParticipantID]
	if !ok || current != sess {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sess.ParticipantID)
	if p, ok := r.participants[sess.ParticipantID]; ok {
		p.Status = "offline"
		p.LastSeen = r.now()
	}
	r.mu.Unlock()

	if reason != session.CloseDisplaced {
		r.broadcastPresence(ctx, types.PresenceLeave, sess.ParticipantID)
	}
}

// Ingress is the admission pipeline entrypoint for an envelope arriving
// over a live session (spec §4.4 steps 1-7): stamp, validate protocol,
// check capability, run kind-specific handling, append to history, and
// fan out.
func (r *Router) Ingress(ctx context.Context, sess *session.Session, env *types.Envelope) {
	env.From = sess.ParticipantID
	if env.ID == "" {
		env.ID = codec.NewID()
	}
	env.TS = r.now()

	if env.Protocol != types.Protocol {
		r.sendError(sess, types.ErrCodeProtocolVersionMismatch, "unsupported protocol", env.Kind)
		return
	}

	if env.Kind != types.KindSystemPing {
		r.mu.Lock()
		rules := r.effective[sess.ParticipantID]
		m := r.metrics
		r.mu.Unlock()

		if !capability.Allows(rules, env) {
			if m != nil {
				m.CapabilityDenied(r.cfg.Name, env.Kind)
			}
			r.sendError(sess, types.ErrCodeCapabilityViolation, "no capability matches this envelope", env.Kind)
			return
		}
	}

	if !r.dispatch(ctx, sess, env) {
		return
	}

	r.mu.Lock()
	r.history.Append(env)
	n := r.history.Len()
	m := r.metrics
	r.mu.Unlock()

	if m != nil {
		m.EnvelopeIngested(r.cfg.Name, env.Kind)
		m.SetHistorySize(r.cfg.Name, n)
	}

	r.deliver(ctx, env, true)
	r.mirrorEnvelope(ctx, env)
}

// Inject lets the HTTP admin surface feed an envelope through exactly
// the same pipeline a WebSocket session would use (spec §4.4
// "REST injection uses the identical pipeline"), except the sender has
// no live session to receive a synchronous error back on; failures are
// returned to the caller instead.
func (r *Router) Inject(ctx context.Context, fromParticipant string, env *types.Envelope) error {
	env.From = fromParticipant
	if env.ID == "" {
		env.ID = codec.NewID()
	}
	env.TS = r.now()
	if env.Protocol == "" {
		env.Protocol = types.Protocol
	}
	if env.Protocol != types.Protocol {
		return &RejectionError{Code: types.ErrCodeProtocolVersionMismatch}
	}

	r.mu.Lock()
	rules := r.effective[fromParticipant]
	m := r.metrics
	r.mu.Unlock()

	if !capability.Allows(rules, env) {
		if m != nil {
			m.CapabilityDenied(r.cfg.Name, env.Kind)
		}
		return &RejectionError{Code: types.ErrCodeCapabilityViolation}
	}

	if !r.dispatch(ctx, nil, env) {
		return &RejectionError{Code: types.ErrCodeMalformedEnvelope}
	}

	r.mu.Lock()
	r.history.Append(env)
	n := r.history.Len()
	r.mu.Unlock()

	if m != nil {
		m.EnvelopeIngested(r.cfg.Name, env.Kind)
		m.SetHistorySize(r.cfg.Name, n)
	}

	r.deliver(ctx, env, true)
	r.mirrorEnvelope(ctx, env)
	return nil
}

// mirrorEnvelope best-effort fans env out to the attached external
// sink, if any. The sink is called synchronously after delivery and
// without the topic lock held; a sink error is logged and never fails
// the admission pipeline.
func (r *Router) mirrorEnvelope(ctx context.Context, env *types.Envelope) {
	r.mu.Lock()
	m := r.mirror
	r.mu.Unlock()
	if m == nil {
		return
	}
	if err := m.Mirror(ctx, r.cfg.Name, env); err != nil {
		slog.Debug("failed to mirror envelope", "topic", r.cfg.Name, "error", err)
	}
}

// dispatch runs kind-specific side effects for the runtime protocol
// envelopes. It returns false when the envelope should be dropped
// instead of fanned out (an error was already sent to sess, if any).
func (r *Router) dispatch(ctx context.Context, sess *session.Session, env *types.Envelope) bool {
	switch env.Kind {
	case types.KindCapabilityGrant:
		return r.handleGrant(ctx, sess, env)
	case types.KindCapabilityGrantAck:
		return r.handleGrantAck(ctx, sess, env)
	case types.KindCapabilityRevoke:
		return r.handleRevoke(ctx, sess, env)
	case types.KindSpaceInvite:
		return r.handleInvite(ctx, sess, env)
	case types.KindStreamRequest:
		return r.handleStreamRequest(sess, env)
	case types.KindStreamOpen:
		return r.handleStreamOpen(ctx, sess, env)
	case types.KindStreamClose:
		return r.handleStreamClose(sess, env)
	case types.KindSystemPing:
		return r.handlePing(sess, env)
	default:
		return true
	}
}

func (r *Router) handleGrant(ctx context.Context, sess *session.Session, env *types.Envelope) bool {
	var req GrantRequestPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		r.sendError(sess, types.ErrCodeMalformedEnvelope, "invalid capability/grant payload", env.Kind)
		return false
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err == nil {
			expiresAt = &t
		}
	}

	g := grants.New(codec.NewID(), req.Recipient, env.From, req.Reason, env.ID, req.Capabilities, expiresAt, r.now())

	r.mu.Lock()
	if _, ok := r.participants[req.Recipient]; !ok {
		r.mu.Unlock()
		r.sendError(sess, types.ErrCodeUnknownParticipant, "grant recipient is not a topic participant", env.Kind)
		return false
	}
	r.grants[g.ID] = g
	audit := r.audit
	m := r.metrics
	r.mu.Unlock()

	if audit != nil {
		if err := audit.RecordGrant(ctx, r.cfg.Name, g, r.now()); err != nil {
			slog.Debug("failed to audit grant", "topic", r.cfg.Name, "error", err)
		}
	}
	if m != nil {
		m.GrantEvent(r.cfg.Name, "granted")
	}

	return true
}

// correlatesToGrant reports whether env's correlation_id contains grantEnvelopeID
// (spec §4.6: "correlation_id contains the grant envelope id" — not
// "is", since an ack may correlate to more than one thing).
func correlatesToGrant(env *types.Envelope, grantEnvelopeID string) bool {
	for _, id := range env.CorrelationID {
		if id == grantEnvelopeID {
			return true
		}
	}
	return false
}

func (r *Router) handleGrantAck(ctx context.Context, sess *session.Session, env *types.Envelope) bool {
	r.mu.Lock()
	var target *types.Grant
	for _, g := range r.grants {
		if correlatesToGrant(env, g.EnvelopeID) {
			target = g
			break
		}
	}
	if target == nil {
		r.mu.Unlock()
		r.sendError(sess, types.ErrCodeMalformedEnvelope, "grant-ack does not correlate to any known grant", env.Kind)
		return false
	}

	err := grants.ValidateAck(target, env.From, env.CorrelationID)
	switch err {
	case nil:
		target.Status = types.GrantActive
		r.effective[target.Recipient] = append(r.effective[target.Recipient], target.Capabilities...)
		grantEnvelopeID := target.EnvelopeID
		audit := r.audit
		m := r.metrics
		r.mu.Unlock()
		if audit != nil {
			if err := audit.RecordGrantAck(ctx, r.cfg.Name, env, grantEnvelopeID, r.now()); err != nil {
				slog.Debug("failed to audit grant-ack", "topic", r.cfg.Name, "error", err)
			}
		}
		if m != nil {
			m.GrantEvent(r.cfg.Name, "acked")
		}
		return true
	case grants.ErrAlreadyActive:
		r.mu.Unlock()
		return false
	default:
		r.mu.Unlock()
		r.sendError(sess, types.ErrCodeCapabilityViolation, err.Error(), env.Kind)
		return false
	}
}

func (r *Router) handleRevoke(ctx context.Context, sess *session.Session, env *types.Envelope) bool {
	var req RevokeRequestPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		r.sendError(sess, types.ErrCodeMalformedEnvelope, "invalid capability/revoke payload", env.Kind)
		return false
	}

	r.mu.Lock()
	r.effective[req.Recipient] = grants.ApplyRevoke(r.effective[req.Recipient], req.Capabilities)
	for _, g := range r.grants {
		if g.Recipient == req.Recipient && g.Status == types.GrantActive {
			for _, pattern := range req.Capabilities {
				for _, rule := range g.Capabilities {
					if capability.Conflicts(pattern, rule) {
						g.Status = types.GrantRevoked
					}
				}
			}
		}
	}
	audit := r.audit
	m := r.metrics
	r.mu.Unlock()

	if m != nil {
		m.GrantEvent(r.cfg.Name, "revoked")
	}
	if audit != nil {
		if err := audit.RecordRevoke(ctx, r.cfg.Name, env, req.Recipient, r.now()); err != nil {
			slog.Debug("failed to audit revoke", "topic", r.cfg.Name, "error", err)
		}
	}
	return true
}

func (r *Router) handleInvite(ctx context.Context, sess *session.Session, env *types.Envelope) bool {
	var req InviteRequestPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		r.sendError(sess, types.ErrCodeMalformedEnvelope, "invalid space/invite payload", env.Kind)
		return false
	}

	id := req.ParticipantID
	if id == "" {
		id = codec.NewID()
	}
	token := grants.NewToken()

	r.mu.Lock()
	if _, exists := r.participants[id]; exists {
		r.mu.Unlock()
		r.sendError(sess, types.ErrCodeAlreadyExists, "participant already exists", env.Kind)
		return false
	}
	p := &types.Participant{
		ID:           id,
		Name:         req.Name,
		Kind:         req.Kind,
		Capabilities: req.InitialCapabilities,
		Tokens:       map[string]struct{}{token: {}},
		Status:       "offline",
		LastSeen:     r.now(),
	}
	r.participants[id] = p
	r.effective[id] = append([]types.CapabilityRule(nil), req.InitialCapabilities...)
	audit := r.audit
	r.mu.Unlock()

	if audit != nil {
		if err := audit.RecordInvite(ctx, r.cfg.Name, env, id, r.now()); err != nil {
			slog.Debug("failed to audit invite", "topic", r.cfg.Name, "error", err)
		}
	}

	ack := r.systemEnvelope(types.KindSpaceInviteAck, []string{env.From}, InviteAckPayload{
		Status:        "invited",
		Token:         token,
		ParticipantID: id,
	})
	r.deliver(ctx, ack, false)
	r.broadcastPresence(ctx, types.PresenceInvited, id)
	return true
}

func (r *Router) handleStreamRequest(sess *session.Session, env *types.Envelope) bool {
	var req StreamRequestPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		r.sendError(sess, types.ErrCodeMalformedEnvelope, "invalid stream/request payload", env.Kind)
		return false
	}

	s := stream.New(env.ID, env.From, req.Direction, req.Participants, req.Description, r.now())
	s.State = types.StreamRequested

	r.mu.Lock()
	r.streams[s.ID] = s
	r.mu.Unlock()
	return true
}

func (r *Router) handleStreamOpen(ctx context.Context, sess *session.Session, env *types.Envelope) bool {
	var req StreamOpenPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		r.sendError(sess, types.ErrCodeMalformedEnvelope, "invalid stream/open payload", env.Kind)
		return false
	}

	r.mu.Lock()
	s, ok := r.streams[req.StreamID]
	if !ok {
		r.mu.Unlock()
		r.sendError(sess, types.ErrCodeUnknownParticipant, "unknown stream", env.Kind)
		return false
	}

	if s.State == types.StreamRequested {
		s.State = types.StreamOpen
		s.OpenedAt = r.now()
		r.mu.Unlock()
		return true
	}

	// s is already open: another peer is independently opening a stream
	// against the same stream/request (a multi-party fanout). Register a
	// distinct child stream so its relay targets don't collide with the
	// first opener's, suffixing the id the way asya-gateway suffixes
	// fanout child envelope ids, and tell the new opener what id it got.
	childID := req.StreamID
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s-%d", req.StreamID, n)
		if _, exists := r.streams[candidate]; !exists {
			childID = candidate
			break
		}
	}
	child := stream.New(childID, env.From, req.Direction, s.Participants, s.Description, r.now())
	child.ParentRequestID = req.StreamID
	r.streams[childID] = child
	r.mu.Unlock()

	ack := r.systemEnvelope(types.KindStreamOpenAck, []string{env.From}, StreamOpenAckPayload{
		StreamID:        childID,
		ParentRequestID: req.StreamID,
	})
	r.deliver(ctx, ack, false)
	return true
}

func (r *Router) handleStreamClose(sess *session.Session, env *types.Envelope) bool {
	var req StreamClosePayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		r.sendError(sess, types.ErrCodeMalformedEnvelope, "invalid stream/close payload", env.Kind)
		return false
	}

	r.mu.Lock()
	if s, ok := r.streams[req.StreamID]; ok {
		s.State = types.StreamClosed
	}
	r.mu.Unlock()
	return true
}

func (r *Router) handlePing(sess *session.Session, env *types.Envelope) bool {
	if sess == nil {
		return false
	}
	pong := r.systemEnvelope(types.KindSystemPong, []string{env.From}, nil)
	pong.CorrelationID = []string{env.ID}
	if err := sess.Send(pong); err != nil {
		slog.Debug("failed to send pong", "participant", env.From, "error", err)
	}
	return false
}

// BinaryFrame relays a stream binary frame from sess to every other
// participant registered on the stream (spec §4.7).
func (r *Router) BinaryFrame(sess *session.Session, data []byte) {
	streamID, _, err := stream.Decode(data)
	if err != nil {
		slog.Debug("dropping malformed stream frame", "session", sess.ID, "error", err)
		return
	}

	r.mu.Lock()
	s, ok := r.streams[streamID]
	if !ok || !stream.CanRelay(s, sess.ParticipantID) {
		r.mu.Unlock()
		return
	}
	targets := stream.RelayTargets(s, sess.ParticipantID)
	sessions := make([]*session.Session, 0, len(targets))
	for _, pid := range targets {
		if ts, ok := r.sessions[pid]; ok {
			sessions = append(sessions, ts)
		}
	}
	r.mu.Unlock()

	for _, ts := range sessions {
		if err := ts.SendBinary(data); err != nil {
			slog.Debug("dropping stream frame on slow consumer", "participant", ts.ParticipantID, "error", err)
		}
	}
}

// deliver computes recipients for env (addressed To, or every online
// participant when broadcast) and fans it out. When fanout is true and
// env is addressed, every other present participant whose effective
// capabilities still match env (without being an addressed recipient)
// also gets a read-only copy, per spec §4.4 step 6's observer rule
// (e.g. a `{kind:"mcp/**"}` capability lets a participant watch traffic
// it isn't party to).
func (r *Router) deliver(ctx context.Context, env *types.Envelope, fanout bool) {
	r.mu.Lock()
	var targets []*session.Session
	if env.IsBroadcast() {
		for _, s := range r.sessions {
			if s.ParticipantID == env.From {
				continue
			}
			targets = append(targets, s)
		}
	} else {
		addressed := make(map[string]bool, len(env.To))
		for _, id := range env.To {
			addressed[id] = true
			if s, ok := r.sessions[id]; ok {
				targets = append(targets, s)
			}
		}
		if fanout {
			for id, s := range r.sessions {
				if id == env.From || addressed[id] {
					continue
				}
				if capability.Allows(r.effective[id], env) {
					targets = append(targets, s)
				}
			}
		}
	}
	m := r.metrics
	r.mu.Unlock()

	if m != nil && !env.TS.IsZero() {
		m.ObserveDeliveryLatency(r.cfg.Name, r.now().Sub(env.TS).Seconds())
	}

	for _, s := range targets {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := s.Send(env); err != nil {
			slog.Debug("dropping envelope on slow consumer", "participant", s.ParticipantID, "error", err)
		}
	}
}

func (r *Router) sendError(sess *session.Session, code, detail, kind string) {
	if sess == nil {
		return
	}
	env := r.systemEnvelope(types.KindSystemError, []string{sess.ParticipantID}, ErrorPayload{
		Error:  code,
		Detail: detail,
		Kind:   kind,
	})
	if err := sess.Send(env); err != nil {
		slog.Debug("failed to deliver error envelope", "participant", sess.ParticipantID, "error", err)
	}
}

// StartHeartbeat periodically broadcasts a presence heartbeat and sweeps
// expired grants and stream requests until ctx is canceled (spec §4.4,
// §4.6, §5).
func (r *Router) StartHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.broadcastPresence(ctx, types.PresenceHeartbeat, "")
			r.sweepExpirations()
		}
	}
}

// sweepExpirations expires pending grants whose ack window has elapsed
// (spec §4.6: "the grant expires silently") and requested-but-never-opened
// streams past their open timeout (spec §5).
func (r *Router) sweepExpirations() {
	now := r.now()

	r.mu.Lock()
	var expiredGrants int
	for _, g := range r.grants {
		if grants.IsExpired(g, r.cfg.GrantAckTimeout, now) {
			g.Status = types.GrantExpired
			expiredGrants++
		}
	}
	var expiredStreams int
	for _, s := range r.streams {
		if s.State == types.StreamRequested && now.Sub(s.OpenedAt) > r.cfg.StreamOpenTimeout {
			s.State = types.StreamExpired
			expiredStreams++
		}
	}
	m := r.metrics
	r.mu.Unlock()

	if m == nil {
		return
	}
	for i := 0; i < expiredGrants; i++ {
		m.GrantEvent(r.cfg.Name, "expired")
	}
	for i := 0; i < expiredStreams; i++ {
		m.GrantEvent(r.cfg.Name, "stream_expired")
	}
}

// Roster returns a snapshot of the topic's participants for the HTTP
// admin surface.
func (r *Router) Roster() []types.RosterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.RosterEntry, 0, len(r.participants))
	for id, p := range r.participants {
		out = append(out, types.RosterEntry{
			ID:           id,
			Name:         p.Name,
			Kind:         p.Kind,
			Status:       p.Status,
			Capabilities: r.effective[id],
		})
	}
	return out
}

// HistorySnapshot exposes the topic's history ring for the HTTP admin
// surface.
func (r *Router) HistorySnapshot(q history.Query) []*types.Envelope {
	return r.history.Query(q)
}

// HistorySince exposes the topic's history ring filtered to envelopes
// stamped after ts, for the HTTP admin surface's `?since=` query.
func (r *Router) HistorySince(ts time.Time) []*types.Envelope {
	return r.history.Since(ts)
}
