package topic

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mew-protocol/gateway/internal/codec"
	"github.com/mew-protocol/gateway/internal/session"
	"github.com/mew-protocol/gateway/pkg/types"
)

// fakeConn is a minimal in-memory session.Conn double that never reads
// anything on its own; tests drive the router directly via Ingress.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	closeCh chan struct{}
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{closeCh: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	<-f.closeCh
	return 0, nil, errClosed{}
}

type errClosed struct{}

func (errClosed) Error() string { return "closed" }

func (f *fakeConn) WriteMessage(mt int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) WriteControl(mt int, data []byte, deadline time.Time) error { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error                         { return nil }
func (f *fakeConn) SetPongHandler(h func(string) error)                      {}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closeCh)
	}
	return nil
}

func (f *fakeConn) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r := NewRouter(DefaultConfig("room"))
	return r
}

func addOnlineParticipant(t *testing.T, r *Router, id string, caps []types.CapabilityRule) (*session.Session, *fakeConn) {
	t.Helper()
	r.AddParticipant(&types.Participant{ID: id, Capabilities: caps, Tokens: map[string]struct{}{}})
	conn := newFakeConn()
	sess := session.New("sess-"+id, id, "room", conn, session.DefaultConfig(), nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, r.Join(ctx, id, sess))
	go sess.Start(ctx)
	return sess, conn
}

func TestRouter_JoinSendsWelcomeAndBroadcastsPresence(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	_, aliceConn := addOnlineParticipant(t, r, "alice", nil)
	require.Eventually(t, func() bool { return len(aliceConn.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	welcome, err := codec.Parse(aliceConn.snapshot()[0])
	require.NoError(t, err)
	assert.Equal(t, types.KindSystemWelcome, welcome.Kind)

	_, bobConn := addOnlineParticipant(t, r, "bob", nil)
	_ = ctx

	require.Eventually(t, func() bool { return len(aliceConn.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	presence, err := codec.Parse(aliceConn.snapshot()[1])
	require.NoError(t, err)
	assert.Equal(t, types.KindPresence, presence.Kind)

	var payload PresencePayload
	require.NoError(t, json.Unmarshal(presence.Payload, &payload))
	assert.Equal(t, types.PresenceJoin, payload.Event)
	assert.Equal(t, "bob", payload.ParticipantID)

	_ = bobConn
}

func TestRouter_IngressRejectsWithoutCapability(t *testing.T) {
	r := newTestRouter(t)
	sess, conn := addOnlineParticipant(t, r, "alice", nil)
	require.Eventually(t, func() bool { return len(conn.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	env := &types.Envelope{Protocol: types.Protocol, Kind: "chat"}
	r.Ingress(context.Background(), sess, env)

	require.Eventually(t, func() bool { return len(conn.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	errEnv, err := codec.Parse(conn.snapshot()[1])
	require.NoError(t, err)
	assert.Equal(t, types.KindSystemError, errEnv.Kind)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Payload, &payload))
	assert.Equal(t, types.ErrCodeCapabilityViolation, payload.Error)
}

func TestRouter_IngressDeliversToAddressedRecipient(t *testing.T) {
	r := newTestRouter(t)
	alice, aliceConn := addOnlineParticipant(t, r, "alice", []types.CapabilityRule{{Kind: "chat"}})
	_, bobConn := addOnlineParticipant(t, r, "bob", nil)
	// alice holds her welcome plus bob's join presence.
	require.Eventually(t, func() bool { return len(aliceConn.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(bobConn.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	env := &types.Envelope{Protocol: types.Protocol, Kind: "chat", To: []string{"bob"}, Payload: json.RawMessage(`{"text":"hi"}`)}
	r.Ingress(context.Background(), alice, env)

	require.Eventually(t, func() bool { return len(bobConn.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, aliceConn.snapshot(), 2, "sender should not receive its own message back")

	assert.Equal(t, 1, r.history.Len())
}

func TestRouter_GrantAckRequiresRecipient(t *testing.T) {
	r := newTestRouter(t)
	admin, adminConn := addOnlineParticipant(t, r, "admin", []types.CapabilityRule{{Kind: "capability/grant"}, {Kind: "capability/grant-ack"}})
	agent, agentConn := addOnlineParticipant(t, r, "agent", []types.CapabilityRule{{Kind: "capability/grant-ack"}})
	// admin holds its welcome plus agent's join presence.
	require.Eventually(t, func() bool { return len(adminConn.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(agentConn.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	grantPayload, err := json.Marshal(GrantRequestPayload{
		Recipient:    "agent",
		Capabilities: []types.CapabilityRule{{Kind: "chat"}},
	})
	require.NoError(t, err)
	grantEnv := &types.Envelope{Protocol: types.Protocol, Kind: types.KindCapabilityGrant, Payload: grantPayload}
	r.Ingress(context.Background(), admin, grantEnv)

	var grantID string
	r.mu.Lock()
	for _, g := range r.grants {
		grantID = g.EnvelopeID
	}
	r.mu.Unlock()
	require.NotEmpty(t, grantID)

	// An ack from the wrong sender must be rejected, and must not
	// activate the grant.
	wrongAck := &types.Envelope{Protocol: types.Protocol, Kind: types.KindCapabilityGrantAck, CorrelationID: []string{grantID}}
	r.Ingress(context.Background(), admin, wrongAck)

	r.mu.Lock()
	var status types.GrantStatus
	for _, g := range r.grants {
		status = g.Status
	}
	r.mu.Unlock()
	assert.Equal(t, types.GrantPendingAck, status)

	// The real recipient's ack activates the grant and extends its
	// effective capabilities.
	ack := &types.Envelope{Protocol: types.Protocol, Kind: types.KindCapabilityGrantAck, CorrelationID: []string{grantID}}
	r.Ingress(context.Background(), agent, ack)

	r.mu.Lock()
	for _, g := range r.grants {
		status = g.Status
	}
	rules := r.effective["agent"]
	r.mu.Unlock()
	assert.Equal(t, types.GrantActive, status)
	assert.Contains(t, rules, types.CapabilityRule{Kind: "chat"})
}

func TestRouter_InviteCreatesParticipantAndToken(t *testing.T) {
	r := newTestRouter(t)
	admin, adminConn := addOnlineParticipant(t, r, "admin", []types.CapabilityRule{{Kind: "space/invite"}})
	require.Eventually(t, func() bool { return len(adminConn.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	invitePayload, err := json.Marshal(InviteRequestPayload{
		ParticipantID:       "newcomer",
		InitialCapabilities: []types.CapabilityRule{{Kind: "chat"}},
	})
	require.NoError(t, err)
	env := &types.Envelope{Protocol: types.Protocol, Kind: types.KindSpaceInvite, Payload: invitePayload}
	r.Ingress(context.Background(), admin, env)

	require.Eventually(t, func() bool { return len(adminConn.snapshot()) >= 2 }, time.Second, 5*time.Millisecond)

	r.mu.Lock()
	p, ok := r.participants["newcomer"]
	r.mu.Unlock()
	require.True(t, ok)
	assert.NotEmpty(t, p.Tokens)
}

func TestRouter_DisplacedSessionEmitsLeaveThenJoin(t *testing.T) {
	r := newTestRouter(t)
	r.AddParticipant(&types.Participant{ID: "alice", Tokens: map[string]struct{}{}})

	conn1 := newFakeConn()
	var sess1 *session.Session
	sess1 = session.New("s1", "alice", "room", conn1, session.DefaultConfig(), nil, nil,
		func(_ *session.Session, reason session.CloseReason) { r.HandleClose(context.Background(), sess1, reason) })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Join(ctx, "alice", sess1))

	_, bobConn := addOnlineParticipant(t, r, "bob", nil)
	require.Eventually(t, func() bool { return len(bobConn.snapshot()) >= 1 }, time.Second, 5*time.Millisecond)
	baseline := len(bobConn.snapshot())

	conn2 := newFakeConn()
	sess2 := session.New("s2", "alice", "room", conn2, session.DefaultConfig(), nil, nil, nil)
	require.NoError(t, r.Join(ctx, "alice", sess2))

	r.mu.Lock()
	current := r.sessions["alice"]
	r.mu.Unlock()
	assert.Same(t, sess2, current)

	// A displacement emits exactly one leave for the old session and one
	// join for the new one (spec §4.3).
	require.Eventually(t, func() bool { return len(bobConn.snapshot()) == baseline+2 }, time.Second, 5*time.Millisecond)

	events := bobConn.snapshot()[baseline:]
	leave, err := codec.Parse(events[0])
	require.NoError(t, err)
	assert.Equal(t, types.KindPresence, leave.Kind)
	var leavePayload PresencePayload
	require.NoError(t, json.Unmarshal(leave.Payload, &leavePayload))
	assert.Equal(t, types.PresenceLeave, leavePayload.Event)
	assert.Equal(t, "alice", leavePayload.ParticipantID)

	join, err := codec.Parse(events[1])
	require.NoError(t, err)
	assert.Equal(t, types.KindPresence, join.Kind)
	var joinPayload PresencePayload
	require.NoError(t, json.Unmarshal(join.Payload, &joinPayload))
	assert.Equal(t, types.PresenceJoin, joinPayload.Event)
	assert.Equal(t, "alice", joinPayload.ParticipantID)
}

func TestRouter_SystemPingGetsPongNotBroadcast(t *testing.T) {
	r := newTestRouter(t)
	alice, aliceConn := addOnlineParticipant(t, r, "alice", nil)
	_, bobConn := addOnlineParticipant(t, r, "bob", nil)
	// alice holds her welcome plus bob's join presence.
	require.Eventually(t, func() bool { return len(aliceConn.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(bobConn.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	ping := &types.Envelope{Protocol: types.Protocol, ID: "ping-1", Kind: types.KindSystemPing}
	r.Ingress(context.Background(), alice, ping)

	require.Eventually(t, func() bool { return len(aliceConn.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	pong, err := codec.Parse(aliceConn.snapshot()[2])
	require.NoError(t, err)
	assert.Equal(t, types.KindSystemPong, pong.Kind)

	assert.Len(t, bobConn.snapshot(), 1, "ping/pong must not fan out to other participants")
}

func TestRouter_InjectUsesSamePipelineAsIngress(t *testing.T) {
	r := newTestRouter(t)
	r.AddParticipant(&types.Participant{ID: "service", Capabilities: []types.CapabilityRule{{Kind: "chat"}}, Tokens: map[string]struct{}{}})
	_, bobConn := addOnlineParticipant(t, r, "bob", nil)
	require.Eventually(t, func() bool { return len(bobConn.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	env := &types.Envelope{Kind: "chat", To: []string{"bob"}}
	require.NoError(t, r.Inject(context.Background(), "service", env))

	require.Eventually(t, func() bool { return len(bobConn.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, r.history.Len())
}

func TestRouter_InjectRejectsWithoutCapability(t *testing.T) {
	r := newTestRouter(t)
	r.AddParticipant(&types.Participant{ID: "service", Tokens: map[string]struct{}{}})

	err := r.Inject(context.Background(), "service", &types.Envelope{Kind: "chat"})
	assert.ErrorContains(t, err, types.ErrCodeCapabilityViolation)
	assert.Equal(t, types.ErrCodeCapabilityViolation, err.Error(), "REST rejection must be the bare error code")
}

func TestRouter_ObserverWithMatchingCapabilityReceivesAddressedEnvelope(t *testing.T) {
	r := newTestRouter(t)
	alice, aliceConn := addOnlineParticipant(t, r, "alice", []types.CapabilityRule{{Kind: "mcp/request"}})
	_, bobConn := addOnlineParticipant(t, r, "bob", nil)
	observer, observerConn := addOnlineParticipant(t, r, "watcher", []types.CapabilityRule{{Kind: "mcp/**"}})
	_ = observer
	// Each participant holds its welcome plus the join presence of
	// everyone who joined after it.
	require.Eventually(t, func() bool { return len(aliceConn.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(bobConn.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(observerConn.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	env := &types.Envelope{Protocol: types.Protocol, Kind: "mcp/request", To: []string{"bob"}, Payload: json.RawMessage(`{}`)}
	r.Ingress(context.Background(), alice, env)

	require.Eventually(t, func() bool { return len(bobConn.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(observerConn.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	observed, err := codec.Parse(observerConn.snapshot()[1])
	require.NoError(t, err)
	assert.Equal(t, "mcp/request", observed.Kind)
	assert.Equal(t, []string{"bob"}, observed.To)
}

func TestRouter_GrantAckFindsGrantByNonFirstCorrelationID(t *testing.T) {
	r := newTestRouter(t)
	admin, adminConn := addOnlineParticipant(t, r, "admin", []types.CapabilityRule{{Kind: "capability/grant"}})
	agent, agentConn := addOnlineParticipant(t, r, "agent", []types.CapabilityRule{{Kind: "capability/grant-ack"}})
	// admin holds its welcome plus agent's join presence.
	require.Eventually(t, func() bool { return len(adminConn.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(agentConn.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	grantPayload, err := json.Marshal(GrantRequestPayload{
		Recipient:    "agent",
		Capabilities: []types.CapabilityRule{{Kind: "chat"}},
	})
	require.NoError(t, err)
	grantEnv := &types.Envelope{Protocol: types.Protocol, Kind: types.KindCapabilityGrant, Payload: grantPayload}
	r.Ingress(context.Background(), admin, grantEnv)

	var grantID string
	r.mu.Lock()
	for _, g := range r.grants {
		grantID = g.EnvelopeID
	}
	r.mu.Unlock()
	require.NotEmpty(t, grantID)

	// The grant envelope id is the second element of correlation_id, not
	// the first — the lookup must still find it.
	ack := &types.Envelope{Protocol: types.Protocol, Kind: types.KindCapabilityGrantAck, CorrelationID: []string{"unrelated-id", grantID}}
	r.Ingress(context.Background(), agent, ack)

	r.mu.Lock()
	var status types.GrantStatus
	for _, g := range r.grants {
		status = g.Status
	}
	r.mu.Unlock()
	assert.Equal(t, types.GrantActive, status)
}

func TestRouter_SecondStreamOpenGetsSuffixedChildWithParentRequestID(t *testing.T) {
	r := newTestRouter(t)
	owner, ownerConn := addOnlineParticipant(t, r, "owner", []types.CapabilityRule{{Kind: "stream/request"}, {Kind: "stream/open"}})
	other, _ := addOnlineParticipant(t, r, "peer", []types.CapabilityRule{{Kind: "stream/open"}})
	// owner holds its welcome plus peer's join presence.
	require.Eventually(t, func() bool { return len(ownerConn.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	reqPayload, err := json.Marshal(StreamRequestPayload{Direction: types.StreamUpload})
	require.NoError(t, err)
	reqEnv := &types.Envelope{Protocol: types.Protocol, ID: "stream-1", Kind: types.KindStreamRequest, Payload: reqPayload}
	r.Ingress(context.Background(), owner, reqEnv)

	openPayload, err := json.Marshal(StreamOpenPayload{StreamID: "stream-1", Direction: types.StreamUpload})
	require.NoError(t, err)

	firstOpen := &types.Envelope{Protocol: types.Protocol, Kind: types.KindStreamOpen, Payload: openPayload}
	r.Ingress(context.Background(), owner, firstOpen)

	r.mu.Lock()
	firstState := r.streams["stream-1"].State
	r.mu.Unlock()
	assert.Equal(t, types.StreamOpen, firstState)

	secondOpen := &types.Envelope{Protocol: types.Protocol, Kind: types.KindStreamOpen, Payload: openPayload}
	r.Ingress(context.Background(), other, secondOpen)

	var childID string
	r.mu.Lock()
	for id, s := range r.streams {
		if id != "stream-1" {
			childID = id
		}
	}
	r.mu.Unlock()
	require.NotEmpty(t, childID)

	r.mu.Lock()
	child := r.streams[childID]
	r.mu.Unlock()
	assert.Equal(t, "stream-1", child.ParentRequestID)
}

func TestRouter_SweepExpirationsExpiresStalePendingGrant(t *testing.T) {
	r := newTestRouter(t)
	cfg := r.cfg
	cfg.GrantAckTimeout = 10 * time.Millisecond
	r.cfg = cfg
	r.AddParticipant(&types.Participant{ID: "admin", Tokens: map[string]struct{}{}})
	r.AddParticipant(&types.Participant{ID: "agent", Tokens: map[string]struct{}{}})

	r.mu.Lock()
	r.grants["g1"] = &types.Grant{ID: "g1", Recipient: "agent", Status: types.GrantPendingAck, CreatedAt: r.now().Add(-time.Hour)}
	r.mu.Unlock()

	r.sweepExpirations()

	r.mu.Lock()
	status := r.grants["g1"].Status
	r.mu.Unlock()
	assert.Equal(t, types.GrantExpired, status)
}

func TestRouter_SweepExpirationsExpiresStaleStreamRequest(t *testing.T) {
	r := newTestRouter(t)
	cfg := r.cfg
	cfg.StreamOpenTimeout = 10 * time.Millisecond
	r.cfg = cfg

	r.mu.Lock()
	r.streams["s1"] = &types.Stream{ID: "s1", State: types.StreamRequested, OpenedAt: r.now().Add(-time.Hour)}
	r.mu.Unlock()

	r.sweepExpirations()

	r.mu.Lock()
	state := r.streams["s1"].State
	r.mu.Unlock()
	assert.Equal(t, types.StreamExpired, state)
}
