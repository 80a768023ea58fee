// Package session owns the WebSocket transport for one participant
// connection once it has been upgraded and authenticated by the HTTP
// layer: the read/write pumps, the bounded outbound queue, the
// slow-consumer policy, and transport-level ping/pong liveness
// (spec §4.3). Sessions hold only a participant-id + topic-name handle —
// never a direct pointer into topic state — so the arena pattern in
// spec §9 is honored: all lookups go through the topic/router.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mew-protocol/gateway/internal/codec"
	"github.com/mew-protocol/gateway/pkg/types"
)

// CloseReason names why a session was torn down, surfaced to the Router
// so it can emit the right presence/leave and (for WS) close code.
type CloseReason string

const (
	CloseClientClosed   CloseReason = "client_closed"
	CloseSlowConsumer   CloseReason = "slow_consumer"
	CloseDisplaced      CloseReason = "displaced_by_newer"
	ClosePingTimeout    CloseReason = "ping_timeout"
	CloseServerShutdown CloseReason = "server_shutdown"
)

// ErrQueueFull is returned by Send/SendBinary when the outbound queue
// could not accept the frame immediately (the caller should not block;
// the slow-consumer policy handles the rest).
var ErrQueueFull = errors.New("session: outbound queue full")

// Config bounds one session's resource usage.
type Config struct {
	SendQueueSize        int
	PingInterval         time.Duration
	PingMissesBeforeClose int
	SlowConsumerDrainBudget time.Duration
}

// DefaultConfig matches the defaults named in spec §4.3/§5.
func DefaultConfig() Config {
	return Config{
		SendQueueSize:           256,
		PingInterval:            30 * time.Second,
		PingMissesBeforeClose:   2,
		SlowConsumerDrainBudget: 5 * time.Second,
	}
}

type frame struct {
	binary bool
	data   []byte
}

// Conn is the subset of *websocket.Conn the session needs; satisfied by
// gorilla/websocket and fakeable in tests.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session is one authenticated participant connection.
type Session struct {
	ID            string
	ParticipantID string
	Topic         string

	conn Conn
	cfg  Config

	outbound chan frame
	closed   atomic.Bool
	closeCh  chan struct{}

	mu           sync.Mutex
	breachedAt   time.Time
	lastPongAt   time.Time
	missedPings  int

	onEnvelope func(s *Session, env *types.Envelope)
	onBinary   func(s *Session, data []byte)
	onClose    func(s *Session, reason CloseReason)
}

// New constructs a Session. The caller must call Start to begin pumping.
func New(id, participantID, topic string, conn Conn, cfg Config,
	onEnvelope func(*Session, *types.Envelope),
	onBinary func(*Session, []byte),
	onClose func(*Session, CloseReason),
) *Session {
	return &Session{
		ID:            id,
		ParticipantID: participantID,
		Topic:         topic,
		conn:          conn,
		cfg:           cfg,
		outbound:      make(chan frame, cfg.SendQueueSize),
		closeCh:       make(chan struct{}),
		lastPongAt:    time.Now(),
		onEnvelope:    onEnvelope,
		onBinary:      onBinary,
		onClose:       onClose,
	}
}

// Start launches the read pump, write pump, and ping scheduler. It
// blocks the caller's goroutine until the session closes, so callers
// typically invoke it via `go session.Start(ctx)`.
func (s *Session) Start(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.writePump()
	}()
	go func() {
		defer wg.Done()
		s.pingLoop(ctx)
	}()

	s.readPump()
	wg.Wait()
}

// Send enqueues an envelope for delivery without blocking. On overflow
// it marks the slow-consumer high-water breach; the ping loop evicts the
// session if the breach outlives the drain budget.
func (s *Session) Send(env *types.Envelope) error {
	body, err := codec.Serialize(env)
	if err != nil {
		return err
	}
	return s.enqueue(frame{data: body})
}

// SendBinary enqueues a raw stream data frame for delivery.
func (s *Session) SendBinary(data []byte) error {
	return s.enqueue(frame{binary: true, data: data})
}

func (s *Session) enqueue(f frame) error {
	if s.closed.Load() {
		return ErrQueueFull
	}
	select {
	case s.outbound <- f:
		s.mu.Lock()
		s.breachedAt = time.Time{}
		s.mu.Unlock()
		return nil
	default:
		s.mu.Lock()
		if s.breachedAt.IsZero() {
			s.breachedAt = time.Now()
		}
		s.mu.Unlock()
		return ErrQueueFull
	}
}

// Close tears down the session exactly once, invoking onClose with the
// given reason.
func (s *Session) Close(reason CloseReason) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.closeCh)
	_ = s.conn.Close()
	if s.onClose != nil {
		s.onClose(s, reason)
	}
}

func (s *Session) writePump() {
	for {
		select {
		case f, ok := <-s.outbound:
			if !ok {
				return
			}
			mt := websocket.TextMessage
			if f.binary {
				mt = websocket.BinaryMessage
			}
			if err := s.conn.WriteMessage(mt, f.data); err != nil {
				s.Close(CloseClientClosed)
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) readPump() {
	s.conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		s.lastPongAt = time.Now()
		s.missedPings = 0
		s.mu.Unlock()
		return nil
	})

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.Close(CloseClientClosed)
			return
		}
		switch mt {
		case websocket.TextMessage:
			env, perr := codec.Parse(data)
			if perr != nil {
				slog.Debug("dropping malformed envelope", "session", s.ID, "error", perr)
				continue
			}
			if s.onEnvelope != nil {
				s.onEnvelope(s, env)
			}
		case websocket.BinaryMessage:
			if s.onBinary != nil {
				s.onBinary(s, data)
			}
		}

		select {
		case <-s.closeCh:
			return
		default:
		}
	}
}

// pingLoop sends transport-level pings on cfg.PingInterval and enforces
// both the missed-ping liveness grace and the slow-consumer drain
// budget, independent concerns that share a ticker for simplicity.
func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Close(CloseServerShutdown)
			return
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			breach := s.breachedAt
			s.missedPings++
			misses := s.missedPings
			s.mu.Unlock()

			if !breach.IsZero() && time.Since(breach) > s.cfg.SlowConsumerDrainBudget {
				s.Close(CloseSlowConsumer)
				return
			}

			if misses > s.cfg.PingMissesBeforeClose {
				s.Close(ClosePingTimeout)
				return
			}

			deadline := time.Now().Add(s.cfg.PingInterval)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.Close(CloseClientClosed)
				return
			}
		}
	}
}
