// Package httpapi is the gateway's REST admin surface and WebSocket
// accept point (spec §4.8): health, dev-only token issuance, roster and
// history reads, envelope injection, and the primary `/v0/ws` session
// endpoint. REST injection runs through the identical admission
// pipeline a WebSocket session uses.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/mew-protocol/gateway/internal/history"
	"github.com/mew-protocol/gateway/internal/metrics"
	"github.com/mew-protocol/gateway/internal/session"
	"github.com/mew-protocol/gateway/internal/topic"
	"github.com/mew-protocol/gateway/pkg/types"
)

// jsonError is the body shape for rejected REST requests.
type jsonError struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// Server wires the gateway's per-topic routers to HTTP: one Router per
// configured space.
type Server struct {
	router     *httprouter.Router
	topics     map[string]*topic.Router
	metrics    *metrics.Metrics
	devMode    bool
	upgrader   websocket.Upgrader
	sessionCfg session.Config
}

// NewServer builds the admin surface over topics (keyed by space name).
// devMode controls whether POST /v0/auth/token is served at all (spec
// §4.8: it MUST be disabled in production-mode builds). allowedOrigins
// is the configured WebSocket CORS allow-list (spec §4.8); an empty list
// allows every origin, matching the gateway's dev-mode default.
func NewServer(topics map[string]*topic.Router, m *metrics.Metrics, devMode bool, allowedOrigins []string) *Server {
	s := &Server{
		router:  httprouter.New(),
		topics:  topics,
		metrics: m,
		devMode: devMode,
		upgrader: websocket.Upgrader{
			CheckOrigin: buildCheckOrigin(allowedOrigins),
		},
		sessionCfg: session.DefaultConfig(),
	}

	s.router.GET("/health", s.handleHealth)
	if devMode {
		s.router.POST("/v0/auth/token", s.handleIssueToken)
	}
	s.router.GET("/v0/topics/:topic/participants", s.handleParticipants)
	s.router.GET("/v0/topics/:topic/history", s.handleHistory)
	s.router.POST("/participants/:pid/messages", s.handleInject)
	s.router.GET("/v0/ws", s.handleWebSocket)
	s.router.GET("/ws", s.handleWebSocket)
	if m != nil {
		s.router.Handler(http.MethodGet, "/metrics", m.Handler())
	}

	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// buildCheckOrigin returns the Upgrader's CheckOrigin func for the
// configured allow-list. A non-browser client (no Origin header) is
// always allowed, since CheckOrigin exists to stop cross-site browser
// requests, not to authenticate the caller — that's the bearer token's
// job.
func buildCheckOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set[origin]; ok {
			return true
		}
		if u, err := url.Parse(origin); err == nil {
			if _, ok := set[u.Host]; ok {
				return true
			}
		}
		return false
	}
}

func (s *Server) topicFor(name string) (*topic.Router, bool) {
	r, ok := s.topics[name]
	return r, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("httpapi: failed to encode response", "error", err)
	}
}

func writeRejected(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, jsonError{Status: "rejected", Error: code, Detail: detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tokenRequest struct {
	Topic         string `json:"topic"`
	ParticipantID string `json:"participant_id"`
}

type tokenResponse struct {
	Token         string `json:"token"`
	ParticipantID string `json:"participant_id"`
}

// handleIssueToken mints a bearer token for an already-registered
// participant. Dev-only: only wired into the router when devMode is
// set (spec §4.8).
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRejected(w, http.StatusBadRequest, types.ErrCodeMalformedEnvelope, "invalid JSON body")
		return
	}

	rt, ok := s.topicFor(req.Topic)
	if !ok {
		writeRejected(w, http.StatusNotFound, types.ErrCodeUnknownParticipant, "unknown topic")
		return
	}

	found := false
	for _, p := range rt.Roster() {
		if p.ID == req.ParticipantID {
			found = true
			break
		}
	}
	if !found {
		writeRejected(w, http.StatusNotFound, types.ErrCodeUnknownParticipant, "participant not registered in topic")
		return
	}

	token, err := newToken()
	if err != nil {
		writeRejected(w, http.StatusInternalServerError, types.ErrCodeInternal, "token generation failed")
		return
	}

	rt.AddToken(req.ParticipantID, token)
	writeJSON(w, http.StatusCreated, tokenResponse{Token: token, ParticipantID: req.ParticipantID})
}

func newToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	rt, ok := s.topicFor(p.ByName("topic"))
	if !ok {
		writeRejected(w, http.StatusNotFound, types.ErrCodeUnknownParticipant, "unknown topic")
		return
	}
	writeJSON(w, http.StatusOK, rt.Roster())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	rt, ok := s.topicFor(p.ByName("topic"))
	if !ok {
		writeRejected(w, http.StatusNotFound, types.ErrCodeUnknownParticipant, "unknown topic")
		return
	}

	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeRejected(w, http.StatusBadRequest, types.ErrCodeMalformedEnvelope, "since must be RFC3339")
			return
		}
		writeJSON(w, http.StatusOK, rt.HistorySince(ts))
		return
	}

	q := history.Query{Limit: 100}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			q.Limit = n
		}
	}
	if v := r.URL.Query().Get("before"); v != "" {
		q.BeforeID = v
	}

	writeJSON(w, http.StatusOK, rt.HistorySnapshot(q))
}

type injectResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleInject feeds a REST-submitted envelope through the same
// admission pipeline a WebSocket session uses (spec §4.4, §4.8). The
// request body is the envelope minus from/id/ts; the gateway stamps
// those fields.
func (s *Server) handleInject(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	space := r.URL.Query().Get("space")
	rt, ok := s.topicFor(space)
	if !ok {
		writeJSON(w, http.StatusNotFound, injectResponse{Status: "rejected", Error: types.ErrCodeUnknownParticipant})
		return
	}

	var wire struct {
		Kind          string          `json:"kind"`
		To            []string        `json:"to,omitempty"`
		CorrelationID []string        `json:"correlation_id,omitempty"`
		Context       string          `json:"context,omitempty"`
		Payload       json.RawMessage `json:"payload,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeJSON(w, http.StatusBadRequest, injectResponse{Status: "rejected", Error: types.ErrCodeMalformedEnvelope})
		return
	}
	if wire.Kind == "" {
		writeJSON(w, http.StatusBadRequest, injectResponse{Status: "rejected", Error: types.ErrCodeMalformedEnvelope})
		return
	}

	body := &types.Envelope{
		Kind:          wire.Kind,
		To:            wire.To,
		CorrelationID: wire.CorrelationID,
		Context:       wire.Context,
		Payload:       wire.Payload,
	}

	pid := p.ByName("pid")
	if err := rt.Inject(r.Context(), pid, body); err != nil {
		writeJSON(w, http.StatusForbidden, injectResponse{Status: "rejected", Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, injectResponse{Status: "accepted", ID: body.ID})
}

// handleWebSocket upgrades the connection, authenticates via the
// Authorization header or a token query param, joins the session into
// its topic's router, and pumps until close (spec §4.3, §4.8).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	space := r.URL.Query().Get("space")
	rt, ok := s.topicFor(space)
	if !ok {
		http.Error(w, "unknown topic", http.StatusNotFound)
		return
	}

	token := bearerToken(r)
	participantID, ok := rt.Authenticate(token)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("httpapi: websocket upgrade failed", "error", err)
		return
	}

	if s.metrics != nil {
		s.metrics.SessionOpened(space)
	}

	sessID := uuid.NewString()
	sess := session.New(sessID, participantID, space, conn, s.sessionCfg,
		func(sn *session.Session, env *types.Envelope) { rt.Ingress(r.Context(), sn, env) },
		func(sn *session.Session, data []byte) { rt.BinaryFrame(sn, data) },
		func(sn *session.Session, reason session.CloseReason) {
			rt.HandleClose(r.Context(), sn, reason)
			if s.metrics != nil {
				s.metrics.SessionClosed(space, string(reason))
			}
		},
	)

	if err := rt.Join(r.Context(), participantID, sess); err != nil {
		slog.Warn("httpapi: join failed", "participant", participantID, "error", err)
		_ = conn.Close()
		return
	}

	sess.Start(r.Context())
}

func bearerToken(r *http.Request) string {
	if v := r.URL.Query().Get("token"); v != "" {
		return v
	}
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
