// Package transport owns the WebSocket side of the broker: it upgrades
// connections, authenticates them, enforces per-connection message limits,
// and hands validated frames to the router. Group semantics (rooms, station
// addressing) live above this layer; the transport only knows connection IDs.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stationlink/signaling/internal/auth"
	"github.com/stationlink/signaling/internal/metrics"
	"github.com/stationlink/signaling/internal/ratelimit"
	"github.com/stationlink/signaling/internal/registry"
	"github.com/stationlink/signaling/internal/router"
)

var ErrConnNotFound = errors.New("connection not found")

const wsWriteWait = 1 * time.Second

// Handler consumes transport events. Message handling for a single
// connection is serialized (frames are dispatched from that connection's
// read loop); handlers for different connections run concurrently.
type Handler interface {
	HandleMessage(ctx context.Context, connID string, ident registry.Identity, data []byte)
	HandleDisconnect(ctx context.Context, connID string)
}

// Presence is notified as admin connections come and go, so the monitor push
// loop can start with the first admin and stop with the last.
type Presence interface {
	AdminJoined()
	AdminLeft()
}

type Config struct {
	// Verifier is nil when authentication is disabled; connections then
	// take their identity from query parameters.
	Verifier auth.Verifier
	Registry *registry.Registry
	Handler  Handler
	Presence Presence
	Metrics  *metrics.Metrics
	Log      *slog.Logger

	AuthTimeout       time.Duration
	MaxMessageBytes   int64
	MessagesPerSecond int64

	CheckOrigin func(r *http.Request) bool

	// Clock overrides rate-limiter time in tests.
	Clock ratelimit.Clock
}

type WSServer struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*wsConn
}

type wsConn struct {
	id      string
	sock    *websocket.Conn
	ident   registry.Identity
	limiter *ratelimit.TokenBucket

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func NewWSServer(cfg Config) *WSServer {
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	return &WSServer{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		conns: make(map[string]*wsConn),
	}
}

// ServeHTTP upgrades the request and runs the connection's read loop until
// the client goes away. One goroutine per connection, owned by net/http.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Log.Debug("websocket upgrade rejected", "remote", r.RemoteAddr, "error", err)
		return
	}

	wc := &wsConn{
		id:   uuid.NewString(),
		sock: sock,
	}
	if s.cfg.MessagesPerSecond > 0 {
		wc.limiter = ratelimit.NewTokenBucket(s.cfg.Clock, s.cfg.MessagesPerSecond, s.cfg.MessagesPerSecond)
	}

	s.run(r, wc)
}

func (s *WSServer) run(r *http.Request, wc *wsConn) {
	defer wc.close()

	if s.cfg.MaxMessageBytes > 0 {
		wc.sock.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	authorized := false
	if s.cfg.Verifier == nil {
		wc.ident = identityFromQuery(wc.id, r)
		authorized = true
	} else {
		token, err := auth.CredentialFromRequest(r)
		switch {
		case err == nil:
			claims, verr := s.cfg.Verifier.Verify(r.Context(), token)
			if verr != nil {
				s.cfg.Metrics.Inc(metrics.AuthFailure)
				wc.fail(router.CodeUnauthorized, unauthorizedMessage(verr), websocket.ClosePolicyViolation, "unauthorized")
				return
			}
			wc.ident = identityFromClaims(claims)
			authorized = true
		case errors.Is(err, auth.ErrMissingCredentials):
			// The client gets one shot at a first-message auth envelope.
			_ = wc.sock.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
		default:
			s.cfg.Metrics.Inc(metrics.AuthFailure)
			wc.fail(router.CodeUnauthorized, unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
			return
		}
	}

	if authorized {
		s.attach(wc)
		defer s.detach(wc)
	}

	for {
		msgType, data, err := wc.sock.ReadMessage()
		if err != nil {
			if !authorized && isTimeout(err) {
				s.cfg.Metrics.Inc(metrics.AuthFailure)
				wc.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		// Rate-limit after reading so bytes already in the TCP receive
		// buffer are consumed; closing with unread data can turn into an
		// abortive close that hides the close code from the client.
		if wc.limiter != nil && !wc.limiter.Allow(1) {
			s.cfg.Metrics.Inc(metrics.RateLimited)
			wc.fail(router.CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			wc.fail(router.CodeInvalidArgument, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if !authorized {
			env, perr := router.Parse(data)
			if perr != nil || env.Kind != router.KindAuth {
				s.cfg.Metrics.Inc(metrics.AuthFailure)
				wc.fail(router.CodeUnauthorized, "authentication required", websocket.ClosePolicyViolation, "authentication required")
				return
			}
			claims, verr := s.cfg.Verifier.Verify(r.Context(), env.Token)
			if verr != nil {
				s.cfg.Metrics.Inc(metrics.AuthFailure)
				wc.fail(router.CodeUnauthorized, unauthorizedMessage(verr), websocket.ClosePolicyViolation, "unauthorized")
				return
			}

			wc.ident = identityFromClaims(claims)
			authorized = true
			_ = wc.sock.SetReadDeadline(time.Time{})
			s.attach(wc)
			defer s.detach(wc)
			continue
		}

		s.cfg.Handler.HandleMessage(r.Context(), wc.id, wc.ident, data)
	}
}

// attach makes the connection addressable and registers its identity. Must
// run before any frame from the connection reaches the handler.
func (s *WSServer) attach(wc *wsConn) {
	s.mu.Lock()
	s.conns[wc.id] = wc
	s.mu.Unlock()

	s.cfg.Registry.Register(wc.id, wc.ident)
	s.cfg.Log.Info("connection authenticated",
		"connId", wc.id, "userId", wc.ident.UserID, "kind", wc.ident.Kind)

	if s.cfg.Presence != nil && wc.ident.Kind == auth.KindAdmin {
		s.cfg.Presence.AdminJoined()
	}
}

// detach runs the synchronous disconnect cleanup: rooms and station mapping
// via the handler, then the registry entry, then local addressability. All of
// it completes before the read-loop goroutine exits.
func (s *WSServer) detach(wc *wsConn) {
	s.cfg.Handler.HandleDisconnect(context.Background(), wc.id)

	s.mu.Lock()
	delete(s.conns, wc.id)
	s.mu.Unlock()

	s.cfg.Log.Info("connection closed", "connId", wc.id, "userId", wc.ident.UserID)

	if s.cfg.Presence != nil && wc.ident.Kind == auth.KindAdmin {
		s.cfg.Presence.AdminLeft()
	}
}

// SendEnvelope delivers one envelope to a local connection. Fire-and-forget
// from the router's perspective; a write failure only tears down that
// connection.
func (s *WSServer) SendEnvelope(connID string, env router.Envelope) error {
	wc, ok := s.lookup(connID)
	if !ok {
		return ErrConnNotFound
	}
	return wc.send(env)
}

// Send pushes a server-initiated event, wrapping payload under "data".
func (s *WSServer) Send(connID, event string, payload any) error {
	return s.SendEnvelope(connID, router.Envelope{Kind: router.Kind(event), Data: payload})
}

// Disconnect force-closes a local connection. Unknown IDs are ignored: the
// caller may be kicking a connection owned by another process.
func (s *WSServer) Disconnect(connID, reason string) {
	wc, ok := s.lookup(connID)
	if !ok {
		return
	}
	wc.closeWith(websocket.ClosePolicyViolation, reason)
	wc.close()
}

// BroadcastToPeers pushes an event to every local browser-peer connection.
func (s *WSServer) BroadcastToPeers(event string, payload any) {
	s.broadcast(event, payload, func(k auth.ConnKind) bool { return k == auth.KindPeer })
}

// BroadcastToAdmins pushes an event to every local admin connection.
func (s *WSServer) BroadcastToAdmins(event string, payload any) {
	s.broadcast(event, payload, func(k auth.ConnKind) bool { return k == auth.KindAdmin })
}

// BroadcastAll pushes an event to every local connection regardless of kind.
func (s *WSServer) BroadcastAll(event string, payload any) {
	s.broadcast(event, payload, func(auth.ConnKind) bool { return true })
}

func (s *WSServer) broadcast(event string, payload any, match func(auth.ConnKind) bool) {
	env := router.Envelope{Kind: router.Kind(event), Data: payload}
	s.mu.Lock()
	targets := make([]*wsConn, 0, len(s.conns))
	for _, wc := range s.conns {
		if match(wc.ident.Kind) {
			targets = append(targets, wc)
		}
	}
	s.mu.Unlock()

	for _, wc := range targets {
		if err := wc.send(env); err != nil {
			s.cfg.Log.Debug("broadcast send failed", "connId", wc.id, "event", event, "error", err)
		}
	}
}

func (s *WSServer) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll tears down every live connection. Used during shutdown.
func (s *WSServer) CloseAll(reason string) {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, wc := range s.conns {
		conns = append(conns, wc)
	}
	s.mu.Unlock()

	for _, wc := range conns {
		wc.closeWith(websocket.CloseGoingAway, reason)
		wc.close()
	}
}

func (s *WSServer) lookup(connID string) (*wsConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wc, ok := s.conns[connID]
	return wc, ok
}

func (wc *wsConn) send(env router.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	_ = wc.sock.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return wc.sock.WriteMessage(websocket.TextMessage, data)
}

func (wc *wsConn) fail(code, message string, closeCode int, closeReason string) {
	_ = wc.send(router.ErrorEnvelope(code, message))
	wc.closeWith(closeCode, closeReason)
}

func (wc *wsConn) closeWith(code int, reason string) {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	_ = wc.sock.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (wc *wsConn) close() {
	wc.closeOnce.Do(func() {
		_ = wc.sock.Close()
	})
}

func identityFromClaims(c auth.Claims) registry.Identity {
	return registry.Identity{
		UserID:    c.UserID,
		SessionID: c.SessionID,
		Kind:      c.Kind,
	}
}

// identityFromQuery builds a development identity when authentication is
// disabled: ?role= picks the connection kind and ?user= the user ID.
func identityFromQuery(connID string, r *http.Request) registry.Identity {
	kind := auth.KindPeer
	switch auth.ConnKind(r.URL.Query().Get("role")) {
	case auth.KindStation:
		kind = auth.KindStation
	case auth.KindAdmin:
		kind = auth.KindAdmin
	}
	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = "anon-" + connID
	}
	return registry.Identity{
		UserID:    userID,
		SessionID: connID,
		Kind:      kind,
	}
}

func unauthorizedMessage(err error) string {
	if auth.IsUnauthorized(err) {
		return "invalid credentials"
	}
	return "authorization unavailable"
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
