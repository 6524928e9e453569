// Package router dispatches validated signaling envelopes from authenticated
// connections to their destinations: a raw connection ID, a room (broadcast
// excluding the sender), or a station resolved through the shared directory.
// Payloads are opaque; the router moves them, it never reads them.
package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/stationlink/signaling/internal/auth"
	"github.com/stationlink/signaling/internal/directory"
	"github.com/stationlink/signaling/internal/metrics"
	"github.com/stationlink/signaling/internal/registry"
	"github.com/stationlink/signaling/internal/room"
	"github.com/stationlink/signaling/internal/station"
)

// Sender delivers envelopes to locally connected clients. Sends are
// fire-and-forget: delivery is at-most-once and losses are resolved by
// application-level renegotiation, not by this layer.
type Sender interface {
	SendEnvelope(connID string, env Envelope) error
	Disconnect(connID, reason string)
}

type Router struct {
	registry *registry.Registry
	rooms    *room.Rooms
	stations *station.Registry
	store    directory.Store
	sender   Sender
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func New(reg *registry.Registry, rooms *room.Rooms, stations *station.Registry, store directory.Store, m *metrics.Metrics, log *slog.Logger) *Router {
	return &Router{
		registry: reg,
		rooms:    rooms,
		stations: stations,
		store:    store,
		metrics:  m,
		log:      log,
	}
}

// SetSender wires the transport in after construction. The transport needs
// the router to handle messages and the router needs the transport to send
// them, so one side is attached late.
func (r *Router) SetSender(s Sender) { r.sender = s }

// HandleMessage processes one raw inbound frame from an authenticated
// connection. Every failure is reported back to the sender as a typed error
// envelope; the connection itself stays alive.
func (r *Router) HandleMessage(ctx context.Context, connID string, ident registry.Identity, data []byte) {
	env, err := Parse(data)
	if err != nil {
		r.replyError(connID, CodeInvalidArgument, err.Error())
		return
	}

	switch env.Kind {
	case KindCreateRoom:
		r.handleCreateRoom(connID)
	case KindJoinRoom:
		r.handleJoinRoom(connID, env.RoomID)
	case KindLeaveRoom:
		r.handleLeaveRoom(connID, env.RoomID)
	case KindOffer, KindAnswer, KindICECandidate:
		r.handleSignal(ctx, connID, env)
	case KindRegisterStation:
		r.handleRegisterStation(ctx, connID, ident, env.StationID)
	case KindInviteStation:
		r.handleInviteStation(ctx, connID, env)
	case KindRequestStream:
		r.handleRequestStream(ctx, connID, env)
	case KindStreamResponse:
		r.handleStreamResponse(ctx, connID, ident, env)
	case KindStationCallCenter:
		r.handleStationCallCenter(ctx, connID, ident, env.StationID)
	case KindAuth:
		// Already authenticated; a repeat auth is tolerated and ignored.
	default:
		r.replyError(connID, CodeInvalidArgument, "unsupported message kind")
	}
}

// HandleDisconnect runs full cleanup for a closing connection before the
// disconnect handler returns: room membership, station registration, then the
// local registry entry. Remaining room peers are notified, and a station
// going away is announced cluster-wide exactly once.
func (r *Router) HandleDisconnect(ctx context.Context, connID string) {
	for _, dep := range r.rooms.DisconnectCleanup(connID) {
		for _, peer := range dep.RemainingPeers {
			r.send(peer, Envelope{Kind: KindPeerDisconnected, RoomID: dep.RoomID, PeerID: connID})
		}
	}

	stationID, wasCurrent, err := r.stations.Deregister(ctx, connID)
	if err != nil {
		r.metrics.Inc(metrics.StoreErrors)
		r.log.Error("station deregister failed", "connId", connID, "error", err)
	} else if wasCurrent {
		if err := station.Announce(ctx, r.store, station.EventDisconnected, stationID); err != nil {
			r.metrics.Inc(metrics.StoreErrors)
			r.log.Error("station-disconnected announce failed", "stationId", stationID, "error", err)
		}
	}

	r.registry.Unregister(connID)
}

func (r *Router) handleCreateRoom(connID string) {
	roomID, err := r.rooms.Create(connID)
	if err != nil {
		r.log.Error("room create failed", "connId", connID, "error", err)
		r.replyError(connID, CodeInternal, "could not create room")
		return
	}
	r.send(connID, Envelope{Kind: KindRoomCreated, RoomID: roomID})
}

func (r *Router) handleJoinRoom(connID, roomID string) {
	peers, err := r.rooms.Join(roomID, connID)
	if err != nil {
		r.replyError(connID, CodeRoomNotFound, "room does not exist")
		return
	}
	r.send(connID, Envelope{Kind: KindRoomJoined, RoomID: roomID, Peers: peers})
	for _, peer := range peers {
		r.send(peer, Envelope{Kind: KindPeerJoined, RoomID: roomID, PeerID: connID})
	}
}

func (r *Router) handleLeaveRoom(connID, roomID string) {
	remaining, err := r.rooms.Leave(roomID, connID)
	if err != nil {
		r.replyError(connID, CodeRoomNotFound, "room does not exist")
		return
	}
	for _, peer := range remaining {
		r.send(peer, Envelope{Kind: KindPeerLeft, RoomID: roomID, PeerID: connID})
	}
}

// handleSignal forwards an offer/answer/ICE payload. The destination is tried
// as a local connection first, then a room, then a station ID resolved via
// the directory. Forwarded envelopes carry from = the sender's connection ID,
// or its station ID when the sender is a registered station.
func (r *Router) handleSignal(ctx context.Context, connID string, env Envelope) {
	out := Envelope{Kind: env.Kind, From: r.senderLabel(ctx, connID), Payload: env.Payload}

	if _, ok := r.registry.Lookup(env.To); ok {
		r.send(env.To, out)
		r.metrics.Inc(metrics.MessagesRouted)
		return
	}

	if members, err := r.rooms.Members(env.To); err == nil {
		for _, peer := range members {
			if peer != connID {
				r.send(peer, out)
			}
		}
		r.metrics.Inc(metrics.MessagesRouted)
		return
	}

	// The destination is addressed generically, so a directory miss here
	// means no connection, room, or station matched; NOT_FOUND rather than
	// the station-specific code.
	targetConn, err := r.resolveStationConn(ctx, connID, env.To, CodeNotFound, "unknown destination")
	if err != nil {
		return // error already reported
	}
	r.send(targetConn, out)
	r.metrics.Inc(metrics.MessagesRouted)
}

func (r *Router) handleRegisterStation(ctx context.Context, connID string, ident registry.Identity, stationID string) {
	if ident.Kind != auth.KindStation {
		r.replyError(connID, CodeForbidden, "only station connections may register")
		return
	}

	superseded, err := r.stations.Register(ctx, stationID, connID)
	if err != nil {
		r.metrics.Inc(metrics.StoreErrors)
		r.log.Error("station register failed", "stationId", stationID, "error", err)
		r.replyError(connID, CodeInternal, "station registration unavailable")
		return
	}

	r.metrics.Inc(metrics.StationsRegistered)
	if superseded != "" {
		r.metrics.Inc(metrics.StationsSuperseded)
		// The superseded connection may live on another process; its own
		// disconnect cleanup is a stale no-op there since the reverse
		// mapping was already replaced.
		r.sender.Disconnect(superseded, "superseded by new registration")
	}

	r.send(connID, Envelope{Kind: KindStationRegistered, StationID: stationID})
	if err := station.Announce(ctx, r.store, station.EventConnected, stationID); err != nil {
		r.metrics.Inc(metrics.StoreErrors)
		r.log.Error("station-connected announce failed", "stationId", stationID, "error", err)
	}
}

func (r *Router) handleInviteStation(ctx context.Context, connID string, env Envelope) {
	targetConn, err := r.resolveStationConn(ctx, connID, env.StationID, CodeStationNotRegistered, "station is not registered")
	if err != nil {
		return
	}
	r.send(targetConn, Envelope{
		Kind:      KindInviteStation,
		From:      connID,
		StationID: env.StationID,
		RoomID:    env.RoomID,
	})
	r.metrics.Inc(metrics.MessagesRouted)
}

// handleRequestStream forwards a stream request to the target station,
// stamping requesterId with the sender's connection ID so the station can
// address its response without the router keeping per-request state.
func (r *Router) handleRequestStream(ctx context.Context, connID string, env Envelope) {
	targetConn, err := r.resolveStationConn(ctx, connID, env.StationID, CodeStationNotRegistered, "station is not registered")
	if err != nil {
		return
	}
	r.send(targetConn, Envelope{
		Kind:        KindRequestStream,
		From:        connID,
		StationID:   env.StationID,
		CameraID:    env.CameraID,
		RequesterID: connID,
		Offer:       env.Offer,
	})
	r.metrics.Inc(metrics.MessagesRouted)
}

func (r *Router) handleStreamResponse(ctx context.Context, connID string, ident registry.Identity, env Envelope) {
	if ident.Kind != auth.KindStation {
		r.replyError(connID, CodeForbidden, "only stations may send stream responses")
		return
	}
	if _, ok := r.registry.Lookup(env.RequesterID); !ok {
		r.replyError(connID, CodeNotFound, "requester is no longer connected")
		return
	}
	r.send(env.RequesterID, Envelope{
		Kind:   KindStreamResponse,
		From:   r.senderLabel(ctx, connID),
		Status: env.Status,
		Answer: env.Answer,
		URL:    env.URL,
		Error:  env.Error,
	})
	r.metrics.Inc(metrics.MessagesRouted)
}

// handleStationCallCenter alerts every locally connected admin that a station
// is requesting the call center.
func (r *Router) handleStationCallCenter(ctx context.Context, connID string, ident registry.Identity, stationID string) {
	if ident.Kind != auth.KindStation {
		r.replyError(connID, CodeForbidden, "only stations may page the call center")
		return
	}
	out := Envelope{Kind: KindStationCallCenter, From: r.senderLabel(ctx, connID), StationID: stationID}
	for _, admin := range r.registry.FindByKind(auth.KindAdmin) {
		r.send(admin, out)
	}
	r.metrics.Inc(metrics.MessagesRouted)
}

// resolveStationConn maps a station ID to a locally connected connection ID,
// reporting the appropriate typed error to the sender when it cannot. The
// miss code varies by call site: station-addressed operations report
// STATION_NOT_REGISTERED, generically addressed signaling reports NOT_FOUND.
func (r *Router) resolveStationConn(ctx context.Context, senderConnID, stationID, missCode, missMessage string) (string, error) {
	targetConn, err := r.stations.ConnFor(ctx, stationID)
	if errors.Is(err, station.ErrNotRegistered) {
		r.replyError(senderConnID, missCode, missMessage)
		return "", err
	}
	if err != nil {
		r.metrics.Inc(metrics.StoreErrors)
		r.log.Error("station lookup failed", "stationId", stationID, "error", err)
		r.replyError(senderConnID, CodeInternal, "station lookup unavailable")
		return "", err
	}
	if _, ok := r.registry.Lookup(targetConn); !ok {
		// Registered on another process, or a registration whose TTL has
		// not yet reaped a dead connection.
		r.replyError(senderConnID, CodeStationOffline, "station is not reachable")
		return "", station.ErrNotRegistered
	}
	return targetConn, nil
}

// senderLabel is the value forwarded as "from": the station ID when the
// sender holds a station registration, otherwise the connection ID.
func (r *Router) senderLabel(ctx context.Context, connID string) string {
	stationID, err := r.stations.StationFor(ctx, connID)
	if err != nil {
		return connID
	}
	return stationID
}

func (r *Router) send(connID string, env Envelope) {
	if err := r.sender.SendEnvelope(connID, env); err != nil {
		r.log.Debug("send failed", "connId", connID, "kind", env.Kind, "error", err)
	}
}

func (r *Router) replyError(connID, code, message string) {
	r.metrics.Inc(metrics.RoutingError)
	r.send(connID, ErrorEnvelope(code, message))
}
