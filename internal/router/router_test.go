package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stationlink/signaling/internal/auth"
	"github.com/stationlink/signaling/internal/directory"
	"github.com/stationlink/signaling/internal/metrics"
	"github.com/stationlink/signaling/internal/registry"
	"github.com/stationlink/signaling/internal/room"
	"github.com/stationlink/signaling/internal/station"
)

type fakeSender struct {
	mu           sync.Mutex
	sent         map[string][]Envelope
	disconnected []string
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][]Envelope)}
}

func (f *fakeSender) SendEnvelope(connID string, env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[connID] = append(f.sent[connID], env)
	return nil
}

func (f *fakeSender) Disconnect(connID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, connID)
}

func (f *fakeSender) envelopes(connID string) []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Envelope(nil), f.sent[connID]...)
}

func (f *fakeSender) lastEnvelope(t *testing.T, connID string) Envelope {
	t.Helper()
	envs := f.envelopes(connID)
	require.NotEmpty(t, envs, "no envelopes delivered to %s", connID)
	return envs[len(envs)-1]
}

type fixture struct {
	router *Router
	reg    *registry.Registry
	store  *directory.MemStore
	sender *fakeSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := directory.NewMemStore()
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	sender := newFakeSender()
	r := New(
		reg,
		room.New(),
		station.NewRegistry(store, time.Minute),
		store,
		metrics.New(),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	r.SetSender(sender)
	return &fixture{router: r, reg: reg, store: store, sender: sender}
}

func (f *fixture) connect(connID string, kind auth.ConnKind) registry.Identity {
	ident := registry.Identity{UserID: "user-" + connID, SessionID: "sess-" + connID, Kind: kind}
	f.reg.Register(connID, ident)
	return ident
}

func (f *fixture) handle(t *testing.T, connID string, msg string) {
	t.Helper()
	ident, ok := f.reg.Lookup(connID)
	require.True(t, ok, "connection %s not registered", connID)
	f.router.HandleMessage(context.Background(), connID, ident, []byte(msg))
}

func TestCreateAndJoinRoom(t *testing.T) {
	f := newFixture(t)
	f.connect("conn-a", auth.KindPeer)
	f.connect("conn-b", auth.KindPeer)

	f.handle(t, "conn-a", `{"kind":"create-room"}`)
	created := f.sender.lastEnvelope(t, "conn-a")
	require.Equal(t, KindRoomCreated, created.Kind)
	require.NotEmpty(t, created.RoomID)

	f.handle(t, "conn-b", `{"kind":"join-room","roomId":"`+created.RoomID+`"}`)
	joined := f.sender.lastEnvelope(t, "conn-b")
	require.Equal(t, KindRoomJoined, joined.Kind)
	require.Equal(t, []string{"conn-a"}, joined.Peers)

	peerJoined := f.sender.lastEnvelope(t, "conn-a")
	require.Equal(t, KindPeerJoined, peerJoined.Kind)
	require.Equal(t, "conn-b", peerJoined.PeerID)
	require.Equal(t, created.RoomID, peerJoined.RoomID)
}

func TestJoinUnknownRoomFails(t *testing.T) {
	f := newFixture(t)
	f.connect("conn-a", auth.KindPeer)

	f.handle(t, "conn-a", `{"kind":"join-room","roomId":"missing1"}`)
	env := f.sender.lastEnvelope(t, "conn-a")
	require.Equal(t, KindError, env.Kind)
	require.Equal(t, CodeRoomNotFound, env.Error.Code)
}

func TestDirectOfferIsNotBroadcast(t *testing.T) {
	f := newFixture(t)
	f.connect("conn-a", auth.KindPeer)
	f.connect("conn-b", auth.KindPeer)
	f.connect("conn-c", auth.KindPeer)

	// All three share a room; a directed offer must still reach only B.
	f.handle(t, "conn-a", `{"kind":"create-room"}`)
	roomID := f.sender.lastEnvelope(t, "conn-a").RoomID
	f.handle(t, "conn-b", `{"kind":"join-room","roomId":"`+roomID+`"}`)
	f.handle(t, "conn-c", `{"kind":"join-room","roomId":"`+roomID+`"}`)

	before := len(f.sender.envelopes("conn-c"))
	f.handle(t, "conn-a", `{"kind":"offer","to":"conn-b","payload":{"sdp":"v=0"}}`)

	offer := f.sender.lastEnvelope(t, "conn-b")
	require.Equal(t, KindOffer, offer.Kind)
	require.Equal(t, "conn-a", offer.From)
	require.JSONEq(t, `{"sdp":"v=0"}`, string(offer.Payload))
	require.Len(t, f.sender.envelopes("conn-c"), before, "bystander received a directed offer")
}

func TestRoomAddressedSignalBroadcastsExceptSender(t *testing.T) {
	f := newFixture(t)
	f.connect("conn-a", auth.KindPeer)
	f.connect("conn-b", auth.KindPeer)
	f.connect("conn-c", auth.KindPeer)

	f.handle(t, "conn-a", `{"kind":"create-room"}`)
	roomID := f.sender.lastEnvelope(t, "conn-a").RoomID
	f.handle(t, "conn-b", `{"kind":"join-room","roomId":"`+roomID+`"}`)
	f.handle(t, "conn-c", `{"kind":"join-room","roomId":"`+roomID+`"}`)

	beforeA := len(f.sender.envelopes("conn-a"))
	f.handle(t, "conn-a", `{"kind":"ice-candidate","to":"`+roomID+`","payload":{"candidate":"c"}}`)

	require.Equal(t, KindICECandidate, f.sender.lastEnvelope(t, "conn-b").Kind)
	require.Equal(t, KindICECandidate, f.sender.lastEnvelope(t, "conn-c").Kind)
	require.Len(t, f.sender.envelopes("conn-a"), beforeA, "sender received its own broadcast")
}

// A destination that matches no connection, room, or station is a generic
// NOT_FOUND; the station-specific code is reserved for station-addressed
// operations like invite-station.
func TestSignalToUnknownDestination(t *testing.T) {
	f := newFixture(t)
	f.connect("conn-a", auth.KindPeer)

	f.handle(t, "conn-a", `{"kind":"offer","to":"nobody","payload":{}}`)
	env := f.sender.lastEnvelope(t, "conn-a")
	require.Equal(t, KindError, env.Kind)
	require.Equal(t, CodeNotFound, env.Error.Code)
}

func TestInviteUnknownStationReportsStationCode(t *testing.T) {
	f := newFixture(t)
	f.connect("conn-a", auth.KindPeer)

	f.handle(t, "conn-a", `{"kind":"invite-station","stationId":"st-missing","roomId":"r1"}`)
	env := f.sender.lastEnvelope(t, "conn-a")
	require.Equal(t, KindError, env.Kind)
	require.Equal(t, CodeStationNotRegistered, env.Error.Code)
}

func TestMalformedEnvelopeRejectedWithoutDisconnect(t *testing.T) {
	f := newFixture(t)
	f.connect("conn-a", auth.KindPeer)

	for _, msg := range []string{
		`{nope`,
		`{"kind":"offer","to":"x","payload":{},"bogus":1}`,
		`{"kind":"join-room"}`,
		`{"kind":"teleport"}`,
		`{"kind":"create-room"} trailing`,
	} {
		f.handle(t, "conn-a", msg)
		env := f.sender.lastEnvelope(t, "conn-a")
		require.Equal(t, KindError, env.Kind, "message %q", msg)
		require.Equal(t, CodeInvalidArgument, env.Error.Code, "message %q", msg)
	}
	require.Empty(t, f.sender.disconnected)
}

func TestRegisterStationRequiresStationKind(t *testing.T) {
	f := newFixture(t)
	f.connect("conn-a", auth.KindPeer)

	f.handle(t, "conn-a", `{"kind":"register-station","stationId":"st-1"}`)
	env := f.sender.lastEnvelope(t, "conn-a")
	require.Equal(t, KindError, env.Kind)
	require.Equal(t, CodeForbidden, env.Error.Code)
}

func TestRegisterStationAndInvite(t *testing.T) {
	f := newFixture(t)
	f.connect("conn-st", auth.KindStation)
	f.connect("conn-a", auth.KindPeer)

	f.handle(t, "conn-st", `{"kind":"register-station","stationId":"st-1"}`)
	reg := f.sender.lastEnvelope(t, "conn-st")
	require.Equal(t, KindStationRegistered, reg.Kind)
	require.Equal(t, "st-1", reg.StationID)

	f.handle(t, "conn-a", `{"kind":"invite-station","stationId":"st-1","roomId":"room1234"}`)
	invite := f.sender.lastEnvelope(t, "conn-st")
	require.Equal(t, KindInviteStation, invite.Kind)
	require.Equal(t, "conn-a", invite.From)
	require.Equal(t, "room1234", invite.RoomID)
}

func TestRequestStreamStampsRequesterAndResponseRoutesBack(t *testing.T) {
	f := newFixture(t)
	f.connect("conn-st", auth.KindStation)
	f.connect("conn-a", auth.KindPeer)

	f.handle(t, "conn-st", `{"kind":"register-station","stationId":"st-1"}`)
	f.handle(t, "conn-a", `{"kind":"cmd-request-stream","stationId":"st-1","cameraId":"cam-2","offer":{"sdp":"v=0"}}`)

	req := f.sender.lastEnvelope(t, "conn-st")
	require.Equal(t, KindRequestStream, req.Kind)
	require.Equal(t, "conn-a", req.RequesterID)
	require.Equal(t, "cam-2", req.CameraID)
	require.JSONEq(t, `{"sdp":"v=0"}`, string(req.Offer))

	f.handle(t, "conn-st", `{"kind":"cmd-stream-response","requesterId":"conn-a","status":"ok","answer":{"sdp":"v=0"}}`)
	resp := f.sender.lastEnvelope(t, "conn-a")
	require.Equal(t, KindStreamResponse, resp.Kind)
	require.Equal(t, "st-1", resp.From, "station responses carry the station id")
	require.Equal(t, "ok", resp.Status)
}

func TestStreamResponseFromPeerForbidden(t *testing.T) {
	f := newFixture(t)
	f.connect("conn-a", auth.KindPeer)
	f.connect("conn-b", auth.KindPeer)

	f.handle(t, "conn-a", `{"kind":"cmd-stream-response","requesterId":"conn-b","status":"ok"}`)
	env := f.sender.lastEnvelope(t, "conn-a")
	require.Equal(t, KindError, env.Kind)
	require.Equal(t, CodeForbidden, env.Error.Code)
	require.Empty(t, f.sender.envelopes("conn-b"))
}

func TestStationOfflineWhenRegisteredElsewhere(t *testing.T) {
	f := newFixture(t)
	f.connect("conn-a", auth.KindPeer)

	// A registration exists in the directory but the owning connection is
	// on some other process, so it is not in the local registry.
	stations := station.NewRegistry(f.store, time.Minute)
	_, err := stations.Register(context.Background(), "st-1", "conn-remote")
	require.NoError(t, err)

	f.handle(t, "conn-a", `{"kind":"invite-station","stationId":"st-1","roomId":"room1234"}`)
	env := f.sender.lastEnvelope(t, "conn-a")
	require.Equal(t, KindError, env.Kind)
	require.Equal(t, CodeStationOffline, env.Error.Code)
}

func TestReRegisterDisconnectsSupersededConn(t *testing.T) {
	f := newFixture(t)
	f.connect("conn-old", auth.KindStation)
	f.connect("conn-new", auth.KindStation)

	f.handle(t, "conn-old", `{"kind":"register-station","stationId":"st-1"}`)
	f.handle(t, "conn-new", `{"kind":"register-station","stationId":"st-1"}`)

	require.Equal(t, []string{"conn-old"}, f.sender.disconnected)
}

func TestStationCallCenterReachesAdminsOnly(t *testing.T) {
	f := newFixture(t)
	f.connect("conn-st", auth.KindStation)
	f.connect("conn-peer", auth.KindPeer)
	f.connect("conn-admin", auth.KindAdmin)

	f.handle(t, "conn-st", `{"kind":"register-station","stationId":"st-1"}`)
	f.handle(t, "conn-st", `{"kind":"station-call-center","stationId":"st-1"}`)

	alert := f.sender.lastEnvelope(t, "conn-admin")
	require.Equal(t, KindStationCallCenter, alert.Kind)
	require.Equal(t, "st-1", alert.StationID)
	require.Equal(t, "st-1", alert.From)
	require.Empty(t, f.sender.envelopes("conn-peer"))
}

func TestDisconnectCleanupIsTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect("conn-c", auth.KindStation)
	f.connect("conn-a", auth.KindPeer)
	f.connect("conn-b", auth.KindPeer)

	f.handle(t, "conn-c", `{"kind":"register-station","stationId":"st-1"}`)

	f.handle(t, "conn-a", `{"kind":"create-room"}`)
	r1 := f.sender.lastEnvelope(t, "conn-a").RoomID
	f.handle(t, "conn-c", `{"kind":"join-room","roomId":"`+r1+`"}`)
	f.handle(t, "conn-b", `{"kind":"create-room"}`)
	r2 := f.sender.lastEnvelope(t, "conn-b").RoomID
	f.handle(t, "conn-c", `{"kind":"join-room","roomId":"`+r2+`"}`)

	events, err := f.store.Subscribe(ctx, station.ChannelEvents)
	require.NoError(t, err)
	defer events.Close()

	f.router.HandleDisconnect(ctx, "conn-c")

	for _, peer := range []string{"conn-a", "conn-b"} {
		env := f.sender.lastEnvelope(t, peer)
		require.Equal(t, KindPeerDisconnected, env.Kind)
		require.Equal(t, "conn-c", env.PeerID)
	}

	// Station mapping gone and one disconnect announcement fired.
	stations := station.NewRegistry(f.store, time.Minute)
	_, err = stations.ConnFor(ctx, "st-1")
	require.ErrorIs(t, err, station.ErrNotRegistered)

	select {
	case raw := <-events.Messages():
		var ev station.Event
		require.NoError(t, json.Unmarshal(raw, &ev))
		require.Equal(t, station.EventDisconnected, ev.Type)
		require.Equal(t, "st-1", ev.StationID)
	case <-time.After(time.Second):
		t.Fatal("no station-disconnected event")
	}
	select {
	case raw := <-events.Messages():
		t.Fatalf("unexpected second event %s", raw)
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := f.reg.Lookup("conn-c")
	require.False(t, ok)
}

func TestCallSetupEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.connect("conn-a", auth.KindPeer)
	f.connect("conn-b", auth.KindPeer)

	f.handle(t, "conn-a", `{"kind":"create-room"}`)
	roomID := f.sender.lastEnvelope(t, "conn-a").RoomID

	f.handle(t, "conn-b", `{"kind":"join-room","roomId":"`+roomID+`"}`)
	require.Equal(t, []string{"conn-a"}, f.sender.lastEnvelope(t, "conn-b").Peers)
	require.Equal(t, "conn-b", f.sender.lastEnvelope(t, "conn-a").PeerID)

	f.handle(t, "conn-a", `{"kind":"offer","to":"conn-b","payload":{"sdp":"v=0 offer"}}`)
	offer := f.sender.lastEnvelope(t, "conn-b")
	require.Equal(t, "conn-a", offer.From)
	require.JSONEq(t, `{"sdp":"v=0 offer"}`, string(offer.Payload))

	f.router.HandleDisconnect(context.Background(), "conn-b")
	gone := f.sender.lastEnvelope(t, "conn-a")
	require.Equal(t, KindPeerDisconnected, gone.Kind)
	require.Equal(t, "conn-b", gone.PeerID)

	// A leaves too; the room empties out and the ID is dead for good.
	f.handle(t, "conn-a", `{"kind":"leave-room","roomId":"`+roomID+`"}`)
	f.handle(t, "conn-a", `{"kind":"join-room","roomId":"`+roomID+`"}`)
	env := f.sender.lastEnvelope(t, "conn-a")
	require.Equal(t, KindError, env.Kind)
	require.Equal(t, CodeRoomNotFound, env.Error.Code)
}
