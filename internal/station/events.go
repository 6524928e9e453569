package station

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/stationlink/signaling/internal/directory"
)

// ChannelEvents carries station lifecycle events across processes so every
// broker can notify its local peer connections.
const ChannelEvents = "stations.events"

const (
	EventConnected    = "station-connected"
	EventDisconnected = "station-disconnected"
)

// Event is the wire form of a lifecycle announcement on ChannelEvents. The
// Type doubles as the event name pushed to clients.
type Event struct {
	Type      string `json:"type"`
	StationID string `json:"stationId"`
}

// Announce publishes a station lifecycle event to every process in the
// cluster, including this one. Local delivery happens through the same
// subscription as remote delivery so there is a single broadcast path.
func Announce(ctx context.Context, store directory.Store, eventType, stationID string) error {
	payload, err := json.Marshal(Event{Type: eventType, StationID: stationID})
	if err != nil {
		return fmt.Errorf("marshal station event: %w", err)
	}
	if err := store.Publish(ctx, ChannelEvents, payload); err != nil {
		return fmt.Errorf("publish station event: %w", err)
	}
	return nil
}

// Broadcaster pushes an event to every locally connected browser peer.
type Broadcaster interface {
	BroadcastToPeers(event string, payload any)
}

// Fanout subscribes to ChannelEvents and relays each event to the local
// peers. One Fanout runs per process.
type Fanout struct {
	store       directory.Store
	broadcaster Broadcaster
	log         *slog.Logger
}

func NewFanout(store directory.Store, broadcaster Broadcaster, log *slog.Logger) *Fanout {
	return &Fanout{store: store, broadcaster: broadcaster, log: log}
}

// Run blocks until ctx is cancelled, relaying station events as they arrive.
func (f *Fanout) Run(ctx context.Context) error {
	sub, err := f.store.Subscribe(ctx, ChannelEvents)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ChannelEvents, err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			f.handle(raw)
		}
	}
}

func (f *Fanout) handle(raw []byte) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		f.log.Warn("dropping malformed station event", "error", err)
		return
	}
	if ev.StationID == "" || (ev.Type != EventConnected && ev.Type != EventDisconnected) {
		f.log.Warn("dropping unrecognized station event", "type", ev.Type)
		return
	}
	f.broadcaster.BroadcastToPeers(ev.Type, map[string]string{"stationId": ev.StationID})
}
