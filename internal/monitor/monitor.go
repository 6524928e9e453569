// Package monitor exposes broker state to admin consumers: a pull contract
// for HTTP handlers and a periodic push loop that only runs while at least
// one admin connection is attached.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stationlink/signaling/internal/metrics"
	"github.com/stationlink/signaling/internal/registry"
	"github.com/stationlink/signaling/internal/room"
	"github.com/stationlink/signaling/internal/station"
)

// EventStats is the event name pushed to admin connections.
const EventStats = "monitor-stats"

type Stats struct {
	Rooms            []room.Snapshot `json:"rooms"`
	OnlineStations   int64           `json:"onlineStations"`
	LocalConnections int             `json:"localConnections"`
}

// Broadcaster pushes stats to locally connected admins.
type Broadcaster interface {
	BroadcastToAdmins(event string, payload any)
}

type Monitor struct {
	rooms    *room.Rooms
	stations *station.Registry
	reg      *registry.Registry
	metrics  *metrics.Metrics
	log      *slog.Logger
	interval time.Duration

	// set after construction, before any connection is served
	broadcaster Broadcaster

	mu     sync.Mutex
	admins int
	cancel context.CancelFunc
}

func New(rooms *room.Rooms, stations *station.Registry, reg *registry.Registry, m *metrics.Metrics, interval time.Duration, log *slog.Logger) *Monitor {
	return &Monitor{
		rooms:    rooms,
		stations: stations,
		reg:      reg,
		metrics:  m,
		log:      log,
		interval: interval,
	}
}

func (m *Monitor) SetBroadcaster(b Broadcaster) { m.broadcaster = b }

// Stats is the pull contract: current rooms plus the cluster-wide online
// station count. The station count degrades to zero if the directory is
// unreachable; monitoring must not fail the caller.
func (m *Monitor) Stats(ctx context.Context) Stats {
	count, err := m.stations.OnlineCount(ctx)
	if err != nil {
		m.metrics.Inc(metrics.StoreErrors)
		m.log.Warn("online station count unavailable", "error", err)
		count = 0
	}
	return Stats{
		Rooms:            m.rooms.SnapshotAll(),
		OnlineStations:   count,
		LocalConnections: m.reg.Len(),
	}
}

// AdminJoined starts the push loop when the first admin attaches.
func (m *Monitor) AdminJoined() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admins++
	if m.admins > 1 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.pushLoop(ctx)
}

// AdminLeft stops the push loop when the last admin detaches, so no ticker
// outlives its audience.
func (m *Monitor) AdminLeft() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.admins == 0 {
		return
	}
	m.admins--
	if m.admins == 0 && m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// Stop halts any running push loop. Called on process shutdown.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.admins = 0
}

func (m *Monitor) pushLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.broadcaster.BroadcastToAdmins(EventStats, m.Stats(ctx))
		}
	}
}
