// Package status buffers high-frequency device telemetry per station and
// flushes it as periodic batched broadcasts. Telemetry arrives out-of-band
// over NATS, not over the signaling connection; the aggregator is the gate
// that keeps stale or impersonated reports from surfacing.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stationlink/signaling/internal/directory"
	"github.com/stationlink/signaling/internal/metrics"
)

// ChannelStatus carries flushed batches across processes so every broker can
// push them to its local clients.
const ChannelStatus = "stations.status"

// EventStatus is the event name pushed to clients for each flushed batch.
const EventStatus = "stations-status"

// Device is one reported device on a station.
type Device struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Report is a single telemetry update from one station. Summary holds counts
// keyed by device status.
type Report struct {
	StationID string         `json:"stationId"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Devices   []Device       `json:"devices,omitempty"`
	Summary   map[string]int `json:"summary,omitempty"`
}

// OnlineChecker reports whether a station has a live registration. Reports
// for unregistered stations are dropped.
type OnlineChecker interface {
	IsOnline(ctx context.Context, stationID string) (bool, error)
}

type Aggregator struct {
	online  OnlineChecker
	store   directory.Store
	metrics *metrics.Metrics
	log     *slog.Logger

	staleness time.Duration
	interval  time.Duration
	now       func() time.Time

	mu  sync.Mutex
	buf map[string]Report
}

func NewAggregator(online OnlineChecker, store directory.Store, staleness, interval time.Duration, m *metrics.Metrics, log *slog.Logger) *Aggregator {
	return &Aggregator{
		online:    online,
		store:     store,
		metrics:   m,
		log:       log,
		staleness: staleness,
		interval:  interval,
		now:       time.Now,
		buf:       make(map[string]Report),
	}
}

// Offer buffers one report for the next flush. Reports older than the
// staleness window at arrival time are dropped, as are reports for stations
// without a live registration. Within a flush window the latest report per
// station wins.
func (a *Aggregator) Offer(ctx context.Context, rep Report) {
	if rep.StationID == "" || rep.UpdatedAt.IsZero() {
		a.metrics.Inc(metrics.StaleStatusDropped)
		return
	}
	if a.now().Sub(rep.UpdatedAt) > a.staleness {
		a.metrics.Inc(metrics.StaleStatusDropped)
		a.log.Debug("dropping stale status report", "stationId", rep.StationID, "updatedAt", rep.UpdatedAt)
		return
	}

	online, err := a.online.IsOnline(ctx, rep.StationID)
	if err != nil {
		a.metrics.Inc(metrics.StoreErrors)
		a.log.Warn("online check failed, dropping status report", "stationId", rep.StationID, "error", err)
		return
	}
	if !online {
		a.metrics.Inc(metrics.StaleStatusDropped)
		a.log.Debug("dropping status report for offline station", "stationId", rep.StationID)
		return
	}

	a.mu.Lock()
	a.buf[rep.StationID] = rep
	a.mu.Unlock()
}

// Run flushes on a fixed interval until ctx is cancelled. An empty buffer
// produces no broadcast that tick.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.flush(ctx)
		}
	}
}

func (a *Aggregator) flush(ctx context.Context) {
	a.mu.Lock()
	if len(a.buf) == 0 {
		a.mu.Unlock()
		return
	}
	batch := make([]Report, 0, len(a.buf))
	for _, rep := range a.buf {
		batch = append(batch, rep)
	}
	a.buf = make(map[string]Report)
	a.mu.Unlock()

	payload, err := json.Marshal(batch)
	if err != nil {
		a.log.Error("marshal status batch", "error", err)
		return
	}
	if err := a.store.Publish(ctx, ChannelStatus, payload); err != nil {
		a.metrics.Inc(metrics.StoreErrors)
		a.log.Error("publish status batch", "error", err)
		return
	}
	a.metrics.Inc(metrics.StatusFlushes)
}

// Broadcaster pushes a flushed batch to every locally connected client.
type Broadcaster interface {
	BroadcastAll(event string, payload any)
}

// Fanout subscribes to ChannelStatus and relays each batch to local clients.
type Fanout struct {
	store       directory.Store
	broadcaster Broadcaster
	log         *slog.Logger
}

func NewFanout(store directory.Store, broadcaster Broadcaster, log *slog.Logger) *Fanout {
	return &Fanout{store: store, broadcaster: broadcaster, log: log}
}

func (f *Fanout) Run(ctx context.Context) error {
	sub, err := f.store.Subscribe(ctx, ChannelStatus)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ChannelStatus, err)
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
			var batch []Report
			if err := json.Unmarshal(raw, &batch); err != nil {
				f.log.Warn("dropping malformed status batch", "error", err)
				continue
			}
			f.broadcaster.BroadcastAll(EventStatus, batch)
		}
	}
}
