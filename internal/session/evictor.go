package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/stationlink/signaling/internal/directory"
	"github.com/stationlink/signaling/internal/metrics"
	"github.com/stationlink/signaling/internal/registry"
)

// EventForcedLogout is sent to a connection before it is force-closed
// because its session was superseded.
const EventForcedLogout = "forced-logout"

type forcedLogout struct {
	Reason string `json:"reason"`
}

// Kicker is the transport subset the evictor needs to terminate a stale
// connection.
type Kicker interface {
	Send(connID, event string, payload any) error
	Disconnect(connID, reason string)
}

// Evictor consumes eviction notices and force-closes any local connection
// whose identity matches the evicted {userID, sessionID} pair exactly.
// Cross-process correctness depends on every broker process running one.
type Evictor struct {
	store    directory.Store
	registry *registry.Registry
	kicker   Kicker
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewEvictor(store directory.Store, reg *registry.Registry, kicker Kicker, m *metrics.Metrics, log *slog.Logger) *Evictor {
	return &Evictor{
		store:    store,
		registry: reg,
		kicker:   kicker,
		metrics:  m,
		log:      log,
	}
}

// Run subscribes to the eviction channel and processes notices until ctx is
// cancelled or the subscription stream ends.
func (e *Evictor) Run(ctx context.Context) error {
	sub, err := e.store.Subscribe(ctx, ChannelEvicted)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ChannelEvicted, err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			e.handle(msg)
		}
	}
}

func (e *Evictor) handle(msg []byte) {
	var notice Notice
	if err := json.Unmarshal(msg, &notice); err != nil {
		e.log.Warn("dropping malformed eviction notice", "err", err)
		return
	}
	if notice.UserID == "" || notice.SessionID == "" {
		e.log.Warn("dropping incomplete eviction notice", "user_id", notice.UserID)
		return
	}

	for _, connID := range e.registry.FindBySession(notice.UserID, notice.SessionID) {
		e.log.Info("evicting superseded session",
			"user_id", notice.UserID,
			"session_id", notice.SessionID,
			"conn_id", connID,
			"reason", notice.Reason,
		)
		_ = e.kicker.Send(connID, EventForcedLogout, forcedLogout{Reason: notice.Reason})
		e.kicker.Disconnect(connID, "session superseded")
		e.metrics.Inc(metrics.SessionsEvicted)
	}
}

func marshalNotice(n Notice) ([]byte, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal eviction notice: %w", err)
	}
	return payload, nil
}
