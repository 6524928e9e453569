// Package station maintains the cluster-wide mapping from station identifiers
// to the broker connection currently serving them. A station that reconnects
// (to any process) supersedes its previous registration in a single atomic
// step, so no reader ever observes the station half-registered.
package station

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stationlink/signaling/internal/directory"
)

// ErrNotRegistered is returned when a lookup names a station with no live
// registration.
var ErrNotRegistered = errors.New("station not registered")

const (
	keyPrefixStation = "station:"      // station:{stationID} -> connID
	keyPrefixConn    = "conn:station:" // conn:station:{connID} -> stationID
	setOnline        = "stations:online"
)

func stationKey(stationID string) string { return keyPrefixStation + stationID }
func connKey(connID string) string       { return keyPrefixConn + connID }

// Registry is the station-side view of the shared directory. The TTL on the
// mappings is a backstop: a process that dies without running disconnect
// cleanup leaves entries behind, and the TTL reaps them.
type Registry struct {
	store directory.Store
	ttl   time.Duration
}

func NewRegistry(store directory.Store, ttl time.Duration) *Registry {
	return &Registry{store: store, ttl: ttl}
}

// Register binds stationID to connID cluster-wide. If the station already had
// a live registration on another connection, that registration is replaced
// atomically and the superseded connection ID is returned so the caller can
// close it.
func (r *Registry) Register(ctx context.Context, stationID, connID string) (supersededConnID string, err error) {
	old, err := r.store.GetMapping(ctx, stationKey(stationID))
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		return "", fmt.Errorf("lookup station %s: %w", stationID, err)
	}
	if old == connID {
		old = ""
	}

	err = r.store.Batch(ctx, func(b directory.BatchOps) {
		b.SetMapping(stationKey(stationID), connID, r.ttl)
		b.SetMapping(connKey(connID), stationID, r.ttl)
		if old != "" {
			b.DeleteMapping(connKey(old))
		}
		b.AddToSet(setOnline, stationID)
	})
	if err != nil {
		return "", fmt.Errorf("register station %s: %w", stationID, err)
	}
	return old, nil
}

// Deregister removes the registration owned by connID, if any. It returns the
// station that was bound to the connection and whether the connection still
// held the current registration. A superseded connection disconnecting later
// reports wasCurrent=false and leaves the new registration untouched.
func (r *Registry) Deregister(ctx context.Context, connID string) (stationID string, wasCurrent bool, err error) {
	stationID, err = r.store.GetMapping(ctx, connKey(connID))
	if errors.Is(err, directory.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reverse lookup conn %s: %w", connID, err)
	}

	current, err := r.store.GetMapping(ctx, stationKey(stationID))
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		return stationID, false, fmt.Errorf("lookup station %s: %w", stationID, err)
	}

	if current != connID {
		// Superseded while disconnecting. Only the stale reverse mapping
		// is ours to clean up.
		if err := r.store.DeleteMapping(ctx, connKey(connID)); err != nil {
			return stationID, false, fmt.Errorf("clear stale conn %s: %w", connID, err)
		}
		return stationID, false, nil
	}

	err = r.store.Batch(ctx, func(b directory.BatchOps) {
		b.DeleteMapping(stationKey(stationID))
		b.DeleteMapping(connKey(connID))
		b.RemoveFromSet(setOnline, stationID)
	})
	if err != nil {
		return stationID, true, fmt.Errorf("deregister station %s: %w", stationID, err)
	}
	return stationID, true, nil
}

// Touch re-arms the registration TTL. Called when traffic from the station
// proves the binding is still live. A no-op if connID no longer holds the
// registration.
func (r *Registry) Touch(ctx context.Context, stationID, connID string) error {
	current, err := r.store.GetMapping(ctx, stationKey(stationID))
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil
		}
		return err
	}
	if current != connID {
		return nil
	}
	return r.store.Batch(ctx, func(b directory.BatchOps) {
		b.SetMapping(stationKey(stationID), connID, r.ttl)
		b.SetMapping(connKey(connID), stationID, r.ttl)
	})
}

// ConnFor resolves a station ID to the connection currently serving it.
func (r *Registry) ConnFor(ctx context.Context, stationID string) (string, error) {
	connID, err := r.store.GetMapping(ctx, stationKey(stationID))
	if errors.Is(err, directory.ErrNotFound) {
		return "", ErrNotRegistered
	}
	if err != nil {
		return "", err
	}
	return connID, nil
}

// StationFor resolves a connection ID to the station registered over it.
func (r *Registry) StationFor(ctx context.Context, connID string) (string, error) {
	stationID, err := r.store.GetMapping(ctx, connKey(connID))
	if errors.Is(err, directory.ErrNotFound) {
		return "", ErrNotRegistered
	}
	if err != nil {
		return "", err
	}
	return stationID, nil
}

// IsOnline reports whether the station has a live registration. The TTL'd
// mapping is authoritative; the online set is best-effort and only feeds the
// monitor counts.
func (r *Registry) IsOnline(ctx context.Context, stationID string) (bool, error) {
	_, err := r.store.GetMapping(ctx, stationKey(stationID))
	if errors.Is(err, directory.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) Online(ctx context.Context) ([]string, error) {
	return r.store.MembersOf(ctx, setOnline)
}

func (r *Registry) OnlineCount(ctx context.Context) (int64, error) {
	return r.store.SetLen(ctx, setOnline)
}
