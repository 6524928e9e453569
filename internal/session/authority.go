// Package session enforces single-active-session-per-user across every
// broker process: session records live in the directory store, and session
// replacement fans an eviction notice out over pub/sub so whichever process
// owns the stale connection force-closes it.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stationlink/signaling/internal/directory"
)

// ChannelEvicted is the pub/sub channel carrying eviction notices. Every
// broker process must run an Evictor subscribed to it.
const ChannelEvicted = "sessions.evicted"

// ReasonNewLogin marks evictions caused by a newer login for the same user.
const ReasonNewLogin = "NEW_LOGIN"

// Notice is the eviction message published when a user's session is
// superseded. SessionID is the *old* session being evicted.
type Notice struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

func sessionKey(userID string) string {
	return "session:user:" + userID
}

type Authority struct {
	store directory.Store
	ttl   time.Duration

	newID func() string
}

func NewAuthority(store directory.Store, ttl time.Duration) *Authority {
	return &Authority{
		store: store,
		ttl:   ttl,
		newID: uuid.NewString,
	}
}

// Create mints a fresh opaque session ID for userID and records it as the
// user's current session. If a different session existed, an eviction notice
// for the old ID is published after the new record is written.
func (a *Authority) Create(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("userID is required")
	}

	old, err := a.store.GetMapping(ctx, sessionKey(userID))
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		return "", fmt.Errorf("read current session: %w", err)
	}

	sessionID := a.newID()
	if err := a.store.SetMapping(ctx, sessionKey(userID), sessionID, a.ttl); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}

	if old != "" && old != sessionID {
		notice := Notice{UserID: userID, SessionID: old, Reason: ReasonNewLogin}
		payload, err := marshalNotice(notice)
		if err != nil {
			return "", err
		}
		if err := a.store.Publish(ctx, ChannelEvicted, payload); err != nil {
			// The new session is already current; a lost notice only delays the
			// kick until the stale connection next reconnects.
			return sessionID, fmt.Errorf("publish eviction notice: %w", err)
		}
	}

	return sessionID, nil
}

// Current returns the user's current session ID, or directory.ErrNotFound.
func (a *Authority) Current(ctx context.Context, userID string) (string, error) {
	return a.store.GetMapping(ctx, sessionKey(userID))
}
