package session

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stationlink/signaling/internal/auth"
	"github.com/stationlink/signaling/internal/directory"
	"github.com/stationlink/signaling/internal/metrics"
	"github.com/stationlink/signaling/internal/registry"
)

type fakeKicker struct {
	mu           sync.Mutex
	sent         []string // "connID:event"
	disconnected []string
}

func (k *fakeKicker) Send(connID, event string, payload any) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sent = append(k.sent, connID+":"+event)
	return nil
}

func (k *fakeKicker) Disconnect(connID, reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.disconnected = append(k.disconnected, connID)
}

func (k *fakeKicker) snapshot() (sent, disconnected []string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.sent...), append([]string(nil), k.disconnected...)
}

func TestCreate_SequentialSessionsOnlyLatestIsCurrent(t *testing.T) {
	ctx := context.Background()
	store := directory.NewMemStore()
	a := NewAuthority(store, time.Hour)

	var last string
	for i := 0; i < 5; i++ {
		id, err := a.Create(ctx, "u1")
		require.NoError(t, err)
		require.NotEmpty(t, id)
		require.NotEqual(t, last, id)
		last = id
	}

	current, err := a.Current(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, last, current)
}

func TestCreate_PublishesEvictionOnlyOnReplacement(t *testing.T) {
	ctx := context.Background()
	store := directory.NewMemStore()
	a := NewAuthority(store, time.Hour)

	sub, err := store.Subscribe(ctx, ChannelEvicted)
	require.NoError(t, err)
	defer sub.Close()

	first, err := a.Create(ctx, "u1")
	require.NoError(t, err)

	// First session: no prior session, so no eviction notice.
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected eviction notice %s", msg)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = a.Create(ctx, "u1")
	require.NoError(t, err)

	select {
	case msg := <-sub.Messages():
		require.Contains(t, string(msg), first)
		require.Contains(t, string(msg), ReasonNewLogin)
	case <-time.After(time.Second):
		t.Fatal("expected eviction notice after replacement")
	}
}

func TestCurrent_UnknownUser(t *testing.T) {
	a := NewAuthority(directory.NewMemStore(), time.Hour)
	_, err := a.Current(context.Background(), "nobody")
	require.ErrorIs(t, err, directory.ErrNotFound)
}

func TestEvictor_KicksExactSessionMatchOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := directory.NewMemStore()
	reg := registry.New()
	kicker := &fakeKicker{}
	ev := NewEvictor(store, reg, kicker, metrics.New(), slog.Default())

	reg.Register("conn-old", registry.Identity{UserID: "u1", SessionID: "old", Kind: auth.KindPeer})
	reg.Register("conn-new", registry.Identity{UserID: "u1", SessionID: "new", Kind: auth.KindPeer})
	reg.Register("conn-other", registry.Identity{UserID: "u2", SessionID: "old", Kind: auth.KindPeer})

	done := make(chan error, 1)
	go func() { done <- ev.Run(ctx) }()

	// Give the subscriber a moment to attach before publishing.
	require.Eventually(t, func() bool {
		require.NoError(t, store.Publish(ctx, ChannelEvicted, mustNotice(t, "u1", "old")))
		_, disconnected := kicker.snapshot()
		return len(disconnected) > 0
	}, 2*time.Second, 20*time.Millisecond)

	sent, disconnected := kicker.snapshot()
	require.Contains(t, sent, "conn-old:"+EventForcedLogout)
	require.Contains(t, disconnected, "conn-old")
	require.NotContains(t, disconnected, "conn-new")
	require.NotContains(t, disconnected, "conn-other")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestEvictor_IgnoresMalformedNotices(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := directory.NewMemStore()
	kicker := &fakeKicker{}
	ev := NewEvictor(store, registry.New(), kicker, metrics.New(), slog.Default())

	go func() { _ = ev.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, store.Publish(ctx, ChannelEvicted, []byte("not-json")))
	require.NoError(t, store.Publish(ctx, ChannelEvicted, []byte(`{"userId":""}`)))
	time.Sleep(50 * time.Millisecond)

	_, disconnected := kicker.snapshot()
	require.Empty(t, disconnected)
}

func mustNotice(t *testing.T, userID, sessionID string) []byte {
	t.Helper()
	payload, err := marshalNotice(Notice{UserID: userID, SessionID: sessionID, Reason: ReasonNewLogin})
	require.NoError(t, err)
	return payload
}
