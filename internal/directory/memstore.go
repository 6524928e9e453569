package directory

import (
	"context"
	"sync"
	"time"
)

// MemStore is the in-process Store used by tests and single-instance
// deployments. Semantics mirror RedisStore: TTL-expired mappings read as
// absent, batches apply under one lock acquisition, and pub/sub delivers
// only to subscribers that existed at publish time.
type MemStore struct {
	mu       sync.Mutex
	mappings map[string]memEntry
	sets     map[string]map[string]struct{}
	subs     map[string][]*memSubscription

	now func() time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func NewMemStore() *MemStore {
	return &MemStore{
		mappings: make(map[string]memEntry),
		sets:     make(map[string]map[string]struct{}),
		subs:     make(map[string][]*memSubscription),
		now:      time.Now,
	}
}

// SetClock overrides the expiry clock. Test hook.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemStore) SetMapping(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setMappingLocked(key, value, ttl)
	return nil
}

func (s *MemStore) setMappingLocked(key, value string, ttl time.Duration) {
	entry := memEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.mappings[key] = entry
}

func (s *MemStore) GetMapping(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.mappings[key]
	if !ok {
		return "", ErrNotFound
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		delete(s.mappings, key)
		return "", ErrNotFound
	}
	return entry.value, nil
}

func (s *MemStore) DeleteMapping(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.mappings, key)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) AddToSet(_ context.Context, setKey, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addToSetLocked(setKey, member)
	return nil
}

func (s *MemStore) addToSetLocked(setKey, member string) {
	set, ok := s.sets[setKey]
	if !ok {
		set = make(map[string]struct{})
		s.sets[setKey] = set
	}
	set[member] = struct{}{}
}

func (s *MemStore) RemoveFromSet(_ context.Context, setKey, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeFromSetLocked(setKey, member)
	return nil
}

func (s *MemStore) removeFromSetLocked(setKey, member string) {
	if set, ok := s.sets[setKey]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(s.sets, setKey)
		}
	}
}

func (s *MemStore) MembersOf(_ context.Context, setKey string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[setKey]
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	return out, nil
}

func (s *MemStore) SetLen(_ context.Context, setKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sets[setKey])), nil
}

type memBatch struct {
	ops []func(*MemStore)
}

func (b *memBatch) SetMapping(key, value string, ttl time.Duration) {
	b.ops = append(b.ops, func(s *MemStore) { s.setMappingLocked(key, value, ttl) })
}

func (b *memBatch) DeleteMapping(key string) {
	b.ops = append(b.ops, func(s *MemStore) { delete(s.mappings, key) })
}

func (b *memBatch) AddToSet(setKey, member string) {
	b.ops = append(b.ops, func(s *MemStore) { s.addToSetLocked(setKey, member) })
}

func (b *memBatch) RemoveFromSet(setKey, member string) {
	b.ops = append(b.ops, func(s *MemStore) { s.removeFromSetLocked(setKey, member) })
}

func (s *MemStore) Batch(_ context.Context, fn func(b BatchOps)) error {
	var batch memBatch
	fn(&batch)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range batch.ops {
		op(s)
	}
	return nil
}

type memSubscription struct {
	store   *MemStore
	channel string
	out     chan []byte

	closeOnce sync.Once
}

func (sub *memSubscription) Messages() <-chan []byte { return sub.out }

func (sub *memSubscription) Close() error {
	sub.closeOnce.Do(func() {
		s := sub.store
		s.mu.Lock()
		subs := s.subs[sub.channel]
		for i, candidate := range subs {
			if candidate == sub {
				s.subs[sub.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		// Closed while holding the store lock: Publish sends under the same
		// lock, so a send can never race the close.
		close(sub.out)
		s.mu.Unlock()
	})
	return nil
}

func (s *MemStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs[channel] {
		msg := make([]byte, len(payload))
		copy(msg, payload)
		// Slow subscribers drop messages rather than block the publisher;
		// pub/sub delivery is best-effort with no backpressure.
		select {
		case sub.out <- msg:
		default:
		}
	}
	return nil
}

func (s *MemStore) Subscribe(_ context.Context, channel string) (Subscription, error) {
	sub := &memSubscription{
		store:   s,
		channel: channel,
		out:     make(chan []byte, 16),
	}
	s.mu.Lock()
	s.subs[channel] = append(s.subs[channel], sub)
	s.mu.Unlock()
	return sub, nil
}

func (s *MemStore) Close() error {
	return nil
}
