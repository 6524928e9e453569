package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stationlink/signaling/internal/config"
)

// RedisStore implements Store on go-redis. All keys and channels are
// namespaced under a configurable prefix so several brokers can share one
// Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(cfg config.RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{
		client: client,
		prefix: cfg.KeyPrefix,
	}
}

// Ping verifies connectivity; called once at startup so a bad REDIS_ADDR
// surfaces at boot rather than on the first station registration.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

func (s *RedisStore) SetMapping(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

func (s *RedisStore) GetMapping(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *RedisStore) DeleteMapping(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *RedisStore) AddToSet(ctx context.Context, setKey, member string) error {
	return s.client.SAdd(ctx, s.key(setKey), member).Err()
}

func (s *RedisStore) RemoveFromSet(ctx context.Context, setKey, member string) error {
	return s.client.SRem(ctx, s.key(setKey), member).Err()
}

func (s *RedisStore) MembersOf(ctx context.Context, setKey string) ([]string, error) {
	return s.client.SMembers(ctx, s.key(setKey)).Result()
}

func (s *RedisStore) SetLen(ctx context.Context, setKey string) (int64, error) {
	return s.client.SCard(ctx, s.key(setKey)).Result()
}

type redisBatch struct {
	store *RedisStore
	pipe  redis.Pipeliner
}

func (b *redisBatch) SetMapping(key, value string, ttl time.Duration) {
	b.pipe.Set(context.Background(), b.store.key(key), value, ttl)
}

func (b *redisBatch) DeleteMapping(key string) {
	b.pipe.Del(context.Background(), b.store.key(key))
}

func (b *redisBatch) AddToSet(setKey, member string) {
	b.pipe.SAdd(context.Background(), b.store.key(setKey), member)
}

func (b *redisBatch) RemoveFromSet(setKey, member string) {
	b.pipe.SRem(context.Background(), b.store.key(setKey), member)
}

// Batch runs fn's queued operations inside MULTI/EXEC so no other client
// observes a partial replacement.
func (s *RedisStore) Batch(ctx context.Context, fn func(b BatchOps)) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(&redisBatch{store: s, pipe: pipe})
		return nil
	})
	return err
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, s.key(channel), payload).Err()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan []byte
	cancel context.CancelFunc
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error {
	s.cancel()
	return s.pubsub.Close()
}

// Subscribe opens a dedicated pub/sub connection for channel. go-redis
// manages the duplicate connection internally, which is what gives each
// Subscription an independent stream handle distinct from the command
// connection.
func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, s.key(channel))
	// Force the subscription handshake so a dead Redis fails here, not on the
	// first missed message.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan []byte, 16),
		cancel: cancel,
	}

	go func() {
		defer close(sub.out)
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case sub.out <- []byte(msg.Payload):
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
