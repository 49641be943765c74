package watchbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisSubscription struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
}

// RedisWatchBus uses Redis Pub/Sub to implement WatchBus. Each key is one
// Redis channel with a single upstream subscription shared by all local
// watchers.
type RedisWatchBus struct {
	client *redis.Client
	buffer int

	mu     sync.Mutex
	subs   fanout
	remote map[string]*redisSubscription

	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
func NewRedisWatchBus(client *redis.Client) *RedisWatchBus {
	return &RedisWatchBus{
		client: client,
		buffer: DefaultBuffer,
		subs:   newFanout(),
		remote: make(map[string]*redisSubscription),
	}
}

// Publish sends data on the Redis channel identified by key.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := b.client.Publish(ctx, key, data).Err(); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Watch subscribes to key. The first watcher of a key waits for Redis to
// confirm the subscription so nothing published afterwards is missed.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ch := make(chan []byte, b.buffer)

	b.mu.Lock()
	if _, ok := b.remote[key]; !ok {
		sctx, cancel := context.WithCancel(context.Background())
		ps := b.client.Subscribe(sctx, key)
		if _, err := ps.Receive(ctx); err != nil {
			cancel()
			_ = ps.Close()
			b.mu.Unlock()
			return nil, err
		}
		b.remote[key] = &redisSubscription{ps: ps, cancel: cancel}
		go b.dispatch(sctx, key, ps)
	}
	b.subs.add(key, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *RedisWatchBus) dispatch(ctx context.Context, key string, ps *redis.PubSub) {
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			// go-redis re-subscribes on the next receive.
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		b.mu.Lock()
		n := deliver(b.subs.chans[key], []byte(msg.Payload))
		b.mu.Unlock()
		b.delivered.Add(n)
	}
}

// Unwatch stops watching the given key and channel. The upstream
// subscription is dropped with the last watcher.
func (b *RedisWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	found, last := b.subs.remove(key, ch)
	if found {
		close(ch)
	}
	var sub *redisSubscription
	if last {
		sub = b.remote[key]
		delete(b.remote, key)
	}
	b.mu.Unlock()
	if sub != nil {
		sub.cancel()
		return sub.ps.Close()
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisWatchBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
