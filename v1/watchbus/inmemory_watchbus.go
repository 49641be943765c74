package watchbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// InMemoryWatchBus is an in-memory implementation of WatchBus. Delivery to a
// watcher whose buffer is full is skipped rather than blocking the publisher.
type InMemoryWatchBus struct {
	mu     sync.Mutex
	subs   fanout
	buffer int

	published atomic.Uint64
	delivered atomic.Uint64
}

// InMemoryOption configures an InMemoryWatchBus.
type InMemoryOption func(*InMemoryWatchBus)

// WithBuffer sets the capacity of watcher channels.
func WithBuffer(n int) InMemoryOption {
	return func(b *InMemoryWatchBus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory(opts ...InMemoryOption) *InMemoryWatchBus {
	b := &InMemoryWatchBus{subs: newFanout(), buffer: DefaultBuffer}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends data to all watchers of key.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Sends never block, so delivering under the lock keeps Unwatch from
	// closing a channel mid-send.
	b.mu.Lock()
	n := deliver(b.subs.chans[key], data)
	b.mu.Unlock()
	b.published.Add(1)
	b.delivered.Add(n)
	return nil
}

// Watch subscribes to key and returns a channel receiving messages.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	b.subs.add(key, ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch removes the channel from key watchers.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	found, _ := b.subs.remove(key, ch)
	if found {
		close(ch)
	}
	b.mu.Unlock()
	return nil
}

// Watchers returns the number of channels watching key.
func (b *InMemoryWatchBus) Watchers(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs.chans[key])
}

// Metrics returns the published and delivered counts.
func (b *InMemoryWatchBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
