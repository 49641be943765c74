package watchbus

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

// NATSWatchBus implements WatchBus on NATS core subjects.
type NATSWatchBus struct {
	conn   *nats.Conn
	buffer int

	mu     sync.Mutex
	subs   fanout
	remote map[string]*nats.Subscription

	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSWatchBus returns a new NATSWatchBus using the provided connection.
func NewNATSWatchBus(conn *nats.Conn) *NATSWatchBus {
	return &NATSWatchBus{
		conn:   conn,
		buffer: DefaultBuffer,
		subs:   newFanout(),
		remote: make(map[string]*nats.Subscription),
	}
}

// Publish implements WatchBus.Publish.
func (b *NATSWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(key, data); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Watch implements WatchBus.Watch. The subject subscription is flushed to
// the server before returning.
func (b *NATSWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	if _, ok := b.remote[key]; !ok {
		ns, err := b.conn.Subscribe(key, func(m *nats.Msg) {
			b.mu.Lock()
			n := deliver(b.subs.chans[key], m.Data)
			b.mu.Unlock()
			b.delivered.Add(n)
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		if err := b.conn.Flush(); err != nil {
			_ = ns.Unsubscribe()
			b.mu.Unlock()
			return nil, err
		}
		b.remote[key] = ns
	}
	b.subs.add(key, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch implements WatchBus.Unwatch.
func (b *NATSWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	found, last := b.subs.remove(key, ch)
	if found {
		close(ch)
	}
	var ns *nats.Subscription
	if last {
		ns = b.remote[key]
		delete(b.remote, key)
	}
	b.mu.Unlock()
	if ns != nil {
		return ns.Unsubscribe()
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSWatchBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
