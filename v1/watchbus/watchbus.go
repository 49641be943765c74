// Package watchbus carries opaque event payloads between server instances.
//
// The broadcast hub publishes every event it accepts to a WatchBus topic and
// fans out whatever it receives back from the topic, so clients connected to
// any instance see events produced by every instance. Implementations exist
// for in-process delivery, Redis Pub/Sub, NATS and Kafka.
package watchbus

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("watchbus: closed")

// WatchBus provides a simple message bus for streaming events.
// Clients can publish messages to a key and watch for updates.
type WatchBus interface {
	// Publish sends the given data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. Returned channel receives
	// message payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// Unwatch stops delivering messages for key to ch and closes ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}

// Metrics reports the number of published and delivered messages.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// DefaultBuffer is the capacity of watcher channels.
const DefaultBuffer = 256

// fanout is the local subscriber registry shared by the transport-backed
// buses: one upstream subscription per key, many local channels.
type fanout struct {
	chans map[string][]chan []byte
}

func newFanout() fanout {
	return fanout{chans: make(map[string][]chan []byte)}
}

func (f *fanout) add(key string, ch chan []byte) (first bool) {
	first = len(f.chans[key]) == 0
	f.chans[key] = append(f.chans[key], ch)
	return first
}

// remove detaches ch and reports whether it was found and whether key has
// no watchers left.
func (f *fanout) remove(key string, ch chan []byte) (found, last bool) {
	subs := f.chans[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.chans, key)
		return found, true
	}
	f.chans[key] = subs
	return found, false
}

// deliver hands msg to every channel without blocking and returns how many
// accepted it. Callers hold the lock guarding the channels.
func deliver(chans []chan []byte, msg []byte) uint64 {
	var n uint64
	for _, ch := range chans {
		select {
		case ch <- msg:
			n++
		default:
		}
	}
	return n
}
