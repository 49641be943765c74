package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/mirkobrombin/go-taskwarp/v1/session"
)

type enqueueResult int

const (
	enqueueOK enqueueResult = iota
	enqueueDropped
	enqueueOverflow
	enqueueClosed
)

// Client is one connected consumer of events. Frames are read from Send by
// the connection's writer until Done is closed.
type Client struct {
	id       string
	identity session.Identity

	mu     sync.Mutex
	send   chan []byte
	done   chan struct{}
	closed bool

	dropped atomic.Uint64
}

func newClient(id string, identity session.Identity, size int) *Client {
	return &Client{
		id:       id,
		identity: identity,
		send:     make(chan []byte, size),
		done:     make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Identity returns the authenticated user behind the connection.
func (c *Client) Identity() session.Identity { return c.identity }

// Send returns the outbound frame queue.
func (c *Client) Send() <-chan []byte { return c.send }

// Done is closed when the client is disconnected.
func (c *Client) Done() <-chan struct{} { return c.done }

// Dropped returns how many frames were evicted from this client's queue.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Reply queues a frame for this client only. A full queue evicts its oldest
// frame so the reply is never lost to a backlog of broadcasts.
func (c *Client) Reply(kind string, data any) error {
	frame, err := Encode(kind, data)
	if err != nil {
		return err
	}
	c.enqueue(frame, DropOldest)
	return nil
}

// Close disconnects the client. It is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *Client) enqueue(frame []byte, policy Policy) enqueueResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return enqueueClosed
	}
	select {
	case c.send <- frame:
		return enqueueOK
	default:
	}
	if policy == Disconnect {
		return enqueueOverflow
	}
	// The writer may drain concurrently, so the eviction itself can miss.
	res := enqueueOK
	select {
	case <-c.send:
		c.dropped.Add(1)
		res = enqueueDropped
	default:
	}
	select {
	case c.send <- frame:
	default:
		c.dropped.Add(1)
		res = enqueueDropped
	}
	return res
}
