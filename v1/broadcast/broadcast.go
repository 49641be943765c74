// Package broadcast fans task events out to every connected client.
//
// Each client owns a bounded outbound queue. Publishing never waits for a
// client: when a queue is full the hub either evicts the oldest queued frame
// or disconnects the client, depending on the overflow policy.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-taskwarp/v1/session"
	"github.com/mirkobrombin/go-taskwarp/v1/watchbus"
)

// Event kinds.
const (
	TaskCreated    = "task:created"
	TaskUpdated    = "task:updated"
	TaskDeleted    = "task:deleted"
	TaskLocked     = "task:locked"
	TaskUnlocked   = "task:unlocked"
	LockResponse   = "task:lock:response"
	UnlockResponse = "task:unlock:response"
	ErrorEvent     = "error"
)

// DefaultQueueSize is the per-client outbound queue capacity.
const DefaultQueueSize = 64

// DefaultBackplaneKey is the topic used on the backplane.
const DefaultBackplaneKey = "taskwarp.events"

// publishTimeout bounds a backplane publish. Publishing is detached from the
// caller's cancellation: the event describes a change that is already stored.
const publishTimeout = 5 * time.Second

// Event is the wire form of every frame sent to clients.
type Event struct {
	Kind string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode marshals kind and data into a frame.
func Encode(kind string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("broadcast: encode %s: %w", kind, err)
	}
	return json.Marshal(Event{Kind: kind, Data: raw})
}

// Policy decides what happens when a client queue is full.
type Policy int

const (
	// DropOldest evicts the oldest queued frame to make room.
	DropOldest Policy = iota
	// Disconnect closes the slow client.
	Disconnect
)

func (p Policy) String() string {
	if p == Disconnect {
		return "disconnect"
	}
	return "drop-oldest"
}

// ParsePolicy parses "drop-oldest" or "disconnect".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "drop-oldest", "drop":
		return DropOldest, nil
	case "disconnect":
		return Disconnect, nil
	}
	return DropOldest, fmt.Errorf("broadcast: unknown overflow policy %q", s)
}

// Hub tracks connected clients and fans events out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	queueSize int
	policy    Policy
	logger    *slog.Logger

	bus watchbus.WatchBus
	key string
	sub chan []byte

	publishedCounter    prometheus.Counter
	droppedCounter      prometheus.Counter
	disconnectedCounter prometheus.Counter
	clientsGauge        prometheus.Gauge

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueSize sets the per-client queue capacity.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithPolicy sets the overflow policy.
func WithPolicy(p Policy) Option {
	return func(h *Hub) { h.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithBackplane routes published events through bus under key so that hubs
// in other processes watching the same key deliver them too.
func WithBackplane(bus watchbus.WatchBus, key string) Option {
	return func(h *Hub) {
		h.bus = bus
		if key != "" {
			h.key = key
		}
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(h *Hub) {
		h.publishedCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwarp_broadcast_events_total",
			Help: "Total number of events published",
		})
		h.droppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwarp_broadcast_dropped_total",
			Help: "Total number of frames dropped from full client queues",
		})
		h.disconnectedCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwarp_broadcast_overflow_disconnects_total",
			Help: "Total number of clients disconnected for a full queue",
		})
		h.clientsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskwarp_broadcast_clients",
			Help: "Current number of connected clients",
		})
		reg.MustRegister(h.publishedCounter, h.droppedCounter, h.disconnectedCounter, h.clientsGauge)
	}
}

// NewHub returns a Hub. With a backplane configured it subscribes to the
// backplane key and starts the pump that delivers backplane frames locally.
func NewHub(opts ...Option) (*Hub, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:   make(map[string]*Client),
		queueSize: DefaultQueueSize,
		policy:    DropOldest,
		logger:    slog.Default(),
		key:       DefaultBackplaneKey,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.bus != nil {
		sub, err := h.bus.Watch(ctx, h.key)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("broadcast: watch backplane: %w", err)
		}
		h.sub = sub
		h.wg.Add(1)
		go h.pump()
	}
	return h, nil
}

func (h *Hub) pump() {
	defer h.wg.Done()
	for {
		select {
		case frame, ok := <-h.sub:
			if !ok {
				return
			}
			h.fanout(frame)
		case <-h.ctx.Done():
			return
		}
	}
}

// Register admits an authenticated connection and returns its client.
func (h *Hub) Register(id session.Identity) (*Client, error) {
	cid, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("broadcast: client id: %w", err)
	}
	c := newClient(cid, id, h.queueSize)
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	if h.clientsGauge != nil {
		h.clientsGauge.Inc()
	}
	return c, nil
}

// Unregister removes c and closes it. It is safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.Close()
	if ok && h.clientsGauge != nil {
		h.clientsGauge.Dec()
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish sends an event to every connected client, on every instance
// sharing the backplane. It never blocks on a slow client and outlives the
// cancellation of ctx. If the backplane rejects the frame it is still
// delivered to local clients.
func (h *Hub) Publish(ctx context.Context, kind string, data any) error {
	frame, err := Encode(kind, data)
	if err != nil {
		return err
	}
	if h.publishedCounter != nil {
		h.publishedCounter.Inc()
	}
	if h.bus == nil {
		h.fanout(frame)
		return nil
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := h.bus.Publish(pctx, h.key, frame); err != nil {
		h.logger.Warn("broadcast: backplane publish failed, delivering locally", "event", kind, "error", err)
		h.fanout(frame)
		return err
	}
	return nil
}

func (h *Hub) fanout(frame []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var slow []*Client
	for _, c := range targets {
		switch c.enqueue(frame, h.policy) {
		case enqueueDropped:
			if h.droppedCounter != nil {
				h.droppedCounter.Inc()
			}
		case enqueueOverflow:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.logger.Warn("broadcast: disconnecting slow client", "client", c.id, "user", c.identity.UserID)
		if h.disconnectedCounter != nil {
			h.disconnectedCounter.Inc()
		}
		h.Unregister(c)
	}
}

// Close disconnects every client and stops the backplane pump.
func (h *Hub) Close() {
	h.cancel()
	if h.bus != nil && h.sub != nil {
		_ = h.bus.Unwatch(context.Background(), h.key, h.sub)
	}
	h.wg.Wait()
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
	if h.clientsGauge != nil {
		h.clientsGauge.Set(0)
	}
}
