package protocol

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for connected clients.
var (
	clientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "academy_protocol_clients",
		Help: "Number of connected foreground clients",
	})

	broadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "academy_protocol_broadcasts_total",
		Help: "Total notifications delivered to clients",
	})

	broadcastsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "academy_protocol_broadcasts_dropped_total",
		Help: "Notifications dropped because a client inbox was full",
	})
)

// DefaultInboxSize is the notification buffer of each client.
const DefaultInboxSize = 16

// Client is one connected foreground context.
type Client struct {
	id         string
	inbox      chan LessonCached
	controlled atomic.Bool
	dropped    atomic.Int64
}

// ID returns the client id.
func (c *Client) ID() string { return c.id }

// Messages delivers broadcasts. It is closed on Disconnect.
func (c *Client) Messages() <-chan LessonCached { return c.inbox }

// Controlled reports whether the worker controls this client. Only
// controlled clients receive broadcasts.
func (c *Client) Controlled() bool { return c.controlled.Load() }

// Dropped returns how many notifications were lost to a full inbox.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Clients is the registry of connected foreground contexts.
type Clients struct {
	mu        sync.RWMutex
	clients   map[string]*Client
	claimed   bool
	inboxSize int
	logger    zerolog.Logger
}

// NewClients creates an empty registry.
func NewClients(inboxSize int, logger zerolog.Logger) *Clients {
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}
	return &Clients{
		clients:   make(map[string]*Client),
		inboxSize: inboxSize,
		logger:    logger,
	}
}

// Connect registers a new client. Clients connecting after the worker
// claimed control are controlled from the start.
func (cs *Clients) Connect() *Client {
	c := &Client{
		id:    uuid.NewString(),
		inbox: make(chan LessonCached, cs.inboxSize),
	}

	cs.mu.Lock()
	c.controlled.Store(cs.claimed)
	cs.clients[c.id] = c
	n := len(cs.clients)
	cs.mu.Unlock()

	clientsConnected.Set(float64(n))
	cs.logger.Debug().Str("client_id", c.id).Bool("controlled", c.Controlled()).Msg("Client connected")
	return c
}

// Disconnect removes c and closes its inbox. Disconnecting twice is a no-op.
func (cs *Clients) Disconnect(c *Client) {
	cs.mu.Lock()
	if _, ok := cs.clients[c.id]; !ok {
		cs.mu.Unlock()
		return
	}
	delete(cs.clients, c.id)
	close(c.inbox)
	n := len(cs.clients)
	cs.mu.Unlock()

	clientsConnected.Set(float64(n))
	cs.logger.Debug().Str("client_id", c.id).Msg("Client disconnected")
}

// Claim makes the worker control every connected client, and every client
// that connects later. It returns the number of clients newly claimed.
func (cs *Clients) Claim() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.claimed = true
	claimed := 0
	for _, c := range cs.clients {
		if !c.controlled.Swap(true) {
			claimed++
		}
	}
	return claimed
}

// Len returns the number of connected clients.
func (cs *Clients) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.clients)
}

// Broadcast sends msg to every controlled client without blocking. A client
// whose inbox is full misses the notification. It returns the number of
// clients that received it.
func (cs *Clients) Broadcast(msg LessonCached) int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	delivered := 0
	for _, c := range cs.clients {
		if !c.Controlled() {
			continue
		}
		select {
		case c.inbox <- msg:
			delivered++
		default:
			c.dropped.Add(1)
			broadcastsDroppedTotal.Inc()
			cs.logger.Warn().Str("client_id", c.id).Str("lesson_id", msg.LessonID).Msg("Client inbox full, notification dropped")
		}
	}
	broadcastsTotal.Add(float64(delivered))
	return delivered
}
