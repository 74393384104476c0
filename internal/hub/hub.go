package hub

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsprackett/flowsight-relay/internal/events"
)

// OverflowPolicy decides what happens when a client's outbound queue is full.
type OverflowPolicy string

const (
	DropOldest OverflowPolicy = "drop-oldest"
	Disconnect OverflowPolicy = "disconnect"
)

const DefaultQueueSize = 64

type Options struct {
	QueueSize int
	Overflow  OverflowPolicy
}

// Client is one live dashboard connection. The connection layer drains
// Events() and must call Hub.Unregister when its socket fails or closes.
type Client struct {
	ID        string
	Transport string
	CreatedAt time.Time

	send chan events.Event
	done chan struct{}
	once sync.Once
}

// Events returns the client's outbound queue.
func (c *Client) Events() <-chan events.Event { return c.send }

// Done is closed once the client has left the registry.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub owns the registry of connected clients and fans events out to them.
// It implements events.Broadcaster.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client
	flags   map[string]bool
	opts    Options
	stopped bool
	now     func() time.Time
	logger  *slog.Logger
}

func New(flags map[string]bool, opts Options, logger *slog.Logger) *Hub {
	if opts.QueueSize < 1 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Overflow == "" {
		opts.Overflow = DropOldest
	}
	return &Hub{
		clients: make(map[string]*Client),
		flags:   maps.Clone(flags),
		opts:    opts,
		now:     time.Now,
		logger:  logger,
	}
}

// Register adds a client and queues its session-init event. The event is
// queued before the client is visible to Broadcast, so it is always first.
func (h *Hub) Register(transport string) *Client {
	c := &Client{
		ID:        uuid.NewString(),
		Transport: transport,
		CreatedAt: h.now(),
		send:      make(chan events.Event, h.opts.QueueSize),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		c.close()
		return c
	}
	c.send <- events.NewSessionInit(h.flags, c.CreatedAt)
	h.clients[c.ID] = c
	h.logger.Info("hub: client connected", "client", c.ID, "transport", transport, "total", len(h.clients))
	return c
}

// Unregister removes a client. Removing an unknown client is a no-op.
func (h *Hub) Unregister(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.ID] != c {
		return
	}
	delete(h.clients, c.ID)
	c.close()
	h.logger.Info("hub: client disconnected", "client", c.ID, "remaining", len(h.clients))
}

// Broadcast queues e to every registered client. It never blocks on a slow
// client and never reports per-client failures.
func (h *Hub) Broadcast(e events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		if h.enqueue(c, e) {
			continue
		}
		// Disconnect policy: the connection layer sees Done and closes the socket.
		delete(h.clients, id)
		c.close()
		h.logger.Warn("hub: client queue full, disconnecting", "client", id)
	}
	h.logger.Debug("hub: broadcast", "kind", e.Kind, "clients", len(h.clients))
}

// enqueue reports false when the client must be dropped. Caller holds h.mu.
func (h *Hub) enqueue(c *Client, e events.Event) bool {
	select {
	case c.send <- e:
		return true
	default:
	}
	if h.opts.Overflow == Disconnect {
		return false
	}
	var oldest events.Event
	select {
	case oldest = <-c.send:
	default:
	}
	if oldest.Kind == events.KindSessionInit {
		h.requeueAfterInit(c, oldest, e)
		return true
	}
	h.logger.Debug("hub: client queue full, dropped oldest event", "client", c.ID)
	select {
	case c.send <- e:
	default:
	}
	return true
}

// requeueAfterInit keeps an undelivered session-init at the head of a full
// queue and drops the oldest broadcast behind it instead. With nothing
// behind it, e itself is dropped. Only the writer reads c.send concurrently,
// so pushing back what was taken always fits.
func (h *Hub) requeueAfterInit(c *Client, first, e events.Event) {
	var rest []events.Event
	for drained := false; !drained; {
		select {
		case ev := <-c.send:
			rest = append(rest, ev)
		default:
			drained = true
		}
	}
	c.send <- first
	if len(rest) == 0 {
		h.logger.Debug("hub: client queue full, dropped incoming event", "client", c.ID)
		return
	}
	h.logger.Debug("hub: client queue full, dropped oldest event", "client", c.ID)
	for _, ev := range rest[1:] {
		c.send <- ev
	}
	c.send <- e
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Flags returns the configuration flags sent in session-init.
func (h *Hub) Flags() map[string]bool {
	return maps.Clone(h.flags)
}

// Stop closes every client. Later registrations return a closed client.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	for id, c := range h.clients {
		delete(h.clients, id)
		c.close()
	}
	h.logger.Info("hub: stopped")
}
