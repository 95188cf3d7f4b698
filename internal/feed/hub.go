package feed

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"fluidnet/sim/internal/logging"
)

const (
	// DefaultQueueSize bounds the frames buffered per viewer before new frames are dropped.
	DefaultQueueSize = 64
	// DefaultPingInterval is how often idle viewers are pinged.
	DefaultPingInterval = 30 * time.Second
	// DefaultWriteTimeout bounds one frame write.
	DefaultWriteTimeout = 5 * time.Second
)

// Options configures a Hub.
type Options struct {
	// AllowedOrigins lists accepted Origin headers; empty accepts any origin.
	AllowedOrigins []string
	QueueSize      int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	// Auth, when set, must accept the upgrade request.
	Auth   Authenticator
	Logger *logging.Logger
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Stats summarises hub activity.
type Stats struct {
	Clients    int
	Broadcasts int64
	Dropped    int64
}

// Hub fans text frames out to connected viewers. Viewers are read-only.
type Hub struct {
	upgrader     websocket.Upgrader
	queueSize    int
	pingInterval time.Duration
	writeTimeout time.Duration
	auth         Authenticator
	log          *logging.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	broadcasts atomic.Int64
	dropped    atomic.Int64
}

// NewHub constructs a hub with defaults filled in.
func NewHub(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	h := &Hub{
		queueSize:    opts.QueueSize,
		pingInterval: opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
		auth:         opts.Auth,
		log:          opts.Logger.With(logging.String("component", "feed")),
		clients:      make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			set[strings.ToLower(origin)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := strings.ToLower(strings.TrimRight(r.Header.Get("Origin"), "/"))
		_, ok := set[origin]
		return ok
	}
}

// ServeHTTP upgrades the request and registers the viewer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.RemoteAddr
	if h.auth != nil {
		subject, err := h.auth.Authenticate(r)
		if err != nil {
			h.log.Warn("feed authentication failed", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		id = subject
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("feed upgrade failed", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, h.queueSize), id: id}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Info("viewer connected", logging.String("client", id), logging.Int("clients", count))

	go h.readLoop(c)
	go h.writeLoop(c)
}

// readLoop discards viewer input and keeps the read deadline fresh on pongs.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	wait := 2 * h.pingInterval
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// remove unregisters a viewer once and closes its queue.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.log.Info("viewer disconnected", logging.String("client", c.id), logging.Int("clients", count))
	}
}

// Broadcast queues msg for every viewer. Viewers whose queue is full miss the frame.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.broadcasts.Add(1)
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

// Stats returns the current counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	clients := len(h.clients)
	h.mu.Unlock()
	return Stats{Clients: clients, Broadcasts: h.broadcasts.Load(), Dropped: h.dropped.Load()}
}

// Close disconnects every viewer and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
