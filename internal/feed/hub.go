package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/smartmark/smartmark/internal/auth"
	"github.com/smartmark/smartmark/internal/bookmark"
)

// Verifier resolves a session token to its owner.
type Verifier interface {
	Verify(token string) (*auth.Claims, error)
}

// delivery is an encoded event addressed to one user's connections.
type delivery struct {
	userID string
	data   []byte
}

// Hub manages websocket subscriptions and fans events out to the
// connections of the owning user only.
type Hub struct {
	verifier Verifier

	// Subscriptions keyed by owner
	clients   map[string]map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast      chan delivery
	writeTimeout   time.Duration
	originPatterns []string

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	logger *log.Logger
}

// Config holds hub configuration
type Config struct {
	// Verifier authenticates subscribers (required)
	Verifier Verifier

	// BufferSize is the capacity of the publish queue (default: 256)
	BufferSize int

	// WriteTimeout bounds a single frame write (default: 5s)
	WriteTimeout time.Duration

	// OriginPatterns are passed to websocket.Accept (default: any origin)
	OriginPatterns []string

	// Logger for hub activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		BufferSize:     256,
		WriteTimeout:   5 * time.Second,
		OriginPatterns: []string{"*"},
	}
}

// NewHub creates a hub. Call Start before publishing.
func NewHub(config *Config) (*Hub, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Verifier == nil {
		return nil, fmt.Errorf("verifier cannot be nil")
	}

	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if len(config.OriginPatterns) == 0 {
		config.OriginPatterns = defaults.OriginPatterns
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[feed] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		verifier:       config.Verifier,
		clients:        make(map[string]map[*websocket.Conn]bool),
		broadcast:      make(chan delivery, config.BufferSize),
		writeTimeout:   config.WriteTimeout,
		originPatterns: config.OriginPatterns,
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger,
	}, nil
}

// Start launches the broadcast loop.
func (h *Hub) Start() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	if h.started {
		return
	}
	h.started = true

	h.wg.Add(1)
	go h.broadcastLoop()
}

// Stop closes every subscription and waits for the broadcast loop.
func (h *Hub) Stop() {
	h.cancel()

	h.clientsMu.Lock()
	for userID, conns := range h.clients {
		for conn := range conns {
			_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		}
		delete(h.clients, userID)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// Publish queues ev for every connection owned by userID. It blocks while
// the queue is full and gives up once the hub is stopped.
func (h *Hub) Publish(userID string, ev Event) {
	if err := ev.Validate(); err != nil {
		h.logger.Printf("Refusing to publish invalid event: %v", err)
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Printf("Failed to marshal event: %v", err)
		return
	}

	select {
	case h.broadcast <- delivery{userID: userID, data: data}:
	case <-h.ctx.Done():
	}
}

// PublishCreated announces a stored record to its owner.
func (h *Hub) PublishCreated(rec bookmark.Record) {
	h.Publish(rec.UserID, Created(rec))
}

// PublishDeleted announces a removed record to its owner.
func (h *Hub) PublishDeleted(rec bookmark.Record) {
	h.Publish(rec.UserID, Deleted(rec.ID))
}

// broadcastLoop writes queued events to the owner's connections
func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case d := <-h.broadcast:
			h.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients[d.userID]))
			for conn := range h.clients[d.userID] {
				conns = append(conns, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range conns {
				if err := h.write(conn, d.data); err != nil {
					// The client resynchronizes after reconnecting.
					h.logger.Printf("Failed to send to client of %s: %v", d.userID, err)
					h.removeClient(d.userID, conn)
				}
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(h.ctx, h.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP authenticates the caller and upgrades the connection to a
// subscription for the caller's own events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.verifier.Verify(auth.FromRequest(r))
	if err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, auth.ErrNoToken) && !errors.Is(err, auth.ErrInvalidToken) {
			status = http.StatusInternalServerError
		}
		http.Error(w, err.Error(), status)
		return
	}

	if h.ctx.Err() != nil {
		http.Error(w, "feed is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	userID := claims.UserID
	h.clientsMu.Lock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*websocket.Conn]bool)
	}
	h.clients[userID][conn] = true
	total := h.countLocked()
	h.clientsMu.Unlock()

	h.logger.Printf("Client of %s connected (total: %d)", userID, total)

	ready, _ := json.Marshal(Event{Type: EventReady, At: time.Now()})
	if err := h.write(conn, ready); err != nil {
		h.removeClient(userID, conn)
		return
	}

	go h.readLoop(userID, conn)
}

// readLoop drains control frames and notices disconnects. Clients never
// send data frames.
func (h *Hub) readLoop(userID string, conn *websocket.Conn) {
	defer h.removeClient(userID, conn)

	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

// removeClient safely removes a subscription
func (h *Hub) removeClient(userID string, conn *websocket.Conn) {
	h.clientsMu.Lock()
	conns, ok := h.clients[userID]
	if !ok || !conns[conn] {
		h.clientsMu.Unlock()
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.clients, userID)
	}
	total := h.countLocked()
	h.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Printf("Client of %s disconnected (total: %d)", userID, total)
}

func (h *Hub) countLocked() int {
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

// ClientCount returns the current number of open subscriptions
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return h.countLocked()
}

// UserClientCount returns the number of open subscriptions for userID
func (h *Hub) UserClientCount(userID string) int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients[userID])
}
