package trade

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/atmx/trading-engine/internal/metrics"
	"github.com/atmx/trading-engine/internal/model"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// wsClient is one connection subscribed to one owner's events.
type wsClient struct {
	owner string
	conn  *websocket.Conn
	send  chan []byte
}

// WSHub pushes owner-keyed events (margin calls, liquidations, settlements)
// to the WebSocket clients subscribed to that owner. It implements
// notify.Publisher.
type WSHub struct {
	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
	logger  *slog.Logger
	done    chan struct{}
	once    sync.Once
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients: make(map[string]map[*wsClient]struct{}),
		logger:  logger.With("component", "ws_hub"),
		done:    make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *WSHub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.Close()
	return nil
}

// Close disconnects every client. Safe to call more than once.
func (h *WSHub) Close() {
	h.once.Do(func() {
		close(h.done)
		h.mu.Lock()
		defer h.mu.Unlock()
		for owner, set := range h.clients {
			for c := range set {
				close(c.send)
				metrics.WebSocketClients.Dec()
			}
			delete(h.clients, owner)
		}
	})
}

// Publish sends e to the clients of e.OwnerID. Slow clients whose buffer is
// full miss the event rather than block the caller.
func (h *WSHub) Publish(_ context.Context, e model.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[e.OwnerID] {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("ws client buffer full, event dropped", "owner", e.OwnerID, "type", e.Type)
		}
	}
}

// Clients returns the number of connected clients for owner.
func (h *WSHub) Clients(owner string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[owner])
}

func (h *WSHub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	set, ok := h.clients[c.owner]
	if !ok {
		set = make(map[*wsClient]struct{})
		h.clients[c.owner] = set
	}
	set[c] = struct{}{}
	metrics.WebSocketClients.Inc()
	h.logger.Info("ws client connected", "owner", c.owner, "total", len(set))
	return true
}

func (h *WSHub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.owner]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.owner)
	}
	close(c.send)
	metrics.WebSocketClients.Dec()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws?owner={ownerID}.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, "owner query parameter is required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{owner: owner, conn: conn, send: make(chan []byte, wsSendBuffer)}
	if !h.register(c) {
		conn.Close()
		return
	}
	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnects.
func (h *WSHub) readPump(c *wsClient) {
	defer h.unregister(c)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer of c.conn. It exits when c.send is closed.
func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
