package runtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// statusHub streams status snapshots to websocket clients. New clients get
// the current snapshot first.
type statusHub struct {
	upgrader   websocket.Upgrader
	current    func() protocol.StatusSnapshot
	register   chan *hubClient
	unregister chan *hubClient
	broadcast  chan protocol.StatusSnapshot
	done       chan struct{}
	logger     *slog.Logger

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn *websocket.Conn
	send chan protocol.StatusSnapshot
}

func newStatusHub(current func() protocol.StatusSnapshot, logger *slog.Logger) *statusHub {
	return &statusHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		current:    current,
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		broadcast:  make(chan protocol.StatusSnapshot, 64),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "status-hub")),
		clients:    make(map[*hubClient]struct{}),
	}
}

// Update implements orchestrator.Indicator. It never blocks the caller.
func (h *statusHub) Update(snapshot protocol.StatusSnapshot) {
	select {
	case h.broadcast <- snapshot:
	default:
		h.logger.Warn("status hub backlog full, snapshot dropped", slog.String("state", snapshot.State))
	}
}

// Clients reports the number of connected clients.
func (h *statusHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *statusHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			// Read after registering: any broadcast not yet delivered to this
			// client is already reflected in current().
			c.send <- h.current()
			h.logger.Debug("client registered", slog.Int("clients", h.Clients()))
		case c := <-h.unregister:
			h.drop(c)
		case snapshot := <-h.broadcast:
			h.mu.RLock()
			var slow []*hubClient
			for c := range h.clients {
				select {
				case c.send <- snapshot:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				h.drop(c)
			}
		}
	}
}

func (h *statusHub) drop(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the request and starts the client pumps.
func (h *statusHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("remote_addr", r.RemoteAddr), slogError(err))
		return
	}
	c := &hubClient{conn: conn, send: make(chan protocol.StatusSnapshot, 16)}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}
	go h.writePump(c)
	go h.readPump(c)
}

// readPump only watches for close and pong frames; clients never send data.
func (h *statusHub) readPump(c *hubClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", slogError(err))
			}
			return
		}
	}
}

func (h *statusHub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case snapshot, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(snapshot); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
