package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/interfaces"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsSendBuffer   = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketBridge relays bus events to connected websocket clients as JSON.
// It subscribes to every event type and fans each event out to all
// connections; a client that cannot keep up is dropped rather than allowed
// to stall the bus.
type WebSocketBridge struct {
	events interfaces.EventService
	logger arbor.ILogger
	server *http.Server

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWebSocketBridge wires a bridge into the event service. Call Start to
// begin accepting connections.
func NewWebSocketBridge(events interfaces.EventService, logger arbor.ILogger) (*WebSocketBridge, error) {
	b := &WebSocketBridge{
		events:  events,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}

	types := []interfaces.EventType{
		interfaces.EventCrawlStarted,
		interfaces.EventDownloadStarted,
		interfaces.EventProgress,
		interfaces.EventLog,
		interfaces.EventResultsUpdated,
		interfaces.EventCrawlFinished,
		interfaces.EventDownloadFinished,
		interfaces.EventError,
	}
	for _, t := range types {
		if err := events.Subscribe(t, b.relay); err != nil {
			return nil, err
		}
	}

	return b, nil
}

// Start listens on addr and serves websocket upgrades at /events.
func (b *WebSocketBridge) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", b.handleWS)

	b.server = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := b.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.logger.Error().Err(err).Str("addr", addr).Msg("WebSocket server failed")
		}
	}()

	b.logger.Info().Str("addr", addr).Msg("WebSocket event bridge listening")
	return nil
}

func (b *WebSocketBridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.clients[client] = struct{}{}
	b.mu.Unlock()

	go b.writePump(client)
	go b.readPump(client)
}

func (b *WebSocketBridge) relay(_ context.Context, event interfaces.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for client := range b.clients {
		select {
		case client.send <- data:
		default:
			// Slow consumer; drop it.
			delete(b.clients, client)
			close(client.send)
		}
	}

	return nil
}

func (b *WebSocketBridge) writePump(c *wsClient) {
	defer c.conn.Close()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.remove(c)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (b *WebSocketBridge) readPump(c *wsClient) {
	// Clients are listen-only; the read loop exists to detect disconnects.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			b.remove(c)
			return
		}
	}
}

func (b *WebSocketBridge) remove(c *wsClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
}

// Close stops the server and disconnects all clients.
func (b *WebSocketBridge) Close() error {
	b.mu.Lock()
	b.closed = true
	for client := range b.clients {
		delete(b.clients, client)
		close(client.send)
	}
	b.mu.Unlock()

	if b.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return b.server.Shutdown(ctx)
	}
	return nil
}
