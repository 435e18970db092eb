package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smenaquispe/observatory/internal/logger"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
	wsSendBuffer = 32
)

// event is one push message on the live feed.
type event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// wsClient owns one connection. Every frame goes through the send channel
// and is written by the client's single writePump goroutine; the connection
// never sees two writers.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// shutdown closes the send channel, which makes writePump send a close frame
// and tear the connection down. Safe to call more than once.
func (c *wsClient) shutdown() {
	c.once.Do(func() {
		close(c.send)
	})
}

// WebsocketHub fans observation events out to connected dashboard clients.
type WebsocketHub struct {
	logger   logger.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewWebsocketHub creates an empty hub.
func NewWebsocketHub(log logger.Logger) *WebsocketHub {
	return &WebsocketHub{
		logger:  log,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Upgrade promotes the HTTP connection to a websocket and starts its pumps.
func (h *WebsocketHub) Upgrade(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writePump(client)
	go h.readPump(client)
	return nil
}

// Broadcast queues an event for every connected client. A client whose send
// buffer is full is dropped rather than blocking the capture pipeline.
func (h *WebsocketHub) Broadcast(eventType string, data interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) == 0 {
		return
	}

	payload, err := json.Marshal(event{Type: eventType, Data: data})
	if err != nil {
		h.logger.Error("Failed to marshal websocket event", "error", err, "event", eventType)
		return
	}

	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			h.logger.Warn("Dropping slow websocket client")
			delete(h.clients, client)
			client.shutdown()
		}
	}
}

// Close disconnects all clients.
func (h *WebsocketHub) Close() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for _, client := range clients {
		client.shutdown()
	}
}

// unregister removes the client from the hub before shutting it down, so no
// Broadcast can race a send against the closing channel.
func (h *WebsocketHub) unregister(client *wsClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	client.shutdown()
}

// writePump is the sole writer for its connection: queued events and
// keepalive pings, then a close frame when the send channel is shut down.
func (h *WebsocketHub) writePump(client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.unregister(client)
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(client)
				return
			}
		}
	}
}

// readPump discards inbound frames and keeps the read deadline fresh on
// pongs; the feed is one-way.
func (h *WebsocketHub) readPump(client *wsClient) {
	defer h.unregister(client)

	client.conn.SetReadLimit(1024)
	client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
