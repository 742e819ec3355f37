package bridge

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/seemantic/engine/internal/events"
)

const (
	pongWait   = 30 * time.Second
	pingPeriod = 27 * time.Second // (pongWait * 9) / 10
	writeWait  = 10 * time.Second

	// Buffered per client; a UI that stops reading loses events rather
	// than stalling the emitter.
	sendBuffer = 64
)

// envelope is the wire shape of one pushed event.
type envelope struct {
	Type    string       `json:"type"`
	Payload events.Event `json:"payload"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// hub tracks connected UI clients and fans emitter events out to them.
type hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub() *hub {
	return &hub{
		upgrader: websocket.Upgrader{
			// The bridge binds to loopback; cross-origin browsers are
			// not a concern for a local UI.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	log.Debug().Int("clients", count).Msg("UI client connected")

	go h.writePump(client)
	go h.readPump(client)
}

func (h *hub) remove(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	client.conn.Close()
}

// broadcastEvent is the emitter listener: it serializes the event once
// and queues it to every client.
func (h *hub) broadcastEvent(ev events.Event) {
	data, err := json.Marshal(envelope{Type: ev.EventName(), Payload: ev})
	if err != nil {
		log.Warn().Err(err).Str("event", ev.EventName()).Msg("Failed to encode event for push")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Slow client; drop the event for it.
		}
	}
}

// writePump owns all writes to one connection: queued events plus the
// keepalive pings.
func (h *hub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.remove(client)
	}()

	for {
		select {
		case data, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so pongs and close frames are
// processed. The bridge never expects messages from the UI here.
func (h *hub) readPump(client *wsClient) {
	defer h.remove(client)

	client.conn.SetReadLimit(1024)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("UI client connection dropped")
			}
			return
		}
	}
}

// closeAll disconnects every client, used on shutdown.
func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.remove(client)
	}
}
