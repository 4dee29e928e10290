package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"nhooyr.io/websocket"

	"github.com/agleyzer/hiitsim/internal/events"
)

// clientBuffer is the send queue depth of each websocket client.
const clientBuffer = 64

// Message is the frame pushed to websocket clients.
type Message struct {
	Event string       `json:"event"`
	Data  events.Event `json:"data"`
}

// Hub fans bus events out to websocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool

	bus         *events.Bus
	feed        <-chan events.Event
	unsubscribe func()
	logger      *slog.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a Hub subscribed to bus. Events queue until Run drains them.
func NewHub(bus *events.Bus, logger *slog.Logger) *Hub {
	feed, unsubscribe := bus.Subscribe()
	return &Hub{
		clients:     make(map[*wsClient]bool),
		bus:         bus,
		feed:        feed,
		unsubscribe: unsubscribe,
		logger:      logger,
	}
}

// Run broadcasts bus events until ctx is done or the hub is closed.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.feed:
			if !ok {
				return
			}
			h.Broadcast(ev)
		}
	}
}

// Broadcast queues ev for every client. Clients with a full queue miss it.
func (h *Hub) Broadcast(ev events.Event) {
	msg, err := encodeMessage(ev)
	if err != nil {
		h.logger.Error("failed to encode websocket message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes from the bus and disconnects every client.
func (h *Hub) Close() {
	h.unsubscribe()

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
		client.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// ServeHTTP upgrades the request and streams events. ?since=N first replays
// buffered events newer than N so a display can catch up.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var replay []events.Event
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		replay = h.bus.Since(since)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, clientBuffer+len(replay)),
	}
	for _, ev := range replay {
		if msg, err := encodeMessage(ev); err == nil {
			client.send <- msg
		}
	}

	h.addClient(client)
	h.logger.Info("websocket client connected", "remote", r.RemoteAddr, "replayed", len(replay))

	ctx := r.Context()

	// Writer goroutine
	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "")
		for msg := range client.send {
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}()

	// Displays never send anything; reading keeps control frames flowing.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	h.removeClient(client)
	h.logger.Info("websocket client disconnected", "remote", r.RemoteAddr)
}

func (h *Hub) addClient(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) removeClient(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
}

func encodeMessage(ev events.Event) ([]byte, error) {
	return json.Marshal(Message{Event: string(ev.Type), Data: ev})
}
