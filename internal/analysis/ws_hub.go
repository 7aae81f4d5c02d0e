package analysis

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/risk-engine/internal/metrics"
)

// Message types sent to WebSocket clients.
const (
	EventSimulationCompleted = "simulation_completed"
	EventAllocationCompleted = "allocation_completed"
)

var knownEvents = map[string]bool{
	EventSimulationCompleted: true,
	EventAllocationCompleted: true,
}

// WSMessage is a JSON message sent to WebSocket clients. It carries a
// headline only; clients fetch the full record by ID.
type WSMessage struct {
	Type       string  `json:"type"`
	ID         string  `json:"id"`
	MarketRef  string  `json:"market_ref,omitempty"`
	Markets    int     `json:"markets,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Violations int     `json:"violations,omitempty"`

	MeanReturn        *float64 `json:"mean_return,omitempty"`
	ProbabilityOfRuin *float64 `json:"probability_of_ruin,omitempty"`
}

// wsClient is one connection and the event types it subscribed to.
// An empty set receives everything.
type wsClient struct {
	conn   *websocket.Conn
	events map[string]bool
}

func (c *wsClient) wants(eventType string) bool {
	return len(c.events) == 0 || c.events[eventType]
}

type outbound struct {
	eventType string
	data      []byte
}

// WSHub fans run notifications out to connected dashboards. Clients may
// subscribe to a subset of event types with ?events=a,b.
type WSHub struct {
	clients    map[*websocket.Conn]*wsClient
	broadcast  chan outbound
	register   chan *wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]*wsClient),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx ends, then closes every connection with
// a going-away frame. Must be called in a goroutine, once.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total, "events", len(c.events))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.send(msg)
		}
	}
}

func (h *WSHub) send(msg outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, c := range h.clients {
		if !c.wants(msg.eventType) {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

func (h *WSHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	closing := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for conn := range h.clients {
		conn.WriteControl(websocket.CloseMessage, closing, deadline)
		conn.Close()
		delete(h.clients, conn)
	}
	metrics.WebSocketClients.Set(0)
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for every client subscribed to its type.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- outbound{eventType: msg.Type, data: data}:
	default:
		// Drop if buffer full; the record is already persisted.
	}
}

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // dashboard is served from another origin
	},
}

// parseEvents reads the ?events= subscription list.
func parseEvents(raw string) (map[string]bool, string) {
	events := make(map[string]bool)
	for _, e := range strings.Split(raw, ",") {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !knownEvents[e] {
			return nil, e
		}
		events[e] = true
	}
	return events, ""
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	events, unknown := parseEvents(r.URL.Query().Get("events"))
	if unknown != "" {
		writeError(w, "unknown event type: "+unknown, http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- &wsClient{conn: conn, events: events}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for range ticker.C {
			var pingErr error
			h.mu.Lock()
			_, ok := h.clients[conn]
			if ok {
				pingErr = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			}
			h.mu.Unlock()
			if !ok || pingErr != nil {
				return
			}
		}
	}()
}
