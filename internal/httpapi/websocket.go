package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gpusched/internal/scheduler"
)

// Event stream message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	wsSendBufferSize = 256
	wsMaxMessageSize = 4096
	wsPingInterval   = 30 * time.Second
	wsPongWait       = 10 * time.Second
)

// WSMessage is sent to and received from event stream clients.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects event names and task ids. Empty lists match all.
type WSSubscribePayload struct {
	Events []string `json:"events"`
	Tasks  []string `json:"tasks"`
}

// WSEventPayload is the payload of an event message.
type WSEventPayload struct {
	TaskID   string         `json:"task_id"`
	DeviceID string         `json:"device_id,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Hub fans scheduler events out to websocket clients. It implements
// scheduler.EventPublisher; Publish never blocks, slow clients drop messages.
type Hub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	events map[string]struct{}
	tasks  map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origin checks are left to the CORS configuration
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates an event hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log.With().Str("component", "event_hub").Logger(),
		clients: make(map[*wsClient]struct{}),
	}
}

// Publish implements scheduler.EventPublisher.
func (h *Hub) Publish(e scheduler.Event) {
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: e.Name,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Payload:   WSEventPayload{TaskID: e.TaskID, DeviceID: e.DeviceID, Fields: e.Fields},
	})
	if err != nil {
		h.log.Error().Err(err).Str("event", e.Name).Msg("marshal event")
		return
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if c.wants(e.Name, e.TaskID) {
			c.trySend(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run blocks until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.Close()
	return nil
}

// Close disconnects all clients; later upgrades are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
	wsClientsGauge.Set(0)
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	wsClientsGauge.Set(float64(len(h.clients)))
	return true
}

// unregister removes c; only the caller that removes it closes send.
func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	wsClientsGauge.Set(float64(len(h.clients)))
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
}

// ServeHTTP upgrades the connection. Query parameters events= and task=
// (comma separated) set the initial subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &wsClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, wsSendBufferSize),
		events: make(map[string]struct{}),
		tasks:  make(map[string]struct{}),
	}
	c.subscribe(WSSubscribePayload{
		Events: splitCSV(r.URL.Query().Get("events")),
		Tasks:  splitCSV(r.URL.Query().Get("task")),
	})
	if !h.register(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}
	h.log.Debug().Int("clients", h.ClientCount()).Msg("event stream client connected")
	go c.writePump()
	go c.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Msg("event stream read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))
		c.handleMessage(data)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsPongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsPongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handleMessage(data []byte) {
	var msg struct {
		Type    string             `json:"type"`
		ID      string             `json:"id"`
		Payload WSSubscribePayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("", WSTypeError, map[string]string{"message": "invalid JSON message"})
		return
	}
	switch msg.Type {
	case WSTypeSubscribe:
		c.subscribe(msg.Payload)
		c.reply(msg.ID, WSTypeResponse, map[string]any{"subscribed": msg.Payload})
	case WSTypeUnsubscribe:
		c.unsubscribe(msg.Payload)
		c.reply(msg.ID, WSTypeResponse, map[string]any{"unsubscribed": msg.Payload})
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.reply(msg.ID, WSTypeError, map[string]string{"message": "unknown message type: " + msg.Type})
	}
}

func (c *wsClient) subscribe(p WSSubscribePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range p.Events {
		c.events[e] = struct{}{}
	}
	for _, t := range p.Tasks {
		c.tasks[t] = struct{}{}
	}
}

func (c *wsClient) unsubscribe(p WSSubscribePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range p.Events {
		delete(c.events, e)
	}
	for _, t := range p.Tasks {
		delete(c.tasks, t)
	}
}

func (c *wsClient) wants(event, taskID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.events) > 0 {
		if _, ok := c.events[event]; !ok {
			return false
		}
	}
	if len(c.tasks) > 0 {
		if _, ok := c.tasks[taskID]; !ok {
			return false
		}
	}
	return true
}

// trySend drops the message when the buffer is full or the client is gone.
func (c *wsClient) trySend(data []byte) {
	defer func() { _ = recover() }()
	select {
	case c.send <- data:
	default:
	}
}

func (c *wsClient) reply(id, typ string, payload any) {
	data, err := json.Marshal(WSMessage{Type: typ, ID: id, Timestamp: time.Now().UTC().Format(time.RFC3339Nano), Payload: payload})
	if err != nil {
		return
	}
	c.trySend(data)
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
