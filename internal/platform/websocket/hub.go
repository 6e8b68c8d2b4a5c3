// Package websocket pushes committed patient flow changes to UI clients.
// Clients subscribe to topics such as "queue.pharmacy" or "visit.<id>" and
// receive every payload broadcast to those topics within their own facility.
package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hms/patientflow/internal/platform/db"
)

// TopicAll receives every broadcast regardless of its topic.
const TopicAll = "*"

const (
	sendBuffer     = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// ClientMessage is an inbound subscription change.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one websocket connection. It only sees broadcasts of its
// facility; Topics holds the unscoped names the client asked for.
type Client struct {
	ID       string
	Facility string
	Topics   []string
	Send     chan []byte
}

func NewClient(facility string, topics ...string) *Client {
	return &Client{
		ID:       uuid.New().String(),
		Facility: facility,
		Topics:   topics,
		Send:     make(chan []byte, sendBuffer),
	}
}

// scoped is the subscription key of topic within facility.
func scoped(facility, topic string) string {
	return facility + "/" + topic
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // facility/topic -> clients
	all     map[*Client]struct{}
	dropped int64
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(topic, client)
	}
}

func (h *Hub) addLocked(topic string, client *Client) {
	key := scoped(client.Facility, topic)
	if h.clients[key] == nil {
		h.clients[key] = make(map[*Client]struct{})
	}
	h.clients[key][client] = struct{}{}
}

func (h *Hub) removeLocked(topic string, client *Client) {
	key := scoped(client.Facility, topic)
	if subscribers, ok := h.clients[key]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, key)
		}
	}
}

// Unregister drops every subscription of client and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic == "" || containsTopic(client.Topics, topic) {
			continue
		}
		h.addLocked(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if containsTopic(topics, t) {
			h.removeLocked(t, client)
			continue
		}
		remaining = append(remaining, t)
	}
	client.Topics = remaining
}

func containsTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

// ProcessMessage applies a subscribe or unsubscribe request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast queues payload for the facility's subscribers of topic and of
// TopicAll. Clients of other facilities never see it. A client whose buffer
// is full misses the payload; delivery is best effort.
func (h *Hub) Broadcast(facility, topic string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sent := make(map[*Client]struct{})
	for _, t := range []string{topic, TopicAll} {
		for client := range h.clients[scoped(facility, t)] {
			if _, done := sent[client]; done {
				continue
			}
			sent[client] = struct{}{}
			select {
			case client.Send <- payload:
			default:
				h.dropped++
			}
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(facility, topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[scoped(facility, topic)])
}

// Dropped reports how many payloads were skipped because a client was slow.
func (h *Hub) Dropped() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Handler upgrades HTTP requests to websocket connections on the hub.
type Handler struct {
	hub      *Hub
	logger   zerolog.Logger
	upgrader gorillawebsocket.Upgrader
}

// NewHandler builds a handler. allowedOrigins follows the CORS setting;
// "*" or an empty list accepts any origin.
func NewHandler(hub *Hub, logger zerolog.Logger, allowedOrigins []string) *Handler {
	return &Handler{
		hub:    hub,
		logger: logger.With().Str("component", "websocket").Logger(),
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || containsTopic(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || containsTopic(allowed, origin)
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the connection. Initial topics may be passed as a
// comma separated "topics" query parameter. The client is bound to the
// facility resolved for the request.
func (h *Handler) HandleConnect(c echo.Context) error {
	facility := db.FacilityFromContext(c.Request().Context())
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	var topics []string
	if q := c.QueryParam("topics"); q != "" {
		for _, t := range strings.Split(q, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}
	client := NewClient(facility, topics...)
	h.hub.Register(client)
	h.logger.Debug().Str("client_id", client.ID).Str("facility", facility).Strs("topics", topics).Msg("client connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
		h.logger.Debug().Str("client_id", client.ID).Msg("client disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
