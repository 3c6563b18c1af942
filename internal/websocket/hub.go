package websocket

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/logger"
	"github.com/raaihank/phi-sentinel/internal/policy"
	"github.com/raaihank/phi-sentinel/internal/protect"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer
	maxMessageSize = 512
	sendBuffer     = 256
)

// HubConfig contains configuration for the WebSocket hub
type HubConfig struct {
	BroadcastDetections  bool
	BroadcastPolicy      bool
	BroadcastConnections bool
	AllowedOrigins       []string
	Username             string
	Password             string
}

// FromConfig maps the websocket configuration section.
func FromConfig(cfg config.WebSocketConfig) *HubConfig {
	return &HubConfig{
		BroadcastDetections:  cfg.Events.BroadcastDetections,
		BroadcastPolicy:      cfg.Events.BroadcastPolicy,
		BroadcastConnections: true,
		AllowedOrigins:       cfg.AllowedOrigins,
		Username:             cfg.Username,
		Password:             cfg.Password,
	}
}

// Hub maintains the set of active clients and broadcasts events to them
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	config     *HubConfig
	upgrader   websocket.Upgrader
	logger     *logger.Logger
	done       chan struct{}

	mu    sync.RWMutex
	stats HubStats
}

// HubStats tracks WebSocket hub statistics
type HubStats struct {
	TotalConnections  int64     `json:"total_connections"`
	ActiveConnections int64     `json:"active_connections"`
	TotalMessages     int64     `json:"total_messages"`
	TotalBroadcasts   int64     `json:"total_broadcasts"`
	DroppedEvents     int64     `json:"dropped_events"`
	LastBroadcastTime time.Time `json:"last_broadcast_time"`
}

// NewHub creates a new WebSocket hub
func NewHub(cfg *HubConfig, log *logger.Logger) *Hub {
	if cfg == nil {
		cfg = &HubConfig{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		config:     cfg,
		logger:     log.WithComponent("websocket"),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// authorized checks basic auth credentials when the hub has any.
func (h *Hub) authorized(r *http.Request) bool {
	if h.config.Username == "" && h.config.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.config.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.config.Password)) == 1
	return userOK && passOK
}

// Run handles registration and broadcasting until ctx is done. Remaining
// clients are disconnected on return. Run must be called once.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Starting WebSocket hub")

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			h.logger.Info("WebSocket hub stopped")
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event, nil)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.stats.TotalConnections++
	h.stats.ActiveConnections = int64(len(h.clients))
	active := h.stats.ActiveConnections
	h.mu.Unlock()

	h.logger.Info("Client connected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int64("active_connections", active))

	if h.config.BroadcastConnections {
		h.broadcastEvent(Event{
			Type:      EventTypeConnection,
			Timestamp: time.Now(),
			Data:      ConnectionEvent{Action: "connected", ClientID: client.ID},
		}, client)
	}
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	h.drop(client)
	active := h.stats.ActiveConnections
	h.mu.Unlock()

	h.logger.Info("Client disconnected",
		zap.String("client_id", client.ID),
		zap.Int64("active_connections", active))

	if h.config.BroadcastConnections {
		h.broadcastEvent(Event{
			Type:      EventTypeConnection,
			Timestamp: time.Now(),
			Data:      ConnectionEvent{Action: "disconnected", ClientID: client.ID},
		}, nil)
	}
}

// drop removes client; h.mu must be held.
func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.Send)
	h.stats.ActiveConnections = int64(len(h.clients))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.drop(client)
	}
}

// broadcastEvent sends event to every subscribed client except skip.
// Clients that cannot keep up are disconnected.
func (h *Hub) broadcastEvent(event Event, skip *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.TotalBroadcasts++
	h.stats.LastBroadcastTime = time.Now()

	for client := range h.clients {
		if client == skip || !client.wants(event.Type) {
			continue
		}
		select {
		case client.Send <- event:
			h.stats.TotalMessages++
		default:
			h.logger.Warn("Client send channel full, closing connection",
				zap.String("client_id", client.ID))
			h.drop(client)
		}
	}
}

// BroadcastEvent queues an event if its type is enabled. It never blocks.
func (h *Hub) BroadcastEvent(event Event) {
	if !h.shouldBroadcast(event.Type) {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case h.broadcast <- event:
	default:
		h.mu.Lock()
		h.stats.DroppedEvents++
		h.mu.Unlock()
		h.logger.Warn("Broadcast channel full, dropping event",
			zap.String("event_type", string(event.Type)))
	}
}

func (h *Hub) shouldBroadcast(eventType EventType) bool {
	switch eventType {
	case EventTypeDetection:
		return h.config.BroadcastDetections
	case EventTypePolicySync:
		return h.config.BroadcastPolicy
	case EventTypeConnection:
		return h.config.BroadcastConnections
	default:
		return false
	}
}

// PublishProtection broadcasts the kinds and counts of a protect result.
func (h *Hub) PublishProtection(opts protect.Options, res *protect.Result, elapsed time.Duration) {
	if res == nil {
		return
	}
	ev := DetectionEvent{
		RequestID:     opts.RequestID,
		Operation:     "protect",
		Context:       opts.Context,
		Mode:          opts.Mode.String(),
		Counts:        make(map[string]int),
		TotalEntities: len(res.Entities),
		ProcessingMS:  float64(elapsed.Microseconds()) / 1000,
	}
	for _, e := range res.Entities {
		ev.Counts[e.Kind.String()]++
		if e.Failed {
			ev.Failed++
		}
	}
	h.BroadcastEvent(Event{Type: EventTypeDetection, RequestID: opts.RequestID, Data: ev})
}

// PublishDetection broadcasts per-kind counts of a detect or mask call.
func (h *Hub) PublishDetection(requestID, operation string, counts map[string]int, elapsed time.Duration) {
	total := 0
	for _, n := range counts {
		total += n
	}
	h.BroadcastEvent(Event{
		Type:      EventTypeDetection,
		RequestID: requestID,
		Data: DetectionEvent{
			RequestID:     requestID,
			Operation:     operation,
			Counts:        counts,
			TotalEntities: total,
			ProcessingMS:  float64(elapsed.Microseconds()) / 1000,
		},
	})
}

// PolicyHook is a policy.Resolver sync hook that broadcasts sync results.
func (h *Hub) PolicyHook(ev policy.SyncEvent) {
	data := PolicySyncEvent{
		Result:  ev.Result,
		Source:  string(ev.Source),
		Version: ev.Version,
	}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}
	h.BroadcastEvent(Event{Type: EventTypePolicySync, Data: data})
}

// HandleWebSocket upgrades the connection and registers the client
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.logger.Warn("Rejected WebSocket connection", zap.String("client_ip", getClientIP(r)))
		w.Header().Set("WWW-Authenticate", `Basic realm="phi-sentinel"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          "client_" + uuid.NewString(),
		Conn:        conn,
		Send:        make(chan Event, sendBuffer),
		ConnectedAt: time.Now(),
		IP:          getClientIP(r),
		UserAgent:   r.UserAgent(),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteJSON(event); err != nil {
				h.logger.Debug("Failed to write WebSocket message",
					zap.String("client_id", client.ID),
					zap.Error(err))
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(client *Client) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg ClientMessage
		if err := client.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket error",
					zap.String("client_id", client.ID),
					zap.Error(err))
			}
			return
		}
		h.handleClientMessage(client, msg)
	}
}

func (h *Hub) handleClientMessage(client *Client, msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		events := make(map[EventType]bool, len(msg.Events))
		for _, e := range msg.Events {
			events[e] = true
		}
		h.mu.Lock()
		client.events = events
		h.mu.Unlock()
		h.logger.Debug("Client subscription updated",
			zap.String("client_id", client.ID),
			zap.Int("events", len(events)))

	case "ping":
		h.mu.RLock()
		defer h.mu.RUnlock()
		if !h.clients[client] {
			return
		}
		select {
		case client.Send <- Event{Type: EventTypePong, Timestamp: time.Now()}:
		default:
		}
	}
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(ip)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
