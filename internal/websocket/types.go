package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeDetection summarizes one protect or detect call
	EventTypeDetection EventType = "detection"
	// EventTypePolicySync reports a policy load or sync attempt
	EventTypePolicySync EventType = "policy_sync"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// DetectionEvent carries kinds and counts only. Values and offsets never
// leave the process through the hub.
type DetectionEvent struct {
	RequestID     string         `json:"request_id"`
	Operation     string         `json:"operation"` // detect, protect, mask
	Context       string         `json:"context,omitempty"`
	Mode          string         `json:"mode,omitempty"`
	Counts        map[string]int `json:"counts"`
	TotalEntities int            `json:"total_entities"`
	Failed        int            `json:"failed,omitempty"`
	ProcessingMS  float64        `json:"processing_ms"`
}

// PolicySyncEvent mirrors policy.SyncEvent
type PolicySyncEvent struct {
	Result  string `json:"result"`
	Source  string `json:"source,omitempty"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action   string `json:"action"` // "connected", "disconnected"
	ClientID string `json:"client_id"`
	Message  string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type   string      `json:"type"`
	Events []EventType `json:"events,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan Event
	ConnectedAt time.Time
	IP          string
	UserAgent   string

	// events the client subscribed to; nil means all
	events map[EventType]bool
}

func (c *Client) wants(t EventType) bool {
	return c.events == nil || c.events[t]
}
