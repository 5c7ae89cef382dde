package server

import (
	"encoding/json"
	"strings"
	"time"
)

// InboundMessage is the JSON envelope a client sends.
type InboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OutboundMessage is the JSON envelope relayed to the rest of a room. From is
// the sender's user id; it is empty for server-originated broadcasts.
type OutboundMessage struct {
	Type      string          `json:"type"`
	Room      string          `json:"room"`
	From      string          `json:"from,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// welcomeMessage is written during the handshake.
type welcomeMessage struct {
	Type      string    `json:"type"`
	Room      string    `json:"room"`
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	messageTypeWelcome = "connection_established"
	messageTypeSystem  = "system"
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
