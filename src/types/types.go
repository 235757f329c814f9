package types

import (
	"encoding/json"
	"time"
)

// Message is one frame on the duplex channel.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`

	// Set on receipt, never sent.
	ConnID    string    `json:"-"`
	Timestamp time.Time `json:"-"`
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(m.Data, v)
}

// Handler handles an inbound message for one event name.
type Handler func(msg Message) error

// Subscription identifies a registered handler. ConnID is empty for
// session-level listeners that survive reconnects.
type Subscription struct {
	Event  string
	ID     uint64
	ConnID string
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// Status is the lifecycle state of the duplex connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Credential is the auth payload passed at connect time and on REST calls.
type Credential struct {
	UserID int64
	Token  string
}

// Disconnect describes the end of one connection instance.
type Disconnect struct {
	ConnID    string
	Voluntary bool
	Err       error
}
