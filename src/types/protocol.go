package types

import (
	"fmt"
	"time"
)

// Outbound events.
const (
	EventJoinRoom  = "join-event-room"
	EventLock      = "lock-tickets"
	EventUnlock    = "unlock-tickets"
	EventMyLocks   = "get-my-locks"
	EventHeartbeat = "heartbeat"
)

// Inbound responses and broadcasts.
const (
	EventJoinedRoom        = "joined-event-room"
	EventLockResponse      = "lock-tickets-response"
	EventUnlockResponse    = "unlock-tickets-response"
	EventMyLocksResponse   = "my-locks-response"
	EventHeartbeatResponse = "heartbeat-response"
	EventAvailability      = "availability-update"
	EventOrderCompleted    = "order-completed"
	EventOrderCancelled    = "order-cancelled"
	EventError             = "error"
	EventConnected         = "connected"
)

type JoinRoomRequest struct {
	EventID int64 `json:"eventId"`
	UserID  int64 `json:"userId"`
}

type JoinedRoom struct {
	EventID int64 `json:"eventId"`
}

// TicketsRequest is the payload of both lock-tickets and unlock-tickets.
type TicketsRequest struct {
	EventID    int64 `json:"eventId"`
	CategoryID int64 `json:"categoryId"`
	Quantity   int   `json:"quantity"`
	UserID     int64 `json:"userId"`
}

type LockResponse struct {
	Success          bool   `json:"success"`
	LockID           string `json:"lockId,omitempty"`
	ExpiresAt        string `json:"expiresAt,omitempty"`
	AvailableTickets *int   `json:"availableTickets,omitempty"`
	Quantity         int    `json:"quantity,omitempty"`
	Message          string `json:"message,omitempty"`
}

type UnlockResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type LockRecord struct {
	LockID     string `json:"lockId"`
	EventID    int64  `json:"eventId"`
	CategoryID int64  `json:"categoryId"`
	Quantity   int    `json:"quantity"`
	ExpiresAt  string `json:"expiresAt"`
}

type MyLocksResponse struct {
	Locks []LockRecord `json:"locks"`
}

type AvailabilityUpdate struct {
	EventID          int64  `json:"eventId"`
	CategoryID       int64  `json:"categoryId"`
	AvailableTickets int    `json:"availableTickets"`
	LockedTickets    int    `json:"lockedTickets"`
	TotalTickets     int    `json:"totalTickets"`
	Timestamp        string `json:"timestamp"`
}

// OrderNotification is the shape of both order-completed and order-cancelled.
type OrderNotification struct {
	Kind       string `json:"-"`
	OrderID    int64  `json:"orderId"`
	EventID    int64  `json:"eventId"`
	CategoryID int64  `json:"categoryId"`
	Quantity   int    `json:"quantity"`
	Message    string `json:"message"`
}

type ServerError struct {
	Message string `json:"message"`
}

type ConnectedAck struct {
	SessionID string `json:"sessionId"`
}

// ParseTime accepts the ISO-8601 timestamps the backend emits.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	// Some payloads drop the zone designator.
	t, err := time.Parse("2006-01-02T15:04:05.999999999", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Lock converts a my-locks-response record into a Lock.
func (r LockRecord) Lock() (Lock, error) {
	exp, err := ParseTime(r.ExpiresAt)
	if err != nil {
		return Lock{}, err
	}
	return Lock{
		ID:         r.LockID,
		EventID:    r.EventID,
		CategoryID: r.CategoryID,
		Quantity:   r.Quantity,
		ExpiresAt:  exp,
	}, nil
}

// Sample converts a broadcast into an availability sample.
func (u AvailabilityUpdate) Sample() (Sample, error) {
	ts, err := ParseTime(u.Timestamp)
	if err != nil {
		return Sample{}, err
	}
	return Sample{
		EventID:    u.EventID,
		CategoryID: u.CategoryID,
		Available:  u.AvailableTickets,
		Locked:     u.LockedTickets,
		Total:      u.TotalTickets,
		ObservedAt: ts,
	}, nil
}
