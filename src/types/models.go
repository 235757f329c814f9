package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// Lock is a client-visible seat hold. It is replaced wholesale, never edited.
type Lock struct {
	ID         string    `json:"lockId"`
	EventID    int64     `json:"eventId"`
	CategoryID int64     `json:"categoryId"`
	Quantity   int       `json:"quantity"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ActiveAt reports whether the hold has not yet reached its expiry.
func (l Lock) ActiveAt(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// Remaining returns the countdown at now, never negative.
func (l Lock) Remaining(now time.Time) time.Duration {
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Sample is one timestamped availability observation.
// Partial samples come from lock responses, which only carry the available count.
type Sample struct {
	EventID    int64     `json:"eventId"`
	CategoryID int64     `json:"categoryId"`
	Available  int       `json:"availableTickets"`
	Locked     int       `json:"lockedTickets"`
	Total      int       `json:"totalTickets"`
	ObservedAt time.Time `json:"timestamp"`
	Partial    bool      `json:"partial,omitempty"`
}

// OrderRequest is the body of POST /orders/with-lock.
type OrderRequest struct {
	EventID    int64  `json:"eventId"`
	CategoryID int64  `json:"categoryId"`
	Quantity   int    `json:"quantity"`
	LockID     string `json:"lockId"`
	Notes      string `json:"notes,omitempty"`
}

// Order is the settlement record returned by the REST collaborator.
type Order struct {
	ID           int64     `json:"id"`
	UserID       Number    `json:"userId"`
	EventID      Number    `json:"eventId"`
	CategoryID   Number    `json:"categoryId"`
	Quantity     Number    `json:"quantity"`
	UnitPrice    Number    `json:"unitPrice"`
	TotalPrice   Number    `json:"totalPrice"`
	Status       string    `json:"status"`
	EventName    string    `json:"eventName,omitempty"`
	CategoryName string    `json:"categoryName,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// OrderOutcome is what a purchase hands back to the caller.
type OrderOutcome struct {
	Success bool   `json:"success"`
	OrderID int64  `json:"orderId"`
	Status  string `json:"status"`
	Order   Order  `json:"order"`
}

// Number decodes JSON numbers that the backend sometimes serializes as strings.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*n = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*n = Number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

func (n Number) Int() int64 { return int64(n) }
