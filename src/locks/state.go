package locks

import (
	"time"

	"github.com/orchestra-mcp/boxoffice/src/types"
)

// State is the lifecycle state of one event's hold slot.
type State string

const (
	Idle      State = "idle"
	Locking   State = "locking"
	Locked    State = "locked"
	Releasing State = "releasing"
	Expired   State = "expired"
	Purchased State = "purchased"
)

// Held reports whether the seats count as held for display. A slot stays
// held while its release is unconfirmed.
func (s State) Held() bool {
	return s == Locked || s == Releasing
}

// Slot is a copy of one event's hold state, safe to hand to the UI.
type Slot struct {
	EventID     int64         `json:"eventId"`
	CategoryID  int64         `json:"categoryId"`
	Quantity    int           `json:"quantity"`
	State       State         `json:"state"`
	Lock        *types.Lock   `json:"lock,omitempty"`
	Remaining   time.Duration `json:"-"`
	RemainingMs int64         `json:"remainingMs"`
	Invalid     bool          `json:"invalid,omitempty"`
	Purchasing  bool          `json:"purchasing,omitempty"`
}

// Transition is emitted for every state change. Err carries the reason
// when a slot falls back to Idle for anything but success.
type Transition struct {
	EventID    int64
	CategoryID int64
	LockID     string
	From       State
	To         State
	Err        error
	At         time.Time
}

// slot is the mutable record behind a Slot; pointer identity tells a
// caller whether the slot it started with is still the live one.
type slot struct {
	eventID    int64
	categoryID int64
	quantity   int
	state      State
	lock       types.Lock
	invalid    bool
	purchasing bool
	// gen is the manager generation at which the slot became Locked.
	gen uint64
}

func (s *slot) view(now time.Time) Slot {
	v := Slot{
		EventID:    s.eventID,
		CategoryID: s.categoryID,
		Quantity:   s.quantity,
		State:      s.state,
		Invalid:    s.invalid,
		Purchasing: s.purchasing,
	}
	if s.lock.ID != "" {
		l := s.lock
		v.Lock = &l
		v.Remaining = l.Remaining(now)
		v.RemainingMs = v.Remaining.Milliseconds()
	}
	return v
}
