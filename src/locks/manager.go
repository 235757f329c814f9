// Package locks tracks the session's seat holds and moves each event's slot
// through Idle -> Locking -> Locked -> {Releasing | Expired | Purchased} -> Idle.
//
// One hold per event is tracked. Because lock and unlock responses are
// correlated by event name only, at most one lock and one unlock request
// are in flight across the whole session.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/orchestra-mcp/boxoffice/src/types"
	"github.com/rs/zerolog"
)

// MaxPollInterval is the slowest allowed expiry check.
const MaxPollInterval = time.Second

// Requester issues correlated requests on the duplex channel.
type Requester interface {
	Request(ctx context.Context, event string, payload any, responseEvent string) (types.Message, error)
}

// SampleRecorder receives the post-lock available count.
type SampleRecorder interface {
	Record(s types.Sample)
}

// Options configures a Manager.
type Options struct {
	// UserID returns the authenticated user sent with lock requests.
	UserID func() int64
	// Now defaults to time.Now.
	Now func() time.Time
}

// Manager owns every hold slot of a session.
type Manager struct {
	req    Requester
	feed   SampleRecorder
	userID func() int64
	now    func() time.Time
	logger zerolog.Logger

	mu        sync.Mutex
	slots     map[int64]*slot
	consumed  map[string]time.Time
	observers []func(Transition)
	gen       uint64
}

// NewManager creates a manager with every slot Idle.
func NewManager(req Requester, feed SampleRecorder, opts Options, logger zerolog.Logger) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.UserID == nil {
		opts.UserID = func() int64 { return 0 }
	}
	return &Manager{
		req:      req,
		feed:     feed,
		userID:   opts.UserID,
		now:      opts.Now,
		logger:   logger.With().Str("component", "locks").Logger(),
		slots:    make(map[int64]*slot),
		consumed: make(map[string]time.Time),
	}
}

// OnTransition registers an observer for every state change.
func (m *Manager) OnTransition(cb func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, cb)
}

// Lock requests a hold of quantity seats. It fails without touching the
// network when the event already has a hold or another lock is in flight.
func (m *Manager) Lock(ctx context.Context, eventID, categoryID int64, quantity int) (types.Lock, error) {
	if quantity <= 0 {
		return types.Lock{}, fmt.Errorf("%w: %d", types.ErrInvalidQuantity, quantity)
	}

	m.mu.Lock()
	var pending []Transition
	if cur, ok := m.slots[eventID]; ok {
		if cur.state != Locked || !cur.invalid || cur.purchasing {
			m.mu.Unlock()
			return types.Lock{}, fmt.Errorf("%w: event %d is %s", types.ErrAlreadyLocked, eventID, cur.state)
		}
		// The backend already disowned this hold; replace it.
		delete(m.slots, eventID)
		pending = append(pending, m.transition(cur, Idle, types.ErrLockExpired))
	}
	if m.inFlightLocked(Locking) {
		m.mu.Unlock()
		m.notify(pending)
		return types.Lock{}, fmt.Errorf("%w: another hold is being placed", types.ErrRequestInFlight)
	}
	s := &slot{eventID: eventID, categoryID: categoryID, quantity: quantity, state: Idle}
	m.slots[eventID] = s
	pending = append(pending, m.transition(s, Locking, nil))
	m.mu.Unlock()
	m.notify(pending)

	msg, err := m.req.Request(ctx, types.EventLock, types.TicketsRequest{
		EventID:    eventID,
		CategoryID: categoryID,
		Quantity:   quantity,
		UserID:     m.userID(),
	}, types.EventLockResponse)
	if err != nil {
		if indeterminate(err) {
			err = fmt.Errorf("%w: %w", types.ErrLockIndeterminate, err)
		}
		m.abandon(s, Locking, err)
		return types.Lock{}, err
	}

	var resp types.LockResponse
	if err := msg.Decode(&resp); err != nil {
		err = fmt.Errorf("%w: malformed lock response: %v", types.ErrLockIndeterminate, err)
		m.abandon(s, Locking, err)
		return types.Lock{}, err
	}
	if !resp.Success {
		reason := resp.Message
		if reason == "" {
			reason = "backend refused the hold"
		}
		err := fmt.Errorf("%w: %s", types.ErrLockRejected, reason)
		m.abandon(s, Locking, err)
		m.logger.Warn().Int64("event_id", eventID).Str("reason", reason).Msg("hold rejected")
		return types.Lock{}, err
	}
	if resp.LockID == "" {
		err := fmt.Errorf("%w: lock response without lock id", types.ErrLockIndeterminate)
		m.abandon(s, Locking, err)
		return types.Lock{}, err
	}
	expiresAt, err := types.ParseTime(resp.ExpiresAt)
	if err != nil {
		err = fmt.Errorf("%w: %v", types.ErrLockIndeterminate, err)
		m.abandon(s, Locking, err)
		return types.Lock{}, err
	}

	lock := types.Lock{
		ID:         resp.LockID,
		EventID:    eventID,
		CategoryID: categoryID,
		Quantity:   quantity,
		ExpiresAt:  expiresAt,
	}

	m.mu.Lock()
	now := m.now()
	if m.slots[eventID] != s || s.state != Locking {
		m.mu.Unlock()
		return types.Lock{}, fmt.Errorf("%w: hold was reset while waiting", types.ErrLockIndeterminate)
	}
	if !lock.ActiveAt(now) {
		delete(m.slots, eventID)
		t := m.transition(s, Idle, types.ErrLockExpired)
		m.mu.Unlock()
		m.notify([]Transition{t})
		return types.Lock{}, fmt.Errorf("%w: %s expired on arrival", types.ErrLockExpired, lock.ID)
	}
	s.lock = lock
	m.gen++
	s.gen = m.gen
	t := m.transition(s, Locked, nil)
	m.mu.Unlock()
	m.notify([]Transition{t})

	if resp.AvailableTickets != nil && m.feed != nil {
		m.feed.Record(types.Sample{
			EventID:    eventID,
			CategoryID: categoryID,
			Available:  *resp.AvailableTickets,
			ObservedAt: now,
			Partial:    true,
		})
	}

	m.logger.Info().
		Str("lock_id", lock.ID).
		Int64("event_id", eventID).
		Int64("category_id", categoryID).
		Int("quantity", quantity).
		Time("expires_at", lock.ExpiresAt).
		Msg("seats held")
	return lock, nil
}

// Unlock releases the event's hold. The slot stays Releasing, and the seats
// held, until the backend confirms.
func (m *Manager) Unlock(ctx context.Context, eventID int64) error {
	m.mu.Lock()
	s, ok := m.slots[eventID]
	switch {
	case !ok:
		m.mu.Unlock()
		return fmt.Errorf("%w: event %d", types.ErrNotLocked, eventID)
	case s.state != Locked:
		m.mu.Unlock()
		return fmt.Errorf("%w: event %d is %s", types.ErrNotLocked, eventID, s.state)
	case s.purchasing:
		m.mu.Unlock()
		return fmt.Errorf("%w: event %d", types.ErrPurchaseInFlight, eventID)
	case m.inFlightLocked(Releasing):
		m.mu.Unlock()
		return fmt.Errorf("%w: another release is pending", types.ErrRequestInFlight)
	}
	t := m.transition(s, Releasing, nil)
	m.mu.Unlock()
	m.notify([]Transition{t})

	msg, err := m.req.Request(ctx, types.EventUnlock, types.TicketsRequest{
		EventID:    s.eventID,
		CategoryID: s.categoryID,
		Quantity:   s.quantity,
		UserID:     m.userID(),
	}, types.EventUnlockResponse)
	if err != nil {
		if !indeterminate(err) {
			// Never reached the backend; the hold stands.
			m.restore(s)
			return err
		}
		err = fmt.Errorf("%w: release: %w", types.ErrLockIndeterminate, err)
		m.abandon(s, Releasing, err)
		return err
	}

	var resp types.UnlockResponse
	if err := msg.Decode(&resp); err != nil {
		err = fmt.Errorf("%w: malformed unlock response: %v", types.ErrLockIndeterminate, err)
		m.abandon(s, Releasing, err)
		return err
	}
	if !resp.Success {
		m.restore(s)
		return fmt.Errorf("%w: %s", types.ErrReleaseRejected, resp.Message)
	}

	m.mu.Lock()
	if m.slots[s.eventID] != s || s.state != Releasing {
		m.mu.Unlock()
		return nil
	}
	delete(m.slots, s.eventID)
	t = m.transition(s, Idle, nil)
	m.mu.Unlock()
	m.notify([]Transition{t})

	m.logger.Info().Str("lock_id", s.lock.ID).Int64("event_id", s.eventID).Msg("hold released")
	return nil
}

// Tick expires every Locked slot whose expiry has been reached and returns
// the expired locks. A slot with a purchase in flight is left to the
// backend's verdict; BeginPurchase already checked it was unexpired.
func (m *Manager) Tick() []types.Lock {
	m.mu.Lock()
	now := m.now()
	var expired []types.Lock
	var pending []Transition
	for id, s := range m.slots {
		if s.state != Locked || s.purchasing || s.lock.ActiveAt(now) {
			continue
		}
		expired = append(expired, s.lock)
		pending = append(pending, m.transition(s, Expired, types.ErrLockExpired))
		delete(m.slots, id)
		pending = append(pending, m.transition(s, Idle, types.ErrLockExpired))
	}
	m.mu.Unlock()
	m.notify(pending)

	for _, l := range expired {
		m.logger.Info().Str("lock_id", l.ID).Int64("event_id", l.EventID).Msg("hold expired")
	}
	return expired
}

// Run evaluates expiry every interval (at most once per second) until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || interval > MaxPollInterval {
		interval = MaxPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// ConnectionLost applies session-loss policy. An explicit disconnect ends
// the session and drops every hold. Involuntary loss resets only in-flight
// slots; Locked countdowns keep running.
func (m *Manager) ConnectionLost(info types.Disconnect) {
	m.mu.Lock()
	var pending []Transition
	for id, s := range m.slots {
		switch {
		case info.Voluntary:
			delete(m.slots, id)
			pending = append(pending, m.transition(s, Idle, types.ErrConnectionLost))
		case s.state == Locking || s.state == Releasing:
			delete(m.slots, id)
			pending = append(pending, m.transition(s, Idle,
				fmt.Errorf("%w: %w", types.ErrLockIndeterminate, types.ErrConnectionLost)))
		}
	}
	m.mu.Unlock()
	m.notify(pending)
}

// BeginPurchase checks that lockID names a live Locked hold and marks it as
// being purchased. The expiry is re-checked here, right before submission.
func (m *Manager) BeginPurchase(lockID string) (types.Lock, error) {
	m.mu.Lock()
	if _, ok := m.consumed[lockID]; ok {
		m.mu.Unlock()
		return types.Lock{}, fmt.Errorf("%w: %w: %s", types.ErrPurchaseRejected, types.ErrLockConsumed, lockID)
	}
	s := m.findLocked(lockID)
	switch {
	case s == nil:
		m.mu.Unlock()
		return types.Lock{}, fmt.Errorf("%w: %w: %s", types.ErrPurchaseRejected, types.ErrNotLocked, lockID)
	case s.state != Locked:
		m.mu.Unlock()
		return types.Lock{}, fmt.Errorf("%w: hold %s is %s", types.ErrPurchaseRejected, lockID, s.state)
	case s.invalid:
		m.mu.Unlock()
		return types.Lock{}, fmt.Errorf("%w: %w: %s is no longer valid", types.ErrPurchaseRejected, types.ErrLockExpired, lockID)
	case s.purchasing:
		m.mu.Unlock()
		return types.Lock{}, fmt.Errorf("%w: %s", types.ErrPurchaseInFlight, lockID)
	}
	if !s.lock.ActiveAt(m.now()) {
		delete(m.slots, s.eventID)
		pending := []Transition{
			m.transition(s, Expired, types.ErrLockExpired),
			m.transition(s, Idle, types.ErrLockExpired),
		}
		m.mu.Unlock()
		m.notify(pending)
		return types.Lock{}, fmt.Errorf("%w: %w: %s", types.ErrPurchaseRejected, types.ErrLockExpired, lockID)
	}
	s.purchasing = true
	lock := s.lock
	m.mu.Unlock()
	return lock, nil
}

// CompletePurchase consumes the hold: Locked -> Purchased -> Idle. The lock
// id can never be purchased again in this session.
func (m *Manager) CompletePurchase(lockID string) {
	m.mu.Lock()
	m.consumed[lockID] = m.now()
	s := m.findLocked(lockID)
	if s == nil {
		m.mu.Unlock()
		return
	}
	delete(m.slots, s.eventID)
	s.purchasing = false
	pending := []Transition{
		m.transition(s, Purchased, nil),
		m.transition(s, Idle, nil),
	}
	m.mu.Unlock()
	m.notify(pending)
}

// AbortPurchase leaves the hold as it was. With invalidate set the backend
// has disowned the lock and it may not be submitted again.
func (m *Manager) AbortPurchase(lockID string, invalidate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.findLocked(lockID)
	if s == nil {
		return
	}
	s.purchasing = false
	if invalidate {
		s.invalid = true
	}
}

// Mark returns the current generation. Pass it to Reconcile with a lock
// list requested after the call.
func (m *Manager) Mark() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// Reconcile merges the backend's list of this user's locks. Unexpired
// locks for idle events are adopted. Holds placed at or before mark that
// the backend no longer reports are marked invalid; later holds are newer
// than the list and left alone.
func (m *Manager) Reconcile(records []types.LockRecord, mark uint64) {
	m.mu.Lock()
	now := m.now()
	reported := make(map[string]bool, len(records))
	var pending []Transition
	for _, rec := range records {
		lock, err := rec.Lock()
		if err != nil {
			m.logger.Warn().Err(err).Str("lock_id", rec.LockID).Msg("skipping unreadable lock")
			continue
		}
		reported[lock.ID] = true
		if _, gone := m.consumed[lock.ID]; gone || !lock.ActiveAt(now) {
			continue
		}
		s, ok := m.slots[lock.EventID]
		switch {
		case !ok:
			s = &slot{
				eventID:    lock.EventID,
				categoryID: lock.CategoryID,
				quantity:   lock.Quantity,
				state:      Idle,
				lock:       lock,
			}
			m.gen++
			s.gen = m.gen
			m.slots[lock.EventID] = s
			pending = append(pending, m.transition(s, Locked, nil))
		case s.state == Locked && s.lock.ID == lock.ID:
			s.lock = lock
			s.invalid = false
		}
	}
	for _, s := range m.slots {
		if s.state == Locked && s.gen <= mark && !reported[s.lock.ID] {
			s.invalid = true
		}
	}
	m.mu.Unlock()
	m.notify(pending)
}

// Get returns the slot of an event; an untracked event is Idle.
func (m *Manager) Get(eventID int64) Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[eventID]; ok {
		return s.view(m.now())
	}
	return Slot{EventID: eventID, State: Idle}
}

// Slots returns every non-idle slot ordered by event id.
func (m *Manager) Slots() []Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]Slot, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, s.view(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

// Active returns the live hold of an event, if any.
func (m *Manager) Active(eventID int64) (types.Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[eventID]
	if !ok || s.state != Locked || s.invalid || !s.lock.ActiveAt(m.now()) {
		return types.Lock{}, false
	}
	return s.lock, true
}

// Remaining returns the countdown of an event's hold, or zero.
func (m *Manager) Remaining(eventID int64) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[eventID]; ok && s.state.Held() {
		return s.lock.Remaining(m.now())
	}
	return 0
}

// Consumed reports whether a lock id was already turned into an order.
func (m *Manager) Consumed(lockID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.consumed[lockID]
	return ok
}

// abandon returns an in-flight slot to Idle if it is still the live one.
func (m *Manager) abandon(s *slot, from State, reason error) {
	m.mu.Lock()
	if m.slots[s.eventID] != s || s.state != from {
		m.mu.Unlock()
		return
	}
	delete(m.slots, s.eventID)
	t := m.transition(s, Idle, reason)
	m.mu.Unlock()
	m.notify([]Transition{t})
}

// restore moves a Releasing slot back to Locked.
func (m *Manager) restore(s *slot) {
	m.mu.Lock()
	if m.slots[s.eventID] != s || s.state != Releasing {
		m.mu.Unlock()
		return
	}
	t := m.transition(s, Locked, nil)
	m.mu.Unlock()
	m.notify([]Transition{t})
}

func (m *Manager) inFlightLocked(state State) bool {
	for _, s := range m.slots {
		if s.state == state {
			return true
		}
	}
	return false
}

func (m *Manager) findLocked(lockID string) *slot {
	for _, s := range m.slots {
		if s.lock.ID == lockID {
			return s
		}
	}
	return nil
}

// transition mutates s and records the change. Caller holds m.mu.
func (m *Manager) transition(s *slot, to State, reason error) Transition {
	t := Transition{
		EventID:    s.eventID,
		CategoryID: s.categoryID,
		LockID:     s.lock.ID,
		From:       s.state,
		To:         to,
		Err:        reason,
		At:         m.now(),
	}
	s.state = to
	return t
}

func (m *Manager) notify(ts []Transition) {
	if len(ts) == 0 {
		return
	}
	m.mu.Lock()
	observers := append([]func(Transition){}, m.observers...)
	m.mu.Unlock()
	for _, t := range ts {
		for _, cb := range observers {
			cb(t)
		}
	}
}

// indeterminate reports whether a request may have reached the backend
// without the client learning the outcome.
func indeterminate(err error) bool {
	return errors.Is(err, types.ErrRequestTimeout) ||
		errors.Is(err, types.ErrConnectionLost) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
