// Package session owns one user's reservation session: the duplex channel,
// the correlator on top of it, the hold slots, the availability feed and
// the purchase path. Nothing here is global; every Session is built
// explicitly and torn down with Close.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orchestra-mcp/boxoffice/src/auth"
	"github.com/orchestra-mcp/boxoffice/src/availability"
	"github.com/orchestra-mcp/boxoffice/src/channel"
	"github.com/orchestra-mcp/boxoffice/src/correlator"
	"github.com/orchestra-mcp/boxoffice/src/locks"
	"github.com/orchestra-mcp/boxoffice/src/purchase"
	"github.com/orchestra-mcp/boxoffice/src/types"
	"github.com/rs/zerolog"
)

// recentOrders is how many order notifications are kept for the status view.
const recentOrders = 20

// Options configures a Session.
type Options struct {
	URL               string
	RequestTimeout    time.Duration
	ExpiryPoll        time.Duration
	HeartbeatInterval time.Duration
	AutoReconnect     bool
	Backoff           channel.Backoff
	SampleCapacity    int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Status is a point-in-time view of the whole session.
type Status struct {
	Connection channel.State             `json:"connection"`
	UserID     int64                     `json:"userId"`
	Room       int64                     `json:"room,omitempty"`
	Slots      []locks.Slot              `json:"slots"`
	Orders     []types.OrderNotification `json:"orders"`
	Samples    int                       `json:"samples"`
}

// Session is the explicitly constructed scope of one user's reservations.
type Session struct {
	ch     *channel.Client
	corr   *correlator.Correlator
	locks  *locks.Manager
	feed   *availability.Feed
	buyer  *purchase.Coordinator
	creds  auth.Provider
	opts   Options
	logger zerolog.Logger

	mu       sync.RWMutex
	userID   int64
	room     int64
	roomConn string
	orders   []types.OrderNotification
	onOrder  []func(types.OrderNotification)
}

// New wires a session. Nothing is dialed until Connect.
func New(opts Options, dialer channel.Dialer, creds auth.Provider, api purchase.OrderAPI, logger zerolog.Logger) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ExpiryPoll <= 0 || opts.ExpiryPoll > locks.MaxPollInterval {
		opts.ExpiryPoll = locks.MaxPollInterval
	}

	s := &Session{
		creds:  creds,
		opts:   opts,
		logger: logger.With().Str("component", "session").Logger(),
	}
	s.ch = channel.New(channel.Options{
		URL:           opts.URL,
		AutoReconnect: opts.AutoReconnect,
		Backoff:       opts.Backoff,
	}, dialer, logger)
	s.corr = correlator.New(s.ch, opts.RequestTimeout, logger)
	s.feed = availability.New(opts.SampleCapacity, logger)
	s.locks = locks.NewManager(s.corr, s.feed, locks.Options{
		UserID: s.UserID,
		Now:    opts.Now,
	}, logger)
	s.buyer = purchase.NewCoordinator(s.locks, api, logger)

	s.ch.Listen(types.EventAvailability, s.feed.HandleUpdate)
	s.ch.Listen(types.EventOrderCompleted, s.orderHandler(types.EventOrderCompleted))
	s.ch.Listen(types.EventOrderCancelled, s.orderHandler(types.EventOrderCancelled))
	s.ch.Listen(types.EventHeartbeatResponse, func(msg types.Message) error {
		s.logger.Debug().Str("conn_id", msg.ConnID).Msg("heartbeat acknowledged")
		return nil
	})
	s.ch.OnDisconnect(s.locks.ConnectionLost)
	s.ch.OnConnect(func(connID string) { go s.resume(connID) })
	return s
}

// Connect authenticates with the provider's credential. A JWT that has
// already expired is refused before dialing.
func (s *Session) Connect(ctx context.Context) error {
	cred, err := s.creds.Credential(ctx)
	if err != nil {
		return err
	}
	if err := auth.CheckExpiry(cred.Token, s.opts.Now()); err != nil {
		return err
	}
	s.mu.Lock()
	s.userID = cred.UserID
	s.mu.Unlock()
	return s.ch.Connect(ctx, cred)
}

// Disconnect ends the session's connection. Holds are forgotten locally;
// the backend keeps or expires them on its own.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.room = 0
	s.roomConn = ""
	s.mu.Unlock()
	s.ch.Disconnect()
}

// Close disconnects and drops every listener.
func (s *Session) Close() {
	s.Disconnect()
	s.ch.Close()
}

// Run drives the expiry ticker and the heartbeat until ctx ends.
func (s *Session) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.locks.Run(ctx, s.opts.ExpiryPoll)
	}()
	if s.opts.HeartbeatInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.heartbeat(ctx, s.opts.HeartbeatInterval)
		}()
	}
	wg.Wait()
}

func (s *Session) heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.ch.Status() != types.StatusConnected {
				continue
			}
			if err := s.ch.Emit(types.EventHeartbeat, nil); err != nil {
				s.logger.Debug().Err(err).Msg("heartbeat not sent")
			}
		}
	}
}

// JoinEventRoom subscribes to an event's availability broadcasts. The room
// is joined again after every reconnect.
func (s *Session) JoinEventRoom(ctx context.Context, eventID int64) error {
	connID, err := s.join(ctx, eventID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.room = eventID
	s.roomConn = connID
	s.mu.Unlock()
	return nil
}

// join returns the id of the connection the room was joined on.
func (s *Session) join(ctx context.Context, eventID int64) (string, error) {
	msg, err := s.corr.Request(ctx, types.EventJoinRoom, types.JoinRoomRequest{
		EventID: eventID,
		UserID:  s.UserID(),
	}, types.EventJoinedRoom)
	if err != nil {
		return "", fmt.Errorf("join event %d: %w", eventID, err)
	}
	var joined types.JoinedRoom
	if err := msg.Decode(&joined); err != nil {
		return "", fmt.Errorf("join event %d: %w", eventID, err)
	}
	s.logger.Info().Int64("event_id", eventID).Str("conn_id", msg.ConnID).Msg("joined event room")
	return msg.ConnID, nil
}

// RefreshLocks asks the backend for this user's locks and reconciles the
// slots with the answer.
func (s *Session) RefreshLocks(ctx context.Context) error {
	mark := s.locks.Mark()
	msg, err := s.corr.Request(ctx, types.EventMyLocks, struct{}{}, types.EventMyLocksResponse)
	if err != nil {
		return fmt.Errorf("refresh locks: %w", err)
	}
	var resp types.MyLocksResponse
	if err := msg.Decode(&resp); err != nil {
		return fmt.Errorf("refresh locks: %w", err)
	}
	s.locks.Reconcile(resp.Locks, mark)
	return nil
}

// resume restores room membership and lock state on a fresh connection.
func (s *Session) resume(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*s.requestTimeout())
	defer cancel()

	s.mu.RLock()
	room, roomConn := s.room, s.roomConn
	s.mu.RUnlock()

	if room != 0 && roomConn != connID {
		joinedOn, err := s.join(ctx, room)
		if err != nil {
			s.logger.Warn().Err(err).Str("conn_id", connID).Msg("rejoin failed")
		} else {
			s.mu.Lock()
			if s.room == room {
				s.roomConn = joinedOn
			}
			s.mu.Unlock()
		}
	}
	if err := s.RefreshLocks(ctx); err != nil {
		s.logger.Warn().Err(err).Str("conn_id", connID).Msg("lock refresh failed")
	}
}

func (s *Session) requestTimeout() time.Duration {
	if s.opts.RequestTimeout > 0 {
		return s.opts.RequestTimeout
	}
	return correlator.DefaultTimeout
}

// Lock holds quantity seats of a category.
func (s *Session) Lock(ctx context.Context, eventID, categoryID int64, quantity int) (types.Lock, error) {
	return s.locks.Lock(ctx, eventID, categoryID, quantity)
}

// Unlock releases the event's hold.
func (s *Session) Unlock(ctx context.Context, eventID int64) error {
	return s.locks.Unlock(ctx, eventID)
}

// Purchase turns a held lock into an order.
func (s *Session) Purchase(ctx context.Context, lock types.Lock, notes string) (types.OrderOutcome, error) {
	return s.buyer.Purchase(ctx, lock, notes)
}

// Active returns the live hold of an event, if any.
func (s *Session) Active(eventID int64) (types.Lock, bool) {
	return s.locks.Active(eventID)
}

// Slot returns the hold slot of an event.
func (s *Session) Slot(eventID int64) locks.Slot {
	return s.locks.Get(eventID)
}

// Latest returns the most recent availability of a category.
func (s *Session) Latest(eventID, categoryID int64) (types.Sample, bool) {
	return s.feed.Latest(eventID, categoryID)
}

// Feed exposes the availability feed for relays.
func (s *Session) Feed() *availability.Feed {
	return s.feed
}

// OnTransition observes every hold state change.
func (s *Session) OnTransition(cb func(locks.Transition)) {
	s.locks.OnTransition(cb)
}

// OnOrderNotification observes order-completed and order-cancelled broadcasts.
func (s *Session) OnOrderNotification(cb func(types.OrderNotification)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOrder = append(s.onOrder, cb)
}

// UserID returns the authenticated user, or 0 before Connect.
func (s *Session) UserID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Connection returns the channel state.
func (s *Session) Connection() channel.State {
	return s.ch.State()
}

// Snapshot returns the status view.
func (s *Session) Snapshot() Status {
	s.mu.RLock()
	orders := append([]types.OrderNotification{}, s.orders...)
	userID, room := s.userID, s.room
	s.mu.RUnlock()

	return Status{
		Connection: s.ch.State(),
		UserID:     userID,
		Room:       room,
		Slots:      s.locks.Slots(),
		Orders:     orders,
		Samples:    s.feed.Len(),
	}
}

func (s *Session) orderHandler(kind string) types.Handler {
	return func(msg types.Message) error {
		var n types.OrderNotification
		if err := msg.Decode(&n); err != nil {
			return fmt.Errorf("decode %s: %w", kind, err)
		}
		n.Kind = kind

		s.mu.Lock()
		s.orders = append(s.orders, n)
		if len(s.orders) > recentOrders {
			s.orders = s.orders[len(s.orders)-recentOrders:]
		}
		observers := append([]func(types.OrderNotification){}, s.onOrder...)
		s.mu.Unlock()

		s.logger.Info().
			Str("kind", kind).
			Int64("order_id", n.OrderID).
			Int64("event_id", n.EventID).
			Msg("order notification")
		for _, cb := range observers {
			cb(n)
		}
		return nil
	}
}
