package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/boxoffice/src/types"
	"github.com/rs/zerolog"
)

// Dialer opens one duplex connection to the realtime backend.
type Dialer interface {
	Dial(ctx context.Context, url string, cred types.Credential) (types.Conn, error)
}

// Options configures a Client.
type Options struct {
	URL           string
	AutoReconnect bool
	Backoff       Backoff
}

// State is a point-in-time view of the connection for observers.
type State struct {
	Status    types.Status `json:"status"`
	ConnID    string       `json:"connId,omitempty"`
	SessionID string       `json:"sessionId,omitempty"`
	LastError string       `json:"lastError,omitempty"`
	LostCount int          `json:"lostCount"`
}

// connection is one live connection instance. Handlers registered through
// Subscribe belong to it and die with it.
type connection struct {
	id       string
	conn     types.Conn
	handlers map[string][]entry
	dead     bool
}

type entry struct {
	id      uint64
	handler types.Handler
}

// attempt is a dial in flight; concurrent Connect calls wait on it.
type attempt struct {
	done    chan struct{}
	err     error
	aborted bool
}

func (a *attempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client owns the single persistent connection of a session.
type Client struct {
	url           string
	dialer        Dialer
	backoff       Backoff
	autoReconnect bool
	logger        zerolog.Logger

	mu        sync.RWMutex
	status    types.Status
	cur       *connection
	pending   *attempt
	cred      types.Credential
	hasCred   bool
	sessionID string
	lastErr   error
	lostCount int
	nextID    uint64
	listeners map[string][]entry
	onConnect []func(connID string)
	onDisconn []func(types.Disconnect)
	stopRetry context.CancelFunc

	writeMu sync.Mutex
}

// New creates a disconnected client.
func New(opts Options, dialer Dialer, logger zerolog.Logger) *Client {
	b := opts.Backoff
	if b.Initial <= 0 {
		b = DefaultBackoff()
	}
	return &Client{
		url:           opts.URL,
		dialer:        dialer,
		backoff:       b,
		autoReconnect: opts.AutoReconnect,
		logger:        logger.With().Str("component", "channel").Logger(),
		status:        types.StatusDisconnected,
		listeners:     make(map[string][]entry),
	}
}

// Connect dials the backend unless already connected. A caller arriving
// while a dial is in flight receives that dial's result.
func (c *Client) Connect(ctx context.Context, cred types.Credential) error {
	c.mu.Lock()
	if c.status == types.StatusConnected {
		c.mu.Unlock()
		return nil
	}
	if a := c.pending; a != nil {
		c.mu.Unlock()
		return a.wait(ctx)
	}
	c.cancelRetryLocked()
	c.cred = cred
	c.hasCred = true
	a := c.beginLocked()
	c.mu.Unlock()

	c.dial(ctx, a, cred)
	return a.err
}

func (c *Client) beginLocked() *attempt {
	a := &attempt{done: make(chan struct{})}
	c.pending = a
	c.status = types.StatusConnecting
	return a
}

func (c *Client) dial(ctx context.Context, a *attempt, cred types.Credential) {
	conn, err := c.dialer.Dial(ctx, c.url, cred)

	c.mu.Lock()
	if c.pending == a {
		c.pending = nil
	}
	if a.aborted {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		a.err = fmt.Errorf("%w: disconnected while dialing", types.ErrConnectionLost)
		close(a.done)
		return
	}
	if err != nil {
		c.status = types.StatusDisconnected
		c.lastErr = wrapTransport(err)
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("url", c.url).Msg("dial failed")
		a.err = c.lastErr
		close(a.done)
		return
	}

	cs := &connection{
		id:       uuid.New().String(),
		conn:     conn,
		handlers: make(map[string][]entry),
	}
	c.cur = cs
	c.status = types.StatusConnected
	c.lastErr = nil
	c.sessionID = ""
	callbacks := append([]func(string){}, c.onConnect...)
	c.mu.Unlock()

	go c.readPump(cs)

	c.logger.Info().Str("conn_id", cs.id).Int64("user_id", cred.UserID).Msg("connected")
	close(a.done)

	for _, cb := range callbacks {
		cb(cs.id)
	}
}

// Disconnect tears down the connection unconditionally and cancels any
// pending reconnect. Safe to call when already disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.cancelRetryLocked()
	if a := c.pending; a != nil {
		a.aborted = true
		c.pending = nil
	}
	cs := c.cur
	c.status = types.StatusDisconnected
	if cs == nil {
		c.mu.Unlock()
		return
	}
	cs.dead = true
	c.cur = nil
	c.lastErr = nil
	callbacks := append([]func(types.Disconnect){}, c.onDisconn...)
	c.mu.Unlock()

	cs.conn.Close()
	c.logger.Info().Str("conn_id", cs.id).Msg("disconnected")

	info := types.Disconnect{ConnID: cs.id, Voluntary: true}
	for _, cb := range callbacks {
		cb(info)
	}
}

// Close disconnects and drops every session-level listener.
func (c *Client) Close() {
	c.Disconnect()
	c.mu.Lock()
	c.listeners = make(map[string][]entry)
	c.mu.Unlock()
}

// Emit sends one event immediately. Nothing is buffered across disconnects.
func (c *Client) Emit(event string, payload any) error {
	c.mu.RLock()
	cs := c.cur
	c.mu.RUnlock()
	if cs == nil {
		return fmt.Errorf("%w: emit %s", types.ErrNotConnected, event)
	}

	msg := types.Message{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", event, err)
		}
		msg.Data = data
	}

	c.writeMu.Lock()
	err := cs.conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return wrapTransport(err)
	}
	c.logger.Debug().Str("event", event).Str("conn_id", cs.id).Msg("emit")
	return nil
}

// readPump dispatches inbound frames in arrival order until the connection dies.
func (c *Client) readPump(cs *connection) {
	for {
		var msg types.Message
		if err := cs.conn.ReadJSON(&msg); err != nil {
			c.connectionEnded(cs, err)
			return
		}
		msg.ConnID = cs.id
		msg.Timestamp = time.Now()
		c.dispatch(cs, msg)
	}
}

// connectionEnded handles involuntary loss. A connection already torn down
// by Disconnect is ignored.
func (c *Client) connectionEnded(cs *connection, cause error) {
	c.mu.Lock()
	if cs.dead {
		c.mu.Unlock()
		return
	}
	cs.dead = true
	if c.cur == cs {
		c.cur = nil
		c.status = types.StatusDisconnected
	}
	c.lostCount++
	c.lastErr = fmt.Errorf("%w: %v", types.ErrConnectionLost, cause)
	info := types.Disconnect{ConnID: cs.id, Err: c.lastErr}
	callbacks := append([]func(types.Disconnect){}, c.onDisconn...)

	var retryCtx context.Context
	c.cancelRetryLocked()
	if c.autoReconnect && c.hasCred {
		var cancel context.CancelFunc
		retryCtx, cancel = context.WithCancel(context.Background())
		c.stopRetry = cancel
	}
	c.mu.Unlock()

	cs.conn.Close()
	c.logger.Warn().Err(cause).Str("conn_id", cs.id).Msg("connection lost")

	for _, cb := range callbacks {
		cb(info)
	}
	if retryCtx != nil {
		go c.reconnectLoop(retryCtx)
	}
}

func (c *Client) cancelRetryLocked() {
	if c.stopRetry != nil {
		c.stopRetry()
		c.stopRetry = nil
	}
}

// Status returns the current connection status.
func (c *Client) Status() types.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// ConnID returns the id of the live connection instance, or "".
func (c *Client) ConnID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil {
		return ""
	}
	return c.cur.id
}

// LastError returns the most recent transport or server error.
func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// State returns a snapshot for observers.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := State{
		Status:    c.status,
		SessionID: c.sessionID,
		LostCount: c.lostCount,
	}
	if c.cur != nil {
		s.ConnID = c.cur.id
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func wrapTransport(err error) error {
	return fmt.Errorf("%w: %w", types.ErrTransport, err)
}
