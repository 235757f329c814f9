// Package channeltest provides in-memory doubles for the duplex channel.
package channeltest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/boxoffice/src/types"
)

// ErrClosed is returned by a Conn after Close or Drop.
var ErrClosed = errors.New("connection closed")

// Conn implements types.Conn over channels. Frames the client writes are
// recorded; frames pushed with Push are returned by ReadJSON.
type Conn struct {
	mu      sync.Mutex
	written []types.Message
	writes  chan types.Message
	inbox   chan types.Message
	closed  chan struct{}
	once    sync.Once

	// OnWrite, when set, runs for every frame the client writes.
	// Tests use it to script backend replies.
	OnWrite func(c *Conn, msg types.Message)
}

// NewConn returns an open connection.
func NewConn() *Conn {
	return &Conn{
		writes: make(chan types.Message, 64),
		inbox:  make(chan types.Message, 64),
		closed: make(chan struct{}),
	}
}

func (c *Conn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	msg, err := toMessage(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, msg)
	hook := c.OnWrite
	c.mu.Unlock()

	select {
	case c.writes <- msg:
	default:
	}
	if hook != nil {
		hook(c, msg)
	}
	return nil
}

func (c *Conn) ReadJSON(v any) error {
	select {
	case msg := <-c.inbox:
		if ptr, ok := v.(*types.Message); ok {
			*ptr = msg
			return nil
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, v)
	case <-c.closed:
		return ErrClosed
	}
}

// Close is idempotent.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Drop simulates a network failure seen by the reader.
func (c *Conn) Drop() { c.Close() }

// Closed reports whether Close or Drop was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Push queues an inbound frame.
func (c *Conn) Push(event string, data any) {
	msg := types.Message{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			panic(err)
		}
		msg.Data = raw
	}
	c.inbox <- msg
}

// Written returns a copy of every frame written so far.
func (c *Conn) Written() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]types.Message, len(c.written))
	copy(cp, c.written)
	return cp
}

// WrittenEvents returns the event names written so far.
func (c *Conn) WrittenEvents() []string {
	msgs := c.Written()
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Event
	}
	return out
}

// Next waits for the next written frame.
func (c *Conn) Next(t testing.TB, timeout time.Duration) types.Message {
	t.Helper()
	select {
	case msg := <-c.writes:
		return msg
	case <-time.After(timeout):
		t.Fatalf("no frame written within %s", timeout)
		return types.Message{}
	}
}

func toMessage(v any) (types.Message, error) {
	switch m := v.(type) {
	case types.Message:
		return m, nil
	case *types.Message:
		return *m, nil
	}
	var msg types.Message
	data, err := json.Marshal(v)
	if err != nil {
		return msg, err
	}
	err = json.Unmarshal(data, &msg)
	return msg, err
}

// Dialer hands out scripted connections in order. When the script is
// exhausted it returns fresh connections.
type Dialer struct {
	mu    sync.Mutex
	steps []step
	dials []types.Credential
	conns []*Conn
	gate  chan struct{}

	// OnWrite is installed on every connection the dialer creates.
	OnWrite func(c *Conn, msg types.Message)
}

type step struct {
	conn *Conn
	err  error
}

// NewDialer returns a dialer with an empty script.
func NewDialer() *Dialer { return &Dialer{} }

// Then queues a connection for the next dial.
func (d *Dialer) Then(c *Conn) *Dialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps = append(d.steps, step{conn: c})
	return d
}

// Fail queues a dial error.
func (d *Dialer) Fail(err error) *Dialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps = append(d.steps, step{err: err})
	return d
}

// Hold blocks every dial until the returned release func is called.
func (d *Dialer) Hold() (release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	gate := make(chan struct{})
	d.gate = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (d *Dialer) Dial(ctx context.Context, _ string, cred types.Credential) (types.Conn, error) {
	d.mu.Lock()
	gate := d.gate
	d.dials = append(d.dials, cred)
	var s step
	if len(d.steps) > 0 {
		s = d.steps[0]
		d.steps = d.steps[1:]
	}
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	conn := s.conn
	if conn == nil {
		conn = NewConn()
	}

	d.mu.Lock()
	if conn.OnWrite == nil {
		conn.OnWrite = d.OnWrite
	}
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

// Dials returns how many times Dial was called.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

// Credentials returns the credential of every dial, in order.
func (d *Dialer) Credentials() []types.Credential {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.Credential(nil), d.dials...)
}

// Last returns the most recently established connection.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
