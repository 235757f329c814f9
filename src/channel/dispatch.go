package channel

import (
	"fmt"

	"github.com/orchestra-mcp/boxoffice/src/types"
)

// Subscribe registers a handler scoped to the live connection. It is
// dropped when that connection ends and never sees frames from a later one.
func (c *Client) Subscribe(event string, handler types.Handler) (types.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur == nil {
		return types.Subscription{}, fmt.Errorf("%w: subscribe %s", types.ErrNotConnected, event)
	}
	c.nextID++
	sub := types.Subscription{Event: event, ID: c.nextID, ConnID: c.cur.id}
	c.cur.handlers[event] = append(c.cur.handlers[event], entry{id: sub.ID, handler: handler})
	return sub, nil
}

// Listen registers a session-level handler that survives reconnects.
func (c *Client) Listen(event string, handler types.Handler) types.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	sub := types.Subscription{Event: event, ID: c.nextID}
	c.listeners[event] = append(c.listeners[event], entry{id: sub.ID, handler: handler})
	c.logger.Debug().Str("event", event).Msg("listener registered")
	return sub
}

// Unsubscribe removes a handler. Handlers of a dead connection are already gone.
func (c *Client) Unsubscribe(sub types.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub.ConnID == "" {
		c.listeners[sub.Event] = without(c.listeners[sub.Event], sub.ID)
		if len(c.listeners[sub.Event]) == 0 {
			delete(c.listeners, sub.Event)
		}
		return
	}
	if c.cur == nil || c.cur.id != sub.ConnID {
		return
	}
	c.cur.handlers[sub.Event] = without(c.cur.handlers[sub.Event], sub.ID)
	if len(c.cur.handlers[sub.Event]) == 0 {
		delete(c.cur.handlers, sub.Event)
	}
}

// OnConnect registers a callback fired after every successful dial.
func (c *Client) OnConnect(cb func(connID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, cb)
}

// OnDisconnect registers a callback fired when a connection instance ends.
func (c *Client) OnDisconnect(cb func(types.Disconnect)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconn = append(c.onDisconn, cb)
}

func (c *Client) dispatch(cs *connection, msg types.Message) {
	c.mu.Lock()
	if cs.dead || c.cur != cs {
		c.mu.Unlock()
		return
	}
	c.observeLocked(msg)
	scoped := cs.handlers[msg.Event]
	session := c.listeners[msg.Event]
	handlers := make([]entry, 0, len(scoped)+len(session))
	handlers = append(handlers, scoped...)
	handlers = append(handlers, session...)
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.logger.Debug().Str("event", msg.Event).Msg("no handler")
		return
	}
	for _, e := range handlers {
		if !c.live(cs) {
			return
		}
		c.invoke(e, msg)
	}
}

// observeLocked records connection-level broadcasts before handlers run.
func (c *Client) observeLocked(msg types.Message) {
	switch msg.Event {
	case types.EventConnected:
		var ack types.ConnectedAck
		if err := msg.Decode(&ack); err == nil {
			c.sessionID = ack.SessionID
		}
	case types.EventError:
		var se types.ServerError
		if err := msg.Decode(&se); err == nil && se.Message != "" {
			c.lastErr = fmt.Errorf("server error: %s", se.Message)
		}
	}
}

func (c *Client) live(cs *connection) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !cs.dead && c.cur == cs
}

// invoke runs one handler; a failing handler never stops the others.
func (c *Client) invoke(e entry, msg types.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("event", msg.Event).
				Interface("panic", r).
				Msg("handler panic")
		}
	}()
	if err := e.handler(msg); err != nil {
		c.logger.Error().Err(err).Str("event", msg.Event).Msg("handler error")
	}
}

func without(entries []entry, id uint64) []entry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}
