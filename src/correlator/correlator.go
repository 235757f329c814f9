// Package correlator turns fire-and-forget channel events into single-shot
// request/response calls.
//
// The backend protocol carries no correlation id, so a response is matched
// by its event name alone. Only one request per (event, response event)
// pair may be outstanding on a connection; a second one fails with
// types.ErrRequestInFlight instead of racing the first for its reply.
package correlator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orchestra-mcp/boxoffice/src/types"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds every request unless overridden.
const DefaultTimeout = 10 * time.Second

// Channel is the part of the duplex client the correlator needs.
type Channel interface {
	Emit(event string, payload any) error
	Subscribe(event string, handler types.Handler) (types.Subscription, error)
	Unsubscribe(sub types.Subscription)
	OnDisconnect(cb func(types.Disconnect))
	ConnID() string
}

type pairKey struct {
	event    string
	response string
}

// pending is one outstanding request. lost is closed when its connection ends.
type pending struct {
	created  time.Time
	deadline time.Time
	lost     chan struct{}
}

// Correlator matches responses to requests, scoped per connection instance.
type Correlator struct {
	ch      Channel
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	pending map[string]map[pairKey]*pending // conn id -> pair -> request
}

// New creates a correlator and hooks it to the channel's disconnect notifications.
func New(ch Channel, timeout time.Duration, logger zerolog.Logger) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Correlator{
		ch:      ch,
		timeout: timeout,
		logger:  logger.With().Str("component", "correlator").Logger(),
		pending: make(map[string]map[pairKey]*pending),
	}
	ch.OnDisconnect(c.connectionLost)
	return c
}

// Request emits event and waits for the first responseEvent frame.
func (c *Correlator) Request(ctx context.Context, event string, payload any, responseEvent string) (types.Message, error) {
	return c.RequestTimeout(ctx, event, payload, responseEvent, c.timeout)
}

// RequestTimeout is Request with an explicit timeout. It resolves or
// rejects exactly once: with the response, ErrRequestTimeout,
// ErrConnectionLost, or the context error.
func (c *Correlator) RequestTimeout(ctx context.Context, event string, payload any, responseEvent string, timeout time.Duration) (types.Message, error) {
	key := pairKey{event: event, response: responseEvent}
	deadline := time.Now().Add(timeout)

	resp := make(chan types.Message, 1)
	sub, err := c.ch.Subscribe(responseEvent, func(msg types.Message) error {
		if !msg.Timestamp.IsZero() && !msg.Timestamp.Before(deadline) {
			return nil
		}
		select {
		case resp <- msg:
		default:
		}
		return nil
	})
	if err != nil {
		return types.Message{}, err
	}

	p, err := c.register(sub.ConnID, key, deadline)
	if err != nil {
		c.ch.Unsubscribe(sub)
		return types.Message{}, err
	}
	defer func() {
		c.ch.Unsubscribe(sub)
		c.release(sub.ConnID, key, p)
	}()

	// The connection may have ended between Subscribe and register.
	if c.ch.ConnID() != sub.ConnID {
		return types.Message{}, fmt.Errorf("%w: %s", types.ErrConnectionLost, event)
	}
	if err := c.ch.Emit(event, payload); err != nil {
		return types.Message{}, err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case msg := <-resp:
		return msg, nil
	case <-p.lost:
		if msg, ok := takeReady(resp); ok {
			return msg, nil
		}
		return types.Message{}, fmt.Errorf("%w: awaiting %s", types.ErrConnectionLost, responseEvent)
	case <-timer.C:
		c.ch.Unsubscribe(sub)
		if msg, ok := takeReady(resp); ok {
			return msg, nil
		}
		c.logger.Warn().
			Str("event", event).
			Dur("timeout", timeout).
			Msg("request timed out")
		return types.Message{}, fmt.Errorf("%w: %s after %s", types.ErrRequestTimeout, event, timeout)
	case <-ctx.Done():
		return types.Message{}, ctx.Err()
	}
}

// Pending returns the number of outstanding requests across connections.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, reqs := range c.pending {
		n += len(reqs)
	}
	return n
}

func (c *Correlator) register(connID string, key pairKey, deadline time.Time) (*pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqs := c.pending[connID]
	if reqs == nil {
		reqs = make(map[pairKey]*pending)
		c.pending[connID] = reqs
	}
	if _, busy := reqs[key]; busy {
		return nil, fmt.Errorf("%w: %s", types.ErrRequestInFlight, key.event)
	}
	p := &pending{
		created:  time.Now(),
		deadline: deadline,
		lost:     make(chan struct{}),
	}
	reqs[key] = p
	return p, nil
}

func (c *Correlator) release(connID string, key pairKey, p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqs := c.pending[connID]
	if reqs == nil || reqs[key] != p {
		return
	}
	delete(reqs, key)
	if len(reqs) == 0 {
		delete(c.pending, connID)
	}
}

// connectionLost rejects every request of the ended connection.
func (c *Correlator) connectionLost(info types.Disconnect) {
	c.mu.Lock()
	reqs := c.pending[info.ConnID]
	delete(c.pending, info.ConnID)
	c.mu.Unlock()

	for key, p := range reqs {
		close(p.lost)
		c.logger.Debug().
			Str("event", key.event).
			Str("conn_id", info.ConnID).
			Dur("age", time.Since(p.created)).
			Msg("request rejected on disconnect")
	}
}

func takeReady(resp chan types.Message) (types.Message, bool) {
	select {
	case msg := <-resp:
		return msg, true
	default:
		return types.Message{}, false
	}
}
