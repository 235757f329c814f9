package channel

import (
	"context"
	"time"

	"github.com/orchestra-mcp/boxoffice/src/types"
)

// Backoff is an exponential reconnect schedule.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff starts at 1s, doubles, caps at 30s and gives up after 5 tries.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before the given 1-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// reconnectLoop redials with the stored credential until it succeeds, the
// attempts run out, or ctx is cancelled by Connect/Disconnect.
func (c *Client) reconnectLoop(ctx context.Context) {
	for n := 1; n <= c.backoff.MaxAttempts; n++ {
		timer := time.NewTimer(c.backoff.Delay(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if ctx.Err() != nil || c.status != types.StatusDisconnected || c.pending != nil {
			c.mu.Unlock()
			return
		}
		cred := c.cred
		a := c.beginLocked()
		c.mu.Unlock()

		c.logger.Info().
			Int("attempt", n).
			Int("max_attempts", c.backoff.MaxAttempts).
			Msg("reconnecting")

		c.dial(ctx, a, cred)
		if a.err == nil {
			return
		}
	}
	if ctx.Err() == nil {
		c.logger.Error().Int("attempts", c.backoff.MaxAttempts).Msg("max reconnection attempts reached")
	}
}
