package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/orchestra-mcp/boxoffice/config"
	"github.com/orchestra-mcp/boxoffice/src/auth"
	"github.com/orchestra-mcp/boxoffice/src/bridge"
	"github.com/orchestra-mcp/boxoffice/src/channel"
	"github.com/orchestra-mcp/boxoffice/src/orders"
	"github.com/orchestra-mcp/boxoffice/src/session"
	"github.com/rs/zerolog"
)

// ErrInactive is returned when the storefront is used before Activate.
var ErrInactive = errors.New("storefront not active")

// Storefront builds one reservation session from configuration and runs
// its background loops.
type Storefront struct {
	mu      sync.Mutex
	active  bool
	cfg     *config.StorefrontConfig
	creds   auth.Provider
	dialer  channel.Dialer
	session *session.Session
	bridge  bridge.Bridge
	logger  zerolog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewStorefront creates an inactive storefront.
func NewStorefront(cfg *config.StorefrontConfig, creds auth.Provider, logger zerolog.Logger) *Storefront {
	return &Storefront{
		cfg:    cfg,
		creds:  creds,
		logger: logger.With().Str("component", "storefront").Logger(),
	}
}

func (p *Storefront) ID() string      { return "boxoffice/storefront" }
func (p *Storefront) Name() string    { return "Box Office" }
func (p *Storefront) Version() string { return "0.1.0" }

func (p *Storefront) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Activate validates the configuration, builds the session and starts the
// expiry and heartbeat loops. Nothing is dialed until Session().Connect.
func (p *Storefront) Activate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return nil
	}
	if err := p.cfg.Validate(); err != nil {
		return fmt.Errorf("storefront config: %w", err)
	}

	dialer := p.dialer
	if dialer == nil {
		dialer = &channel.WebsocketDialer{
			HandshakeTimeout: p.cfg.HandshakeTimeout,
			WriteTimeout:     p.cfg.WriteTimeout,
			ReadBufferSize:   p.cfg.ReadBufferSize,
			WriteBufferSize:  p.cfg.WriteBufferSize,
		}
	}
	api := orders.NewClient(p.cfg.APIBaseURL, p.creds, nil, p.logger)

	p.session = session.New(session.Options{
		URL:               p.cfg.ChannelURL,
		RequestTimeout:    p.cfg.RequestTimeout,
		ExpiryPoll:        p.cfg.ExpiryPoll,
		HeartbeatInterval: p.cfg.HeartbeatInterval,
		AutoReconnect:     p.cfg.Reconnect.Enabled,
		Backoff: channel.Backoff{
			Initial:     p.cfg.Reconnect.Initial,
			Max:         p.cfg.Reconnect.Max,
			MaxAttempts: p.cfg.Reconnect.MaxAttempts,
		},
		SampleCapacity: p.cfg.SampleCapacity,
	}, dialer, p.creds, api, p.logger)

	// Attempt Redis relay (non-fatal if unavailable).
	p.initBridge()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func(s *session.Session, done chan struct{}) {
		defer close(done)
		s.Run(ctx)
	}(p.session, p.done)

	p.active = true
	p.logger.Info().Str("storefront", p.ID()).Str("channel_url", p.cfg.ChannelURL).Msg("storefront activated")
	return nil
}

// initBridge tries to start the Redis availability relay.
// If Redis is not configured or not reachable, the feed stays local.
func (p *Storefront) initBridge() {
	if p.cfg.Redis == nil {
		return
	}
	feed := p.session.Feed()
	rb := bridge.NewRedisBridge(p.cfg.Redis, feed, p.logger)
	if err := rb.Start(); err != nil {
		p.logger.Warn().Err(err).Msg("redis relay unavailable, running standalone")
		_ = rb.Stop()
		return
	}
	feed.OnRecord(rb.Relay())
	p.bridge = rb
	p.logger.Info().Str("redis_addr", p.cfg.Redis.Addr).Msg("redis relay connected")
}

// Deactivate stops the loops and the relay and closes the session.
func (p *Storefront) Deactivate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return nil
	}
	p.cancel()
	<-p.done
	p.session.Close()
	if p.bridge != nil {
		if err := p.bridge.Stop(); err != nil {
			p.logger.Error().Err(err).Msg("relay stop error")
		}
		p.bridge = nil
	}
	p.active = false
	p.logger.Info().Str("storefront", p.ID()).Msg("storefront deactivated")
	return nil
}

// Session returns the active session.
func (p *Storefront) Session() (*session.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return nil, ErrInactive
	}
	return p.session, nil
}
