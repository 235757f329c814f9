package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/boxoffice/src/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// relayBuffer bounds the samples waiting to be published.
	relayBuffer = 256
	// publishTimeout bounds one PUBLISH round trip.
	publishTimeout = 2 * time.Second
)

// redisEnvelope wraps a sample with the originating instance ID
// so that a node can skip its own published samples.
type redisEnvelope struct {
	InstanceID string       `json:"instance_id"`
	Sample     types.Sample `json:"sample"`
}

// RedisBridge relays availability samples between instances via Redis pub/sub.
type RedisBridge struct {
	client     *redis.Client
	channel    string
	instanceID string
	target     SampleTarget
	outbox     chan types.Sample
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewRedisBridge creates a relay that delivers remote samples to target.
func NewRedisBridge(cfg *RedisConfig, target SampleTarget, logger zerolog.Logger) *RedisBridge {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())

	return &RedisBridge{
		client:     client,
		channel:    cfg.Channel(),
		instanceID: uuid.New().String(),
		target:     target,
		outbox:     make(chan types.Sample, relayBuffer),
		logger:     logger.With().Str("component", "redis-bridge").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes to the availability channel and begins relaying samples.
func (b *RedisBridge) Start() error {
	if err := b.client.Ping(b.ctx).Err(); err != nil {
		return err
	}

	sub := b.client.Subscribe(b.ctx, b.channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(b.ctx); err != nil {
		sub.Close()
		return err
	}

	b.mu.Lock()
	b.active = true
	b.mu.Unlock()

	b.wg.Add(2)
	go b.listen(sub)
	go b.drain()

	b.logger.Info().
		Str("instance_id", b.instanceID).
		Str("channel", b.channel).
		Msg("redis bridge started")
	return nil
}

// Publish sends a sample to all other instances. It is a no-op until Start
// has succeeded.
func (b *RedisBridge) Publish(s types.Sample) error {
	if !b.Available() {
		return nil
	}
	data, err := b.encode(s)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(b.ctx, publishTimeout)
	defer cancel()
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Relay returns a feed observer that queues every recorded sample for
// publishing. It never waits on Redis; when the queue is full the sample
// is dropped.
func (b *RedisBridge) Relay() func(types.Sample) {
	return func(s types.Sample) {
		select {
		case b.outbox <- s:
		default:
			b.logger.Warn().
				Int64("event_id", s.EventID).
				Int64("category_id", s.CategoryID).
				Msg("relay queue full, dropping sample")
		}
	}
}

// drain publishes queued samples until the bridge stops.
func (b *RedisBridge) drain() {
	defer b.wg.Done()
	for {
		select {
		case s := <-b.outbox:
			if err := b.Publish(s); err != nil {
				b.logger.Warn().Err(err).Int64("event_id", s.EventID).Msg("failed to relay sample")
			}
		case <-b.ctx.Done():
			return
		}
	}
}

// Stop unsubscribes and closes the Redis connection.
func (b *RedisBridge) Stop() error {
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}

// Available reports whether the bridge is connected.
func (b *RedisBridge) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

func (b *RedisBridge) encode(s types.Sample) ([]byte, error) {
	return json.Marshal(redisEnvelope{InstanceID: b.instanceID, Sample: s})
}

// listen reads samples from the Redis subscription and forwards them to the feed.
func (b *RedisBridge) listen(sub *redis.PubSub) {
	defer b.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleRedisMessage(msg)
		case <-b.ctx.Done():
			return
		}
	}
}

// handleRedisMessage decodes an envelope and forwards non-self samples.
func (b *RedisBridge) handleRedisMessage(msg *redis.Message) {
	var env redisEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Error().Err(err).Msg("failed to decode redis message")
		return
	}

	// Skip samples that originated from this instance.
	if env.InstanceID == b.instanceID {
		return
	}

	b.logger.Debug().
		Str("from_instance", env.InstanceID).
		Int64("event_id", env.Sample.EventID).
		Int64("category_id", env.Sample.CategoryID).
		Msg("relaying sample from redis")

	b.target.RecordRemote(env.Sample)
}
