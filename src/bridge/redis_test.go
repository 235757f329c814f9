package bridge

import (
	"testing"
	"time"

	"github.com/orchestra-mcp/boxoffice/src/availability"
	"github.com/orchestra-mcp/boxoffice/src/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSampleTarget records samples forwarded from the bridge.
type mockSampleTarget struct {
	received []types.Sample
}

func (m *mockSampleTarget) RecordRemote(s types.Sample) {
	m.received = append(m.received, s)
}

func sample(available int, at time.Time) types.Sample {
	return types.Sample{
		EventID:    5,
		CategoryID: 9,
		Available:  available,
		Locked:     100 - available,
		Total:      100,
		ObservedAt: at,
	}
}

func TestHandleRedisMessageForwardsRemoteSamples(t *testing.T) {
	target := &mockSampleTarget{}
	local := NewRedisBridge(DefaultRedisConfig(), target, testLogger())
	remote := NewRedisBridge(DefaultRedisConfig(), &mockSampleTarget{}, testLogger())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload, err := remote.encode(sample(80, at))
	require.NoError(t, err)

	local.handleRedisMessage(&redis.Message{Channel: local.channel, Payload: string(payload)})

	require.Len(t, target.received, 1)
	assert.Equal(t, 80, target.received[0].Available)
	assert.True(t, target.received[0].ObservedAt.Equal(at))
}

func TestHandleRedisMessageSkipsOwnSamples(t *testing.T) {
	target := &mockSampleTarget{}
	b := NewRedisBridge(DefaultRedisConfig(), target, testLogger())

	payload, err := b.encode(sample(80, time.Now()))
	require.NoError(t, err)
	b.handleRedisMessage(&redis.Message{Payload: string(payload)})

	assert.Empty(t, target.received)
}

func TestHandleRedisMessageIgnoresGarbage(t *testing.T) {
	target := &mockSampleTarget{}
	b := NewRedisBridge(DefaultRedisConfig(), target, testLogger())
	b.handleRedisMessage(&redis.Message{Payload: "{not json"})
	assert.Empty(t, target.received)
}

func TestRelayedSamplesReachFeedWithoutEcho(t *testing.T) {
	feed := availability.New(availability.DefaultCapacity, testLogger())
	b := NewRedisBridge(DefaultRedisConfig(), feed, testLogger())

	var echoed int
	feed.OnRecord(func(types.Sample) { echoed++ })

	other := NewRedisBridge(DefaultRedisConfig(), &mockSampleTarget{}, testLogger())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload, err := other.encode(sample(70, at))
	require.NoError(t, err)
	b.handleRedisMessage(&redis.Message{Payload: string(payload)})

	latest, ok := feed.Latest(5, 9)
	require.True(t, ok)
	assert.Equal(t, 70, latest.Available)
	assert.Zero(t, echoed)
}

func TestPublishBeforeStartIsNoop(t *testing.T) {
	b := NewRedisBridge(DefaultRedisConfig(), &mockSampleTarget{}, testLogger())
	assert.NoError(t, b.Publish(sample(1, time.Now())))
	b.Relay()(sample(1, time.Now()))
}

func TestRelayNeverBlocksFeed(t *testing.T) {
	// Not started: nothing drains the queue, as with a hung Redis.
	b := NewRedisBridge(DefaultRedisConfig(), &mockSampleTarget{}, testLogger())
	feed := availability.New(availability.DefaultCapacity, testLogger())
	feed.OnRecord(b.Relay())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < relayBuffer+10; i++ {
			feed.Record(sample(i%100, at.Add(time.Duration(i)*time.Second)))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on the relay")
	}
	assert.Len(t, b.outbox, relayBuffer)
	latest, ok := feed.Latest(5, 9)
	require.True(t, ok)
	assert.Equal(t, (relayBuffer+9)%100, latest.Available)
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, "boxoffice:", cfg.Prefix)
	assert.Equal(t, "boxoffice:availability", cfg.Channel())
}

func TestRedisConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.example.com:6380")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_BOXOFFICE_PREFIX", "test:")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, "redis.example.com:6380", cfg.Addr)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 3, cfg.DB)
	assert.Equal(t, "test:availability", cfg.Channel())
}

func TestRedisConfigFromEnvInvalidDB(t *testing.T) {
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, 0, cfg.DB) // falls back to default
}

func TestRedisBridgeAvailableFalseBeforeStart(t *testing.T) {
	rb := NewRedisBridge(DefaultRedisConfig(), &mockSampleTarget{}, testLogger())
	assert.False(t, rb.Available())
}

func TestRedisBridgeInstanceIDUnique(t *testing.T) {
	b1 := NewRedisBridge(DefaultRedisConfig(), &mockSampleTarget{}, testLogger())
	b2 := NewRedisBridge(DefaultRedisConfig(), &mockSampleTarget{}, testLogger())
	assert.NotEqual(t, b1.instanceID, b2.instanceID)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
