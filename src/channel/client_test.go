package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orchestra-mcp/boxoffice/src/channel/channeltest"
	"github.com/orchestra-mcp/boxoffice/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCred = types.Credential{UserID: 42, Token: "tok"}

func newTestClient(t *testing.T, d Dialer, opts Options) *Client {
	t.Helper()
	c := New(opts, d, zerolog.Nop())
	t.Cleanup(c.Close)
	return c
}

func connect(t *testing.T, c *Client) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background(), testCred))
}

func TestConnectIsIdempotent(t *testing.T) {
	d := channeltest.NewDialer()
	c := newTestClient(t, d, Options{URL: "ws://test"})

	connect(t, c)
	connect(t, c)

	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, types.StatusConnected, c.Status())
	assert.NotEmpty(t, c.ConnID())
	assert.Equal(t, []types.Credential{testCred}, d.Credentials())
}

func TestConcurrentConnectSharesOneDial(t *testing.T) {
	d := channeltest.NewDialer()
	release := d.Hold()
	c := newTestClient(t, d, Options{URL: "ws://test"})

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Connect(context.Background(), testCred)
		}()
	}

	require.Eventually(t, func() bool { return c.Status() == types.StatusConnecting }, time.Second, time.Millisecond)
	release()
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, types.StatusConnected, c.Status())
}

func TestConnectFailureRevertsToDisconnected(t *testing.T) {
	d := channeltest.NewDialer().Fail(errors.New("refused"))
	c := newTestClient(t, d, Options{URL: "ws://test"})

	err := c.Connect(context.Background(), testCred)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTransport)
	assert.Equal(t, types.StatusDisconnected, c.Status())
	assert.ErrorIs(t, c.LastError(), types.ErrTransport)
}

func TestConnectSurfacesUnauthorizedHandshake(t *testing.T) {
	d := channeltest.NewDialer().Fail(types.ErrUnauthorized)
	c := newTestClient(t, d, Options{URL: "ws://test"})

	err := c.Connect(context.Background(), testCred)
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	assert.ErrorIs(t, err, types.ErrTransport)
}

func TestEmitRequiresConnection(t *testing.T) {
	c := newTestClient(t, channeltest.NewDialer(), Options{URL: "ws://test"})
	err := c.Emit(types.EventHeartbeat, nil)
	assert.ErrorIs(t, err, types.ErrNotConnected)
}

func TestEmitWritesEnvelope(t *testing.T) {
	conn := channeltest.NewConn()
	c := newTestClient(t, channeltest.NewDialer().Then(conn), Options{URL: "ws://test"})
	connect(t, c)

	require.NoError(t, c.Emit(types.EventJoinRoom, types.JoinRoomRequest{EventID: 4, UserID: 42}))

	msg := conn.Next(t, time.Second)
	assert.Equal(t, types.EventJoinRoom, msg.Event)
	var req types.JoinRoomRequest
	require.NoError(t, msg.Decode(&req))
	assert.Equal(t, int64(4), req.EventID)
	assert.Equal(t, int64(42), req.UserID)
}

func TestDispatchContinuesAfterHandlerFailure(t *testing.T) {
	conn := channeltest.NewConn()
	c := newTestClient(t, channeltest.NewDialer().Then(conn), Options{URL: "ws://test"})
	connect(t, c)

	var calls atomic.Int32
	c.Listen("ping", func(types.Message) error { return errors.New("first fails") })
	c.Listen("ping", func(types.Message) error { panic("second panics") })
	c.Listen("ping", func(types.Message) error {
		calls.Add(1)
		return nil
	})

	conn.Push("ping", nil)
	conn.Push("ping", nil)

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestSubscribeRequiresConnection(t *testing.T) {
	c := newTestClient(t, channeltest.NewDialer(), Options{URL: "ws://test"})
	_, err := c.Subscribe("x", func(types.Message) error { return nil })
	assert.ErrorIs(t, err, types.ErrNotConnected)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	conn := channeltest.NewConn()
	c := newTestClient(t, channeltest.NewDialer().Then(conn), Options{URL: "ws://test"})
	connect(t, c)

	var scoped, session atomic.Int32
	sub, err := c.Subscribe("tick", func(types.Message) error { scoped.Add(1); return nil })
	require.NoError(t, err)
	lsub := c.Listen("tick", func(types.Message) error { session.Add(1); return nil })

	conn.Push("tick", nil)
	require.Eventually(t, func() bool { return session.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), scoped.Load())

	c.Unsubscribe(sub)
	c.Unsubscribe(lsub)
	conn.Push("tick", nil)
	conn.Push("marker", nil)

	var marker atomic.Bool
	c.Listen("marker", func(types.Message) error { marker.Store(true); return nil })
	conn.Push("marker", nil)
	require.Eventually(t, marker.Load, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), scoped.Load())
	assert.Equal(t, int32(1), session.Load())
}

func TestConnectedAckAndServerError(t *testing.T) {
	conn := channeltest.NewConn()
	c := newTestClient(t, channeltest.NewDialer().Then(conn), Options{URL: "ws://test"})
	connect(t, c)

	acked := make(chan struct{})
	c.Listen(types.EventConnected, func(types.Message) error { close(acked); return nil })
	conn.Push(types.EventConnected, types.ConnectedAck{SessionID: "sess-1"})
	<-acked
	assert.Equal(t, "sess-1", c.State().SessionID)

	errored := make(chan struct{})
	c.Listen(types.EventError, func(types.Message) error { close(errored); return nil })
	conn.Push(types.EventError, types.ServerError{Message: "bad payload"})
	<-errored
	assert.Contains(t, c.State().LastError, "bad payload")
}

func TestDisconnectIsSafeAndNotifies(t *testing.T) {
	conn := channeltest.NewConn()
	c := newTestClient(t, channeltest.NewDialer().Then(conn), Options{URL: "ws://test"})

	c.Disconnect() // no-op before connect

	var infos []types.Disconnect
	c.OnDisconnect(func(d types.Disconnect) { infos = append(infos, d) })
	connect(t, c)
	connID := c.ConnID()

	c.Disconnect()
	c.Disconnect()

	assert.Equal(t, types.StatusDisconnected, c.Status())
	assert.True(t, conn.Closed())
	require.Len(t, infos, 1)
	assert.Equal(t, connID, infos[0].ConnID)
	assert.True(t, infos[0].Voluntary)
	assert.Equal(t, 0, c.State().LostCount)
}

func TestDisconnectClearsConnectionScopedHandlers(t *testing.T) {
	first := channeltest.NewConn()
	second := channeltest.NewConn()
	c := newTestClient(t, channeltest.NewDialer().Then(first).Then(second), Options{URL: "ws://test"})
	connect(t, c)

	var stale atomic.Int32
	_, err := c.Subscribe("lock-tickets-response", func(types.Message) error { stale.Add(1); return nil })
	require.NoError(t, err)

	c.Disconnect()
	connect(t, c)

	got := make(chan struct{})
	c.Listen("lock-tickets-response", func(types.Message) error { close(got); return nil })
	second.Push("lock-tickets-response", map[string]any{"success": true})
	<-got
	assert.Equal(t, int32(0), stale.Load())
}

func TestInvoluntaryLossNotifiesAndCounts(t *testing.T) {
	conn := channeltest.NewConn()
	c := newTestClient(t, channeltest.NewDialer().Then(conn), Options{URL: "ws://test"})

	lost := make(chan types.Disconnect, 1)
	c.OnDisconnect(func(d types.Disconnect) { lost <- d })
	connect(t, c)

	conn.Drop()

	select {
	case d := <-lost:
		assert.False(t, d.Voluntary)
		assert.ErrorIs(t, d.Err, types.ErrConnectionLost)
	case <-time.After(time.Second):
		t.Fatal("expected disconnect notification")
	}
	assert.Equal(t, types.StatusDisconnected, c.Status())
	assert.Equal(t, 1, c.State().LostCount)
	assert.ErrorIs(t, c.LastError(), types.ErrConnectionLost)
}

func TestDisconnectWhileDialingAbortsAttempt(t *testing.T) {
	conn := channeltest.NewConn()
	d := channeltest.NewDialer().Then(conn)
	release := d.Hold()
	c := newTestClient(t, d, Options{URL: "ws://test"})

	errs := make(chan error, 1)
	go func() { errs <- c.Connect(context.Background(), testCred) }()
	require.Eventually(t, func() bool { return c.Status() == types.StatusConnecting }, time.Second, time.Millisecond)

	c.Disconnect()
	release()

	err := <-errs
	assert.ErrorIs(t, err, types.ErrConnectionLost)
	assert.Equal(t, types.StatusDisconnected, c.Status())
	assert.True(t, conn.Closed())
}

func TestConnectAfterAbortedDialStartsFresh(t *testing.T) {
	first, second := channeltest.NewConn(), channeltest.NewConn()
	d := channeltest.NewDialer().Then(first).Then(second)
	release := d.Hold()
	c := newTestClient(t, d, Options{URL: "ws://test"})

	aborted := make(chan error, 1)
	go func() { aborted <- c.Connect(context.Background(), testCred) }()
	require.Eventually(t, func() bool { return c.Status() == types.StatusConnecting }, time.Second, time.Millisecond)
	c.Disconnect()

	// The new caller dials on its own instead of joining the aborted attempt.
	fresh := make(chan error, 1)
	go func() { fresh <- c.Connect(context.Background(), testCred) }()
	require.Eventually(t, func() bool { return d.Dials() == 2 }, time.Second, time.Millisecond)
	release()

	assert.ErrorIs(t, <-aborted, types.ErrConnectionLost)
	require.NoError(t, <-fresh)
	assert.Equal(t, types.StatusConnected, c.Status())
	assert.True(t, first.Closed())
	assert.False(t, second.Closed())
}
