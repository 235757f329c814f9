package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/boxoffice/config"
	"github.com/orchestra-mcp/boxoffice/src/auth"
	"github.com/orchestra-mcp/boxoffice/src/channel/channeltest"
	"github.com/orchestra-mcp/boxoffice/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.StorefrontConfig {
	cfg := config.DefaultConfig()
	cfg.ChannelURL = "ws://boxoffice.test/socket"
	cfg.RequestTimeout = time.Second
	cfg.HeartbeatInterval = 0
	cfg.Reconnect.Enabled = false
	return cfg
}

// roomBackend answers joins with one availability broadcast for category 7.
func roomBackend(c *channeltest.Conn, msg types.Message) {
	switch msg.Event {
	case types.EventJoinRoom:
		var req types.JoinRoomRequest
		_ = msg.Decode(&req)
		c.Push(types.EventJoinedRoom, types.JoinedRoom{EventID: req.EventID})
		c.Push(types.EventAvailability, types.AvailabilityUpdate{
			EventID:          req.EventID,
			CategoryID:       7,
			AvailableTickets: 42,
			LockedTickets:    8,
			TotalTickets:     50,
			Timestamp:        time.Now().UTC().Format(time.RFC3339Nano),
		})
	case types.EventMyLocks:
		c.Push(types.EventMyLocksResponse, types.MyLocksResponse{Locks: []types.LockRecord{}})
	}
}

func newActiveStorefront(t *testing.T) (*Storefront, *fiber.App) {
	t.Helper()
	d := channeltest.NewDialer()
	d.OnWrite = roomBackend

	sf := NewStorefront(testConfig(), auth.NewStatic(42, "tok"), zerolog.Nop())
	sf.dialer = d
	require.NoError(t, sf.Activate())
	t.Cleanup(func() { _ = sf.Deactivate() })

	app := fiber.New()
	sf.RegisterRoutes(app)
	return sf, app
}

func get(t *testing.T, app *fiber.App, path string) (int, map[string]any) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	body := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestActivateRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ExpiryPoll = 5 * time.Second

	sf := NewStorefront(cfg, auth.NewStatic(42, "tok"), zerolog.Nop())
	err := sf.Activate()
	assert.Error(t, err)
	assert.False(t, sf.IsActive())
}

func TestActivateIsIdempotent(t *testing.T) {
	sf, _ := newActiveStorefront(t)
	s1, err := sf.Session()
	require.NoError(t, err)

	require.NoError(t, sf.Activate())
	s2, err := sf.Session()
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestDeactivateStopsSession(t *testing.T) {
	sf, _ := newActiveStorefront(t)
	s, err := sf.Session()
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, sf.Deactivate())
	assert.False(t, sf.IsActive())
	assert.Equal(t, types.StatusDisconnected, s.Connection().Status)

	_, err = sf.Session()
	assert.ErrorIs(t, err, ErrInactive)
	require.NoError(t, sf.Deactivate())
}

func TestRoutesUnavailableWhenInactive(t *testing.T) {
	sf := NewStorefront(testConfig(), auth.NewStatic(42, "tok"), zerolog.Nop())
	app := fiber.New()
	sf.RegisterRoutes(app)

	status, body := get(t, app, "/reservations/status")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "unavailable", body["error"])
}

func TestStatusAndAvailabilityRoutes(t *testing.T) {
	sf, app := newActiveStorefront(t)
	s, err := sf.Session()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.JoinEventRoom(ctx, 5))
	require.Eventually(t, func() bool {
		_, ok := s.Latest(5, 7)
		return ok
	}, time.Second, 5*time.Millisecond)

	status, body := get(t, app, "/reservations/status")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "boxoffice/storefront", body["storefront"])
	sess, ok := body["session"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 42, sess["userId"])
	assert.EqualValues(t, 5, sess["room"])
	conn, ok := sess["connection"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(types.StatusConnected), conn["status"])
	assert.Contains(t, body, "availability")

	status, body = get(t, app, "/reservations/availability/5/7")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 42, body["availableTickets"])
	assert.EqualValues(t, 8, body["lockedTickets"])

	status, body = get(t, app, "/reservations/availability/5")
	require.Equal(t, http.StatusOK, status)
	cats, ok := body["categories"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, cats, "7")

	status, _ = get(t, app, "/reservations/availability/5/8")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = get(t, app, "/reservations/availability/five/7")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", body["error"])
}
