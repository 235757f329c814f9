package channel

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/boxoffice/src/types"
)

// WebsocketDialer dials the realtime backend with fasthttp/websocket.
// The user id travels in the query string and the token as a bearer header.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadBufferSize   int
	WriteBufferSize  int

	// NetDialContext overrides how the TCP connection is opened.
	NetDialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string, cred types.Credential) (types.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("channel url: %w", err)
	}
	q := u.Query()
	q.Set("userId", strconv.FormatInt(cred.UserID, 10))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if cred.Token != "" {
		header.Set("Authorization", "Bearer "+cred.Token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   d.ReadBufferSize,
		WriteBufferSize:  d.WriteBufferSize,
		NetDialContext:   d.NetDialContext,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with %d", types.ErrUnauthorized, resp.StatusCode)
		}
		return nil, err
	}
	return &wsConn{conn: conn, writeTimeout: d.WriteTimeout}, nil
}

// wsConn wraps fasthttp/websocket.Conn to satisfy types.Conn.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (w *wsConn) WriteJSON(v any) error {
	if w.writeTimeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
			return err
		}
	}
	return w.conn.WriteJSON(v)
}

func (w *wsConn) ReadJSON(v any) error { return w.conn.ReadJSON(v) }
func (w *wsConn) Close() error         { return w.conn.Close() }
