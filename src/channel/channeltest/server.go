package channeltest

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/boxoffice/src/types"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// URL is the address tests dial; the host is never resolved.
const URL = "ws://boxoffice.test/socket"

// Server is a loopback realtime backend that speaks the JSON frame protocol
// over real websockets on an in-memory listener. Replies are scripted per
// event with Handle.
type Server struct {
	ln       *fasthttputil.InmemoryListener
	upgrader websocket.FastHTTPUpgrader

	mu       sync.RWMutex
	peers    map[string]*Peer
	handlers map[string]func(p *Peer, msg types.Message)
	reject   int
	joined   chan *Peer
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		ln: fasthttputil.NewInmemoryListener(),
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		peers:    make(map[string]*Peer),
		handlers: make(map[string]func(*Peer, types.Message)),
		joined:   make(chan *Peer, 64),
	}
	go fasthttp.Serve(s.ln, s.serve) //nolint:errcheck
	t.Cleanup(s.Close)
	return s
}

// NetDialContext connects to the in-memory listener regardless of address.
func (s *Server) NetDialContext(context.Context, string, string) (net.Conn, error) {
	return s.ln.Dial()
}

// Handle scripts the reply to an inbound event.
func (s *Server) Handle(event string, fn func(p *Peer, msg types.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = fn
}

// Reject makes subsequent handshakes fail with status. Zero accepts again.
func (s *Server) Reject(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = status
}

// WaitPeer returns the next peer to connect.
func (s *Server) WaitPeer(t testing.TB, timeout time.Duration) *Peer {
	t.Helper()
	select {
	case p := <-s.joined:
		return p
	case <-time.After(timeout):
		t.Fatalf("no peer connected within %s", timeout)
		return nil
	}
}

// Broadcast sends a frame to every connected peer.
func (s *Server) Broadcast(event string, data any) {
	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	for _, p := range peers {
		p.Send(event, data)
	}
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Close stops accepting and drops every peer.
func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[string]*Peer)
	s.mu.Unlock()
	for _, p := range peers {
		p.Drop()
	}
}

func (s *Server) serve(ctx *fasthttp.RequestCtx) {
	s.mu.RLock()
	reject := s.reject
	s.mu.RUnlock()
	if reject != 0 {
		ctx.SetStatusCode(reject)
		return
	}

	upgrade := string(ctx.Request.Header.Peek("Upgrade"))
	if !strings.EqualFold(upgrade, "websocket") {
		ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
		ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
		return
	}

	authz := string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization))
	userID := string(ctx.QueryArgs().Peek("userId"))

	_ = s.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		p := &Peer{
			ID:     uuid.New().String(),
			UserID: userID,
			Token:  strings.TrimPrefix(authz, "Bearer "),
			conn:   conn,
			send:   make(chan types.Message, 64),
			done:   make(chan struct{}),
		}
		s.mu.Lock()
		s.peers[p.ID] = p
		s.mu.Unlock()

		go p.writePump()
		p.Send(types.EventConnected, types.ConnectedAck{SessionID: p.ID})
		select {
		case s.joined <- p:
		default:
		}

		p.readPump(s)

		s.mu.Lock()
		delete(s.peers, p.ID)
		s.mu.Unlock()
	})
}

func (s *Server) handle(p *Peer, msg types.Message) {
	s.mu.RLock()
	fn, ok := s.handlers[msg.Event]
	s.mu.RUnlock()
	if ok {
		fn(p, msg)
	}
}

// Peer is one client connection as the server sees it.
type Peer struct {
	ID     string
	UserID string
	Token  string

	conn     *websocket.Conn
	send     chan types.Message
	done     chan struct{}
	closeMu  sync.Mutex
	closed   bool
	received []types.Message
	recvMu   sync.Mutex
}

// Send queues a frame for the peer.
func (p *Peer) Send(event string, data any) {
	msg := types.Message{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return
		}
		msg.Data = raw
	}
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.send <- msg:
	default:
	}
}

// Received returns the frames the peer has sent so far.
func (p *Peer) Received() []types.Message {
	p.recvMu.Lock()
	defer p.recvMu.Unlock()
	return append([]types.Message(nil), p.received...)
}

// Drop closes the connection from the server side.
func (p *Peer) Drop() {
	p.closeMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.closeMu.Unlock()
	p.conn.Close()
}

func (p *Peer) readPump(s *Server) {
	defer p.Drop()
	for {
		var msg types.Message
		if err := p.conn.ReadJSON(&msg); err != nil {
			return
		}
		msg.Timestamp = time.Now()
		p.recvMu.Lock()
		p.received = append(p.received, msg)
		p.recvMu.Unlock()
		s.handle(p, msg)
	}
}

func (p *Peer) writePump() {
	for {
		select {
		case msg := <-p.send:
			if err := p.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}
