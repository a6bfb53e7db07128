package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/odvcencio/relay/pkg/wamp"
)

// SessionHandler receives every negotiated connection as a Peer. The
// router implements it.
type SessionHandler interface {
	Attach(peer Peer) error
}

// WebSocketOptions tune the per-connection behavior of the server.
type WebSocketOptions struct {
	// OutboundQueue is the per-connection send buffer, in messages.
	OutboundQueue int

	// SendTimeout bounds how long Send blocks on a full buffer before
	// the connection is considered failed.
	SendTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// PingInterval is the keepalive cadence; the read side allows
	// 2*PingInterval between frames before giving up.
	PingInterval time.Duration

	// ReadLimit caps a single inbound frame in bytes. Zero means the
	// websocket library default.
	ReadLimit int64

	// MessageRate and MessageBurst bound inbound messages per second
	// per connection. Zero MessageRate disables limiting.
	MessageRate  float64
	MessageBurst int

	// CheckOrigin overrides the upgrade origin check. Nil allows all
	// origins, which suits a router fronted by its own clients.
	CheckOrigin func(r *http.Request) bool
}

func (o *WebSocketOptions) withDefaults() WebSocketOptions {
	out := WebSocketOptions{}
	if o != nil {
		out = *o
	}
	if out.OutboundQueue <= 0 {
		out.OutboundQueue = 256
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = 5 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 10 * time.Second
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 25 * time.Second
	}
	if out.MessageBurst <= 0 {
		out.MessageBurst = 16
	}
	return out
}

// WebSocketServer upgrades HTTP requests, selects a binding by the
// negotiated subprotocol, and hands the wrapped connection to the session
// handler. It implements http.Handler for mounting on any mux.
type WebSocketServer struct {
	handler  SessionHandler
	bindings *BindingTable
	logger   *slog.Logger
	opts     WebSocketOptions
	upgrader websocket.Upgrader
}

// NewWebSocketServer builds a server over a frozen binding table. The
// table must hold every binding before this call; later registrations
// are rejected.
func NewWebSocketServer(handler SessionHandler, bindings *BindingTable, logger *slog.Logger, opts *WebSocketOptions) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	o := opts.withDefaults()
	bindings.freeze()
	checkOrigin := o.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WebSocketServer{
		handler:  handler,
		bindings: bindings,
		logger:   logger,
		opts:     o,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    bindings.Protocols(),
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeHTTP performs the WebSocket upgrade and binding selection.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	binding, ok := s.bindings.Lookup(conn.Subprotocol())
	if !ok {
		// No common subprotocol. Reject with a diagnostic so the client
		// can tell negotiation failed rather than the endpoint.
		s.logger.Warn("websocket subprotocol not negotiated",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("subprotocol", conn.Subprotocol()),
		)
		msg := websocket.FormatCloseMessage(websocket.CloseProtocolError, "subprotocol not supported")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	peer := newWebsocketPeer(conn, binding, s.logger, s.opts)
	if err := s.handler.Attach(peer); err != nil {
		s.logger.Warn("session attach rejected",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		_ = peer.Close(CloseGoingAway, "router unavailable")
		return
	}
	s.logger.Debug("websocket connection established",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("subprotocol", binding.Protocol),
	)
}

// websocketPeer adapts one gorilla connection to the Peer interface with
// dedicated read and write pump goroutines.
type websocketPeer struct {
	conn    *websocket.Conn
	binding Binding
	logger  *slog.Logger
	opts    WebSocketOptions

	in  chan wamp.Message
	out chan wamp.Message

	done      chan struct{}
	closeOnce sync.Once

	limiter *rate.Limiter
}

func newWebsocketPeer(conn *websocket.Conn, binding Binding, logger *slog.Logger, opts WebSocketOptions) *websocketPeer {
	p := &websocketPeer{
		conn:    conn,
		binding: binding,
		logger:  logger,
		opts:    opts,
		in:      make(chan wamp.Message, 16),
		out:     make(chan wamp.Message, opts.OutboundQueue),
		done:    make(chan struct{}),
	}
	if opts.MessageRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.MessageRate), opts.MessageBurst)
	}
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}
	go p.writePump()
	go p.readPump()
	return p
}

func (p *websocketPeer) frameType() int {
	if p.binding.Frame == BinaryFrame {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func (p *websocketPeer) Send(msg wamp.Message) error {
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	// Buffer full: linger briefly, then treat the connection as failed
	// rather than block the router behind one slow client.
	timer := time.NewTimer(p.opts.SendTimeout)
	defer timer.Stop()
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return ErrPeerClosed
	case <-timer.C:
		p.logger.Warn("websocket send queue stalled, dropping connection")
		_ = p.Close(CloseGoingAway, "send queue stalled")
		return ErrPeerClosed
	}
}

func (p *websocketPeer) Recv() <-chan wamp.Message { return p.in }

func (p *websocketPeer) Closed() <-chan struct{} { return p.done }

// Close sends a best-effort close frame, then tears the connection down.
func (p *websocketPeer) Close(code int, reason string) error {
	p.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		close(p.done)
		_ = p.conn.Close()
	})
	return nil
}

// writePump owns all data writes on the connection.
func (p *websocketPeer) writePump() {
	ticker := time.NewTicker(p.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-p.out:
			data, err := p.binding.Serializer.Serialize(msg)
			if err != nil {
				p.logger.Error("serialize outbound message",
					slog.String("type", msg.MessageType().String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
			if err := p.conn.WriteMessage(p.frameType(), data); err != nil {
				_ = p.Close(CloseGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = p.Close(CloseGoingAway, "ping failed")
				return
			}
		case <-p.done:
			return
		}
	}
}

// readPump owns all reads, decodes frames, and feeds the Recv channel.
// It applies the inbound rate limit by not reading the next frame until
// the limiter admits it, which pushes back on the TCP window.
func (p *websocketPeer) readPump() {
	defer close(p.in)

	pongWait := 2 * p.opts.PingInterval
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		frameType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug("websocket read ended", slog.String("error", err.Error()))
			}
			_ = p.Close(CloseNormal, "")
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))

		if frameType != p.frameType() {
			p.logger.Warn("frame kind does not match binding",
				slog.String("subprotocol", p.binding.Protocol),
			)
			_ = p.Close(CloseProtocol, "wrong frame kind")
			return
		}
		if p.limiter != nil {
			_ = p.limiter.Wait(context.Background())
		}
		msg, err := p.binding.Serializer.Deserialize(data)
		if err != nil {
			p.logger.Warn("undecodable frame",
				slog.String("subprotocol", p.binding.Protocol),
				slog.String("error", err.Error()),
			)
			_ = p.Close(CloseProtocol, "malformed message")
			return
		}
		select {
		case p.in <- msg:
		case <-p.done:
			return
		}
	}
}
