package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/odvcencio/relay/pkg/auth"
	"github.com/odvcencio/relay/pkg/transport"
	"github.com/odvcencio/relay/pkg/wamp"
)

// Options configure a Router.
type Options struct {
	// StrictURI restricts URI components to [0-9a-z_]+.
	StrictURI bool

	// AutoRealm creates realms on first HELLO instead of aborting with
	// no_such_realm.
	AutoRealm bool

	// HelloTimeout bounds the wait for the opening HELLO.
	HelloTimeout time.Duration

	// GoodbyeTimeout bounds the wait for a GOODBYE reply during
	// router-initiated shutdown.
	GoodbyeTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.HelloTimeout <= 0 {
		out.HelloTimeout = 5 * time.Second
	}
	if out.GoodbyeTimeout <= 0 {
		out.GoodbyeTimeout = 2 * time.Second
	}
	return out
}

// ErrRouterClosed is returned by Attach after Close.
var ErrRouterClosed = errors.New("router: closed")

// routerRoles is advertised in every WELCOME.
var routerRoles = wamp.Dict{
	"roles": wamp.Dict{
		"broker": wamp.Dict{
			"features": wamp.Dict{
				"subscriber_blackwhite_listing": true,
				"publisher_exclusion":           true,
				"publisher_identification":      true,
				"pattern_based_subscription":    true,
			},
		},
		"dealer": wamp.Dict{
			"features": wamp.Dict{
				"call_canceling":          true,
				"call_timeout":            true,
				"caller_identification":   true,
				"progressive_call_results": true,
				"pattern_based_registration": true,
			},
		},
	},
}

// Router owns the realm table and drives one goroutine per attached
// session through the protocol state machine, handing established-state
// messages to the realm's broker or dealer.
type Router struct {
	opts   Options
	authn  auth.Authenticator
	logger *slog.Logger

	mu     sync.Mutex
	realms map[wamp.URI]*Realm
	closed bool

	wg sync.WaitGroup
}

// NewRouter builds a router. A nil authenticator accepts every session
// anonymously.
func NewRouter(opts *Options, authn auth.Authenticator, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if authn == nil {
		authn = auth.AnonymousAuthenticator{}
	}
	return &Router{
		opts:   opts.withDefaults(),
		authn:  authn,
		logger: logger,
		realms: make(map[wamp.URI]*Realm),
	}
}

// AddRealm creates a realm. Fails on a malformed URI or a duplicate.
func (r *Router) AddRealm(uri wamp.URI) (*Realm, error) {
	if !uri.ValidURI(r.opts.StrictURI, wamp.MatchExact) {
		return nil, fmt.Errorf("router: invalid realm uri %q", uri)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRouterClosed
	}
	if _, exists := r.realms[uri]; exists {
		return nil, fmt.Errorf("router: realm %q already exists", uri)
	}
	realm := newRealm(uri, r.opts.StrictURI, r.logger)
	r.realms[uri] = realm
	return realm, nil
}

// Realm returns a realm by URI.
func (r *Router) Realm(uri wamp.URI) (*Realm, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	realm, ok := r.realms[uri]
	return realm, ok
}

// Realms returns all realms, for health reporting.
func (r *Router) Realms() []*Realm {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Realm, 0, len(r.realms))
	for _, realm := range r.realms {
		out = append(out, realm)
	}
	return out
}

// Attach performs the opening handshake on the peer and, on acceptance,
// starts the session's inbound loop. It returns once the session is
// established or rejected; message routing continues in the background.
func (r *Router) Attach(peer transport.Peer) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRouterClosed
	}
	r.mu.Unlock()

	sess := newSession(0, "", peer, r.logger)

	msg, ok := r.recvWithTimeout(peer, r.opts.HelloTimeout)
	if !ok {
		_ = peer.Close(transport.CloseProtocol, "timeout waiting for hello")
		return errors.New("router: connection closed before hello")
	}
	hello, ok := msg.(*wamp.Hello)
	if !ok {
		r.abort(peer, wamp.ErrProtocolViolation, fmt.Sprintf("expected HELLO, got %s", msg.MessageType()))
		return fmt.Errorf("router: protocol violation: first message %s", msg.MessageType())
	}

	if !hello.Realm.ValidURI(r.opts.StrictURI, wamp.MatchExact) {
		r.abort(peer, wamp.ErrNoSuchRealm, fmt.Sprintf("invalid realm uri %q", hello.Realm))
		return fmt.Errorf("router: invalid realm %q", hello.Realm)
	}
	realm, err := r.lookupOrCreateRealm(hello.Realm)
	if err != nil {
		r.abort(peer, wamp.ErrNoSuchRealm, fmt.Sprintf("no realm %q", hello.Realm))
		return err
	}

	roles := parseRoles(hello.Details)
	if roles.empty() {
		r.abort(peer, wamp.ErrProtocolViolation, "hello advertised no client roles")
		return errors.New("router: hello advertised no client roles")
	}

	identity, err := r.authn.Authenticate(context.Background(), hello.Realm, hello.Details)
	if err != nil {
		r.abort(peer, wamp.ErrAuthenticationFailed, err.Error())
		return fmt.Errorf("router: authentication: %w", err)
	}

	sess.Realm = hello.Realm
	sess.AuthID = identity.AuthID
	sess.AuthRole = identity.AuthRole
	sess.roles = roles

	if !realm.addSession(sess) {
		r.abort(peer, wamp.ErrSystemShutdown, "realm is closing")
		return ErrRouterClosed
	}
	sess.state.Store(int32(SessionEstablished))

	welcome := wamp.Dict{
		"realm":      string(sess.Realm),
		"authid":     identity.AuthID,
		"authrole":   identity.AuthRole,
		"authmethod": identity.Method,
	}
	for k, v := range routerRoles {
		welcome[k] = v
	}
	sess.send(&wamp.Welcome{ID: sess.ID, Details: welcome})

	r.logger.Info("session established",
		slog.Uint64("session_id", uint64(sess.ID)),
		slog.String("realm", string(sess.Realm)),
		slog.String("authid", sess.AuthID),
	)

	r.wg.Add(1)
	go r.runSession(realm, sess)
	return nil
}

// Close stops accepting sessions, says GOODBYE to every live one, and
// waits for their loops to finish.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	realms := make([]*Realm, 0, len(r.realms))
	for _, realm := range r.realms {
		realms = append(realms, realm)
	}
	r.mu.Unlock()

	notified := 0
	for _, realm := range realms {
		realm.markClosed()
		for _, sess := range realm.snapshotSessions() {
			if sess.transition(SessionEstablished, SessionClosing) {
				sess.send(&wamp.Goodbye{
					Details: wamp.Dict{},
					Reason:  wamp.ErrSystemShutdown,
				})
				notified++
			}
		}
	}

	// Give peers one timeout's grace to answer GOODBYE, then cut them off.
	if notified > 0 {
		time.Sleep(r.opts.GoodbyeTimeout)
	}
	for _, realm := range realms {
		for _, sess := range realm.snapshotSessions() {
			_ = sess.peer.Close(transport.CloseGoingAway, "router shutdown")
		}
	}
	r.wg.Wait()
}

func (r *Router) lookupOrCreateRealm(uri wamp.URI) (*Realm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRouterClosed
	}
	if realm, ok := r.realms[uri]; ok {
		return realm, nil
	}
	if !r.opts.AutoRealm {
		return nil, fmt.Errorf("router: no realm %q", uri)
	}
	realm := newRealm(uri, r.opts.StrictURI, r.logger)
	r.realms[uri] = realm
	return realm, nil
}

func (r *Router) recvWithTimeout(peer transport.Peer, d time.Duration) (wamp.Message, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case msg, ok := <-peer.Recv():
		if !ok {
			return nil, false
		}
		return msg, true
	case <-peer.Closed():
		return nil, false
	case <-timer.C:
		return nil, false
	}
}

// abort rejects or terminates a session with an ABORT frame and closes
// the connection.
func (r *Router) abort(peer transport.Peer, reason wamp.URI, message string) {
	metricSessionAborts.WithLabelValues(string(reason)).Inc()
	_ = peer.Send(&wamp.Abort{
		Details: wamp.Dict{"message": message},
		Reason:  reason,
	})
	_ = peer.Close(transport.CloseProtocol, string(reason))
}

// runSession is the single inbound loop for one session: strict FIFO,
// one message at a time, so the protocol state machine holds.
func (r *Router) runSession(realm *Realm, sess *Session) {
	defer r.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			// A panic in one session's handling must not reach others.
			r.logger.Error("panic in session loop",
				slog.Uint64("session_id", uint64(sess.ID)),
				slog.Any("panic", rec),
			)
			r.terminate(realm, sess)
		}
	}()

	for {
		select {
		case msg, ok := <-sess.peer.Recv():
			if !ok {
				r.terminate(realm, sess)
				return
			}
			if !r.handleMessage(realm, sess, msg) {
				return
			}
		case <-sess.peer.Closed():
			r.terminate(realm, sess)
			return
		}
	}
}

// handleMessage dispatches one inbound message according to the session
// state. Returns false when the session loop should stop.
func (r *Router) handleMessage(realm *Realm, sess *Session, msg wamp.Message) bool {
	metricMessagesReceived.WithLabelValues(msg.MessageType().String()).Inc()

	switch sess.State() {
	case SessionClosing:
		// Only the peer's GOODBYE reply is admissible now.
		if _, ok := msg.(*wamp.Goodbye); ok {
			sess.setClosed()
			realm.removeSession(sess)
			_ = sess.peer.Close(transport.CloseNormal, "goodbye")
			return false
		}
		return true
	case SessionEstablished:
	default:
		return false
	}

	switch m := msg.(type) {
	case *wamp.Goodbye:
		sess.transition(SessionEstablished, SessionClosing)
		sess.send(&wamp.Goodbye{Details: wamp.Dict{}, Reason: wamp.ErrGoodbyeAndOut})
		sess.setClosed()
		realm.removeSession(sess)
		_ = sess.peer.Close(transport.CloseNormal, "goodbye")
		r.logger.Info("session closed",
			slog.Uint64("session_id", uint64(sess.ID)),
			slog.String("reason", string(m.Reason)),
		)
		return false

	case *wamp.Subscribe:
		realm.broker.Subscribe(sess, m)
	case *wamp.Unsubscribe:
		realm.broker.Unsubscribe(sess, m)
	case *wamp.Publish:
		realm.broker.Publish(sess, m)
	case *wamp.Register:
		realm.dealer.Register(sess, m)
	case *wamp.Unregister:
		realm.dealer.Unregister(sess, m)
	case *wamp.Call:
		realm.dealer.Call(sess, m)
	case *wamp.Cancel:
		realm.dealer.Cancel(sess, m)
	case *wamp.Yield:
		realm.dealer.Yield(sess, m)
	case *wamp.Error:
		if m.Type == wamp.INVOCATION {
			realm.dealer.CallError(sess, m)
			return true
		}
		r.violation(realm, sess, fmt.Sprintf("unexpected ERROR for %s", m.Type))
		return false

	default:
		r.violation(realm, sess, fmt.Sprintf("unexpected %s in established state", msg.MessageType()))
		return false
	}
	return true
}

// violation aborts the session for a protocol error. Fatal to the
// session, never to the router.
func (r *Router) violation(realm *Realm, sess *Session, message string) {
	r.logger.Warn("protocol violation",
		slog.Uint64("session_id", uint64(sess.ID)),
		slog.String("detail", message),
	)
	metricSessionAborts.WithLabelValues(string(wamp.ErrProtocolViolation)).Inc()
	sess.send(&wamp.Abort{
		Details: wamp.Dict{"message": message},
		Reason:  wamp.ErrProtocolViolation,
	})
	sess.setClosed()
	realm.removeSession(sess)
	_ = sess.peer.Close(transport.CloseProtocol, "protocol violation")
}

// terminate cleans up after a transport-level close.
func (r *Router) terminate(realm *Realm, sess *Session) {
	sess.setClosed()
	realm.removeSession(sess)
	_ = sess.peer.Close(transport.CloseGoingAway, "")
}
