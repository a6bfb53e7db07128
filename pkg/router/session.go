// Package router is the in-memory WAMP routing core: the session table
// and protocol state machine, the broker (topic container), and the
// dealer (procedure registry and call correlator). Transports deliver
// peers to Router.Attach; everything else happens here.
package router

import (
	"log/slog"
	"sync/atomic"

	"github.com/odvcencio/relay/pkg/transport"
	"github.com/odvcencio/relay/pkg/wamp"
)

// SessionState tracks a session through its protocol lifecycle.
type SessionState int32

const (
	SessionOpening SessionState = iota
	SessionEstablished
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionOpening:
		return "opening"
	case SessionEstablished:
		return "established"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

// roleSet records which client roles the session advertised in HELLO.
type roleSet struct {
	publisher  bool
	subscriber bool
	caller     bool
	callee     bool
}

func parseRoles(details wamp.Dict) roleSet {
	roles := details.OptDict("roles")
	return roleSet{
		publisher:  hasKey(roles, "publisher"),
		subscriber: hasKey(roles, "subscriber"),
		caller:     hasKey(roles, "caller"),
		callee:     hasKey(roles, "callee"),
	}
}

func (r roleSet) empty() bool {
	return !r.publisher && !r.subscriber && !r.caller && !r.callee
}

func hasKey(d wamp.Dict, key string) bool {
	_, ok := d[key]
	return ok
}

// Session is one attached client. All inbound handling for a session runs
// on a single goroutine; sends go through the peer's ordered queue.
type Session struct {
	ID       wamp.ID
	Realm    wamp.URI
	AuthID   string
	AuthRole string

	peer  transport.Peer
	roles roleSet

	// idGen allocates invocation IDs, which are scoped to this session
	// in its callee role.
	idGen wamp.IDGen

	state  atomic.Int32
	logger *slog.Logger
}

func newSession(id wamp.ID, realm wamp.URI, peer transport.Peer, logger *slog.Logger) *Session {
	s := &Session{
		ID:     id,
		Realm:  realm,
		peer:   peer,
		logger: logger,
	}
	s.state.Store(int32(SessionOpening))
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// transition moves from one state to another atomically; returns false if
// the session was no longer in the expected state.
func (s *Session) transition(from, to SessionState) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *Session) setClosed() {
	s.state.Store(int32(SessionClosed))
}

// send delivers one message to the session's peer. Messages for a closed
// session are dropped; a transport failure closes the session.
func (s *Session) send(msg wamp.Message) {
	if s.State() == SessionClosed {
		return
	}
	if err := s.peer.Send(msg); err != nil {
		s.setClosed()
		s.logger.Debug("send to session failed",
			slog.Uint64("session_id", uint64(s.ID)),
			slog.String("type", msg.MessageType().String()),
			slog.String("error", err.Error()),
		)
	}
}

// sendError answers a request with an ERROR frame.
func (s *Session) sendError(reqType wamp.MessageType, reqID wamp.ID, uri wamp.URI, details wamp.Dict) {
	if details == nil {
		details = wamp.Dict{}
	}
	s.send(&wamp.Error{Type: reqType, Request: reqID, Details: details, Error: uri})
}
