package router

import (
	"log/slog"
	"sync"

	"github.com/odvcencio/relay/pkg/wamp"
)

// Realm is one isolated routing namespace: a session table plus its own
// broker and dealer. Subscriptions and registrations never cross realms.
type Realm struct {
	uri    wamp.URI
	broker *Broker
	dealer *Dealer
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[wamp.ID]*Session
	closed   bool
}

func newRealm(uri wamp.URI, strictURI bool, logger *slog.Logger) *Realm {
	return &Realm{
		uri:      uri,
		broker:   NewBroker(uri, strictURI, logger),
		dealer:   NewDealer(uri, strictURI, logger),
		logger:   logger,
		sessions: make(map[wamp.ID]*Session),
	}
}

// URI returns the realm's name.
func (r *Realm) URI() wamp.URI { return r.uri }

// Broker returns the realm's topic container.
func (r *Realm) Broker() *Broker { return r.broker }

// Dealer returns the realm's procedure registry.
func (r *Realm) Dealer() *Dealer { return r.dealer }

// addSession registers the session under a collision-free random ID,
// stored in sess.ID, and reports whether it was added. Fails when the
// realm is closing.
func (r *Realm) addSession(sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	for {
		id := wamp.GlobalID()
		if _, taken := r.sessions[id]; taken {
			continue
		}
		sess.ID = id
		r.sessions[id] = sess
		break
	}
	metricSessionsActive.WithLabelValues(string(r.uri)).Inc()
	return true
}

// removeSession drops the session from the table and revokes all its
// broker and dealer state. Safe to call more than once.
func (r *Realm) removeSession(sess *Session) {
	r.mu.Lock()
	_, present := r.sessions[sess.ID]
	delete(r.sessions, sess.ID)
	r.mu.Unlock()
	if !present {
		return
	}
	r.broker.RemoveSession(sess)
	r.dealer.RemoveSession(sess)
	metricSessionsActive.WithLabelValues(string(r.uri)).Dec()
}

// SessionCount returns the number of attached sessions.
func (r *Realm) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// snapshotSessions returns the current sessions for shutdown fan-out.
func (r *Realm) snapshotSessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Realm) markClosed() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
