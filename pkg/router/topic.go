package router

import (
	"sync"

	"github.com/odvcencio/relay/pkg/wamp"
)

// subscription joins a session to a topic. It does not own either side:
// the broker's maps own subscriptions, topics hold them in delivery
// order, and sessions are referenced for lookup only.
type subscription struct {
	id      wamp.ID
	session *Session
	topic   *topic
}

// topic is one subscribable URI or pattern with its subscriber set.
type topic struct {
	uri    wamp.URI
	policy string

	// persistent topics survive an empty subscriber set.
	persistent bool

	// mu guards the subscriber set; the broker's structural mutex never
	// covers iteration, so publish can snapshot under mu alone.
	mu        sync.Mutex
	order     []*subscription
	bySession map[*Session]*subscription

	publications uint64
}

func newTopic(uri wamp.URI, policy string, persistent bool) *topic {
	return &topic{
		uri:        uri,
		policy:     policy,
		persistent: persistent,
		bySession:  make(map[*Session]*subscription),
	}
}

// add appends a subscription, keeping insertion order for deterministic
// fan-out. Returns the existing subscription when the session already
// holds one here.
func (t *topic) add(sub *subscription) *subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.bySession[sub.session]; ok {
		return existing
	}
	t.bySession[sub.session] = sub
	t.order = append(t.order, sub)
	return sub
}

// remove drops a subscription; reports whether the topic is now empty.
func (t *topic) remove(sub *subscription) (empty bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bySession[sub.session] != sub {
		return len(t.order) == 0
	}
	delete(t.bySession, sub.session)
	for i, s := range t.order {
		if s == sub {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return len(t.order) == 0
}

// snapshot returns the subscriber set at this instant, in insertion
// order. Publish iterates the copy without holding any lock.
func (t *topic) snapshot() []*subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publications++
	out := make([]*subscription, len(t.order))
	copy(out, t.order)
	return out
}

func (t *topic) isEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order) == 0
}
