package router

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/odvcencio/relay/pkg/wamp"
)

// Broker owns every live topic in one realm and routes SUBSCRIBE,
// UNSUBSCRIBE, and PUBLISH traffic. A single structural mutex guards the
// topic registries; per-topic mutexes cover subscriber iteration, and no
// lock is held while sending to a session.
type Broker struct {
	logger     *slog.Logger
	realmLabel string
	strictURI  bool

	// OnTopicCreated and OnTopicRemoved observe topic lifecycle. They
	// fire outside the structural lock; set them before traffic starts.
	OnTopicCreated func(uri wamp.URI)
	OnTopicRemoved func(uri wamp.URI)

	mu          sync.Mutex
	exact       map[wamp.URI]*topic
	prefixTrie  *componentTrie[topic]
	prefixByURI map[wamp.URI]*topic
	wildcard    map[wamp.URI]*topic
	subs        map[wamp.ID]*subscription
	sessionSubs map[*Session]map[wamp.ID]*subscription
	subIDGen    wamp.IDGen
}

// NewBroker returns an empty broker for one realm.
func NewBroker(realm wamp.URI, strictURI bool, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		logger:      logger,
		realmLabel:  string(realm),
		strictURI:   strictURI,
		exact:       make(map[wamp.URI]*topic),
		prefixTrie:  newComponentTrie[topic](),
		prefixByURI: make(map[wamp.URI]*topic),
		wildcard:    make(map[wamp.URI]*topic),
		subs:        make(map[wamp.ID]*subscription),
		sessionSubs: make(map[*Session]map[wamp.ID]*subscription),
	}
}

// CreateTopic pre-creates a topic entry, optionally persistent so it
// survives an empty subscriber set. Used for topics declared in config.
func (b *Broker) CreateTopic(uri wamp.URI, policy string, persistent bool) error {
	if policy == "" {
		policy = wamp.MatchExact
	}
	if !wamp.ValidMatchPolicy(policy) {
		return fmt.Errorf("broker: unknown match policy %q", policy)
	}
	if !uri.ValidURI(b.strictURI, policy) {
		return fmt.Errorf("broker: invalid topic uri %q", uri)
	}
	b.mu.Lock()
	t, created := b.getOrCreateTopicLocked(uri, policy)
	t.persistent = persistent
	b.mu.Unlock()
	if created {
		b.topicCreated(uri)
	}
	return nil
}

// Subscribe handles a SUBSCRIBE request. Idempotent per
// (session, topic, policy): re-subscribing returns the existing ID.
func (b *Broker) Subscribe(sess *Session, msg *wamp.Subscribe) {
	policy := msg.Options.OptString("match")
	if policy == "" {
		policy = wamp.MatchExact
	}
	if !wamp.ValidMatchPolicy(policy) {
		sess.sendError(wamp.SUBSCRIBE, msg.Request, wamp.ErrInvalidArgument,
			wamp.Dict{"message": fmt.Sprintf("unknown match policy %q", policy)})
		return
	}
	if !msg.Topic.ValidURI(b.strictURI, policy) {
		sess.sendError(wamp.SUBSCRIBE, msg.Request, wamp.ErrInvalidURI, nil)
		return
	}

	b.mu.Lock()
	if existing := b.findSubscriptionLocked(sess, msg.Topic, policy); existing != nil {
		id := existing.id
		b.mu.Unlock()
		sess.send(&wamp.Subscribed{Request: msg.Request, Subscription: id})
		return
	}

	t, created := b.getOrCreateTopicLocked(msg.Topic, policy)
	sub := &subscription{id: b.subIDGen.Next(), session: sess, topic: t}
	t.add(sub)
	b.subs[sub.id] = sub
	if b.sessionSubs[sess] == nil {
		b.sessionSubs[sess] = make(map[wamp.ID]*subscription)
	}
	b.sessionSubs[sess][sub.id] = sub
	b.mu.Unlock()

	if created {
		b.topicCreated(msg.Topic)
	}
	metricSubscriptionsActive.WithLabelValues(b.realmLabel).Inc()
	sess.send(&wamp.Subscribed{Request: msg.Request, Subscription: sub.id})
}

// Unsubscribe handles an UNSUBSCRIBE request. The last subscriber leaving
// a non-persistent topic destroys it.
func (b *Broker) Unsubscribe(sess *Session, msg *wamp.Unsubscribe) {
	b.mu.Lock()
	sub := b.subs[msg.Subscription]
	if sub == nil || sub.session != sess {
		b.mu.Unlock()
		sess.sendError(wamp.UNSUBSCRIBE, msg.Request, wamp.ErrNoSuchSubscription, nil)
		return
	}
	delete(b.subs, sub.id)
	if owned := b.sessionSubs[sess]; owned != nil {
		delete(owned, sub.id)
		if len(owned) == 0 {
			delete(b.sessionSubs, sess)
		}
	}
	removed := false
	if sub.topic.remove(sub) && !sub.topic.persistent {
		removed = b.removeTopicLocked(sub.topic)
	}
	b.mu.Unlock()

	if removed {
		b.topicRemoved(sub.topic.uri)
	}
	metricSubscriptionsActive.WithLabelValues(b.realmLabel).Dec()
	sess.send(&wamp.Unsubscribed{Request: msg.Request})
}

// Publish handles a PUBLISH request: matches the topic URI against all
// three policies and fans the event out to every matched subscription.
// Reports whether at least one topic entry matched.
func (b *Broker) Publish(sess *Session, msg *wamp.Publish) bool {
	ack := msg.Options.OptBool("acknowledge", false)
	if !msg.Topic.ValidURI(b.strictURI, wamp.MatchExact) {
		if ack {
			sess.sendError(wamp.PUBLISH, msg.Request, wamp.ErrInvalidURI, nil)
		}
		return false
	}

	pubID := wamp.GlobalID()
	excludeMe := msg.Options.OptBool("exclude_me", true)
	exclude := msg.Options.OptIDList("exclude")
	var eligible []wamp.ID
	restrictEligible := false
	if _, has := msg.Options["eligible"]; has {
		restrictEligible = true
		eligible = msg.Options.OptIDList("eligible")
	}
	disclose := msg.Options.OptBool("disclose_me", false)

	comps := msg.Topic.Split()
	b.mu.Lock()
	var matched []*topic
	if t, ok := b.exact[msg.Topic]; ok {
		matched = append(matched, t)
	}
	for _, t := range b.prefixTrie.matches(comps) {
		matched = append(matched, t)
	}
	for _, t := range b.wildcard {
		if t.uri.WildcardMatch(msg.Topic) {
			matched = append(matched, t)
		}
	}
	b.mu.Unlock()

	metricPublications.WithLabelValues(b.realmLabel).Inc()

	for _, t := range matched {
		// Snapshot once, then send lock-free; a subscribe landing during
		// the fan-out simply misses this publication.
		subs := t.snapshot()
		for _, sub := range subs {
			target := sub.session
			if excludeMe && target == sess {
				continue
			}
			if idListContains(exclude, target.ID) {
				continue
			}
			if restrictEligible && !idListContains(eligible, target.ID) {
				continue
			}
			details := wamp.Dict{}
			if t.policy != wamp.MatchExact {
				details["topic"] = string(msg.Topic)
			}
			if disclose {
				details["publisher"] = uint64(sess.ID)
			}
			target.send(&wamp.Event{
				Subscription: sub.id,
				Publication:  pubID,
				Details:      details,
				Arguments:    msg.Arguments,
				ArgumentsKw:  msg.ArgumentsKw,
			})
			metricEventsDelivered.WithLabelValues(b.realmLabel).Inc()
		}
	}

	if ack {
		sess.send(&wamp.Published{Request: msg.Request, Publication: pubID})
	}
	return len(matched) > 0
}

// RemoveSession revokes every subscription the session holds. Called once
// during session teardown, after the session has been marked closed and
// removed from the realm's session table.
func (b *Broker) RemoveSession(sess *Session) {
	b.mu.Lock()
	owned := b.sessionSubs[sess]
	delete(b.sessionSubs, sess)
	var removedURIs []wamp.URI
	for id, sub := range owned {
		delete(b.subs, id)
		if sub.topic.remove(sub) && !sub.topic.persistent {
			if b.removeTopicLocked(sub.topic) {
				removedURIs = append(removedURIs, sub.topic.uri)
			}
		}
	}
	b.mu.Unlock()

	for _, uri := range removedURIs {
		b.topicRemoved(uri)
	}
	if n := len(owned); n > 0 {
		metricSubscriptionsActive.WithLabelValues(b.realmLabel).Sub(float64(n))
	}
}

// SubscriptionCount returns the number of live subscriptions.
func (b *Broker) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// TopicCount returns the number of live topic entries across policies.
func (b *Broker) TopicCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.exact) + len(b.prefixByURI) + len(b.wildcard)
}

// getOrCreateTopicLocked resolves the topic registry for the policy and
// returns the entry, creating it when absent. The created flag is decided
// here, inside the factory path, so the creation observer fires exactly
// once per new topic even when creation races with removal.
func (b *Broker) getOrCreateTopicLocked(uri wamp.URI, policy string) (*topic, bool) {
	switch policy {
	case wamp.MatchPrefix:
		if t, ok := b.prefixByURI[uri]; ok {
			return t, false
		}
		t := newTopic(uri, policy, false)
		b.prefixByURI[uri] = t
		b.prefixTrie.insert(uri.Split(), t)
		return t, true
	case wamp.MatchWildcard:
		if t, ok := b.wildcard[uri]; ok {
			return t, false
		}
		t := newTopic(uri, policy, false)
		b.wildcard[uri] = t
		return t, true
	default:
		if t, ok := b.exact[uri]; ok {
			return t, false
		}
		t := newTopic(uri, policy, false)
		b.exact[uri] = t
		return t, true
	}
}

// removeTopicLocked deletes the topic only when the registry still maps
// its URI to this same object, so a topic recreated under the same URI is
// never torn down by a stale empty signal.
func (b *Broker) removeTopicLocked(t *topic) bool {
	switch t.policy {
	case wamp.MatchPrefix:
		if b.prefixByURI[t.uri] != t {
			return false
		}
		delete(b.prefixByURI, t.uri)
		b.prefixTrie.remove(t.uri.Split())
	case wamp.MatchWildcard:
		if b.wildcard[t.uri] != t {
			return false
		}
		delete(b.wildcard, t.uri)
	default:
		if b.exact[t.uri] != t {
			return false
		}
		delete(b.exact, t.uri)
	}
	return true
}

func (b *Broker) findSubscriptionLocked(sess *Session, uri wamp.URI, policy string) *subscription {
	for _, sub := range b.sessionSubs[sess] {
		if sub.topic.uri == uri && sub.topic.policy == policy {
			return sub
		}
	}
	return nil
}

func (b *Broker) topicCreated(uri wamp.URI) {
	if b.OnTopicCreated != nil {
		b.OnTopicCreated(uri)
	}
}

func (b *Broker) topicRemoved(uri wamp.URI) {
	if b.OnTopicRemoved != nil {
		b.OnTopicRemoved(uri)
	}
}

func idListContains(ids []wamp.ID, id wamp.ID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
