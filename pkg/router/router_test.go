package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/relay/pkg/transport"
	"github.com/odvcencio/relay/pkg/wamp"
)

var clientRoles = wamp.Dict{
	"roles": wamp.Dict{
		"publisher":  wamp.Dict{},
		"subscriber": wamp.Dict{},
		"caller":     wamp.Dict{},
		"callee":     wamp.Dict{},
	},
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r := NewRouter(&Options{StrictURI: true, GoodbyeTimeout: 50 * time.Millisecond}, nil, testLogger())
	_, err := r.AddRealm(testRealmURI)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

// handshake attaches a new linked client to the router and completes the
// HELLO/WELCOME exchange.
func handshake(t *testing.T, r *Router, realm wamp.URI) (transport.Peer, wamp.ID) {
	t.Helper()
	client, server := transport.LinkedPeersBuffered(128)
	require.NoError(t, client.Send(&wamp.Hello{Realm: realm, Details: clientRoles}))
	require.NoError(t, r.Attach(server))

	welcome, ok := recvMsg(t, client).(*wamp.Welcome)
	require.True(t, ok, "expected WELCOME")
	require.NotZero(t, welcome.ID)
	return client, welcome.ID
}

func TestRouter_Handshake(t *testing.T) {
	r := newTestRouter(t)
	client, sid := handshake(t, r, testRealmURI)
	defer client.Close(transport.CloseNormal, "")

	assert.NotZero(t, sid)
	realm, ok := r.Realm(testRealmURI)
	require.True(t, ok)
	assert.Equal(t, 1, realm.SessionCount())
}

func TestRouter_WelcomeDetails(t *testing.T) {
	r := newTestRouter(t)
	client, server := transport.LinkedPeersBuffered(16)
	require.NoError(t, client.Send(&wamp.Hello{
		Realm:   testRealmURI,
		Details: wamp.Dict{"authid": "alice", "roles": wamp.Dict{"subscriber": wamp.Dict{}}},
	}))
	require.NoError(t, r.Attach(server))

	welcome := recvMsg(t, client).(*wamp.Welcome)
	assert.Equal(t, "alice", welcome.Details.OptString("authid"))
	assert.Equal(t, "anonymous", welcome.Details.OptString("authmethod"))
	roles := welcome.Details.OptDict("roles")
	require.NotNil(t, roles)
	assert.Contains(t, roles, "broker")
	assert.Contains(t, roles, "dealer")
}

func TestRouter_UnknownRealmAborted(t *testing.T) {
	r := newTestRouter(t)
	client, server := transport.LinkedPeersBuffered(16)
	require.NoError(t, client.Send(&wamp.Hello{Realm: "relay.test.other", Details: clientRoles}))
	require.Error(t, r.Attach(server))

	abort := recvMsg(t, client).(*wamp.Abort)
	assert.Equal(t, wamp.ErrNoSuchRealm, abort.Reason)
}

func TestRouter_AutoRealm(t *testing.T) {
	r := NewRouter(&Options{StrictURI: true, AutoRealm: true}, nil, testLogger())
	t.Cleanup(r.Close)

	client, server := transport.LinkedPeersBuffered(16)
	require.NoError(t, client.Send(&wamp.Hello{Realm: "relay.made.up", Details: clientRoles}))
	require.NoError(t, r.Attach(server))

	_, ok := recvMsg(t, client).(*wamp.Welcome)
	assert.True(t, ok)
	_, ok = r.Realm("relay.made.up")
	assert.True(t, ok)
}

func TestRouter_FirstMessageMustBeHello(t *testing.T) {
	r := newTestRouter(t)
	client, server := transport.LinkedPeersBuffered(16)
	require.NoError(t, client.Send(&wamp.Publish{Request: 1, Topic: "com.x"}))
	require.Error(t, r.Attach(server))

	abort := recvMsg(t, client).(*wamp.Abort)
	assert.Equal(t, wamp.ErrProtocolViolation, abort.Reason)
}

func TestRouter_HelloWithoutRolesAborted(t *testing.T) {
	r := newTestRouter(t)
	client, server := transport.LinkedPeersBuffered(16)
	require.NoError(t, client.Send(&wamp.Hello{Realm: testRealmURI, Details: wamp.Dict{}}))
	require.Error(t, r.Attach(server))

	abort := recvMsg(t, client).(*wamp.Abort)
	assert.Equal(t, wamp.ErrProtocolViolation, abort.Reason)
}

func TestRouter_SecondHelloIsViolation(t *testing.T) {
	r := newTestRouter(t)
	client, _ := handshake(t, r, testRealmURI)

	require.NoError(t, client.Send(&wamp.Hello{Realm: testRealmURI, Details: clientRoles}))
	abort := recvMsg(t, client).(*wamp.Abort)
	assert.Equal(t, wamp.ErrProtocolViolation, abort.Reason)

	realm, _ := r.Realm(testRealmURI)
	require.Eventually(t, func() bool { return realm.SessionCount() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestRouter_GoodbyeHandshake(t *testing.T) {
	r := newTestRouter(t)
	client, _ := handshake(t, r, testRealmURI)

	require.NoError(t, client.Send(&wamp.Subscribe{Request: 1, Topic: "com.x"}))
	recvMsg(t, client)

	require.NoError(t, client.Send(&wamp.Goodbye{Reason: wamp.ErrCloseRealm}))
	goodbye, ok := recvMsg(t, client).(*wamp.Goodbye)
	require.True(t, ok)
	assert.Equal(t, wamp.ErrGoodbyeAndOut, goodbye.Reason)

	realm, _ := r.Realm(testRealmURI)
	require.Eventually(t, func() bool { return realm.SessionCount() == 0 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, realm.Broker().SubscriptionCount())
}

func TestRouter_TransportCloseCleansUp(t *testing.T) {
	r := newTestRouter(t)
	client, _ := handshake(t, r, testRealmURI)

	require.NoError(t, client.Send(&wamp.Subscribe{Request: 1, Topic: "com.x"}))
	recvMsg(t, client)
	require.NoError(t, client.Send(&wamp.Register{Request: 2, Procedure: "com.sum"}))
	recvMsg(t, client)

	_ = client.Close(transport.CloseGoingAway, "gone")

	realm, _ := r.Realm(testRealmURI)
	require.Eventually(t, func() bool {
		return realm.SessionCount() == 0 &&
			realm.Broker().SubscriptionCount() == 0 &&
			realm.Dealer().RegistrationCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestRouter_PubSubScenario(t *testing.T) {
	r := newTestRouter(t)
	alice, _ := handshake(t, r, testRealmURI)
	bob, _ := handshake(t, r, testRealmURI)

	// Alice subscribes to com.x.greet.
	require.NoError(t, alice.Send(&wamp.Subscribe{Request: 1, Topic: "com.x.greet"}))
	subscribed := recvMsg(t, alice).(*wamp.Subscribed)
	assert.Equal(t, wamp.ID(1), subscribed.Request)

	// Bob publishes with acknowledgement.
	require.NoError(t, bob.Send(&wamp.Publish{
		Request:   2,
		Options:   wamp.Dict{"acknowledge": true},
		Topic:     "com.x.greet",
		Arguments: wamp.List{"hi"},
	}))
	published := recvMsg(t, bob).(*wamp.Published)
	assert.Equal(t, wamp.ID(2), published.Request)

	event := recvMsg(t, alice).(*wamp.Event)
	assert.Equal(t, subscribed.Subscription, event.Subscription)
	assert.Equal(t, published.Publication, event.Publication)
	require.Len(t, event.Arguments, 1)
	assert.Equal(t, "hi", event.Arguments[0])
}

func TestRouter_RPCScenario(t *testing.T) {
	r := newTestRouter(t)
	carol, _ := handshake(t, r, testRealmURI)
	dave, _ := handshake(t, r, testRealmURI)

	require.NoError(t, carol.Send(&wamp.Register{Request: 1, Procedure: "com.sum"}))
	registered := recvMsg(t, carol).(*wamp.Registered)
	assert.NotZero(t, registered.Registration)

	require.NoError(t, dave.Send(&wamp.Call{
		Request:   2,
		Procedure: "com.sum",
		Arguments: wamp.List{int64(2), int64(3)},
	}))
	invocation := recvMsg(t, carol).(*wamp.Invocation)
	assert.Equal(t, registered.Registration, invocation.Registration)
	require.Len(t, invocation.Arguments, 2)

	require.NoError(t, carol.Send(&wamp.Yield{
		Request:   invocation.Request,
		Arguments: wamp.List{int64(5)},
	}))
	result := recvMsg(t, dave).(*wamp.Result)
	assert.Equal(t, wamp.ID(2), result.Request)
	require.Len(t, result.Arguments, 1)
	assert.Equal(t, int64(5), result.Arguments[0])
}

func TestRouter_RealmIsolation(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.AddRealm("relay.test.second")
	require.NoError(t, err)

	alice, _ := handshake(t, r, testRealmURI)
	bob, _ := handshake(t, r, "relay.test.second")

	require.NoError(t, alice.Send(&wamp.Subscribe{Request: 1, Topic: "com.x"}))
	recvMsg(t, alice)

	// Bob publishes the same topic in another realm; Alice hears nothing.
	require.NoError(t, bob.Send(&wamp.Publish{Request: 2, Topic: "com.x"}))
	expectNoMsg(t, alice)

	// Registrations are realm-scoped too.
	require.NoError(t, alice.Send(&wamp.Register{Request: 3, Procedure: "com.sum"}))
	recvMsg(t, alice)
	require.NoError(t, bob.Send(&wamp.Call{Request: 4, Procedure: "com.sum"}))
	errMsg := recvMsg(t, bob).(*wamp.Error)
	assert.Equal(t, wamp.ErrNoSuchProcedure, errMsg.Error)
}

func TestRouter_DuplicateRealmRejected(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.AddRealm(testRealmURI)
	assert.Error(t, err)
	_, err = r.AddRealm("not a uri")
	assert.Error(t, err)
}

func TestRouter_CloseSaysGoodbye(t *testing.T) {
	r := NewRouter(&Options{StrictURI: true, GoodbyeTimeout: 50 * time.Millisecond}, nil, testLogger())
	_, err := r.AddRealm(testRealmURI)
	require.NoError(t, err)

	client, _ := handshake(t, r, testRealmURI)
	r.Close()

	goodbye, ok := recvMsg(t, client).(*wamp.Goodbye)
	require.True(t, ok)
	assert.Equal(t, wamp.ErrSystemShutdown, goodbye.Reason)

	// A closed router refuses new connections.
	_, server := transport.LinkedPeersBuffered(16)
	assert.ErrorIs(t, r.Attach(server), ErrRouterClosed)
}

func TestRouter_SubscribeBeforePublishReceives(t *testing.T) {
	r := newTestRouter(t)
	alice, _ := handshake(t, r, testRealmURI)
	bob, _ := handshake(t, r, testRealmURI)

	require.NoError(t, alice.Send(&wamp.Subscribe{Request: 1, Topic: "com.t"}))
	subscribed := recvMsg(t, alice).(*wamp.Subscribed)

	// The SUBSCRIBED ack happened strictly before this publish, so the
	// event is guaranteed.
	require.NoError(t, bob.Send(&wamp.Publish{Request: 2, Topic: "com.t"}))
	event := recvMsg(t, alice).(*wamp.Event)
	assert.Equal(t, subscribed.Subscription, event.Subscription)
}

func TestRouter_PublisherOrderPreserved(t *testing.T) {
	r := newTestRouter(t)
	alice, _ := handshake(t, r, testRealmURI)
	bob, _ := handshake(t, r, testRealmURI)

	require.NoError(t, alice.Send(&wamp.Subscribe{Request: 1, Topic: "com.seq"}))
	recvMsg(t, alice)

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, bob.Send(&wamp.Publish{
			Request:   wamp.ID(10 + i),
			Topic:     "com.seq",
			Arguments: wamp.List{int64(i)},
		}))
	}
	for i := 0; i < n; i++ {
		event := recvMsg(t, alice).(*wamp.Event)
		require.Len(t, event.Arguments, 1)
		assert.Equal(t, int64(i), event.Arguments[0], "event %d out of order", i)
	}
}
