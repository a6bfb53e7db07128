package router

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/odvcencio/relay/pkg/transport"
	"github.com/odvcencio/relay/pkg/wamp"
)

const testRealmURI = wamp.URI("relay.test.realm")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newEstablishedSession builds a session already in the established
// state, returning the client end of its connection.
func newEstablishedSession(t *testing.T) (*Session, transport.Peer) {
	t.Helper()
	client, server := transport.LinkedPeersBuffered(128)
	sess := newSession(wamp.GlobalID(), testRealmURI, server, testLogger())
	sess.state.Store(int32(SessionEstablished))
	t.Cleanup(func() { _ = client.Close(transport.CloseNormal, "") })
	return sess, client
}

func recvMsg(t *testing.T, p transport.Peer) wamp.Message {
	t.Helper()
	select {
	case msg := <-p.Recv():
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func expectNoMsg(t *testing.T, p transport.Peer) {
	t.Helper()
	select {
	case msg := <-p.Recv():
		t.Fatalf("unexpected message %s", msg.MessageType())
	case <-time.After(100 * time.Millisecond):
	}
}

// subscribeOK drives a SUBSCRIBE through the broker and returns the
// subscription ID.
func subscribeOK(t *testing.T, b *Broker, sess *Session, client transport.Peer, topic wamp.URI, options wamp.Dict) wamp.ID {
	t.Helper()
	b.Subscribe(sess, &wamp.Subscribe{Request: 1, Options: options, Topic: topic})
	msg := recvMsg(t, client)
	subscribed, ok := msg.(*wamp.Subscribed)
	if !ok {
		t.Fatalf("expected SUBSCRIBED, got %s", msg.MessageType())
	}
	return subscribed.Subscription
}

// registerOK drives a REGISTER through the dealer and returns the
// registration ID.
func registerOK(t *testing.T, d *Dealer, sess *Session, client transport.Peer, procedure wamp.URI, options wamp.Dict) wamp.ID {
	t.Helper()
	d.Register(sess, &wamp.Register{Request: 1, Options: options, Procedure: procedure})
	msg := recvMsg(t, client)
	registered, ok := msg.(*wamp.Registered)
	if !ok {
		t.Fatalf("expected REGISTERED, got %s", msg.MessageType())
	}
	return registered.Registration
}
