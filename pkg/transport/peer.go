// Package transport carries framed WAMP messages between clients and the
// router. It defines the Peer connection abstraction, the binding table
// that pairs subprotocol names with serializers, and the WebSocket server
// that multiplexes one listener across all registered bindings.
package transport

import (
	"errors"
	"sync"

	"github.com/odvcencio/relay/pkg/wamp"
)

// Close codes passed to Peer.Close.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseProtocol  = 1002
)

// ErrPeerClosed is returned by Send on a closed peer.
var ErrPeerClosed = errors.New("transport: peer closed")

// Peer is one end of a framed WAMP connection.
//
// Send enqueues a message and returns once it is handed to the transport's
// send buffer, not when the peer receives it. Recv yields inbound messages
// in arrival order until the connection ends. Closed fires once when the
// connection is no longer usable in either direction; consumers select on
// it alongside Recv, since not every transport closes the Recv channel.
type Peer interface {
	Send(msg wamp.Message) error
	Recv() <-chan wamp.Message
	Close(code int, reason string) error
	Closed() <-chan struct{}
}

// localPeer is an in-process Peer. Two of them back to back form a linked
// pair for tests and embedded clients.
type localPeer struct {
	in     chan wamp.Message
	remote *localPeer

	// done and closeOnce are shared by both ends of a pair.
	done      chan struct{}
	closeOnce *sync.Once

	sendMu sync.Mutex
}

// LinkedPeers returns two connected in-memory peers. A message sent on
// one arrives on the other's Recv channel in order. Closing either side
// closes both.
func LinkedPeers() (Peer, Peer) {
	return LinkedPeersBuffered(64)
}

// LinkedPeersBuffered is LinkedPeers with an explicit per-direction
// buffer size. A zero size makes every Send rendezvous with a Recv.
func LinkedPeersBuffered(size int) (Peer, Peer) {
	done := make(chan struct{})
	once := new(sync.Once)
	a := &localPeer{in: make(chan wamp.Message, size), done: done, closeOnce: once}
	b := &localPeer{in: make(chan wamp.Message, size), done: done, closeOnce: once}
	a.remote, b.remote = b, a
	return a, b
}

func (p *localPeer) Send(msg wamp.Message) error {
	// Serialize senders so FIFO order holds even when the buffer fills.
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	select {
	case p.remote.in <- msg:
		return nil
	case <-p.done:
		return ErrPeerClosed
	}
}

func (p *localPeer) Recv() <-chan wamp.Message { return p.in }

func (p *localPeer) Close(code int, reason string) error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}

func (p *localPeer) Closed() <-chan struct{} { return p.done }
