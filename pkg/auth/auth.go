// Package auth holds the session-acceptance hook the router consults when
// a client offers HELLO, plus the authenticators the relay binary wires
// in: anonymous and JWT-ticket.
package auth

import (
	"context"
	"errors"

	"github.com/odvcencio/relay/pkg/wamp"
)

// ErrRejected is wrapped by every authentication failure. The router
// answers with an ABORT carrying wamp.error.authentication_failed.
var ErrRejected = errors.New("auth: session rejected")

// Identity is what a successful authentication establishes for a session.
type Identity struct {
	AuthID   string
	AuthRole string
	Method   string
}

// Authenticator decides whether a HELLO may become a session on a realm.
// Implementations must be safe for concurrent use.
type Authenticator interface {
	// Authenticate inspects the HELLO details for one realm and either
	// returns the identity for the new session or an error wrapping
	// ErrRejected.
	Authenticate(ctx context.Context, realm wamp.URI, details wamp.Dict) (Identity, error)
}

// AnonymousAuthenticator accepts every HELLO.
type AnonymousAuthenticator struct {
	// Role is the authrole assigned to sessions; defaults to "anonymous".
	Role string
}

// Authenticate accepts unconditionally.
func (a AnonymousAuthenticator) Authenticate(ctx context.Context, realm wamp.URI, details wamp.Dict) (Identity, error) {
	role := a.Role
	if role == "" {
		role = "anonymous"
	}
	authid := details.OptString("authid")
	if authid == "" {
		authid = "anonymous"
	}
	return Identity{AuthID: authid, AuthRole: role, Method: "anonymous"}, nil
}
