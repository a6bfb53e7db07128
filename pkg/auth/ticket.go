package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/odvcencio/relay/pkg/wamp"
)

// TicketAuthenticator validates a signed JWT carried in the HELLO
// details under "ticket". The token subject becomes the session authid;
// an optional "role" claim becomes the authrole.
type TicketAuthenticator struct {
	// Secret is the HMAC key tokens must be signed with.
	Secret []byte

	// DefaultRole is assigned when the token has no role claim.
	DefaultRole string
}

type ticketClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticate verifies the ticket signature and expiry.
func (a *TicketAuthenticator) Authenticate(ctx context.Context, realm wamp.URI, details wamp.Dict) (Identity, error) {
	ticket := details.OptString("ticket")
	if ticket == "" {
		return Identity{}, fmt.Errorf("%w: missing ticket", ErrRejected)
	}

	claims := &ticketClaims{}
	token, err := jwt.ParseWithClaims(ticket, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.Secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid ticket", ErrRejected)
	}

	authid := claims.Subject
	if authid == "" {
		authid = details.OptString("authid")
	}
	if authid == "" {
		return Identity{}, fmt.Errorf("%w: ticket has no subject", ErrRejected)
	}
	role := claims.Role
	if role == "" {
		role = a.DefaultRole
	}
	if role == "" {
		role = "user"
	}
	return Identity{AuthID: authid, AuthRole: role, Method: "ticket"}, nil
}
