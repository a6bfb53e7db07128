package wamp

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
)

// ID is a WAMP identifier. Values stay within [1, 2^53] so they survive
// serializers whose integers are IEEE-754 doubles.
type ID uint64

// MaxID is the largest valid WAMP ID.
const MaxID = ID(1) << 53

// GlobalID returns a random ID drawn from crypto/rand. Used for session
// and publication IDs, which must be unpredictable across the router.
func GlobalID() ID {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the platform entropy source is gone;
		// nothing sensible to do but stop.
		panic("wamp: crypto/rand unavailable: " + err.Error())
	}
	return ID(binary.BigEndian.Uint64(buf[:])%uint64(MaxID)) + 1
}

// IDGen allocates sequential IDs within one scope (a session, a realm's
// subscriptions, ...). The zero value is ready to use; Next never returns 0.
type IDGen struct {
	next atomic.Uint64
}

// Next returns the next ID in the scope, starting at 1.
func (g *IDGen) Next() ID {
	return ID(g.next.Add(1))
}
