// Package serialize converts WAMP messages to and from wire bytes. The
// router treats payload values as opaque; serializers only shape the
// framing array and normalize the container types their codecs decode.
package serialize

import (
	"errors"

	"github.com/odvcencio/relay/pkg/wamp"
)

// Serializer encodes one WAMP message per frame.
// Implementations must be safe for concurrent use.
type Serializer interface {
	// Serialize encodes msg into a single frame payload.
	Serialize(msg wamp.Message) ([]byte, error)

	// Deserialize decodes a single frame payload into a typed message.
	// A failure means the frame is a protocol violation.
	Deserialize(data []byte) (wamp.Message, error)
}

// ErrUnknownMessage is returned when serializing a message the wire
// format has no encoding for.
var ErrUnknownMessage = errors.New("serialize: unknown message type")
