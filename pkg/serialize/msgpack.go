package serialize

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/odvcencio/relay/pkg/wamp"
)

// MessagePackSerializer implements the wamp.2.msgpack binary binding.
type MessagePackSerializer struct{}

// Serialize encodes msg as a MessagePack array.
func (MessagePackSerializer) Serialize(msg wamp.Message) ([]byte, error) {
	list := wamp.ToList(msg)
	if list == nil {
		return nil, ErrUnknownMessage
	}
	return msgpack.Marshal(list)
}

// Deserialize decodes a MessagePack array frame. Map keys are decoded as
// strings where possible; wamp.NormalizeDict handles the rest.
func (MessagePackSerializer) Deserialize(data []byte) (wamp.Message, error) {
	var raw []any
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("msgpack frame: %w", err)
	}
	return wamp.FromList(raw)
}
