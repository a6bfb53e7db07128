package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/odvcencio/relay/pkg/serialize"
)

// FrameKind says whether a binding's frames travel as text or binary.
type FrameKind int

const (
	TextFrame FrameKind = iota
	BinaryFrame
)

// Binding pairs a subprotocol name with its framing and serializer.
type Binding struct {
	// Protocol is the subprotocol name offered during the transport
	// handshake, e.g. "wamp.2.json". Unique per table.
	Protocol string

	Frame      FrameKind
	Serializer serialize.Serializer
}

// ErrDuplicateBinding is returned when registering a subprotocol name twice.
var ErrDuplicateBinding = errors.New("transport: binding already registered")

// BindingTable holds the bindings a transport offers. Bindings are
// registered before the transport starts; lookups are concurrent.
type BindingTable struct {
	mu       sync.RWMutex
	byProto  map[string]Binding
	ordered  []string
	started  bool
}

// NewBindingTable returns an empty table.
func NewBindingTable() *BindingTable {
	return &BindingTable{byProto: make(map[string]Binding)}
}

// Register adds a binding. Fails on an empty or duplicate subprotocol
// name, a nil serializer, or after the table has been frozen.
func (t *BindingTable) Register(b Binding) error {
	if b.Protocol == "" {
		return errors.New("transport: binding requires a subprotocol name")
	}
	if b.Serializer == nil {
		return errors.New("transport: binding requires a serializer")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.New("transport: binding table frozen after transport start")
	}
	if _, exists := t.byProto[b.Protocol]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBinding, b.Protocol)
	}
	t.byProto[b.Protocol] = b
	t.ordered = append(t.ordered, b.Protocol)
	return nil
}

// Lookup returns the binding for a subprotocol name.
func (t *BindingTable) Lookup(protocol string) (Binding, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.byProto[protocol]
	return b, ok
}

// Protocols returns the subprotocol names in registration order, for the
// transport handshake offer.
func (t *BindingTable) Protocols() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.ordered))
	copy(out, t.ordered)
	return out
}

// freeze marks the table started; further Register calls fail.
func (t *BindingTable) freeze() {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
}
