// Package wamp defines the WAMP v2 message model: typed message structs,
// the integer type codes, URI validation, and ID allocation. The router and
// transports exchange these structs; serializers convert them to and from
// the wire-level list form.
package wamp

// MessageType is the integer code carried as the first element of every
// WAMP message array.
type MessageType int

const (
	HELLO        MessageType = 1
	WELCOME      MessageType = 2
	ABORT        MessageType = 3
	GOODBYE      MessageType = 6
	ERROR        MessageType = 8
	PUBLISH      MessageType = 16
	PUBLISHED    MessageType = 17
	SUBSCRIBE    MessageType = 32
	SUBSCRIBED   MessageType = 33
	UNSUBSCRIBE  MessageType = 34
	UNSUBSCRIBED MessageType = 35
	EVENT        MessageType = 36
	CALL         MessageType = 48
	CANCEL       MessageType = 49
	RESULT       MessageType = 50
	REGISTER     MessageType = 64
	REGISTERED   MessageType = 65
	UNREGISTER   MessageType = 66
	UNREGISTERED MessageType = 67
	INVOCATION   MessageType = 68
	INTERRUPT    MessageType = 69
	YIELD        MessageType = 70
)

var messageTypeNames = map[MessageType]string{
	HELLO:        "HELLO",
	WELCOME:      "WELCOME",
	ABORT:        "ABORT",
	GOODBYE:      "GOODBYE",
	ERROR:        "ERROR",
	PUBLISH:      "PUBLISH",
	PUBLISHED:    "PUBLISHED",
	SUBSCRIBE:    "SUBSCRIBE",
	SUBSCRIBED:   "SUBSCRIBED",
	UNSUBSCRIBE:  "UNSUBSCRIBE",
	UNSUBSCRIBED: "UNSUBSCRIBED",
	EVENT:        "EVENT",
	CALL:         "CALL",
	CANCEL:       "CANCEL",
	RESULT:       "RESULT",
	REGISTER:     "REGISTER",
	REGISTERED:   "REGISTERED",
	UNREGISTER:   "UNREGISTER",
	UNREGISTERED: "UNREGISTERED",
	INVOCATION:   "INVOCATION",
	INTERRUPT:    "INTERRUPT",
	YIELD:        "YIELD",
}

// String returns the protocol name for the message type, or "UNKNOWN".
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// Message is implemented by every WAMP message struct.
type Message interface {
	MessageType() MessageType
}

// Hello is sent by a client to open a session on a realm.
type Hello struct {
	Realm   URI
	Details Dict
}

// Welcome accepts a session. ID is the router-assigned session ID.
type Welcome struct {
	ID      ID
	Details Dict
}

// Abort rejects a session during opening, or terminates one on a protocol
// violation. No reply is expected.
type Abort struct {
	Details Dict
	Reason  URI
}

// Goodbye initiates or acknowledges a graceful session close.
type Goodbye struct {
	Details Dict
	Reason  URI
}

// Error reports a request failure. Type is the message type of the request
// being answered (CALL, SUBSCRIBE, ...), Request its request ID.
type Error struct {
	Type        MessageType
	Request     ID
	Details     Dict
	Error       URI
	Arguments   List
	ArgumentsKw Dict
}

// Publish asks the router to distribute an event on a topic.
type Publish struct {
	Request     ID
	Options     Dict
	Topic       URI
	Arguments   List
	ArgumentsKw Dict
}

// Published acknowledges a Publish that carried acknowledge=true.
type Published struct {
	Request     ID
	Publication ID
}

// Subscribe asks the router for a subscription on a topic or pattern.
type Subscribe struct {
	Request ID
	Options Dict
	Topic   URI
}

// Subscribed acknowledges a Subscribe.
type Subscribed struct {
	Request      ID
	Subscription ID
}

// Unsubscribe releases a subscription.
type Unsubscribe struct {
	Request      ID
	Subscription ID
}

// Unsubscribed acknowledges an Unsubscribe.
type Unsubscribed struct {
	Request ID
}

// Event delivers a publication to a subscriber.
type Event struct {
	Subscription ID
	Publication  ID
	Details      Dict
	Arguments    List
	ArgumentsKw  Dict
}

// Call invokes a procedure.
type Call struct {
	Request     ID
	Options     Dict
	Procedure   URI
	Arguments   List
	ArgumentsKw Dict
}

// Cancel asks the router to abort a pending call.
type Cancel struct {
	Request ID
	Options Dict
}

// Result carries a call result, final or progressive, back to the caller.
type Result struct {
	Request     ID
	Details     Dict
	Arguments   List
	ArgumentsKw Dict
}

// Register asks the router to register the sender as callee for a
// procedure or pattern.
type Register struct {
	Request   ID
	Options   Dict
	Procedure URI
}

// Registered acknowledges a Register.
type Registered struct {
	Request      ID
	Registration ID
}

// Unregister releases a registration.
type Unregister struct {
	Request      ID
	Registration ID
}

// Unregistered acknowledges an Unregister.
type Unregistered struct {
	Request ID
}

// Invocation delivers a call to the registered callee.
type Invocation struct {
	Request      ID
	Registration ID
	Details      Dict
	Arguments    List
	ArgumentsKw  Dict
}

// Interrupt asks a callee to abort an in-flight invocation.
type Interrupt struct {
	Request ID
	Options Dict
}

// Yield carries a call result, final or progressive, from the callee.
type Yield struct {
	Request     ID
	Options     Dict
	Arguments   List
	ArgumentsKw Dict
}

func (*Hello) MessageType() MessageType        { return HELLO }
func (*Welcome) MessageType() MessageType      { return WELCOME }
func (*Abort) MessageType() MessageType        { return ABORT }
func (*Goodbye) MessageType() MessageType      { return GOODBYE }
func (*Error) MessageType() MessageType        { return ERROR }
func (*Publish) MessageType() MessageType      { return PUBLISH }
func (*Published) MessageType() MessageType    { return PUBLISHED }
func (*Subscribe) MessageType() MessageType    { return SUBSCRIBE }
func (*Subscribed) MessageType() MessageType   { return SUBSCRIBED }
func (*Unsubscribe) MessageType() MessageType  { return UNSUBSCRIBE }
func (*Unsubscribed) MessageType() MessageType { return UNSUBSCRIBED }
func (*Event) MessageType() MessageType        { return EVENT }
func (*Call) MessageType() MessageType         { return CALL }
func (*Cancel) MessageType() MessageType       { return CANCEL }
func (*Result) MessageType() MessageType       { return RESULT }
func (*Register) MessageType() MessageType     { return REGISTER }
func (*Registered) MessageType() MessageType   { return REGISTERED }
func (*Unregister) MessageType() MessageType   { return UNREGISTER }
func (*Unregistered) MessageType() MessageType { return UNREGISTERED }
func (*Invocation) MessageType() MessageType   { return INVOCATION }
func (*Interrupt) MessageType() MessageType    { return INTERRUPT }
func (*Yield) MessageType() MessageType        { return YIELD }
