package wamp

import (
	"errors"
	"fmt"
)

// ErrBadMessage is wrapped by every FromList failure. A transport that
// sees it treats the frame as a protocol violation.
var ErrBadMessage = errors.New("malformed wamp message")

// ToList flattens a message into its wire-level array form. Trailing
// empty Arguments/ArgumentsKw are omitted per the WAMP framing rules.
func ToList(msg Message) []any {
	switch m := msg.(type) {
	case *Hello:
		return []any{int(HELLO), string(m.Realm), emptyDict(m.Details)}
	case *Welcome:
		return []any{int(WELCOME), uint64(m.ID), emptyDict(m.Details)}
	case *Abort:
		return []any{int(ABORT), emptyDict(m.Details), string(m.Reason)}
	case *Goodbye:
		return []any{int(GOODBYE), emptyDict(m.Details), string(m.Reason)}
	case *Error:
		out := []any{int(ERROR), int(m.Type), uint64(m.Request), emptyDict(m.Details), string(m.Error)}
		return appendPayload(out, m.Arguments, m.ArgumentsKw)
	case *Publish:
		out := []any{int(PUBLISH), uint64(m.Request), emptyDict(m.Options), string(m.Topic)}
		return appendPayload(out, m.Arguments, m.ArgumentsKw)
	case *Published:
		return []any{int(PUBLISHED), uint64(m.Request), uint64(m.Publication)}
	case *Subscribe:
		return []any{int(SUBSCRIBE), uint64(m.Request), emptyDict(m.Options), string(m.Topic)}
	case *Subscribed:
		return []any{int(SUBSCRIBED), uint64(m.Request), uint64(m.Subscription)}
	case *Unsubscribe:
		return []any{int(UNSUBSCRIBE), uint64(m.Request), uint64(m.Subscription)}
	case *Unsubscribed:
		return []any{int(UNSUBSCRIBED), uint64(m.Request)}
	case *Event:
		out := []any{int(EVENT), uint64(m.Subscription), uint64(m.Publication), emptyDict(m.Details)}
		return appendPayload(out, m.Arguments, m.ArgumentsKw)
	case *Call:
		out := []any{int(CALL), uint64(m.Request), emptyDict(m.Options), string(m.Procedure)}
		return appendPayload(out, m.Arguments, m.ArgumentsKw)
	case *Cancel:
		return []any{int(CANCEL), uint64(m.Request), emptyDict(m.Options)}
	case *Result:
		out := []any{int(RESULT), uint64(m.Request), emptyDict(m.Details)}
		return appendPayload(out, m.Arguments, m.ArgumentsKw)
	case *Register:
		return []any{int(REGISTER), uint64(m.Request), emptyDict(m.Options), string(m.Procedure)}
	case *Registered:
		return []any{int(REGISTERED), uint64(m.Request), uint64(m.Registration)}
	case *Unregister:
		return []any{int(UNREGISTER), uint64(m.Request), uint64(m.Registration)}
	case *Unregistered:
		return []any{int(UNREGISTERED), uint64(m.Request)}
	case *Invocation:
		out := []any{int(INVOCATION), uint64(m.Request), uint64(m.Registration), emptyDict(m.Details)}
		return appendPayload(out, m.Arguments, m.ArgumentsKw)
	case *Interrupt:
		return []any{int(INTERRUPT), uint64(m.Request), emptyDict(m.Options)}
	case *Yield:
		out := []any{int(YIELD), uint64(m.Request), emptyDict(m.Options)}
		return appendPayload(out, m.Arguments, m.ArgumentsKw)
	}
	return nil
}

// FromList rebuilds a typed message from its wire-level array form,
// validating arity and field types. Any failure wraps ErrBadMessage.
func FromList(list []any) (Message, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: empty list", ErrBadMessage)
	}
	code, ok := AsInt64(list[0])
	if !ok {
		return nil, fmt.Errorf("%w: non-integer type code %T", ErrBadMessage, list[0])
	}
	d := decoder{elems: list, typ: MessageType(code)}

	switch d.typ {
	case HELLO:
		d.arity(3, 3)
		return &Hello{Realm: d.uri(1), Details: d.dict(2)}, d.err
	case WELCOME:
		d.arity(3, 3)
		return &Welcome{ID: d.id(1), Details: d.dict(2)}, d.err
	case ABORT:
		d.arity(3, 3)
		return &Abort{Details: d.dict(1), Reason: d.uri(2)}, d.err
	case GOODBYE:
		d.arity(3, 3)
		return &Goodbye{Details: d.dict(1), Reason: d.uri(2)}, d.err
	case ERROR:
		d.arity(5, 7)
		reqType, ok := AsInt64(d.at(1))
		if !ok {
			d.fail(1, "request type")
		}
		return &Error{
			Type:        MessageType(reqType),
			Request:     d.id(2),
			Details:     d.dict(3),
			Error:       d.uri(4),
			Arguments:   d.list(5),
			ArgumentsKw: d.dict(6),
		}, d.err
	case PUBLISH:
		d.arity(4, 6)
		return &Publish{
			Request:     d.id(1),
			Options:     d.dict(2),
			Topic:       d.uri(3),
			Arguments:   d.list(4),
			ArgumentsKw: d.dict(5),
		}, d.err
	case PUBLISHED:
		d.arity(3, 3)
		return &Published{Request: d.id(1), Publication: d.id(2)}, d.err
	case SUBSCRIBE:
		d.arity(4, 4)
		return &Subscribe{Request: d.id(1), Options: d.dict(2), Topic: d.uri(3)}, d.err
	case SUBSCRIBED:
		d.arity(3, 3)
		return &Subscribed{Request: d.id(1), Subscription: d.id(2)}, d.err
	case UNSUBSCRIBE:
		d.arity(3, 3)
		return &Unsubscribe{Request: d.id(1), Subscription: d.id(2)}, d.err
	case UNSUBSCRIBED:
		d.arity(2, 2)
		return &Unsubscribed{Request: d.id(1)}, d.err
	case EVENT:
		d.arity(4, 6)
		return &Event{
			Subscription: d.id(1),
			Publication:  d.id(2),
			Details:      d.dict(3),
			Arguments:    d.list(4),
			ArgumentsKw:  d.dict(5),
		}, d.err
	case CALL:
		d.arity(4, 6)
		return &Call{
			Request:     d.id(1),
			Options:     d.dict(2),
			Procedure:   d.uri(3),
			Arguments:   d.list(4),
			ArgumentsKw: d.dict(5),
		}, d.err
	case CANCEL:
		d.arity(3, 3)
		return &Cancel{Request: d.id(1), Options: d.dict(2)}, d.err
	case RESULT:
		d.arity(3, 5)
		return &Result{
			Request:     d.id(1),
			Details:     d.dict(2),
			Arguments:   d.list(3),
			ArgumentsKw: d.dict(4),
		}, d.err
	case REGISTER:
		d.arity(4, 4)
		return &Register{Request: d.id(1), Options: d.dict(2), Procedure: d.uri(3)}, d.err
	case REGISTERED:
		d.arity(3, 3)
		return &Registered{Request: d.id(1), Registration: d.id(2)}, d.err
	case UNREGISTER:
		d.arity(3, 3)
		return &Unregister{Request: d.id(1), Registration: d.id(2)}, d.err
	case UNREGISTERED:
		d.arity(2, 2)
		return &Unregistered{Request: d.id(1)}, d.err
	case INVOCATION:
		d.arity(4, 6)
		return &Invocation{
			Request:      d.id(1),
			Registration: d.id(2),
			Details:      d.dict(3),
			Arguments:    d.list(4),
			ArgumentsKw:  d.dict(5),
		}, d.err
	case INTERRUPT:
		d.arity(3, 3)
		return &Interrupt{Request: d.id(1), Options: d.dict(2)}, d.err
	case YIELD:
		d.arity(3, 5)
		return &Yield{
			Request:     d.id(1),
			Options:     d.dict(2),
			Arguments:   d.list(3),
			ArgumentsKw: d.dict(4),
		}, d.err
	}
	return nil, fmt.Errorf("%w: unknown type code %d", ErrBadMessage, code)
}

// decoder accumulates the first field error while extracting typed
// elements, so each FromList arm stays a single expression.
type decoder struct {
	elems []any
	typ  MessageType
	err  error
}

func (d *decoder) fail(idx int, what string) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s element %d is not a valid %s", ErrBadMessage, d.typ, idx, what)
	}
}

func (d *decoder) arity(min, max int) {
	if len(d.elems) < min || len(d.elems) > max {
		if d.err == nil {
			d.err = fmt.Errorf("%w: %s has %d elements, want %d..%d", ErrBadMessage, d.typ, len(d.elems), min, max)
		}
	}
}

func (d *decoder) at(idx int) any {
	if idx >= len(d.elems) {
		return nil
	}
	return d.elems[idx]
}

func (d *decoder) id(idx int) ID {
	v := d.at(idx)
	n, ok := AsID(v)
	if !ok || ID(n) > MaxID {
		d.fail(idx, "id")
		return 0
	}
	return n
}

func (d *decoder) uri(idx int) URI {
	s, ok := d.at(idx).(string)
	if !ok {
		d.fail(idx, "uri")
		return ""
	}
	return URI(s)
}

// dict tolerates an absent trailing element but not a mistyped one.
func (d *decoder) dict(idx int) Dict {
	v := d.at(idx)
	if v == nil {
		return nil
	}
	out := NormalizeDict(v)
	if out == nil {
		d.fail(idx, "dict")
	}
	return out
}

func (d *decoder) list(idx int) List {
	v := d.at(idx)
	if v == nil {
		return nil
	}
	out := NormalizeList(v)
	if out == nil {
		d.fail(idx, "list")
	}
	return out
}

// emptyDict substitutes {} for nil so the wire form never carries null
// where the protocol expects a dictionary.
func emptyDict(d Dict) Dict {
	if d == nil {
		return Dict{}
	}
	return d
}

func appendPayload(out []any, args List, kwargs Dict) []any {
	if len(args) == 0 && len(kwargs) == 0 {
		return out
	}
	if args == nil {
		args = List{}
	}
	out = append(out, args)
	if len(kwargs) > 0 {
		out = append(out, kwargs)
	}
	return out
}
