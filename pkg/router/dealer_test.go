package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/relay/pkg/wamp"
)

func newTestDealer() *Dealer {
	return NewDealer(testRealmURI, true, testLogger())
}

func TestDealer_CallYieldRoundTrip(t *testing.T) {
	d := newTestDealer()
	carol, carolConn := newEstablishedSession(t)
	dave, daveConn := newEstablishedSession(t)

	registerOK(t, d, carol, carolConn, "com.sum", nil)

	d.Call(dave, &wamp.Call{Request: 5, Procedure: "com.sum", Arguments: wamp.List{int64(2), int64(3)}})

	invocation := recvMsg(t, carolConn).(*wamp.Invocation)
	require.Len(t, invocation.Arguments, 2)

	d.Yield(carol, &wamp.Yield{Request: invocation.Request, Arguments: wamp.List{int64(5)}})

	result := recvMsg(t, daveConn).(*wamp.Result)
	assert.Equal(t, wamp.ID(5), result.Request)
	require.Len(t, result.Arguments, 1)
	assert.Equal(t, int64(5), result.Arguments[0])

	// The call is terminal: a second yield is dropped silently.
	d.Yield(carol, &wamp.Yield{Request: invocation.Request, Arguments: wamp.List{int64(9)}})
	expectNoMsg(t, daveConn)
}

func TestDealer_RegistrationConflict(t *testing.T) {
	d := newTestDealer()
	bob, bobConn := newEstablishedSession(t)
	carol, carolConn := newEstablishedSession(t)

	regID := registerOK(t, d, bob, bobConn, "com.sum", nil)

	d.Register(carol, &wamp.Register{Request: 2, Procedure: "com.sum"})
	errMsg := recvMsg(t, carolConn).(*wamp.Error)
	assert.Equal(t, wamp.REGISTER, errMsg.Type)
	assert.Equal(t, wamp.ErrProcedureAlreadyExists, errMsg.Error)

	// Bob's registration is untouched.
	assert.Equal(t, 1, d.RegistrationCount())

	// After bob unregisters, carol may take over.
	d.Unregister(bob, &wamp.Unregister{Request: 3, Registration: regID})
	_, ok := recvMsg(t, bobConn).(*wamp.Unregistered)
	require.True(t, ok)
	registerOK(t, d, carol, carolConn, "com.sum", nil)
}

func TestDealer_NoSuchProcedure(t *testing.T) {
	d := newTestDealer()
	dave, daveConn := newEstablishedSession(t)

	d.Call(dave, &wamp.Call{Request: 1, Procedure: "com.nowhere"})
	errMsg := recvMsg(t, daveConn).(*wamp.Error)
	assert.Equal(t, wamp.CALL, errMsg.Type)
	assert.Equal(t, wamp.ErrNoSuchProcedure, errMsg.Error)
}

func TestDealer_UnregisterStopsRouting(t *testing.T) {
	d := newTestDealer()
	carol, carolConn := newEstablishedSession(t)
	dave, daveConn := newEstablishedSession(t)

	regID := registerOK(t, d, carol, carolConn, "com.sum", nil)
	d.Unregister(carol, &wamp.Unregister{Request: 2, Registration: regID})
	recvMsg(t, carolConn)

	d.Call(dave, &wamp.Call{Request: 3, Procedure: "com.sum"})
	errMsg := recvMsg(t, daveConn).(*wamp.Error)
	assert.Equal(t, wamp.ErrNoSuchProcedure, errMsg.Error)

	// Unregistering twice fails.
	d.Unregister(carol, &wamp.Unregister{Request: 4, Registration: regID})
	errMsg = recvMsg(t, carolConn).(*wamp.Error)
	assert.Equal(t, wamp.ErrNoSuchRegistration, errMsg.Error)
}

func TestDealer_MatchPrecedence(t *testing.T) {
	d := newTestDealer()
	exactCallee, exactConn := newEstablishedSession(t)
	prefixCallee, prefixConn := newEstablishedSession(t)
	wildCallee, wildConn := newEstablishedSession(t)
	caller, _ := newEstablishedSession(t)

	registerOK(t, d, prefixCallee, prefixConn, "com.math", wamp.Dict{"match": "prefix"})
	registerOK(t, d, wildCallee, wildConn, "com..sum", wamp.Dict{"match": "wildcard"})
	registerOK(t, d, exactCallee, exactConn, "com.math.sum", nil)

	// Exact wins over both patterns.
	d.Call(caller, &wamp.Call{Request: 1, Procedure: "com.math.sum"})
	recvMsg(t, exactConn)
	expectNoMsg(t, prefixConn)
	expectNoMsg(t, wildConn)

	// Prefix wins over wildcard.
	d.Call(caller, &wamp.Call{Request: 2, Procedure: "com.math.mul"})
	invocation := recvMsg(t, prefixConn).(*wamp.Invocation)
	assert.Equal(t, "com.math.mul", invocation.Details.OptString("procedure"))
	expectNoMsg(t, wildConn)

	// Wildcard picks up what the others miss.
	d.Call(caller, &wamp.Call{Request: 3, Procedure: "com.other.sum"})
	recvMsg(t, wildConn)
}

func TestDealer_PatternConflicts(t *testing.T) {
	d := newTestDealer()
	a, aConn := newEstablishedSession(t)
	bSess, bConn := newEstablishedSession(t)

	registerOK(t, d, a, aConn, "com.api", wamp.Dict{"match": "prefix"})

	// A prefix under a live prefix overlaps.
	d.Register(bSess, &wamp.Register{Request: 1, Options: wamp.Dict{"match": "prefix"}, Procedure: "com.api.users"})
	errMsg := recvMsg(t, bConn).(*wamp.Error)
	assert.Equal(t, wamp.ErrProcedureAlreadyExists, errMsg.Error)

	// Overlapping wildcards conflict.
	registerOK(t, d, a, aConn, "com..create", wamp.Dict{"match": "wildcard"})
	d.Register(bSess, &wamp.Register{Request: 2, Options: wamp.Dict{"match": "wildcard"}, Procedure: "com.user."})
	errMsg = recvMsg(t, bConn).(*wamp.Error)
	assert.Equal(t, wamp.ErrProcedureAlreadyExists, errMsg.Error)

	// Disjoint wildcards coexist, as do exact URIs under a pattern.
	registerOK(t, d, bSess, bConn, "org..create", wamp.Dict{"match": "wildcard"})
	registerOK(t, d, bSess, bConn, "com.api.ping", nil)
}

func TestDealer_InvokePolicySingleOnly(t *testing.T) {
	d := newTestDealer()
	carol, carolConn := newEstablishedSession(t)

	d.Register(carol, &wamp.Register{Request: 1, Options: wamp.Dict{"invoke": "roundrobin"}, Procedure: "com.sum"})
	errMsg := recvMsg(t, carolConn).(*wamp.Error)
	assert.Equal(t, wamp.ErrOptionNotAllowed, errMsg.Error)
}

func TestDealer_ProgressiveResults(t *testing.T) {
	d := newTestDealer()
	carol, carolConn := newEstablishedSession(t)
	dave, daveConn := newEstablishedSession(t)

	registerOK(t, d, carol, carolConn, "com.stream", nil)

	d.Call(dave, &wamp.Call{
		Request:   1,
		Options:   wamp.Dict{"receive_progress": true},
		Procedure: "com.stream",
	})
	invocation := recvMsg(t, carolConn).(*wamp.Invocation)
	assert.True(t, invocation.Details.OptBool("receive_progress", false))

	d.Yield(carol, &wamp.Yield{
		Request:   invocation.Request,
		Options:   wamp.Dict{"progress": true},
		Arguments: wamp.List{int64(1)},
	})
	progress := recvMsg(t, daveConn).(*wamp.Result)
	assert.True(t, progress.Details.OptBool("progress", false))

	d.Yield(carol, &wamp.Yield{Request: invocation.Request, Arguments: wamp.List{int64(2)}})
	final := recvMsg(t, daveConn).(*wamp.Result)
	assert.False(t, final.Details.OptBool("progress", false))

	// Terminal: nothing further arrives.
	d.Yield(carol, &wamp.Yield{Request: invocation.Request, Options: wamp.Dict{"progress": true}})
	expectNoMsg(t, daveConn)
}

func TestDealer_ProgressNotRequestedIsDropped(t *testing.T) {
	d := newTestDealer()
	carol, carolConn := newEstablishedSession(t)
	dave, daveConn := newEstablishedSession(t)

	registerOK(t, d, carol, carolConn, "com.stream", nil)
	d.Call(dave, &wamp.Call{Request: 1, Procedure: "com.stream"})
	invocation := recvMsg(t, carolConn).(*wamp.Invocation)

	d.Yield(carol, &wamp.Yield{Request: invocation.Request, Options: wamp.Dict{"progress": true}})
	expectNoMsg(t, daveConn)

	// The call stays open for the real result.
	d.Yield(carol, &wamp.Yield{Request: invocation.Request})
	recvMsg(t, daveConn)
}

func TestDealer_CallError(t *testing.T) {
	d := newTestDealer()
	carol, carolConn := newEstablishedSession(t)
	dave, daveConn := newEstablishedSession(t)

	registerOK(t, d, carol, carolConn, "com.sum", nil)
	d.Call(dave, &wamp.Call{Request: 1, Procedure: "com.sum"})
	invocation := recvMsg(t, carolConn).(*wamp.Invocation)

	d.CallError(carol, &wamp.Error{
		Type:    wamp.INVOCATION,
		Request: invocation.Request,
		Error:   wamp.ErrInvalidArgument,
	})
	errMsg := recvMsg(t, daveConn).(*wamp.Error)
	assert.Equal(t, wamp.CALL, errMsg.Type)
	assert.Equal(t, wamp.ID(1), errMsg.Request)
	assert.Equal(t, wamp.ErrInvalidArgument, errMsg.Error)
}

func TestDealer_CancelSkip(t *testing.T) {
	d := newTestDealer()
	carol, carolConn := newEstablishedSession(t)
	dave, daveConn := newEstablishedSession(t)

	registerOK(t, d, carol, carolConn, "com.slow", nil)
	d.Call(dave, &wamp.Call{Request: 1, Procedure: "com.slow"})
	invocation := recvMsg(t, carolConn).(*wamp.Invocation)

	d.Cancel(dave, &wamp.Cancel{Request: 1, Options: wamp.Dict{"mode": "skip"}})
	errMsg := recvMsg(t, daveConn).(*wamp.Error)
	assert.Equal(t, wamp.ErrCanceled, errMsg.Error)
	// The callee is not interrupted.
	expectNoMsg(t, carolConn)

	// Its eventual yield is dropped.
	d.Yield(carol, &wamp.Yield{Request: invocation.Request})
	expectNoMsg(t, daveConn)
}

func TestDealer_CancelKill(t *testing.T) {
	d := newTestDealer()
	carol, carolConn := newEstablishedSession(t)
	dave, daveConn := newEstablishedSession(t)

	registerOK(t, d, carol, carolConn, "com.slow", nil)
	d.Call(dave, &wamp.Call{Request: 1, Procedure: "com.slow"})
	invocation := recvMsg(t, carolConn).(*wamp.Invocation)

	d.Cancel(dave, &wamp.Cancel{Request: 1, Options: wamp.Dict{"mode": "kill"}})
	interrupt := recvMsg(t, carolConn).(*wamp.Interrupt)
	assert.Equal(t, invocation.Request, interrupt.Request)
	// kill awaits the callee's reply before answering the caller.
	expectNoMsg(t, daveConn)

	d.CallError(carol, &wamp.Error{
		Type:    wamp.INVOCATION,
		Request: invocation.Request,
		Error:   wamp.ErrCanceled,
	})
	errMsg := recvMsg(t, daveConn).(*wamp.Error)
	assert.Equal(t, wamp.ErrCanceled, errMsg.Error)
}

func TestDealer_CancelKillNoWait(t *testing.T) {
	d := newTestDealer()
	carol, carolConn := newEstablishedSession(t)
	dave, daveConn := newEstablishedSession(t)

	registerOK(t, d, carol, carolConn, "com.slow", nil)
	d.Call(dave, &wamp.Call{Request: 1, Procedure: "com.slow"})
	recvMsg(t, carolConn)

	d.Cancel(dave, &wamp.Cancel{Request: 1, Options: wamp.Dict{"mode": "killnowait"}})
	_, isInterrupt := recvMsg(t, carolConn).(*wamp.Interrupt)
	assert.True(t, isInterrupt)
	errMsg := recvMsg(t, daveConn).(*wamp.Error)
	assert.Equal(t, wamp.ErrCanceled, errMsg.Error)
}

func TestDealer_CancelUnknownCallIsDropped(t *testing.T) {
	d := newTestDealer()
	dave, daveConn := newEstablishedSession(t)

	d.Cancel(dave, &wamp.Cancel{Request: 77, Options: wamp.Dict{"mode": "kill"}})
	expectNoMsg(t, daveConn)
}

func TestDealer_CallTimeout(t *testing.T) {
	d := newTestDealer()
	carol, carolConn := newEstablishedSession(t)
	dave, daveConn := newEstablishedSession(t)

	registerOK(t, d, carol, carolConn, "com.slow", nil)
	d.Call(dave, &wamp.Call{
		Request:   1,
		Options:   wamp.Dict{"timeout": int64(50)},
		Procedure: "com.slow",
	})
	invocation := recvMsg(t, carolConn).(*wamp.Invocation)

	errMsg := recvMsg(t, daveConn).(*wamp.Error)
	assert.Equal(t, wamp.ErrTimeout, errMsg.Error)
	interrupt := recvMsg(t, carolConn).(*wamp.Interrupt)
	assert.Equal(t, invocation.Request, interrupt.Request)

	// A yield racing the expired timer is dropped.
	d.Yield(carol, &wamp.Yield{Request: invocation.Request})
	expectNoMsg(t, daveConn)
}

func TestDealer_ResultBeatsTimeout(t *testing.T) {
	d := newTestDealer()
	carol, carolConn := newEstablishedSession(t)
	dave, daveConn := newEstablishedSession(t)

	registerOK(t, d, carol, carolConn, "com.fast", nil)
	d.Call(dave, &wamp.Call{
		Request:   1,
		Options:   wamp.Dict{"timeout": int64(200)},
		Procedure: "com.fast",
	})
	invocation := recvMsg(t, carolConn).(*wamp.Invocation)
	d.Yield(carol, &wamp.Yield{Request: invocation.Request})

	_, isResult := recvMsg(t, daveConn).(*wamp.Result)
	assert.True(t, isResult)

	// Exactly one terminal message: the timer must not fire later.
	time.Sleep(300 * time.Millisecond)
	expectNoMsg(t, daveConn)
}

func TestDealer_CalleeDisconnect(t *testing.T) {
	d := newTestDealer()
	carol, carolConn := newEstablishedSession(t)
	dave, daveConn := newEstablishedSession(t)

	registerOK(t, d, carol, carolConn, "com.sum", nil)
	d.Call(dave, &wamp.Call{Request: 1, Procedure: "com.sum"})
	recvMsg(t, carolConn)

	d.RemoveSession(carol)

	errMsg := recvMsg(t, daveConn).(*wamp.Error)
	assert.Equal(t, wamp.ErrCanceled, errMsg.Error)
	assert.Equal(t, "callee_disconnect", errMsg.Details.OptString("reason"))

	// The registration died with the session.
	assert.Equal(t, 0, d.RegistrationCount())
	d.Call(dave, &wamp.Call{Request: 2, Procedure: "com.sum"})
	errMsg = recvMsg(t, daveConn).(*wamp.Error)
	assert.Equal(t, wamp.ErrNoSuchProcedure, errMsg.Error)
}

func TestDealer_CallerDisconnect(t *testing.T) {
	d := newTestDealer()
	carol, carolConn := newEstablishedSession(t)
	dave, _ := newEstablishedSession(t)

	registerOK(t, d, carol, carolConn, "com.sum", nil)
	d.Call(dave, &wamp.Call{Request: 1, Procedure: "com.sum"})
	invocation := recvMsg(t, carolConn).(*wamp.Invocation)

	d.RemoveSession(dave)

	interrupt := recvMsg(t, carolConn).(*wamp.Interrupt)
	assert.Equal(t, invocation.Request, interrupt.Request)

	// Whatever the callee yields now goes nowhere.
	d.Yield(carol, &wamp.Yield{Request: invocation.Request})
}
