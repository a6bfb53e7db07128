package router

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/odvcencio/relay/pkg/wamp"
)

// Cancel modes accepted in CANCEL.Options["mode"].
const (
	cancelModeSkip       = "skip"
	cancelModeKill       = "kill"
	cancelModeKillNoWait = "killnowait"
)

// registration binds a procedure URI or pattern to its callee session.
// Invoke policy is "single": exactly one live registration per exact URI.
type registration struct {
	id        wamp.ID
	procedure wamp.URI
	policy    string
	callee    *Session
}

// pendingCall correlates one CALL with its INVOCATION until a terminal
// message reaches the caller.
type pendingCall struct {
	caller    *Session
	callerReq wamp.ID

	callee *Session
	invID  wamp.ID

	timer       *time.Timer
	progressive bool
}

func (pc *pendingCall) stopTimer() {
	if pc.timer != nil {
		pc.timer.Stop()
	}
}

// Dealer owns the procedure registrations of one realm and routes calls
// to invocations and results back. Structure is guarded by one mutex;
// no lock is held while sending to a session.
type Dealer struct {
	logger     *slog.Logger
	realmLabel string
	strictURI  bool

	mu          sync.Mutex
	exact       map[wamp.URI]*registration
	prefixTrie  *componentTrie[registration]
	prefixByURI map[wamp.URI]*registration
	wildcard    map[wamp.URI]*registration
	regs        map[wamp.ID]*registration
	sessionRegs map[*Session]map[wamp.ID]*registration
	regIDGen    wamp.IDGen

	calls       map[*Session]map[wamp.ID]*pendingCall // by caller request
	invocations map[*Session]map[wamp.ID]*pendingCall // by callee invocation
}

// NewDealer returns an empty dealer for one realm.
func NewDealer(realm wamp.URI, strictURI bool, logger *slog.Logger) *Dealer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dealer{
		logger:      logger,
		realmLabel:  string(realm),
		strictURI:   strictURI,
		exact:       make(map[wamp.URI]*registration),
		prefixTrie:  newComponentTrie[registration](),
		prefixByURI: make(map[wamp.URI]*registration),
		wildcard:    make(map[wamp.URI]*registration),
		regs:        make(map[wamp.ID]*registration),
		sessionRegs: make(map[*Session]map[wamp.ID]*registration),
		calls:       make(map[*Session]map[wamp.ID]*pendingCall),
		invocations: make(map[*Session]map[wamp.ID]*pendingCall),
	}
}

// Register handles a REGISTER request. An exact registration conflicts
// with a live exact one on the same URI; patterned registrations conflict
// with overlapping patterns of the same policy.
func (d *Dealer) Register(sess *Session, msg *wamp.Register) {
	policy := msg.Options.OptString("match")
	if policy == "" {
		policy = wamp.MatchExact
	}
	if !wamp.ValidMatchPolicy(policy) {
		sess.sendError(wamp.REGISTER, msg.Request, wamp.ErrInvalidArgument,
			wamp.Dict{"message": fmt.Sprintf("unknown match policy %q", policy)})
		return
	}
	if invoke := msg.Options.OptString("invoke"); invoke != "" && invoke != "single" {
		sess.sendError(wamp.REGISTER, msg.Request, wamp.ErrOptionNotAllowed,
			wamp.Dict{"message": fmt.Sprintf("invoke policy %q not supported", invoke)})
		return
	}
	if !msg.Procedure.ValidURI(d.strictURI, policy) {
		sess.sendError(wamp.REGISTER, msg.Request, wamp.ErrInvalidURI, nil)
		return
	}

	d.mu.Lock()
	if d.conflictsLocked(msg.Procedure, policy) {
		d.mu.Unlock()
		sess.sendError(wamp.REGISTER, msg.Request, wamp.ErrProcedureAlreadyExists, nil)
		return
	}
	reg := &registration{
		id:        d.regIDGen.Next(),
		procedure: msg.Procedure,
		policy:    policy,
		callee:    sess,
	}
	switch policy {
	case wamp.MatchPrefix:
		d.prefixByURI[msg.Procedure] = reg
		d.prefixTrie.insert(msg.Procedure.Split(), reg)
	case wamp.MatchWildcard:
		d.wildcard[msg.Procedure] = reg
	default:
		d.exact[msg.Procedure] = reg
	}
	d.regs[reg.id] = reg
	if d.sessionRegs[sess] == nil {
		d.sessionRegs[sess] = make(map[wamp.ID]*registration)
	}
	d.sessionRegs[sess][reg.id] = reg
	d.mu.Unlock()

	metricRegistrationsActive.WithLabelValues(d.realmLabel).Inc()
	sess.send(&wamp.Registered{Request: msg.Request, Registration: reg.id})
}

// Unregister handles an UNREGISTER request. In-flight invocations for the
// registration keep running; only new calls stop routing to it.
func (d *Dealer) Unregister(sess *Session, msg *wamp.Unregister) {
	d.mu.Lock()
	reg := d.regs[msg.Registration]
	if reg == nil || reg.callee != sess {
		d.mu.Unlock()
		sess.sendError(wamp.UNREGISTER, msg.Request, wamp.ErrNoSuchRegistration, nil)
		return
	}
	d.dropRegistrationLocked(reg)
	d.mu.Unlock()

	metricRegistrationsActive.WithLabelValues(d.realmLabel).Dec()
	sess.send(&wamp.Unregistered{Request: msg.Request})
}

// Call handles a CALL request: resolves the callee (exact beats prefix
// beats wildcard; lowest registration ID breaks ties within a policy),
// allocates an invocation, and forwards INVOCATION.
func (d *Dealer) Call(caller *Session, msg *wamp.Call) {
	if !msg.Procedure.ValidURI(d.strictURI, wamp.MatchExact) {
		caller.sendError(wamp.CALL, msg.Request, wamp.ErrInvalidURI, nil)
		return
	}

	d.mu.Lock()
	reg := d.matchLocked(msg.Procedure)
	if reg == nil {
		d.mu.Unlock()
		caller.sendError(wamp.CALL, msg.Request, wamp.ErrNoSuchProcedure, nil)
		return
	}

	callee := reg.callee
	pc := &pendingCall{
		caller:      caller,
		callerReq:   msg.Request,
		callee:      callee,
		invID:       callee.idGen.Next(),
		progressive: msg.Options.OptBool("receive_progress", false),
	}
	if ms, ok := msg.Options.OptInt64("timeout"); ok && ms > 0 {
		pc.timer = time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
			d.timeoutCall(pc)
		})
	}
	if d.calls[caller] == nil {
		d.calls[caller] = make(map[wamp.ID]*pendingCall)
	}
	d.calls[caller][pc.callerReq] = pc
	if d.invocations[callee] == nil {
		d.invocations[callee] = make(map[wamp.ID]*pendingCall)
	}
	d.invocations[callee][pc.invID] = pc
	d.mu.Unlock()

	details := wamp.Dict{}
	if reg.policy != wamp.MatchExact {
		details["procedure"] = string(msg.Procedure)
	}
	if pc.progressive {
		details["receive_progress"] = true
	}
	if msg.Options.OptBool("disclose_me", false) {
		details["caller"] = uint64(caller.ID)
	}

	metricCalls.WithLabelValues(d.realmLabel).Inc()
	metricCallsPending.WithLabelValues(d.realmLabel).Inc()
	callee.send(&wamp.Invocation{
		Request:      pc.invID,
		Registration: reg.id,
		Details:      details,
		Arguments:    msg.Arguments,
		ArgumentsKw:  msg.ArgumentsKw,
	})
}

// Yield handles a YIELD from a callee. A progressive yield keeps the call
// open and, when the caller asked for receive_progress, forwards a RESULT
// with progress=true (otherwise it is dropped); anything else is terminal.
func (d *Dealer) Yield(callee *Session, msg *wamp.Yield) {
	progress := msg.Options.OptBool("progress", false)

	d.mu.Lock()
	pc := d.lookupInvocationLocked(callee, msg.Request)
	if pc == nil {
		d.mu.Unlock()
		// A yield can legitimately trail a skip-cancel or a timeout.
		d.logger.Debug("yield for unknown invocation",
			slog.Uint64("invocation_id", uint64(msg.Request)),
		)
		return
	}
	if progress {
		forward := pc.progressive
		d.mu.Unlock()
		if forward {
			pc.caller.send(&wamp.Result{
				Request:     pc.callerReq,
				Details:     wamp.Dict{"progress": true},
				Arguments:   msg.Arguments,
				ArgumentsKw: msg.ArgumentsKw,
			})
		}
		return
	}
	d.completeLocked(pc)
	d.mu.Unlock()

	metricCallsPending.WithLabelValues(d.realmLabel).Dec()
	pc.caller.send(&wamp.Result{
		Request:     pc.callerReq,
		Details:     wamp.Dict{},
		Arguments:   msg.Arguments,
		ArgumentsKw: msg.ArgumentsKw,
	})
}

// CallError handles an ERROR a callee raised against an INVOCATION,
// forwarding it to the caller under the original request ID. This is also
// how a kill-mode cancel completes.
func (d *Dealer) CallError(callee *Session, msg *wamp.Error) {
	d.mu.Lock()
	pc := d.lookupInvocationLocked(callee, msg.Request)
	if pc == nil {
		d.mu.Unlock()
		d.logger.Debug("error for unknown invocation",
			slog.Uint64("invocation_id", uint64(msg.Request)),
		)
		return
	}
	d.completeLocked(pc)
	d.mu.Unlock()

	metricCallsPending.WithLabelValues(d.realmLabel).Dec()
	pc.caller.send(&wamp.Error{
		Type:        wamp.CALL,
		Request:     pc.callerReq,
		Details:     msg.Details,
		Error:       msg.Error,
		Arguments:   msg.Arguments,
		ArgumentsKw: msg.ArgumentsKw,
	})
}

// Cancel handles a CANCEL from the caller. skip answers the caller
// without touching the callee; kill interrupts the callee and waits for
// its reply; killnowait interrupts and answers immediately.
func (d *Dealer) Cancel(caller *Session, msg *wamp.Cancel) {
	mode := msg.Options.OptString("mode")
	if mode == "" {
		mode = cancelModeKillNoWait
	}
	switch mode {
	case cancelModeSkip, cancelModeKill, cancelModeKillNoWait:
	default:
		d.logger.Debug("cancel with unknown mode", slog.String("mode", mode))
		mode = cancelModeKillNoWait
	}

	d.mu.Lock()
	pc := d.lookupCallLocked(caller, msg.Request)
	if pc == nil {
		// Already terminal; edge-triggered cancellation drops the late signal.
		d.mu.Unlock()
		return
	}

	switch mode {
	case cancelModeSkip:
		d.completeLocked(pc)
		d.mu.Unlock()
		metricCallsPending.WithLabelValues(d.realmLabel).Dec()
		pc.caller.send(&wamp.Error{
			Type:    wamp.CALL,
			Request: pc.callerReq,
			Details: wamp.Dict{},
			Error:   wamp.ErrCanceled,
		})
	case cancelModeKill:
		d.mu.Unlock()
		// The pending call stays; the callee's ERROR becomes the
		// caller's terminal message via CallError.
		pc.callee.send(&wamp.Interrupt{
			Request: pc.invID,
			Options: wamp.Dict{"mode": mode},
		})
	case cancelModeKillNoWait:
		d.completeLocked(pc)
		d.mu.Unlock()
		metricCallsPending.WithLabelValues(d.realmLabel).Dec()
		pc.callee.send(&wamp.Interrupt{
			Request: pc.invID,
			Options: wamp.Dict{"mode": mode},
		})
		pc.caller.send(&wamp.Error{
			Type:    wamp.CALL,
			Request: pc.callerReq,
			Details: wamp.Dict{},
			Error:   wamp.ErrCanceled,
		})
	}
}

// timeoutCall fires when a call's deadline passes: the callee is
// interrupted and the caller receives a timeout error, exactly once even
// if a result races the timer.
func (d *Dealer) timeoutCall(pc *pendingCall) {
	d.mu.Lock()
	if d.lookupCallLocked(pc.caller, pc.callerReq) != pc {
		d.mu.Unlock()
		return
	}
	d.completeLocked(pc)
	d.mu.Unlock()

	metricCallsPending.WithLabelValues(d.realmLabel).Dec()
	pc.callee.send(&wamp.Interrupt{
		Request: pc.invID,
		Options: wamp.Dict{"mode": cancelModeKillNoWait},
	})
	pc.caller.send(&wamp.Error{
		Type:    wamp.CALL,
		Request: pc.callerReq,
		Details: wamp.Dict{},
		Error:   wamp.ErrTimeout,
	})
}

// RemoveSession revokes the session's registrations and settles every
// pending call it participates in, on either side.
func (d *Dealer) RemoveSession(sess *Session) {
	type interruptOut struct {
		callee *Session
		invID  wamp.ID
	}
	type errorOut struct {
		caller *Session
		req    wamp.ID
	}
	var interrupts []interruptOut
	var errored []errorOut

	d.mu.Lock()
	owned := d.sessionRegs[sess]
	for _, reg := range owned {
		d.dropRegistrationLocked(reg)
	}

	// Calls this session made: interrupt each callee, killnowait style.
	for _, pc := range d.calls[sess] {
		pc.stopTimer()
		d.deleteInvocationLocked(pc)
		interrupts = append(interrupts, interruptOut{callee: pc.callee, invID: pc.invID})
	}
	delete(d.calls, sess)

	// Invocations this session was serving: tell each caller.
	for _, pc := range d.invocations[sess] {
		pc.stopTimer()
		d.deleteCallLocked(pc)
		errored = append(errored, errorOut{caller: pc.caller, req: pc.callerReq})
	}
	delete(d.invocations, sess)
	d.mu.Unlock()

	if n := len(owned); n > 0 {
		metricRegistrationsActive.WithLabelValues(d.realmLabel).Sub(float64(n))
	}
	if n := len(interrupts) + len(errored); n > 0 {
		metricCallsPending.WithLabelValues(d.realmLabel).Sub(float64(n))
	}
	for _, out := range interrupts {
		out.callee.send(&wamp.Interrupt{
			Request: out.invID,
			Options: wamp.Dict{"mode": cancelModeKillNoWait},
		})
	}
	for _, out := range errored {
		out.caller.send(&wamp.Error{
			Type:    wamp.CALL,
			Request: out.req,
			Details: wamp.Dict{"reason": "callee_disconnect"},
			Error:   wamp.ErrCanceled,
		})
	}
}

// RegistrationCount returns the number of live registrations.
func (d *Dealer) RegistrationCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.regs)
}

// matchLocked resolves the single registration for a call URI: exact
// first, then component-aligned prefixes, then wildcards. Within a
// policy, the lowest registration ID wins.
func (d *Dealer) matchLocked(procedure wamp.URI) *registration {
	if reg, ok := d.exact[procedure]; ok {
		return reg
	}
	var best *registration
	for _, reg := range d.prefixTrie.matches(procedure.Split()) {
		if best == nil || reg.id < best.id {
			best = reg
		}
	}
	if best != nil {
		return best
	}
	for _, reg := range d.wildcard {
		if reg.procedure.WildcardMatch(procedure) {
			if best == nil || reg.id < best.id {
				best = reg
			}
		}
	}
	return best
}

// conflictsLocked reports whether a new registration would overlap a live
// one of the same policy. Exact URIs may sit under a live pattern; the
// match precedence resolves them at call time.
func (d *Dealer) conflictsLocked(procedure wamp.URI, policy string) bool {
	switch policy {
	case wamp.MatchPrefix:
		return d.prefixTrie.anyOnPath(procedure.Split())
	case wamp.MatchWildcard:
		for _, reg := range d.wildcard {
			if wildcardsOverlap(reg.procedure, procedure) {
				return true
			}
		}
		return false
	default:
		_, exists := d.exact[procedure]
		return exists
	}
}

func (d *Dealer) dropRegistrationLocked(reg *registration) {
	switch reg.policy {
	case wamp.MatchPrefix:
		if d.prefixByURI[reg.procedure] == reg {
			delete(d.prefixByURI, reg.procedure)
			d.prefixTrie.remove(reg.procedure.Split())
		}
	case wamp.MatchWildcard:
		if d.wildcard[reg.procedure] == reg {
			delete(d.wildcard, reg.procedure)
		}
	default:
		if d.exact[reg.procedure] == reg {
			delete(d.exact, reg.procedure)
		}
	}
	delete(d.regs, reg.id)
	if owned := d.sessionRegs[reg.callee]; owned != nil {
		delete(owned, reg.id)
		if len(owned) == 0 {
			delete(d.sessionRegs, reg.callee)
		}
	}
}

func (d *Dealer) lookupCallLocked(caller *Session, req wamp.ID) *pendingCall {
	if m := d.calls[caller]; m != nil {
		return m[req]
	}
	return nil
}

func (d *Dealer) lookupInvocationLocked(callee *Session, invID wamp.ID) *pendingCall {
	if m := d.invocations[callee]; m != nil {
		return m[invID]
	}
	return nil
}

// completeLocked makes the call terminal: timer stopped, both indexes
// cleared. The caller-facing terminal message is sent by the caller of
// this function, outside the lock.
func (d *Dealer) completeLocked(pc *pendingCall) {
	pc.stopTimer()
	d.deleteCallLocked(pc)
	d.deleteInvocationLocked(pc)
}

func (d *Dealer) deleteCallLocked(pc *pendingCall) {
	if m := d.calls[pc.caller]; m != nil && m[pc.callerReq] == pc {
		delete(m, pc.callerReq)
		if len(m) == 0 {
			delete(d.calls, pc.caller)
		}
	}
}

func (d *Dealer) deleteInvocationLocked(pc *pendingCall) {
	if m := d.invocations[pc.callee]; m != nil && m[pc.invID] == pc {
		delete(m, pc.invID)
		if len(m) == 0 {
			delete(d.invocations, pc.callee)
		}
	}
}

// wildcardsOverlap reports whether two wildcard patterns can match a
// common URI: equal arity, and at each position the components are equal
// or at least one is empty.
func wildcardsOverlap(a, b wamp.URI) bool {
	ac := a.Split()
	bc := b.Split()
	if len(ac) != len(bc) {
		return false
	}
	for i := range ac {
		if ac[i] != "" && bc[i] != "" && ac[i] != bc[i] {
			return false
		}
	}
	return true
}
